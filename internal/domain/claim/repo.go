package claim

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the claim store. Every implementation enforces at most one
// active claim per (study, location key) and reports a violation as
// ErrConflict.
type Repository interface {
	FindByStudy(ctx context.Context, studyID string) ([]Claim, error)
	// InsertBatch inserts claims one at a time, without a surrounding
	// transaction. results[i] is nil or ErrConflict for claims[i]. A non-nil
	// error is an infrastructure failure at claims[len(results)]; later
	// claims were not attempted.
	InsertBatch(ctx context.Context, claims []Claim) (results []error, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Claim, int, error)
	// UpdateStatus returns ErrConflict when reactivating a claim whose
	// location has since been claimed by someone else.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	Delete(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context, status Status) (int, error)
}
