package site

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/trialsites/trialsites/internal/geo"
)

// Repository is the site store.
type Repository interface {
	FindSites(ctx context.Context, q Query) ([]Candidate, error)
	ListByStudy(ctx context.Context, studyID string) ([]Site, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Site, error)
	ListMissingCoordinates(ctx context.Context, limit int) ([]Site, error)
	UpdateCoordinates(ctx context.Context, id uuid.UUID, p geo.Point) error
	SaveStudy(ctx context.Context, st *Study) error
	CreateSite(ctx context.Context, s *Site) error
}

// lonScale shrinks longitude degrees to latitude-equivalent degrees at p's
// latitude, for the nearest-first ordering of FindSites.
func lonScale(p geo.Point) float64 {
	return math.Cos(p.Lat * math.Pi / 180)
}
