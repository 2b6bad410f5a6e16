// Package claim enforces that each physical site offering a study is
// claimed by at most one owner at a time. Owners inspect claimability,
// stage selections in a session queue and commit them as a batch; a claim
// held by someone else can only be contested through a dispute ticket.
package claim

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/trialsites/trialsites/internal/domain/site"
)

var (
	ErrNotFound = errors.New("claim not found")
	// ErrConflict is reported when the store already holds an active claim
	// for the same study and location.
	ErrConflict          = errors.New("this site was just claimed")
	ErrEmptyBatch        = errors.New("nothing staged to commit")
	ErrDuplicateStaged   = errors.New("duplicate location in staged selection")
	ErrNotAvailable      = errors.New("site is not available to claim")
	ErrNotDisputable     = errors.New("only sites claimed by another owner can be disputed")
	ErrInvalidTransition = errors.New("invalid claim status transition")
	ErrStagedNotFound    = errors.New("staged entry not found")
)

// Status is a claim's lifecycle state.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusApproved            Status = "approved"
	StatusDisputed            Status = "disputed"
)

// Active reports whether the claim blocks other owners.
func (s Status) Active() bool {
	return s == StatusPendingVerification || s == StatusApproved
}

func (s Status) Valid() bool {
	return s.Active() || s == StatusDisputed
}

// Owner is the researcher or organization making claims.
type Owner struct {
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
}

// InitialStatus is the status every claim of one commit starts in.
func (o Owner) InitialStatus() Status {
	if o.Verified {
		return StatusApproved
	}
	return StatusPendingVerification
}

type Claim struct {
	ID          uuid.UUID        `json:"id"`
	StudyID     string           `json:"study_id"`
	LocationKey site.LocationKey `json:"location_key"`
	SiteID      *uuid.UUID       `json:"site_id,omitempty"`
	OwnerID     string           `json:"owner_id"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// StagedEntry is a site selected for claiming but not yet committed. It
// lives only in the owner's session.
type StagedEntry struct {
	TempID      string           `json:"temp_id"`
	StudyID     string           `json:"study_id"`
	Site        site.Site        `json:"site"`
	LocationKey site.LocationKey `json:"location_key"`
	StagedAt    time.Time        `json:"staged_at"`
}

// NewStagedEntry snapshots s for staging under studyID.
func NewStagedEntry(studyID string, s site.Site) StagedEntry {
	return StagedEntry{
		StudyID:     studyID,
		Site:        s,
		LocationKey: s.Key(),
	}
}

type stagedKey struct {
	studyID string
	key     site.LocationKey
}

func (e StagedEntry) identity() stagedKey {
	return stagedKey{studyID: e.StudyID, key: e.LocationKey}
}
