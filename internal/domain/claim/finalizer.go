package claim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome is what happened to one staged entry during a commit.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	// OutcomeConflict means the location already carries an active claim.
	OutcomeConflict     Outcome = "conflict"
	OutcomeFailed       Outcome = "failed"
	OutcomeNotAttempted Outcome = "not_attempted"
)

type EntryResult struct {
	Entry   StagedEntry `json:"entry"`
	Outcome Outcome     `json:"outcome"`
	Claim   *Claim      `json:"claim,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Report is the per-entry result of one commit, in staging order.
// StagingStale is set when the claims were written but the session queue
// could not be updated; the caller should clear its staged entries.
type Report struct {
	Status       Status        `json:"status"`
	Results      []EntryResult `json:"results"`
	StagingStale bool          `json:"staging_stale,omitempty"`
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Complete reports whether every entry was inserted.
func (r Report) Complete() bool {
	return len(r.Results) > 0 && r.Count(OutcomeInserted) == len(r.Results)
}

// InsertedTempIDs lists the staged entries that became claims.
func (r Report) InsertedTempIDs() []string {
	var out []string
	for _, res := range r.Results {
		if res.Outcome == OutcomeInserted {
			out = append(out, res.Entry.TempID)
		}
	}
	return out
}

// ClaimInserter persists claims one by one.
type ClaimInserter interface {
	InsertBatch(ctx context.Context, claims []Claim) ([]error, error)
}

// Finalizer turns staged entries into claims. It is the only path that
// creates claims.
type Finalizer struct {
	claims ClaimInserter
	now    func() time.Time
}

func NewFinalizer(claims ClaimInserter) *Finalizer {
	return &Finalizer{claims: claims, now: time.Now}
}

// Finalize persists one claim per entry, all in owner.InitialStatus().
// Inserts are not rolled back: the report says which entries became claims.
// An entry repeating an earlier (study, location) of the same batch is a
// conflict and never reaches the store. An infrastructure failure marks its
// entry failed and the rest not_attempted; Finalize still returns the
// report with a nil error. The only error is ErrEmptyBatch.
func (f *Finalizer) Finalize(ctx context.Context, owner Owner, entries []StagedEntry) (Report, error) {
	if len(entries) == 0 {
		return Report{}, ErrEmptyBatch
	}
	ctx, span := tracer.Start(ctx, "claim.Finalize")
	defer span.End()

	status := owner.InitialStatus()
	now := f.now().UTC()
	report := Report{Status: status, Results: make([]EntryResult, len(entries))}

	var (
		batch   []Claim
		batchAt []int
		seen    = make(map[stagedKey]struct{}, len(entries))
	)
	for i, e := range entries {
		report.Results[i] = EntryResult{Entry: e, Outcome: OutcomeNotAttempted}
		if _, dup := seen[e.identity()]; dup {
			report.Results[i].Outcome = OutcomeConflict
			report.Results[i].Message = ErrConflict.Error()
			continue
		}
		seen[e.identity()] = struct{}{}

		c := Claim{
			ID:          uuid.New(),
			StudyID:     e.StudyID,
			LocationKey: e.LocationKey,
			OwnerID:     owner.ID,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if e.Site.ID != uuid.Nil {
			sid := e.Site.ID
			c.SiteID = &sid
		}
		batch = append(batch, c)
		batchAt = append(batchAt, i)
	}

	results, err := f.claims.InsertBatch(ctx, batch)
	for j, res := range results {
		r := &report.Results[batchAt[j]]
		switch {
		case res == nil:
			c := batch[j]
			r.Outcome = OutcomeInserted
			r.Claim = &c
		case errors.Is(res, ErrConflict):
			r.Outcome = OutcomeConflict
			r.Message = ErrConflict.Error()
		default:
			r.Outcome = OutcomeFailed
			r.Message = res.Error()
		}
	}
	if err != nil && len(results) < len(batch) {
		span.RecordError(err)
		r := &report.Results[batchAt[len(results)]]
		r.Outcome = OutcomeFailed
		r.Message = err.Error()
	}

	span.SetAttributes(
		attribute.String("status", string(status)),
		attribute.Int("entries", len(entries)),
		attribute.Int("inserted", report.Count(OutcomeInserted)),
		attribute.Int("conflicts", report.Count(OutcomeConflict)),
	)
	return report, nil
}
