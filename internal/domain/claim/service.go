package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/domain/support"
	"github.com/trialsites/trialsites/internal/platform/telemetry"
	"github.com/trialsites/trialsites/internal/platform/websocket"
)

const (
	EventCommitted     = "claims.committed"
	EventStatusChanged = "claims.status_changed"
	EventReleased      = "claims.released"
	EventPendingCount  = "claims.pending_count"
)

// TicketSubmitter accepts support tickets. Both support.Sink and
// *support.Service satisfy it.
type TicketSubmitter interface {
	Submit(ctx context.Context, t support.Ticket) (support.Ack, error)
}

// Session identifies the caller's staging queue.
type Session struct {
	Owner Owner
	ID    string
}

func (s Session) key() string {
	return SessionKey(s.Owner.ID, s.ID)
}

type Service struct {
	sites     site.Repository
	claims    Repository
	detector  *Detector
	finalizer *Finalizer
	sessions  SessionStore
	tickets   TicketSubmitter
	events    websocket.EventPublisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// NewService wires the claim flow. events may be nil.
func NewService(sites site.Repository, claims Repository, sessions SessionStore, tickets TicketSubmitter,
	events websocket.EventPublisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		sites:     sites,
		claims:    claims,
		detector:  NewDetector(sites, claims),
		finalizer: NewFinalizer(claims),
		sessions:  sessions,
		tickets:   tickets,
		events:    events,
		metrics:   metrics,
		logger:    logger.With().Str("component", "claim").Logger(),
	}
}

// Claimability assesses every site of studyID for the session's owner,
// taking the session's staged entries into account.
func (s *Service) Claimability(ctx context.Context, sess Session, studyID string) ([]Assessment, error) {
	q, err := s.sessions.Load(ctx, sess.key())
	if err != nil {
		return nil, err
	}
	return s.detector.Assess(ctx, studyID, sess.Owner, q.ForStudy(studyID))
}

// Stage adds the given sites of studyID to the session queue. Every site
// must be registered for the study and currently available; otherwise
// nothing is staged.
func (s *Service) Stage(ctx context.Context, sess Session, studyID string, siteIDs []uuid.UUID) ([]StagedEntry, error) {
	q, err := s.sessions.Load(ctx, sess.key())
	if err != nil {
		return nil, err
	}
	assessments, err := s.detector.Assess(ctx, studyID, sess.Owner, q.ForStudy(studyID))
	if err != nil {
		return nil, err
	}

	entries := make([]StagedEntry, 0, len(siteIDs))
	for _, id := range siteIDs {
		a, ok := Find(assessments, id)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not registered for study %s", site.ErrNotFound, id, studyID)
		}
		if a.Category != CategoryAvailable {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotAvailable, a.Site.Describe(), a.Category)
		}
		entries = append(entries, NewStagedEntry(studyID, a.Site))
	}

	added, err := q.Add(entries...)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess.key(), q); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Service) Staged(ctx context.Context, sess Session) ([]StagedEntry, error) {
	q, err := s.sessions.Load(ctx, sess.key())
	if err != nil {
		return nil, err
	}
	return q.Entries(), nil
}

func (s *Service) Unstage(ctx context.Context, sess Session, tempID string) error {
	q, err := s.sessions.Load(ctx, sess.key())
	if err != nil {
		return err
	}
	if !q.Remove(tempID) {
		return ErrStagedNotFound
	}
	return s.sessions.Save(ctx, sess.key(), q)
}

func (s *Service) ClearStaging(ctx context.Context, sess Session) error {
	q, err := s.sessions.Load(ctx, sess.key())
	if err != nil {
		return err
	}
	q.Clear()
	return s.sessions.Save(ctx, sess.key(), q)
}

// Commit finalizes the session queue. Inserted entries leave the queue;
// conflicting, failed and unattempted entries stay staged so the owner can
// re-check and retry them.
func (s *Service) Commit(ctx context.Context, sess Session) (Report, error) {
	q, err := s.sessions.Load(ctx, sess.key())
	if err != nil {
		return Report{}, err
	}
	report, err := s.finalizer.Finalize(ctx, sess.Owner, q.Entries())
	if err != nil {
		return Report{}, err
	}

	if report.Complete() {
		q.Clear()
	} else {
		q.RemoveAll(report.InsertedTempIDs()...)
	}
	if err := s.sessions.Save(ctx, sess.key(), q); err != nil {
		s.logger.Warn().Err(err).Str("owner_id", sess.Owner.ID).Msg("failed to save staging session after commit, retrying")
		if err := s.sessions.Save(ctx, sess.key(), q); err != nil {
			s.logger.Error().Err(err).Str("owner_id", sess.Owner.ID).Msg("staging session is stale after commit")
			report.StagingStale = true
		}
	}

	studies := map[string]int{}
	for _, r := range report.Results {
		s.metrics.IncClaimOutcome(string(r.Outcome))
		if r.Outcome == OutcomeInserted {
			studies[r.Entry.StudyID]++
		}
		if r.Outcome == OutcomeFailed {
			s.logger.Error().Str("owner_id", sess.Owner.ID).Str("study_id", r.Entry.StudyID).
				Str("location_key", r.Entry.LocationKey.String()).Str("error", r.Message).Msg("claim insert failed")
		}
	}
	s.logger.Info().
		Str("owner_id", sess.Owner.ID).
		Str("status", string(report.Status)).
		Int("entries", len(report.Results)).
		Int("inserted", report.Count(OutcomeInserted)).
		Int("conflicts", report.Count(OutcomeConflict)).
		Int("failed", report.Count(OutcomeFailed)).
		Msg("claims committed")

	for studyID, n := range studies {
		s.publish(ctx, EventCommitted, websocket.StudyTopic(studyID), studyID, map[string]interface{}{
			"owner_id": sess.Owner.ID,
			"inserted": n,
			"status":   report.Status,
		})
	}
	if len(studies) > 0 && report.Status == StatusPendingVerification {
		s.publishPendingCount(ctx)
	}
	return report, nil
}

func (s *Service) ListClaims(ctx context.Context, ownerID string, limit, offset int) ([]Claim, int, error) {
	return s.claims.ListByOwner(ctx, ownerID, limit, offset)
}

// Dispute files a claim_dispute ticket against the active claim another
// owner holds on siteID. A ticket sink failure is returned as
// support.ErrSinkUnavailable and is not retried.
func (s *Service) Dispute(ctx context.Context, sess Session, studyID string, siteID uuid.UUID, reason, contact string) (support.Ack, error) {
	assessments, err := s.detector.Assess(ctx, studyID, sess.Owner, nil)
	if err != nil {
		return support.Ack{}, err
	}
	a, ok := Find(assessments, siteID)
	if !ok {
		return support.Ack{}, fmt.Errorf("%w: %s is not registered for study %s", site.ErrNotFound, siteID, studyID)
	}
	if a.Category != CategoryClaimedByOther {
		return support.Ack{}, ErrNotDisputable
	}

	t := BuildDisputeTicket(studyID, a.Site, sess.Owner, reason)
	t.ContactInfo = contact
	t.Metadata["claim_id"] = a.Claim.ID.String()

	ack, err := s.tickets.Submit(ctx, t)
	if err != nil {
		s.logger.Warn().Err(err).Str("study_id", studyID).Str("site_id", siteID.String()).Msg("dispute ticket not filed")
		if !errors.Is(err, support.ErrSinkUnavailable) {
			err = errors.Join(support.ErrSinkUnavailable, err)
		}
		return support.Ack{}, err
	}
	s.logger.Info().Str("study_id", studyID).Str("site_id", siteID.String()).
		Str("owner_id", sess.Owner.ID).Str("ticket_id", ack.TicketID).Msg("dispute filed")
	return ack, nil
}

// Approve moves a pending or disputed claim to approved. Reinstating a
// disputed claim fails with ErrConflict if the location was claimed again
// in the meantime.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.transition(ctx, id, StatusApproved, func(from Status) bool {
		return from == StatusPendingVerification || from == StatusDisputed
	})
}

// MarkDisputed takes an active claim out of force, freeing the location.
func (s *Service) MarkDisputed(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.transition(ctx, id, StatusDisputed, Status.Active)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, allowed func(Status) bool) (*Claim, error) {
	c, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed(c.Status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, to)
	}
	from := c.Status
	if err := s.claims.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	c.Status = to

	s.logger.Info().Str("claim_id", id.String()).Str("study_id", c.StudyID).
		Str("from", string(from)).Str("to", string(to)).Msg("claim status changed")
	s.publish(ctx, EventStatusChanged, websocket.StudyTopic(c.StudyID), c.StudyID, map[string]interface{}{
		"claim_id": c.ID,
		"from":     from,
		"to":       to,
	})
	if from == StatusPendingVerification || to == StatusPendingVerification {
		s.publishPendingCount(ctx)
	}
	return c, nil
}

// Release deletes a claim, making its location available again.
func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	c, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.claims.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("claim_id", id.String()).Str("study_id", c.StudyID).Msg("claim released")
	s.publish(ctx, EventReleased, websocket.StudyTopic(c.StudyID), c.StudyID, map[string]interface{}{
		"claim_id":     c.ID,
		"location_key": c.LocationKey,
	})
	if c.Status == StatusPendingVerification {
		s.publishPendingCount(ctx)
	}
	return nil
}

// PendingCount returns the number of claims awaiting verification.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	n, err := s.claims.CountByStatus(ctx, StatusPendingVerification)
	if err != nil {
		return 0, err
	}
	s.metrics.SetPendingClaims(n)
	return n, nil
}

func (s *Service) publishPendingCount(ctx context.Context) {
	n, err := s.PendingCount(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to count pending claims")
		return
	}
	s.publish(ctx, EventPendingCount, websocket.TopicPendingVerification, "", map[string]int{"count": n})
}

func (s *Service) publish(ctx context.Context, eventType, topic, subject string, data interface{}) {
	if s.events == nil {
		return
	}
	ev, err := websocket.NewEvent(eventType, topic, subject, data)
	if err == nil {
		err = s.events.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("topic", topic).Msg("failed to publish event")
	}
}
