package support

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/platform/telemetry"
)

type Service struct {
	sink    Sink
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(sink Sink, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		sink:    sink,
		metrics: metrics,
		logger:  logger.With().Str("component", "support").Logger(),
		now:     time.Now,
	}
}

// Submit stamps, validates and forwards t. Sink failures are returned as
// ErrSinkUnavailable.
func (s *Service) Submit(ctx context.Context, t Ticket) (Ack, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if err := t.Validate(); err != nil {
		return Ack{}, err
	}

	ack, err := s.sink.Submit(ctx, t)
	if err != nil {
		s.metrics.IncTicket(string(t.Category), "failed")
		s.logger.Warn().Err(err).Str("ticket_id", t.ID).Str("category", string(t.Category)).Msg("ticket submission failed")
		if !errors.Is(err, ErrSinkUnavailable) {
			err = errors.Join(ErrSinkUnavailable, err)
		}
		return Ack{}, err
	}
	s.metrics.IncTicket(string(t.Category), "submitted")
	return ack, nil
}
