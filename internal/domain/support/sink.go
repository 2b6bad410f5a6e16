package support

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/platform/webhook"
)

const EventTicketCreated = "support.ticket.created"

// WebhookSink forwards tickets as signed webhook events.
type WebhookSink struct {
	client *webhook.Client
}

func NewWebhookSink(client *webhook.Client) *WebhookSink {
	return &WebhookSink{client: client}
}

func (s *WebhookSink) Submit(ctx context.Context, t Ticket) (Ack, error) {
	attempt, err := s.client.Deliver(ctx, EventTicketCreated, t)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	ack := Ack{TicketID: t.ID}
	var body struct {
		Reference string `json:"reference"`
	}
	if json.Unmarshal([]byte(attempt.ResponseBody), &body) == nil {
		ack.Reference = body.Reference
	}
	return ack, nil
}

// LogSink records tickets in the service log. Used when no webhook is
// configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "support").Logger()}
}

func (s *LogSink) Submit(_ context.Context, t Ticket) (Ack, error) {
	s.logger.Info().
		Str("ticket_id", t.ID).
		Str("category", string(t.Category)).
		Str("reporter_id", t.ReporterID).
		Str("subject", t.Subject).
		Msg("support ticket filed")
	return Ack{TicketID: t.ID}, nil
}
