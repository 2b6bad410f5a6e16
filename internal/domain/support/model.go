// Package support files tickets with the operations team: missing-trial
// reports, claim disputes and general requests. Tickets go to a Sink; a
// failed submission is reported to the caller and never retried here.
package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSinkUnavailable is transient: the caller may resubmit.
	ErrSinkUnavailable = errors.New("support ticket service unavailable")
	ErrInvalidTicket   = errors.New("invalid ticket")
)

type Category string

const (
	CategoryMissingTrial Category = "missing_trial"
	CategoryClaimDispute Category = "claim_dispute"
	CategoryOther        Category = "other"
)

func ParseCategory(raw string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(raw))); c {
	case CategoryMissingTrial, CategoryClaimDispute, CategoryOther:
		return c, true
	}
	return "", false
}

type Ticket struct {
	ID          string            `json:"id"`
	Category    Category          `json:"category"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ReporterID  string            `json:"reporter_id"`
	ContactInfo string            `json:"contact_info,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Validate checks the fields every sink relies on.
func (t *Ticket) Validate() error {
	if _, ok := ParseCategory(string(t.Category)); !ok {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidTicket, t.Category)
	}
	if strings.TrimSpace(t.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidTicket)
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidTicket)
	}
	return nil
}

// Ack confirms a ticket was accepted by the sink.
type Ack struct {
	TicketID  string `json:"ticket_id"`
	Reference string `json:"reference,omitempty"`
}

// Sink receives tickets.
type Sink interface {
	Submit(ctx context.Context, t Ticket) (Ack, error)
}
