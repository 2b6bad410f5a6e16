// Package webhook delivers HMAC-SHA256 signed JSON events to a single
// configured endpoint. Delivery is attempted once; callers decide what a
// failure means.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-ID"
	HeaderEventType = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Event is the envelope POSTed to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DeliveryAttempt records the outcome of one POST.
type DeliveryAttempt struct {
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"` // "success", "failed"
	Error        string        `json:"error,omitempty"`
}

// Client posts signed events to one URL.
type Client struct {
	url    string
	secret string
	http   *resty.Client
	now    func() time.Time
}

// NewClient builds a client. An empty secret sends unsigned requests.
func NewClient(url, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:    url,
		secret: secret,
		http:   resty.New().SetTimeout(timeout).SetRetryCount(0),
		now:    time.Now,
	}
}

// Deliver marshals data into an Event and POSTs it. A transport failure or
// a non-2xx response yields a failed attempt and a non-nil error.
func (c *Client) Deliver(ctx context.Context, eventType string, data interface{}) (*DeliveryAttempt, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	now := c.now().UTC()
	event := Event{ID: uuid.NewString(), Type: eventType, Timestamp: now, Data: raw}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	attempt := &DeliveryAttempt{EventID: event.ID, EventType: eventType}
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderEventID, event.ID).
		SetHeader(HeaderEventType, eventType).
		SetHeader(HeaderTimestamp, now.Format(time.RFC3339)).
		SetBody(payload)
	if c.secret != "" {
		req.SetHeader(HeaderSignature, "sha256="+SignPayload(payload, c.secret))
	}

	start := time.Now()
	resp, err := req.Post(c.url)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt, fmt.Errorf("deliver %s: %w", eventType, err)
	}

	attempt.StatusCode = resp.StatusCode()
	body := resp.String()
	if len(body) > 1024 {
		body = body[:1024]
	}
	attempt.ResponseBody = body
	if !resp.IsSuccess() {
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode())
		return attempt, fmt.Errorf("deliver %s: %s", eventType, attempt.Error)
	}
	attempt.Status = "success"
	return attempt, nil
}

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
