package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/trialsites/trialsites/internal/geo"
	"github.com/trialsites/trialsites/internal/geocode"
)

// Request is a search as typed by the caller. Seq is an opaque,
// caller-chosen sequence number echoed back so clients can drop responses
// that arrive after a newer search was issued.
type Request struct {
	Text        string
	PostalCode  string
	Origin      *geo.Point
	RadiusMiles float64
	Phase       string
	Sex         string
	Limit       int
	Seq         int64
}

func (r Request) normalized(cfg Config) Request {
	r.Text = strings.Join(strings.Fields(r.Text), " ")
	if code, ok := geocode.NormalizePostalCode(r.PostalCode); ok {
		r.PostalCode = code
	} else {
		r.PostalCode = strings.TrimSpace(r.PostalCode)
	}
	if r.RadiusMiles <= 0 {
		r.RadiusMiles = cfg.DefaultRadius
	}
	if r.RadiusMiles > cfg.MaxRadius {
		r.RadiusMiles = cfg.MaxRadius
	}
	r.Phase = strings.ToLower(strings.TrimSpace(r.Phase))
	if r.Phase == "" {
		r.Phase = "all"
	}
	r.Sex = strings.ToLower(strings.TrimSpace(r.Sex))
	if r.Sex == "" {
		r.Sex = "all"
	}
	if r.Limit <= 0 {
		r.Limit = cfg.DefaultLimit
	}
	if r.Limit > cfg.MaxLimit {
		r.Limit = cfg.MaxLimit
	}
	return r
}

// Fingerprint is a stable digest of the normalized request, excluding Seq.
// Equal fingerprints mean equal result sets for the same catalog state.
func (r Request) Fingerprint() string {
	origin := "-"
	if r.Origin != nil {
		origin = r.Origin.String()
	}
	raw := fmt.Sprintf("q=%s|zip=%s|at=%s|r=%.3f|phase=%s|sex=%s|n=%d",
		strings.ToLower(r.Text), r.PostalCode, origin, r.RadiusMiles, r.Phase, r.Sex, r.Limit)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:12])
}

// matchesPhase applies the phase filter. A token with a digit ("phase2",
// "2") matches when that digit run appears in the recorded phase, so
// "Phase 1/Phase 2" satisfies both phase1 and phase2.
func matchesPhase(filter, recorded string) bool {
	if filter == "" || filter == "all" {
		return true
	}
	if d := firstDigitRun(filter); d != "" {
		return strings.Contains(recorded, d)
	}
	return strings.Contains(strings.ToLower(recorded), filter)
}

// matchesSex applies the sex filter. A study recorded for "all" accepts any
// filter value.
func matchesSex(filter, recorded string) bool {
	if filter == "" || filter == "all" {
		return true
	}
	recorded = strings.TrimSpace(recorded)
	return strings.EqualFold(recorded, "all") || strings.EqualFold(recorded, filter)
}

func firstDigitRun(s string) string {
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start < 0 {
		return ""
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[start:end]
}
