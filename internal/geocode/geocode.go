// Package geocode resolves postal codes to coordinates and administrative
// region. Lookups never fail loudly: a malformed, unknown or unreachable
// lookup is reported as "not resolvable" so callers can fall back to a
// text-only search.
package geocode

import (
	"context"
	"strings"

	"github.com/trialsites/trialsites/internal/geo"
)

// Result is a resolved postal code.
type Result struct {
	PostalCode string    `json:"postal_code"`
	Point      geo.Point `json:"point"`
	RegionCode string    `json:"region_code"`
	Locality   string    `json:"locality"`
}

// Geocoder resolves a postal code. ok is false when the code cannot be
// resolved for any reason.
type Geocoder interface {
	Lookup(ctx context.Context, postalCode string) (Result, bool)
}

// NormalizePostalCode reduces a US ZIP or ZIP+4 to its five-digit form.
// It returns false for anything else.
func NormalizePostalCode(raw string) (string, bool) {
	code := strings.TrimSpace(raw)
	if i := strings.IndexByte(code, '-'); i >= 0 {
		plus4 := code[i+1:]
		if len(plus4) != 4 || !allDigits(plus4) {
			return "", false
		}
		code = code[:i]
	}
	if len(code) != 5 || !allDigits(code) {
		return "", false
	}
	return code, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
