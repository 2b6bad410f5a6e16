package site

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// LocationKey identifies a claimable physical location within a study:
// lower(trim(city)) | lower(trim(state)) | lower(trim(facility)).
// Two sites are the same location iff their keys are equal.
type LocationKey string

// NewLocationKey builds the key. A nil facility contributes an empty segment.
func NewLocationKey(city, state string, facility *string) LocationKey {
	f := ""
	if facility != nil {
		f = *facility
	}
	return LocationKey(normalizePart(city) + "|" + normalizePart(state) + "|" + normalizePart(f))
}

func (k LocationKey) String() string { return string(k) }

func normalizePart(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	// Casers hold state; one per call keeps NewLocationKey goroutine-safe.
	return cases.Lower(language.Und).String(s)
}
