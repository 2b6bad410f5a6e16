// Package site models registered research-site locations and the studies
// they offer. Sites are read-only to search and claiming; they change only
// through ingestion and coordinate repair.
package site

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/trialsites/trialsites/internal/geo"
)

var ErrNotFound = errors.New("site not found")

// Status is the operating status of a site.
type Status string

const (
	StatusRecruiting          Status = "recruiting"
	StatusActiveNotRecruiting Status = "active_not_recruiting"
	StatusNotYetRecruiting    Status = "not_yet_recruiting"
	StatusWithdrawn           Status = "withdrawn"
	StatusSuspended           Status = "suspended"
	StatusTerminated          Status = "terminated"
	StatusUnknown             Status = "unknown"
)

// SuppressedStatuses are never returned by search.
var SuppressedStatuses = []Status{StatusWithdrawn, StatusSuspended, StatusTerminated}

// ParseStatus maps a stored or ingested value onto a Status. Registry-style
// spellings ("Not yet recruiting", "ACTIVE_NOT_RECRUITING") are accepted;
// anything unrecognised becomes StatusUnknown.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_", ",", "").Replace(s)
	switch Status(s) {
	case StatusRecruiting, StatusActiveNotRecruiting, StatusNotYetRecruiting,
		StatusWithdrawn, StatusSuspended, StatusTerminated:
		return Status(s)
	}
	return StatusUnknown
}

// Suppressed reports whether sites in this status are hidden from search.
func (s Status) Suppressed() bool {
	for _, v := range SuppressedStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Study carries the study fields search filters and ranks on.
type Study struct {
	StudyID    string `db:"study_id" json:"study_id"`
	Title      string `db:"title" json:"title"`
	Conditions string `db:"conditions" json:"conditions"`
	Phase      string `db:"phase" json:"phase"`
	Sex        string `db:"sex" json:"sex"`
}

// Site is one physical location at which a study runs.
type Site struct {
	ID          uuid.UUID  `json:"id"`
	StudyID     string     `json:"study_id"`
	Facility    *string    `json:"facility,omitempty"`
	City        string     `json:"city"`
	State       string     `json:"state"`
	PostalCode  *string    `json:"postal_code,omitempty"`
	Coordinates *geo.Point `json:"coordinates,omitempty"`
	Status      Status     `json:"status"`
}

// Key returns the site's claimable-location identity.
func (s *Site) Key() LocationKey {
	return NewLocationKey(s.City, s.State, s.Facility)
}

// Describe renders "Facility, City, State" for tickets and logs.
func (s *Site) Describe() string {
	var parts []string
	if s.Facility != nil && strings.TrimSpace(*s.Facility) != "" {
		parts = append(parts, strings.TrimSpace(*s.Facility))
	}
	for _, p := range []string{s.City, s.State} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if s.PostalCode != nil && strings.TrimSpace(*s.PostalCode) != "" {
		return strings.Join(parts, ", ") + " " + strings.TrimSpace(*s.PostalCode)
	}
	return strings.Join(parts, ", ")
}

// Candidate is a site joined with its study, as returned by FindSites.
type Candidate struct {
	Site  Site  `json:"site"`
	Study Study `json:"study"`
}

// Query selects candidate sites. A nil Box means nationwide. Text, when set,
// must appear (case-insensitively) in the study title or conditions.
// Suppressed statuses are always excluded. With Near set, rows come back
// nearest first (by an equirectangular approximation) so that Limit keeps
// the closest candidates; otherwise they are ordered by study id.
type Query struct {
	Text  string
	Box   *geo.Box
	Near  *geo.Point
	Limit int
}

// assembleSite turns nullable store columns into a Site. Coordinates are set
// only when both halves are present and valid.
func assembleSite(id uuid.UUID, studyID string, facility *string, city, state string,
	postalCode *string, lat, lon *float64, status string) Site {
	s := Site{
		ID:         id,
		StudyID:    studyID,
		Facility:   facility,
		City:       city,
		State:      state,
		PostalCode: postalCode,
		Status:     ParseStatus(status),
	}
	if lat != nil && lon != nil {
		if p := (geo.Point{Lat: *lat, Lon: *lon}); p.Valid() {
			s.Coordinates = &p
		}
	}
	return s
}

func coordinateColumns(p *geo.Point) (lat, lon *float64) {
	if p == nil {
		return nil, nil
	}
	la, lo := p.Lat, p.Lon
	return &la, &lo
}

// likePattern escapes LIKE metacharacters and wraps term for a substring match.
func likePattern(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
	return "%" + term + "%"
}

// longitudeRange normalises a box's longitude bounds into [-180, 180].
// wraps is true when the range crosses the antimeridian, in which case a
// point matches if lon >= lo OR lon <= hi.
func longitudeRange(b geo.Box) (lo, hi float64, wraps bool) {
	switch {
	case b.MinLon < -180:
		return b.MinLon + 360, b.MaxLon, true
	case b.MaxLon > 180:
		return b.MinLon, b.MaxLon - 360, true
	}
	return b.MinLon, b.MaxLon, false
}

func suppressedValues() []string {
	out := make([]string, len(SuppressedStatuses))
	for i, s := range SuppressedStatuses {
		out[i] = string(s)
	}
	return out
}
