package geocode

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trialsites/trialsites/internal/geo"
)

// TableEntry is one row of an offline postal code table.
type TableEntry struct {
	PostalCode string  `yaml:"postal_code"`
	Latitude   float64 `yaml:"latitude"`
	Longitude  float64 `yaml:"longitude"`
	RegionCode string  `yaml:"region_code"`
	Locality   string  `yaml:"locality"`
}

// Table is an in-process Geocoder backed by a fixed set of postal codes.
// It is used for offline deployments and tests.
type Table struct {
	entries map[string]Result
}

// NewTable indexes entries by normalized postal code. Entries with a
// malformed code or invalid coordinates are rejected.
func NewTable(entries []TableEntry) (*Table, error) {
	t := &Table{entries: make(map[string]Result, len(entries))}
	for _, e := range entries {
		code, ok := NormalizePostalCode(e.PostalCode)
		if !ok {
			return nil, fmt.Errorf("invalid postal code %q", e.PostalCode)
		}
		p := geo.Point{Lat: e.Latitude, Lon: e.Longitude}
		if !p.Valid() {
			return nil, fmt.Errorf("invalid coordinates for postal code %s", code)
		}
		t.entries[code] = Result{
			PostalCode: code,
			Point:      p,
			RegionCode: e.RegionCode,
			Locality:   e.Locality,
		}
	}
	return t, nil
}

// LoadTable reads a YAML list of TableEntry values.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read postal table: %w", err)
	}
	var entries []TableEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse postal table %s: %w", path, err)
	}
	return NewTable(entries)
}

// Lookup implements Geocoder.
func (t *Table) Lookup(_ context.Context, postalCode string) (Result, bool) {
	code, ok := NormalizePostalCode(postalCode)
	if !ok {
		return Result{}, false
	}
	r, ok := t.entries[code]
	return r, ok
}

// Len returns the number of postal codes in the table.
func (t *Table) Len() int {
	return len(t.entries)
}
