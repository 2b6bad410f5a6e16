package geocode

import "context"

// Chain tries each Geocoder in order and returns the first resolved result.
type Chain []Geocoder

// Lookup implements Geocoder.
func (c Chain) Lookup(ctx context.Context, postalCode string) (Result, bool) {
	for _, g := range c {
		if g == nil {
			continue
		}
		if r, ok := g.Lookup(ctx, postalCode); ok {
			return r, true
		}
	}
	return Result{}, false
}
