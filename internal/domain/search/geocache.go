package search

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/trialsites/trialsites/internal/geocode"
	"github.com/trialsites/trialsites/internal/platform/telemetry"
)

type cachedLookup struct {
	result geocode.Result
	ok     bool
}

// CachedGeocoder memoizes postal-code lookups. Misses are cached for a
// shorter time than hits so a recovering upstream is retried soon.
type CachedGeocoder struct {
	next    geocode.Geocoder
	cache   *cache.Cache
	hitTTL  time.Duration
	missTTL time.Duration
	metrics *telemetry.Metrics
}

func NewCachedGeocoder(next geocode.Geocoder, hitTTL, missTTL time.Duration, metrics *telemetry.Metrics) *CachedGeocoder {
	if hitTTL <= 0 {
		hitTTL = 24 * time.Hour
	}
	if missTTL <= 0 {
		missTTL = time.Minute
	}
	return &CachedGeocoder{
		next:    next,
		cache:   cache.New(hitTTL, 10*time.Minute),
		hitTTL:  hitTTL,
		missTTL: missTTL,
		metrics: metrics,
	}
}

func (g *CachedGeocoder) Lookup(ctx context.Context, postalCode string) (geocode.Result, bool) {
	code, valid := geocode.NormalizePostalCode(postalCode)
	if !valid {
		return geocode.Result{}, false
	}
	if v, found := g.cache.Get(code); found {
		g.metrics.IncGeocode("cache_hit")
		l := v.(cachedLookup)
		return l.result, l.ok
	}
	g.metrics.IncGeocode("cache_miss")

	res, ok := g.next.Lookup(ctx, code)
	ttl := g.hitTTL
	if ok {
		g.metrics.IncGeocode("hit")
	} else {
		g.metrics.IncGeocode("miss")
		ttl = g.missTTL
		// A cancelled caller says nothing about the postal code.
		if ctx.Err() != nil {
			return res, ok
		}
	}
	g.cache.Set(code, cachedLookup{result: res, ok: ok}, ttl)
	return res, ok
}

// Len reports the number of cached entries, expired ones included until the
// janitor runs.
func (g *CachedGeocoder) Len() int {
	return g.cache.ItemCount()
}
