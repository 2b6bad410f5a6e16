// Package search matches site-search requests against the site catalog:
// radius search around explicit or geocoded coordinates, or a nationwide
// text search, followed by phase/sex filtering, deterministic ranking and
// empty-result fallbacks.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/geo"
	"github.com/trialsites/trialsites/internal/geocode"
	"github.com/trialsites/trialsites/internal/platform/telemetry"
	"github.com/trialsites/trialsites/internal/suggest"
)

// ErrUnavailable means the site store could not be queried. Handlers
// report it as "search temporarily unavailable".
var ErrUnavailable = errors.New("search temporarily unavailable")

const (
	ModeGeo  = "geo"
	ModeText = "text"

	NoticePostalUnresolved = "postal code could not be resolved; showing nationwide results"
	NoticeTruncated        = "too many matching sites; narrow the search to see them all"
)

var tracer = otel.Tracer("github.com/trialsites/trialsites/internal/domain/search")

type Config struct {
	DefaultRadius float64
	MaxRadius     float64
	DefaultLimit  int
	MaxLimit      int
	NearbyLimit   int
	// CandidateCap bounds how many rows a single store query may return.
	// Radius queries keep the nearest CandidateCap sites.
	CandidateCap int
}

func (c *Config) applyDefaults() {
	if c.DefaultRadius <= 0 {
		c.DefaultRadius = 50
	}
	if c.MaxRadius <= 0 {
		c.MaxRadius = 500
	}
	if c.DefaultRadius > c.MaxRadius {
		c.DefaultRadius = c.MaxRadius
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 50
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 200
	}
	if c.NearbyLimit <= 0 {
		c.NearbyLimit = 5
	}
	if c.CandidateCap <= 0 {
		c.CandidateCap = 5000
	}
}

// Result is one ranked site.
type Result struct {
	Site          site.Site        `json:"site"`
	Study         site.Study       `json:"study"`
	LocationKey   site.LocationKey `json:"location_key"`
	DistanceMiles *float64         `json:"distance_miles,omitempty"`
}

type Response struct {
	Seq        int64               `json:"seq"`
	QueryKey   string              `json:"query_key"`
	Mode       string              `json:"mode"`
	Origin     *geo.Point          `json:"origin,omitempty"`
	Resolved   *geocode.Result     `json:"resolved,omitempty"`
	Radius     float64             `json:"radius_miles,omitempty"`
	Results    []Result            `json:"results"`
	Total      int                 `json:"total"`
	Truncated  bool                `json:"truncated,omitempty"`
	Suggestion *suggest.Suggestion `json:"suggestion,omitempty"`
	Nearby     []Result            `json:"nearby,omitempty"`
	Notices    []string            `json:"notices,omitempty"`
}

type Service struct {
	sites     site.Repository
	geocoder  geocode.Geocoder
	suggester *suggest.Engine
	cfg       Config
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

func NewService(sites site.Repository, geocoder geocode.Geocoder, suggester *suggest.Engine,
	cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	if suggester == nil {
		suggester = suggest.NewEngine(suggest.DefaultVocabulary())
	}
	return &Service{
		sites:     sites,
		geocoder:  geocoder,
		suggester: suggester,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With().Str("component", "search").Logger(),
	}
}

// Config returns the effective configuration after defaults.
func (s *Service) Config() Config {
	return s.cfg
}

// Search runs one request. The only error it returns wraps ErrUnavailable;
// an unresolvable postal code degrades to a nationwide text search and is
// reported in Notices.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()

	req = req.normalized(s.cfg)
	resp := &Response{
		Seq:      req.Seq,
		QueryKey: req.Fingerprint(),
		Results:  []Result{},
	}

	origin := req.Origin
	if origin == nil && req.PostalCode != "" {
		if s.geocoder != nil {
			if res, ok := s.geocoder.Lookup(ctx, req.PostalCode); ok {
				origin = &res.Point
				resp.Resolved = &res
			}
		}
		if origin == nil {
			s.logger.Warn().Str("postal_code", req.PostalCode).Msg("postal code not resolvable, searching nationwide")
			resp.Notices = append(resp.Notices, NoticePostalUnresolved)
		}
	}

	var (
		results   []Result
		truncated bool
		err       error
	)
	if origin != nil {
		resp.Mode = ModeGeo
		resp.Origin = origin
		resp.Radius = req.RadiusMiles
		results, truncated, err = s.withinRadius(ctx, *origin, req.RadiusMiles, req.Text)
	} else {
		resp.Mode = ModeText
		results, truncated, err = s.nationwide(ctx, req.Text)
	}
	span.SetAttributes(attribute.String("search.mode", resp.Mode))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error().Err(err).Str("mode", resp.Mode).Msg("site store query failed")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	results = filter(results, req.Phase, req.Sex)
	rank(results, origin != nil)

	resp.Total = len(results)
	if truncated {
		resp.Truncated = true
		resp.Notices = append(resp.Notices, NoticeTruncated)
		s.logger.Warn().Str("mode", resp.Mode).Int("cap", s.cfg.CandidateCap).Msg("candidate cap reached")
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	resp.Results = results
	s.metrics.IncSearch(resp.Mode, len(results) == 0)

	if len(results) == 0 {
		s.fallbacks(ctx, req, origin, resp)
	}
	span.SetAttributes(attribute.Int("search.results", resp.Total))
	return resp, nil
}

// fallbacks fills the suggestion and nearby list for an empty result. Both
// are best effort: a nearby query failure leaves Nearby empty.
func (s *Service) fallbacks(ctx context.Context, req Request, origin *geo.Point, resp *Response) {
	g, gctx := errgroup.WithContext(ctx)
	if req.Text != "" {
		g.Go(func() error {
			if sug, ok := s.suggester.Suggest(req.Text); ok {
				resp.Suggestion = &sug
				s.metrics.IncSuggestion()
			}
			return nil
		})
	}
	if origin != nil {
		g.Go(func() error {
			nearby, _, err := s.withinRadius(gctx, *origin, s.cfg.MaxRadius, "")
			if err != nil {
				s.logger.Warn().Err(err).Msg("nearby recommendation query failed")
				return nil
			}
			rank(nearby, true)
			if len(nearby) > s.cfg.NearbyLimit {
				nearby = nearby[:s.cfg.NearbyLimit]
			}
			resp.Nearby = nearby
			return nil
		})
	}
	_ = g.Wait()
}

// findCandidates runs q with the candidate cap and reports whether the store
// had more rows than the cap allows.
func (s *Service) findCandidates(ctx context.Context, q site.Query) ([]site.Candidate, bool, error) {
	q.Limit = s.cfg.CandidateCap + 1
	cands, err := s.sites.FindSites(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if len(cands) > s.cfg.CandidateCap {
		return cands[:s.cfg.CandidateCap], true, nil
	}
	return cands, false, nil
}

func (s *Service) withinRadius(ctx context.Context, origin geo.Point, radius float64, text string) ([]Result, bool, error) {
	box := geo.BoundingBox(origin, radius)
	cands, truncated, err := s.findCandidates(ctx, site.Query{Text: text, Box: &box, Near: &origin})
	if err != nil {
		return nil, false, err
	}
	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		if c.Site.Status.Suppressed() || c.Site.Coordinates == nil {
			continue
		}
		d := geo.Distance(origin, *c.Site.Coordinates)
		if d > radius {
			continue
		}
		out = append(out, Result{
			Site:          c.Site,
			Study:         c.Study,
			LocationKey:   c.Site.Key(),
			DistanceMiles: &d,
		})
	}
	return out, truncated, nil
}

func (s *Service) nationwide(ctx context.Context, text string) ([]Result, bool, error) {
	cands, truncated, err := s.findCandidates(ctx, site.Query{Text: text})
	if err != nil {
		return nil, false, err
	}
	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		if c.Site.Status.Suppressed() {
			continue
		}
		out = append(out, Result{Site: c.Site, Study: c.Study, LocationKey: c.Site.Key()})
	}
	return out, truncated, nil
}

func filter(in []Result, phase, sex string) []Result {
	out := in[:0]
	for _, r := range in {
		if matchesPhase(phase, r.Study.Phase) && matchesSex(sex, r.Study.Sex) {
			out = append(out, r)
		}
	}
	return out
}

// rank orders by distance when available, then study id, then location key.
func rank(results []Result, byDistance bool) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if byDistance && a.DistanceMiles != nil && b.DistanceMiles != nil && *a.DistanceMiles != *b.DistanceMiles {
			return *a.DistanceMiles < *b.DistanceMiles
		}
		if a.Study.StudyID != b.Study.StudyID {
			return a.Study.StudyID < b.Study.StudyID
		}
		return a.LocationKey < b.LocationKey
	})
}
