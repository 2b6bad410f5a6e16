package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/geo"
	"github.com/trialsites/trialsites/internal/geocode"
	"github.com/trialsites/trialsites/internal/platform/sqlite"
	"github.com/trialsites/trialsites/internal/suggest"
)

// ── Fakes ──

type mockSiteRepo struct {
	studies map[string]site.Study
	sites   []site.Site
	err     error
	queries []site.Query
	mu      sync.Mutex
}

func newMockSiteRepo() *mockSiteRepo {
	return &mockSiteRepo{studies: map[string]site.Study{}}
}

func (m *mockSiteRepo) FindSites(_ context.Context, q site.Query) ([]site.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}
	var out []site.Candidate
	for _, s := range m.sites {
		if s.Status.Suppressed() {
			continue
		}
		st := m.studies[s.StudyID]
		if q.Text != "" {
			t := strings.ToLower(q.Text)
			if !strings.Contains(strings.ToLower(st.Title), t) && !strings.Contains(strings.ToLower(st.Conditions), t) {
				continue
			}
		}
		if q.Box != nil && (s.Coordinates == nil || !q.Box.Contains(*s.Coordinates)) {
			continue
		}
		out = append(out, site.Candidate{Site: s, Study: st})
	}
	return out, nil
}
func (m *mockSiteRepo) ListByStudy(_ context.Context, studyID string) ([]site.Site, error) {
	var out []site.Site
	for _, s := range m.sites {
		if s.StudyID == studyID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (m *mockSiteRepo) GetByID(_ context.Context, id uuid.UUID) (*site.Site, error) {
	for _, s := range m.sites {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, site.ErrNotFound
}
func (m *mockSiteRepo) ListMissingCoordinates(_ context.Context, limit int) ([]site.Site, error) {
	return nil, nil
}
func (m *mockSiteRepo) UpdateCoordinates(_ context.Context, id uuid.UUID, p geo.Point) error {
	return nil
}
func (m *mockSiteRepo) SaveStudy(_ context.Context, st *site.Study) error {
	m.studies[st.StudyID] = *st
	return nil
}
func (m *mockSiteRepo) CreateSite(_ context.Context, s *site.Site) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.sites = append(m.sites, *s)
	return nil
}

type mockGeocoder struct {
	mu      sync.Mutex
	results map[string]geocode.Result
	calls   int
}

func (m *mockGeocoder) Lookup(_ context.Context, code string) (geocode.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	r, ok := m.results[code]
	return r, ok
}

func (m *mockGeocoder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ── Fixtures ──

var (
	phoenix   = geo.Point{Lat: 33.4484, Lon: -112.0740}
	tempe     = geo.Point{Lat: 33.4255, Lon: -111.9400}
	tucson    = geo.Point{Lat: 32.2226, Lon: -110.9747}
	flagstaff = geo.Point{Lat: 35.1983, Lon: -111.6513}
)

func strPtr(s string) *string { return &s }

func pt(p geo.Point) *geo.Point { return &p }

func newPhoenixCatalog() *mockSiteRepo {
	repo := newMockSiteRepo()
	ctx := context.Background()
	repo.SaveStudy(ctx, &site.Study{StudyID: "NCT001", Title: "Eczema topical study", Conditions: "Eczema", Phase: "Phase 2", Sex: "all"})
	repo.SaveStudy(ctx, &site.Study{StudyID: "NCT002", Title: "Asthma inhaler trial", Conditions: "Asthma", Phase: "Phase 1/Phase 2", Sex: "female"})
	repo.SaveStudy(ctx, &site.Study{StudyID: "NCT003", Title: "Migraine prevention", Conditions: "Migraine", Phase: "Phase 3", Sex: "male"})

	for _, s := range []site.Site{
		{StudyID: "NCT001", Facility: strPtr("Phoenix Derm"), City: "Phoenix", State: "AZ", Coordinates: pt(phoenix), Status: site.StatusRecruiting},
		{StudyID: "NCT001", Facility: strPtr("Tempe Derm"), City: "Tempe", State: "AZ", Coordinates: pt(tempe), Status: site.StatusRecruiting},
		{StudyID: "NCT001", Facility: strPtr("Tucson Derm"), City: "Tucson", State: "AZ", Coordinates: pt(tucson), Status: site.StatusRecruiting},
		{StudyID: "NCT002", Facility: strPtr("Flagstaff Lung"), City: "Flagstaff", State: "AZ", Coordinates: pt(flagstaff), Status: site.StatusNotYetRecruiting},
		{StudyID: "NCT002", Facility: strPtr("Closed Lung"), City: "Phoenix", State: "AZ", Coordinates: pt(phoenix), Status: site.StatusWithdrawn},
		{StudyID: "NCT003", Facility: strPtr("Tempe Neuro"), City: "Tempe", State: "AZ", Coordinates: pt(tempe), Status: site.StatusActiveNotRecruiting},
		{StudyID: "NCT003", City: "Mesa", State: "AZ", Status: site.StatusRecruiting},
	} {
		s := s
		repo.CreateSite(ctx, &s)
	}
	return repo
}

func newTestService(repo site.Repository) (*Service, *mockGeocoder) {
	gc := &mockGeocoder{results: map[string]geocode.Result{
		"85001": {PostalCode: "85001", Point: phoenix, RegionCode: "AZ", Locality: "Phoenix"},
	}}
	svc := NewService(repo, gc, suggest.NewEngine(suggest.DefaultVocabulary()),
		Config{DefaultRadius: 50, MaxRadius: 250, NearbyLimit: 3}, nil, zerolog.Nop())
	return svc, gc
}

func facilities(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Site.Facility != nil {
			out = append(out, *r.Site.Facility)
		} else {
			out = append(out, r.Site.City)
		}
	}
	return out
}

// ── Tests ──

func TestSearch_Phoenix85001Radius50(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())

	resp, err := svc.Search(context.Background(), Request{PostalCode: "85001", RadiusMiles: 50})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Mode != ModeGeo || resp.Resolved == nil || resp.Resolved.Locality != "Phoenix" {
		t.Fatalf("expected geo search around Phoenix, got mode=%s resolved=%+v", resp.Mode, resp.Resolved)
	}

	got := facilities(resp.Results)
	want := []string{"Phoenix Derm", "Tempe Derm", "Tempe Neuro"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("results = %v, want %v", got, want)
	}
	for i, r := range resp.Results {
		if r.DistanceMiles == nil || *r.DistanceMiles > 50 {
			t.Errorf("result %d outside radius: %v", i, r.DistanceMiles)
		}
		if i > 0 && *r.DistanceMiles < *resp.Results[i-1].DistanceMiles {
			t.Errorf("results not in ascending distance at %d", i)
		}
		if r.Site.Status.Suppressed() {
			t.Errorf("suppressed site returned: %+v", r.Site)
		}
	}
	if resp.Total != 3 {
		t.Errorf("expected total 3, got %d", resp.Total)
	}
}

func TestSearch_RadiusInclusive(t *testing.T) {
	repo := newPhoenixCatalog()
	svc, _ := newTestService(repo)

	d := geo.Distance(phoenix, tucson)
	resp, err := svc.Search(context.Background(), Request{Origin: pt(phoenix), RadiusMiles: d, Text: "eczema"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := facilities(resp.Results)
	if len(got) != 3 || got[2] != "Tucson Derm" {
		t.Errorf("site exactly at the radius must be included, got %v", got)
	}

	resp, _ = svc.Search(context.Background(), Request{Origin: pt(phoenix), RadiusMiles: d - 0.01, Text: "eczema"})
	for _, r := range resp.Results {
		if r.Site.City == "Tucson" {
			t.Error("site beyond the radius must be excluded")
		}
	}
}

func TestSearch_TieBreaks(t *testing.T) {
	repo := newMockSiteRepo()
	ctx := context.Background()
	repo.SaveStudy(ctx, &site.Study{StudyID: "NCT-B", Title: "b"})
	repo.SaveStudy(ctx, &site.Study{StudyID: "NCT-A", Title: "a"})
	for _, s := range []site.Site{
		{StudyID: "NCT-B", Facility: strPtr("Zeta"), City: "Phoenix", State: "AZ", Coordinates: pt(phoenix), Status: site.StatusRecruiting},
		{StudyID: "NCT-A", Facility: strPtr("Zeta"), City: "Phoenix", State: "AZ", Coordinates: pt(phoenix), Status: site.StatusRecruiting},
		{StudyID: "NCT-A", Facility: strPtr("Alpha"), City: "Phoenix", State: "AZ", Coordinates: pt(phoenix), Status: site.StatusRecruiting},
	} {
		s := s
		repo.CreateSite(ctx, &s)
	}
	svc, _ := newTestService(repo)

	for _, req := range []Request{{Origin: pt(phoenix)}, {}} {
		resp, err := svc.Search(ctx, req)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		var got []string
		for _, r := range resp.Results {
			got = append(got, r.Study.StudyID+"/"+*r.Site.Facility)
		}
		want := "NCT-A/Alpha,NCT-A/Zeta,NCT-B/Zeta"
		if strings.Join(got, ",") != want {
			t.Errorf("mode %s: got %v, want %s", resp.Mode, got, want)
		}
	}
}

func TestSearch_PhaseAllEquivalentToNoFilter(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())
	ctx := context.Background()

	for _, base := range []Request{{PostalCode: "85001", RadiusMiles: 200}, {Text: "a"}} {
		none := base
		all := base
		all.Phase = "all"
		r1, _ := svc.Search(ctx, none)
		r2, _ := svc.Search(ctx, all)
		if strings.Join(facilities(r1.Results), ",") != strings.Join(facilities(r2.Results), ",") {
			t.Errorf("phase=all changed results: %v vs %v", facilities(r1.Results), facilities(r2.Results))
		}
		if r1.QueryKey != r2.QueryKey {
			t.Error("phase=all and no phase should fingerprint the same")
		}
	}
}

func TestSearch_PhaseAndSexFilters(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())
	ctx := context.Background()

	resp, _ := svc.Search(ctx, Request{Origin: pt(phoenix), RadiusMiles: 250, Phase: "phase2"})
	for _, r := range resp.Results {
		if r.Study.StudyID == "NCT003" {
			t.Errorf("phase 3 study matched phase2 filter")
		}
	}
	if len(resp.Results) != 4 {
		t.Errorf("expected NCT001 x3 and NCT002 x1, got %v", facilities(resp.Results))
	}

	resp, _ = svc.Search(ctx, Request{Origin: pt(phoenix), RadiusMiles: 250, Phase: "Phase 1"})
	if len(resp.Results) != 1 || resp.Results[0].Study.StudyID != "NCT002" {
		t.Errorf("expected only the phase 1/2 study, got %v", facilities(resp.Results))
	}

	resp, _ = svc.Search(ctx, Request{Origin: pt(phoenix), RadiusMiles: 250, Sex: "male"})
	for _, r := range resp.Results {
		if r.Study.StudyID == "NCT002" {
			t.Error("female-only study matched sex=male")
		}
	}
	// Recorded "all" accepts any filter, recorded "male" matches case-insensitively.
	if len(resp.Results) != 4 {
		t.Errorf("expected NCT001 x3 and NCT003 x1, got %v", facilities(resp.Results))
	}
}

func TestSearch_UnresolvablePostalCodeFallsBackToText(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())

	resp, err := svc.Search(context.Background(), Request{PostalCode: "00000", Text: "eczema"})
	if err != nil {
		t.Fatalf("expected degraded search, got error %v", err)
	}
	if resp.Mode != ModeText {
		t.Errorf("expected text mode, got %s", resp.Mode)
	}
	if len(resp.Notices) != 1 || resp.Notices[0] != NoticePostalUnresolved {
		t.Errorf("expected postal notice, got %v", resp.Notices)
	}
	if len(resp.Results) != 3 {
		t.Errorf("expected nationwide eczema sites, got %v", facilities(resp.Results))
	}
	for _, r := range resp.Results {
		if r.DistanceMiles != nil {
			t.Error("text results should not carry a distance")
		}
	}
}

func TestSearch_NationwideIncludesSitesWithoutCoordinates(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())
	resp, _ := svc.Search(context.Background(), Request{Text: "migraine"})
	got := facilities(resp.Results)
	if len(got) != 2 {
		t.Errorf("expected Mesa and Tempe Neuro, got %v", got)
	}
}

func TestSearch_EmptyTextOffersSuggestion(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())

	resp, err := svc.Search(context.Background(), Request{Text: "Eczma"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected no results, got %v", facilities(resp.Results))
	}
	if resp.Suggestion == nil || resp.Suggestion.Label != "Eczema" {
		t.Errorf("expected Eczema suggestion, got %+v", resp.Suggestion)
	}
	if resp.Nearby != nil {
		t.Error("nearby list needs coordinates")
	}
}

func TestSearch_EmptyGeoOffersNearby(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())

	resp, err := svc.Search(context.Background(), Request{PostalCode: "85001", Text: "zzzzzzzzzzzz"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected no results")
	}
	if resp.Suggestion != nil {
		t.Errorf("no vocabulary label is close, got %+v", resp.Suggestion)
	}
	if len(resp.Nearby) != 3 {
		t.Fatalf("expected 3 nearby sites, got %v", facilities(resp.Nearby))
	}
	if *resp.Nearby[0].Site.Facility != "Phoenix Derm" {
		t.Errorf("nearby should be closest first, got %v", facilities(resp.Nearby))
	}
}

func TestSearch_StoreFailure(t *testing.T) {
	repo := newPhoenixCatalog()
	repo.err = errors.New("connection refused")
	svc, _ := newTestService(repo)

	_, err := svc.Search(context.Background(), Request{Text: "eczema"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSearch_SeqAndQueryKey(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())
	ctx := context.Background()

	r1, _ := svc.Search(ctx, Request{Text: " Eczema  ", Seq: 1})
	r2, _ := svc.Search(ctx, Request{Text: "eczema", Seq: 2})
	r3, _ := svc.Search(ctx, Request{Text: "asthma", Seq: 3})

	if r1.Seq != 1 || r2.Seq != 2 {
		t.Errorf("seq not echoed: %d %d", r1.Seq, r2.Seq)
	}
	if r1.QueryKey != r2.QueryKey {
		t.Error("equivalent requests should share a query key")
	}
	if r1.QueryKey == r3.QueryKey {
		t.Error("different requests should not share a query key")
	}
}

func TestSearch_LimitAndTotal(t *testing.T) {
	svc, _ := newTestService(newPhoenixCatalog())
	resp, _ := svc.Search(context.Background(), Request{Origin: pt(phoenix), RadiusMiles: 250, Limit: 2})
	if len(resp.Results) != 2 || resp.Total != 5 {
		t.Errorf("expected 2 of 5, got %d of %d", len(resp.Results), resp.Total)
	}
}

func TestSearch_RadiusClampedToMax(t *testing.T) {
	repo := newPhoenixCatalog()
	svc, _ := newTestService(repo)
	resp, _ := svc.Search(context.Background(), Request{Origin: pt(phoenix), RadiusMiles: 10000})
	if resp.Radius != 250 {
		t.Errorf("expected radius clamped to 250, got %v", resp.Radius)
	}
}

func TestMatchesPhase(t *testing.T) {
	tests := []struct {
		filter, recorded string
		want             bool
	}{
		{"all", "Phase 3", true},
		{"", "", true},
		{"phase2", "Phase 2", true},
		{"2", "PHASE2", true},
		{"phase2", "Phase 1/Phase 2", true},
		{"phase2", "Phase 3", false},
		{"phase1", "", false},
		{"early", "Early Phase 1", true},
		{"early", "Phase 1", false},
	}
	for _, tt := range tests {
		if got := matchesPhase(tt.filter, tt.recorded); got != tt.want {
			t.Errorf("matchesPhase(%q, %q) = %v, want %v", tt.filter, tt.recorded, got, tt.want)
		}
	}
}

func TestMatchesSex(t *testing.T) {
	tests := []struct {
		filter, recorded string
		want             bool
	}{
		{"all", "female", true},
		{"male", "ALL", true},
		{"male", "Male", true},
		{"male", "female", false},
		{"female", "", false},
	}
	for _, tt := range tests {
		if got := matchesSex(tt.filter, tt.recorded); got != tt.want {
			t.Errorf("matchesSex(%q, %q) = %v, want %v", tt.filter, tt.recorded, got, tt.want)
		}
	}
}

func TestSearch_CandidateCapKeepsNearestSites(t *testing.T) {
	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := site.NewRepoSQLite(db)
	ctx := context.Background()
	for _, st := range []*site.Study{{StudyID: "A-1", Title: "Far study", Sex: "all"}, {StudyID: "Z-9", Title: "Near study", Sex: "all"}} {
		if err := repo.SaveStudy(ctx, st); err != nil {
			t.Fatalf("SaveStudy: %v", err)
		}
	}
	for i := 0; i < 25; i++ {
		p := geo.Point{Lat: phoenix.Lat + 0.45, Lon: phoenix.Lon + float64(i)*0.001}
		if err := repo.CreateSite(ctx, &site.Site{StudyID: "A-1", City: "North", State: "AZ", Coordinates: &p, Status: site.StatusRecruiting}); err != nil {
			t.Fatalf("CreateSite: %v", err)
		}
	}
	if err := repo.CreateSite(ctx, &site.Site{StudyID: "Z-9", City: "Phoenix", State: "AZ", Coordinates: pt(phoenix), Status: site.StatusRecruiting}); err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	svc := NewService(repo, nil, nil, Config{CandidateCap: 20}, nil, zerolog.Nop())
	resp, err := svc.Search(ctx, Request{Origin: pt(phoenix), RadiusMiles: 50})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].Study.StudyID != "Z-9" {
		t.Fatalf("expected the Phoenix site first, got %v", facilities(resp.Results))
	}
	if *resp.Results[0].DistanceMiles != 0 {
		t.Errorf("expected distance 0, got %f", *resp.Results[0].DistanceMiles)
	}
	if !resp.Truncated || resp.Total != 20 {
		t.Errorf("expected truncated total of 20, got truncated=%v total=%d", resp.Truncated, resp.Total)
	}
	found := false
	for _, n := range resp.Notices {
		found = found || n == NoticeTruncated
	}
	if !found {
		t.Errorf("expected truncation notice, got %v", resp.Notices)
	}
}

func TestSearch_RadiusQueryOrdersNearOrigin(t *testing.T) {
	repo := newPhoenixCatalog()
	svc, _ := newTestService(repo)

	resp, err := svc.Search(context.Background(), Request{Origin: pt(phoenix), RadiusMiles: 50})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Truncated {
		t.Error("small catalog should not be truncated")
	}
	q := repo.queries[0]
	if q.Near == nil || *q.Near != phoenix {
		t.Errorf("expected the store query to be ordered near the origin, got %+v", q.Near)
	}
	if q.Limit != svc.Config().CandidateCap+1 {
		t.Errorf("expected limit cap+1 = %d, got %d", svc.Config().CandidateCap+1, q.Limit)
	}
}
