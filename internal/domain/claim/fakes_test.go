package claim

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/geo"
	"github.com/trialsites/trialsites/internal/platform/websocket"
)

// ── Fakes ──

type mockSiteRepo struct {
	sites []site.Site
	err   error
}

func (m *mockSiteRepo) FindSites(context.Context, site.Query) ([]site.Candidate, error) {
	return nil, nil
}

func (m *mockSiteRepo) ListByStudy(_ context.Context, studyID string) ([]site.Site, error) {
	if m.err != nil {
		return nil, m.err
	}
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
			c := s
			return &c, nil
		}
	}
	return nil, site.ErrNotFound
}

func (m *mockSiteRepo) ListMissingCoordinates(context.Context, int) ([]site.Site, error) {
	return nil, nil
}

func (m *mockSiteRepo) UpdateCoordinates(context.Context, uuid.UUID, geo.Point) error { return nil }
func (m *mockSiteRepo) SaveStudy(context.Context, *site.Study) error                  { return nil }
func (m *mockSiteRepo) CreateSite(context.Context, *site.Site) error                  { return nil }

// mockClaimRepo enforces the active-location uniqueness rule the real stores
// get from their partial unique index.
type mockClaimRepo struct {
	mu     sync.Mutex
	claims map[uuid.UUID]Claim
	// failAt makes the n-th insert (0-based, across calls) fail with failErr.
	failAt  int
	failErr error
	inserts int
	findErr error
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{claims: map[uuid.UUID]Claim{}, failAt: -1}
}

func (m *mockClaimRepo) activeHolder(studyID string, key site.LocationKey, except uuid.UUID) bool {
	for _, c := range m.claims {
		if c.ID != except && c.StudyID == studyID && c.LocationKey == key && c.Status.Active() {
			return true
		}
	}
	return false
}

func (m *mockClaimRepo) FindByStudy(_ context.Context, studyID string) ([]Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []Claim
	for _, c := range m.claims {
		if c.StudyID == studyID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockClaimRepo) InsertBatch(_ context.Context, claims []Claim) ([]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []error
	for _, c := range claims {
		if m.inserts == m.failAt {
			m.inserts++
			return results, m.failErr
		}
		m.inserts++
		if c.Status.Active() && m.activeHolder(c.StudyID, c.LocationKey, uuid.Nil) {
			results = append(results, ErrConflict)
			continue
		}
		m.claims[c.ID] = c
		results = append(results, nil)
	}
	return results, nil
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *mockClaimRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Claim
	for _, c := range m.claims {
		if c.OwnerID == ownerID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LocationKey < all[j].LocationKey })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockClaimRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	if status.Active() && m.activeHolder(c.StudyID, c.LocationKey, id) {
		return ErrConflict
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	m.claims[id] = c
	return nil
}

func (m *mockClaimRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[id]; !ok {
		return ErrNotFound
	}
	delete(m.claims, id)
	return nil
}

func (m *mockClaimRepo) CountByStatus(_ context.Context, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.claims {
		if c.Status == status {
			n++
		}
	}
	return n, nil
}

// put stores c directly, bypassing uniqueness.
func (m *mockClaimRepo) put(c Claim) Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
		c.UpdatedAt = c.CreatedAt
	}
	m.claims[c.ID] = c
	return c
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t string) []websocket.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []websocket.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var errStoreDown = errors.New("connection reset by peer")

// ── Fixtures ──

func strPtr(s string) *string { return &s }

func testSite(studyID, facility, city, state string) site.Site {
	return site.Site{
		ID:       uuid.New(),
		StudyID:  studyID,
		Facility: strPtr(facility),
		City:     city,
		State:    state,
		Status:   site.StatusRecruiting,
	}
}

// study1Sites returns three sites of STUDY-1; the first two are the same
// physical location registered twice with different spacing and case.
func study1Sites() []site.Site {
	a := testSite("STUDY-1", "Desert Clinic", "Phoenix", "AZ")
	b := testSite("STUDY-1", " desert clinic ", "PHOENIX", "az")
	c := testSite("STUDY-1", "Valley Research", "Tempe", "AZ")
	return []site.Site{a, b, c}
}
