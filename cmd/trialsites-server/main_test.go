package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/config"
	"github.com/trialsites/trialsites/internal/domain/claim"
	"github.com/trialsites/trialsites/internal/domain/search"
	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/geo"
	"github.com/trialsites/trialsites/internal/platform/auth"
	"github.com/trialsites/trialsites/internal/platform/sqlite"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	table := filepath.Join(dir, "postal.yaml")
	err := os.WriteFile(table, []byte(`- postal_code: "85004"
  latitude: 33.4515
  longitude: -112.0685
  region_code: AZ
  locality: Phoenix
`), 0o600)
	if err != nil {
		t.Fatalf("write table: %v", err)
	}
	return &config.Config{
		Env:                 "development",
		StoreDriver:         config.DriverSQLite,
		SQLitePath:          filepath.Join(dir, "trialsites.db"),
		StagingTTL:          time.Hour,
		GeocoderTableFile:   table,
		GeocodeCacheTTL:     time.Hour,
		GeocodeMissTTL:      time.Minute,
		SearchDefaultRadius: 50,
		SearchMaxRadius:     500,
		CORSOrigins:         []string{"http://localhost:3000"},
		RateLimitRPS:        100,
		RateLimitBurst:      100,
		RequestTimeout:      5 * time.Second,
		BodyLimit:           "64K",
	}
}

// seedSites writes one study with two Phoenix-area sites into the sqlite
// file the app will open.
func seedSites(t *testing.T, cfg *config.Config) []site.Site {
	t.Helper()
	ctx := context.Background()
	sdb, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer sdb.Close()
	repo := site.NewRepoSQLite(sdb)

	if err := repo.SaveStudy(ctx, &site.Study{StudyID: "NCT-1", Title: "Topical therapy for eczema", Conditions: "Eczema", Phase: "Phase 2", Sex: "all"}); err != nil {
		t.Fatalf("SaveStudy: %v", err)
	}
	phx := geo.Point{Lat: 33.45, Lon: -112.07}
	tempe := geo.Point{Lat: 33.42, Lon: -111.94}
	facility1, facility2 := "Desert Clinic", "Valley Research"
	sites := []site.Site{
		{StudyID: "NCT-1", Facility: &facility1, City: "Phoenix", State: "AZ", Coordinates: &phx, Status: site.StatusRecruiting},
		{StudyID: "NCT-1", Facility: &facility2, City: "Tempe", State: "AZ", Coordinates: &tempe, Status: site.StatusRecruiting},
	}
	for i := range sites {
		if err := repo.CreateSite(ctx, &sites[i]); err != nil {
			t.Fatalf("CreateSite: %v", err)
		}
	}
	return sites
}

func startApp(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	srv := httptest.NewServer(a.echo)
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})
	return srv
}

func do(t *testing.T, method, url, body, token string) (*http.Response, []byte) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, url, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func token(t *testing.T, sub, org string, roles []string, verified bool) string {
	t.Helper()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrgID:    org,
		Roles:    roles,
		Verified: verified,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestServer_HealthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	srv := startApp(t, cfg)

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected request id and security headers")
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/health/db", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"driver":"sqlite"`) {
		t.Errorf("/health/db: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "trialsites_") {
		t.Errorf("/metrics: %d", resp.StatusCode)
	}
}

func TestServer_SearchStageCommit_DevAuth(t *testing.T) {
	cfg := testConfig(t)
	sites := seedSites(t, cfg)
	srv := startApp(t, cfg)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/sites/search?postal_code=85004", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %s", resp.StatusCode, body)
	}
	var sr search.Response
	json.Unmarshal(body, &sr)
	if sr.Mode != search.ModeGeo || len(sr.Results) != 2 {
		t.Errorf("expected 2 geo results, got mode=%s results=%d", sr.Mode, len(sr.Results))
	}

	stage := `{"study_id":"NCT-1","site_ids":["` + sites[0].ID.String() + `"]}`
	if resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/staging", stage, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("stage: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/claims/commit", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit: %d %s", resp.StatusCode, body)
	}
	var report claim.Report
	json.Unmarshal(body, &report)
	if report.Status != claim.StatusApproved || report.Count(claim.OutcomeInserted) != 1 {
		t.Errorf("unexpected report %s", body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/studies/NCT-1/claimability", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"claimed_by_me":1`) {
		t.Errorf("claimability: %d %s", resp.StatusCode, body)
	}
}

func TestServer_JWTAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env = "production"
	cfg.AuthSigningKey = testSigningKey
	sites := seedSites(t, cfg)
	srv := startApp(t, cfg)

	// Search stays public.
	if resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/sites/search?q=eczema", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous search: %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/staging", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous staging: expected 401, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/staging", "", "garbage"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", resp.StatusCode)
	}

	coordinator := token(t, "carol", "org-c", []string{"coordinator"}, false)
	stage := `{"study_id":"NCT-1","site_ids":["` + sites[1].ID.String() + `"]}`
	if resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/staging", stage, coordinator); resp.StatusCode != http.StatusCreated {
		t.Fatalf("stage: %d %s", resp.StatusCode, body)
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/claims/commit", "", coordinator)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"pending_verification"`) {
		t.Fatalf("commit: %d %s", resp.StatusCode, body)
	}

	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/admin/claims/pending-count", "", coordinator); resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", resp.StatusCode)
	}
	admin := token(t, "root", "", []string{"admin"}, true)
	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/admin/claims/pending-count", "", admin)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != `{"count":1}` {
		t.Errorf("admin pending count: %d %s", resp.StatusCode, body)
	}
}
