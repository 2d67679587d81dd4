package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carecircle/medadmin/internal/config"
	"github.com/carecircle/medadmin/internal/domain/administration"
	"github.com/carecircle/medadmin/internal/domain/medication"
	"github.com/carecircle/medadmin/internal/platform/middleware"
)

const lisinoprilID = "6f1c1f5e-3a57-4c39-9d59-1f0a1c1e0001"

const testCatalog = `
medications:
  - id: 6f1c1f5e-3a57-4c39-9d59-1f0a1c1e0001
    care_plan_id: plan-1
    name: Lisinopril
    dosage: 10mg
    schedule:
      slots:
        morning: true
        evening: true
  - id: 6f1c1f5e-3a57-4c39-9d59-1f0a1c1e0002
    care_plan_id: plan-1
    name: Amoxicillin
    dosage: 500mg
    schedule:
      form: explicit
      times: ["07:30", "15:30", "23:30"]
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Env:                 "development",
		LogLevel:            "error",
		StoreBackend:        config.StoreMemory,
		CatalogBackend:      config.CatalogFile,
		CatalogFile:         writeCatalog(t),
		CatalogCacheTTL:     time.Minute,
		IdempotencyTTL:      time.Hour,
		CORSOrigins:         []string{"http://localhost:3000"},
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
		CareTimezone:        "UTC",
		FlagMatchWindow:     4 * time.Hour,
		ExplicitMatchWindow: 2 * time.Hour,
		ConflictWindow:      2 * time.Hour,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func doRequest(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewLogger_Level(t *testing.T) {
	cfg := &config.Config{Env: "production", LogLevel: "WARN"}
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", got)
	}
	cfg.LogLevel = "nonsense"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}

func TestServer_Health(t *testing.T) {
	e := newTestApp(t, testConfig(t)).newServer()

	rec := doRequest(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if rec := doRequest(e, http.MethodGet, "/health/db", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected no db health route without a pool, got %d", rec.Code)
	}
}

func TestServer_RecordAndConflict(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	e := a.newServer()
	path := "/api/v1/medications/" + lisinoprilID + "/administrations"

	rec := doRequest(e, http.MethodPost, path, `{"administered_at":"2024-03-14T08:05:00Z"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodPost, path, `{"administered_at":"2024-03-14T09:00:00Z"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 conflicts_found, got %d", rec.Code)
	}
	var res struct {
		Outcome string `json:"outcome"`
	}
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Outcome != string(administration.OutcomeConflictsFound) {
		t.Errorf("expected conflicts_found, got %s", res.Outcome)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/care-plans/plan-1/doses?date=2024-03-14", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"administered":true`) {
		t.Errorf("expected an administered dose, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodGet, "/metrics", "", nil)
	for _, want := range []string{
		`administration_outcomes_total{outcome="recorded"} 1`,
		`administration_outcomes_total{outcome="conflicts_found"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_IdempotentRetry(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	e := a.newServer()
	path := "/api/v1/medications/" + lisinoprilID + "/administrations"
	headers := map[string]string{middleware.IdempotencyKeyHeader: "retry-1"}

	first := doRequest(e, http.MethodPost, path, `{"administered_at":"2024-03-14T18:00:00Z"}`, headers)
	second := doRequest(e, http.MethodPost, path, `{"administered_at":"2024-03-14T18:00:00Z"}`, headers)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected both 201, got %d and %d", first.Code, second.Code)
	}
	if second.Header().Get(middleware.IdempotencyReplayedHeader) != "true" {
		t.Error("expected the retry to be replayed")
	}
	if first.Body.String() != second.Body.String() {
		t.Error("expected identical bodies for the replay")
	}

	records, err := a.svc.ListAdministrations(context.Background(), uuid.MustParse(lisinoprilID), time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("expected exactly one stored record, got %d", len(records))
	}
}

func TestServer_ResolutionWithReusedKeyIsRejected(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	e := a.newServer()
	path := "/api/v1/medications/" + lisinoprilID + "/administrations"

	if rec := doRequest(e, http.MethodPost, path, `{"administered_at":"2024-03-01T08:05:00Z"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	attempt := map[string]string{middleware.IdempotencyKeyHeader: "attempt-b"}
	rec := doRequest(e, http.MethodPost, path, `{"administered_at":"2024-03-01T09:40:00Z"}`, attempt)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"conflicts_found"`) {
		t.Fatalf("expected conflicts_found, got %d: %s", rec.Code, rec.Body.String())
	}

	resolve := `{"administered_at":"2024-03-01T09:40:00Z","resolution":{"method":"dual_entry","notes":"confirmed with family"}}`
	rec = doRequest(e, http.MethodPost, path, resolve, attempt)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for the reused key, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodPost, path, resolve, map[string]string{middleware.IdempotencyKeyHeader: "attempt-b-resolve"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected the resolution to record, got %d: %s", rec.Code, rec.Body.String())
	}
	records, err := a.svc.ListAdministrations(context.Background(), uuid.MustParse(lisinoprilID), time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("expected two dual-entry records, got %d", len(records))
	}
}

func TestServer_RequiresTokenOutsideDevelopment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env = "production"
	cfg.AuthSigningKey = "test-secret"
	e := newTestApp(t, cfg).newServer()

	rec := doRequest(e, http.MethodGet, "/api/v1/care-plans/plan-1/doses", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestOpenStore_Badger(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreBackend = config.StoreBadger
	cfg.BadgerDir = t.TempDir()
	a := newTestApp(t, cfg)

	if _, ok := a.store.(*administration.BadgerStore); !ok {
		t.Errorf("expected badger store, got %T", a.store)
	}
}

func TestNewApp_MissingCatalogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for a missing catalog file")
	}
}

func TestPrintDoses(t *testing.T) {
	cat, err := medication.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	meds, _ := cat.ListByCarePlan(context.Background(), "plan-1")
	date, _ := administration.ParseDate("2024-03-14")
	given := &administration.Record{
		ID:             uuid.MustParse("6f1c1f5e-3a57-4c39-9d59-1f0a1c1e0f00"),
		MedicationID:   uuid.MustParse(lisinoprilID),
		AdministeredAt: time.Date(2024, 3, 14, 8, 10, 0, 0, time.UTC),
	}
	doses := administration.GenerateDoses(meds, date, []*administration.Record{given})

	var buf bytes.Buffer
	if err := printDoses(&buf, date, doses); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "Doses for 2024-03-14\n") {
		t.Errorf("unexpected header in %q", out)
	}
	if strings.Count(out, "\n") != 7 {
		t.Errorf("expected header, column row and 5 doses, got:\n%s", out)
	}
	if !strings.Contains(out, "given") || !strings.Contains(out, given.ID.String()) {
		t.Errorf("expected the morning dose marked given:\n%s", out)
	}
}

func TestDosesCommand(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("STORE_BACKEND", config.StoreMemory)
	t.Setenv("CATALOG_BACKEND", config.CatalogFile)
	t.Setenv("CATALOG_FILE", writeCatalog(t))

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"doses", "--care-plan", "plan-1", "--date", "2024-03-14", "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("doses command: %v", err)
	}

	var doses []administration.ScheduledDose
	if err := json.Unmarshal(out.Bytes(), &doses); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(doses) != 5 {
		t.Errorf("expected 5 doses, got %d", len(doses))
	}
}

func TestDosesCommand_RequiresCarePlan(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"doses"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected missing --care-plan to fail")
	}
}
