package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inquest/pkg/audit"
	"inquest/pkg/flapguard"
	"inquest/pkg/fusion"
	"inquest/pkg/investigation"
	"inquest/pkg/metrics"
	"inquest/pkg/models"
	"inquest/pkg/resultcache"
	"inquest/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryFn    func(sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(sql string, args ...any) pgx.Row
	beginErr   error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(sql, args...)
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(sql, args...)
	}
	return nil, errors.New("no query hook")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args...)
	}
	return errRow{err: errors.New("no query row hook")}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return nil, errors.New("no begin hook")
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

func newTestServer(db investigation.DB) *Server {
	return &Server{
		Store:             investigation.NewStore(db, &audit.Writer{DB: db}),
		Results:           resultcache.New(db, time.Hour, 8),
		Guard:             flapguard.NewGuard(flapguard.NewMapMemory()),
		FusionCfg:         fusion.DefaultConfig(),
		Events:            stream.NewHub(),
		Metrics:           metrics.NewRegistry(),
		ServiceAuthHeader: "X-Service-Token",
		ServiceAuthToken:  "secret",
		ElevatedActors:    map[string]struct{}{"auditor": {}},
	}
}

func authedRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("X-Service-Token", "secret")
	req.Header.Set("X-Actor-ID", "alice")
	return req
}

func TestRequireServiceToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	handler := s.requireServiceToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/investigations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/investigations", nil)
	req.Header.Set("X-Service-Token", "wrong")
	req.Header.Set("X-Actor-ID", "alice")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/investigations", nil)
	req.Header.Set("X-Service-Token", "secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing actor: expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/investigations", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rr.Code)
	}
}

func TestRequesterElevation(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-ID", "auditor")
	if got := s.requester(req); !got.Elevated || got.ID != "auditor" {
		t.Fatalf("unexpected requester: %+v", got)
	}
	req.Header.Set("X-Actor-ID", "alice")
	if got := s.requester(req); got.Elevated {
		t.Fatalf("alice should not be elevated: %+v", got)
	}
}

func TestScoreRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})

	rr := httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", "{"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", `{"model_score":0.9}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing entity: expected 400, got %d", rr.Code)
	}

	// A bare model score with no corroborating evidence never scores.
	rr = httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", `{"entity_id":"e-1","model_score":0.99}`))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("no evidence: expected 422, got %d", rr.Code)
	}
}

func TestScoreHighConfidenceFloor(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	body := `{
		"entity_id": "e-1",
		"model_score": 0.85,
		"exculpatory_weight": 1.0,
		"tool_results": {"device_check": {"ok": true}},
		"domain_findings": {
			"location": {"risk_score": 0.1, "evidence": ["geo", "ip"], "risk_indicators": ["vpn"]},
			"network": {"risk_score": 0.2, "evidence": ["asn"]},
			"identity": {"risk_score": 0.1},
			"transaction": {"risk_score": 0.1}
		}
	}`
	rr := httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out models.RiskAssessment
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RiskScore < 0.6 {
		t.Fatalf("high-confidence model score must floor at 0.6, got %v", out.RiskScore)
	}
	if out.FloorApplied != 0.6 {
		t.Fatalf("expected floor 0.6, got %v", out.FloorApplied)
	}
	if out.EvidenceCoverage != 1.0 {
		t.Fatalf("all four domains scored, coverage should be 1.0, got %v", out.EvidenceCoverage)
	}
	if out.FlapDetected {
		t.Fatal("first assessment cannot be a flap")
	}
}

func TestScoreDerivesFraudFromToolSignals(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	body := `{
		"entity_id": "e-2",
		"model_score": 0.1,
		"exculpatory_weight": 1.0,
		"tool_results": {"fraud_signals": {"decision": "REJECT_FRAUD", "dispute_count": 2}}
	}`
	rr := httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out models.RiskAssessment
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RiskScore < 0.9 {
		t.Fatalf("confirmed fraud must score at least 0.9, got %v", out.RiskScore)
	}
	found := false
	for _, rec := range out.Recommendations {
		if strings.Contains(strings.ToLower(rec), "freeze") || strings.Contains(strings.ToLower(rec), "block") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected containment recommendations, got %v", out.Recommendations)
	}
}

func TestScoreDampensFlappingEntity(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	low := `{
		"entity_id": "e-3",
		"model_score": 0.0,
		"tool_results": {"device_check": {"ok": true}}
	}`
	high := `{
		"entity_id": "e-3",
		"model_score": 1.0,
		"tool_results": {"device_check": {"ok": true}}
	}`
	rr := httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", low))
	if rr.Code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", rr.Code)
	}
	var first models.RiskAssessment
	_ = json.Unmarshal(rr.Body.Bytes(), &first)

	rr = httptest.NewRecorder()
	s.score(rr, authedRequest(http.MethodPost, "/v1/score", high))
	if rr.Code != http.StatusOK {
		t.Fatalf("second: expected 200, got %d", rr.Code)
	}
	var second models.RiskAssessment
	if err := json.Unmarshal(rr.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.FlapDetected {
		t.Fatal("identical evidence with a full swing should be flagged as a flap")
	}
	if second.RiskScore >= 1.0 {
		t.Fatalf("dampened score should sit below the raw swing, got %v", second.RiskScore)
	}
}

func TestGetInvestigationNotFound(t *testing.T) {
	t.Parallel()
	db := &fakeDB{
		queryRowFn: func(sql string, args ...any) pgx.Row {
			return errRow{err: pgx.ErrNoRows}
		},
	}
	s := newTestServer(db)
	r := chi.NewRouter()
	r.Get("/v1/investigations/{id}", s.getInvestigation)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest(http.MethodGet, "/v1/investigations/ghost", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateInvestigationRequiresVersion(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	r := chi.NewRouter()
	r.Patch("/v1/investigations/{id}", s.updateInvestigation)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest(http.MethodPatch, "/v1/investigations/inv-1", `{"patch":{}}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStoreResultValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeDB{})
	r := chi.NewRouter()
	r.Post("/v1/investigations/{id}/results", s.storeResult)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest(http.MethodPost, "/v1/investigations/inv-1/results", `{"status":"completed"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing result payload: expected 400, got %d", rr.Code)
	}
}

func TestRunInquestWiresRoutes(t *testing.T) {
	t.Setenv("INQUEST_AUTH_HEADER", "X-Service-Token")
	t.Setenv("INQUEST_AUTH_TOKEN", "secret")
	t.Setenv("RESULT_PURGE_INTERVAL_SEC", "0")
	t.Setenv("KAFKA_ENABLED", "false")

	var captured *http.Server
	err := runInquest(
		func(ctx context.Context, name string) (func(context.Context) error, error) {
			if name != "inquest" {
				t.Fatalf("unexpected service name %q", name)
			}
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (serviceDeps, error) {
			return serviceDeps{db: &fakeDB{}}, nil
		},
		func(server *http.Server) error {
			captured = server
			return nil
		},
	)
	if err != nil {
		t.Fatalf("runInquest: %v", err)
	}
	if captured == nil {
		t.Fatal("listen was not invoked")
	}

	rr := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "inquest") {
		t.Fatalf("healthz body: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}

	// API routes sit behind the service token.
	rr = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/investigations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated api: expected 401, got %d", rr.Code)
	}
}

func TestRunInquestTelemetryFailure(t *testing.T) {
	boom := errors.New("exporter down")
	err := runInquest(
		func(ctx context.Context, name string) (func(context.Context) error, error) {
			return nil, boom
		},
		func(ctx context.Context) (serviceDeps, error) { return serviceDeps{db: &fakeDB{}}, nil },
		func(server *http.Server) error { return nil },
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected telemetry error, got %v", err)
	}
}

func TestWSOriginPatterns(t *testing.T) {
	t.Parallel()
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	got := wsOriginPatterns(" a.example.com, ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}

func TestParseActorSet(t *testing.T) {
	t.Parallel()
	set := parseActorSet("auditor, ops , ")
	if len(set) != 2 {
		t.Fatalf("expected 2 actors, got %d", len(set))
	}
	if _, ok := set["ops"]; !ok {
		t.Fatal("ops missing")
	}
}

func TestAtoiDefault(t *testing.T) {
	t.Parallel()
	if got := atoiDefault("", 7); got != 7 {
		t.Fatalf("empty: got %d", got)
	}
	if got := atoiDefault("12", 7); got != 12 {
		t.Fatalf("number: got %d", got)
	}
	if got := atoiDefault("x", 7); got != 7 {
		t.Fatalf("garbage: got %d", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("INQUEST_TEST_ENV", "value")
	if got := env("INQUEST_TEST_ENV", "def"); got != "value" {
		t.Fatalf("env: got %q", got)
	}
	if got := env("INQUEST_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("env default: got %q", got)
	}
	t.Setenv("INQUEST_TEST_INT", "9")
	if got := envInt("INQUEST_TEST_INT", 1); got != 9 {
		t.Fatalf("envInt: got %d", got)
	}
	if got := envDurationSec("INQUEST_TEST_MISSING_INT", 3); got != 3*time.Second {
		t.Fatalf("envDurationSec: got %v", got)
	}
}
