package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"inquest/pkg/audit"
	"inquest/pkg/eventbus"
	"inquest/pkg/flapguard"
	"inquest/pkg/fusion"
	"inquest/pkg/httpx"
	"inquest/pkg/investigation"
	"inquest/pkg/metrics"
	"inquest/pkg/models"
	"inquest/pkg/resultcache"
	"inquest/pkg/store"
	"inquest/pkg/stream"
	"inquest/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, ev models.TransitionEvent) error
	Close() error
}

type Server struct {
	Store               *investigation.Store
	Results             *resultcache.Cache
	Guard               *flapguard.Guard
	FusionCfg           fusion.Config
	Events              *stream.Hub
	Bus                 publisher
	Metrics             *metrics.Registry
	ServiceAuthHeader   string
	ServiceAuthToken    string
	ElevatedActors      map[string]struct{}
	MaxRequestBodyBytes int64
}

type serviceDeps struct {
	db      investigation.DB
	closeDB func()
	redis   *redis.Client
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDepsFn      func(context.Context) (serviceDeps, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runInquest(initTelemetryFn, openDepsFn, listenFn); err != nil {
		logFatalf("inquest: %v", err)
	}
}

func runInquest(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDeps func(context.Context) (serviceDeps, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDeps == nil {
		openDeps = func(ctx context.Context) (serviceDeps, error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return serviceDeps{}, err
			}
			client, err := store.NewRedis(ctx)
			if err != nil {
				log.Printf("redis unavailable, flap history kept in memory: %v", err)
				client = nil
			}
			return serviceDeps{db: pool, closeDB: pool.Close, redis: client}, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "inquest")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	deps, err := openDeps(ctx)
	if err != nil {
		return err
	}
	if deps.closeDB != nil {
		defer deps.closeDB()
	}

	auditWriter := &audit.Writer{
		DB:         deps.db,
		HashSalt:   []byte(env("AUDIT_HASH_SALT", "")),
		HashSource: env("AUDIT_HASH_SOURCE", "false") == "true",
	}
	flapTTL := envDurationSec("FLAP_HISTORY_TTL_SEC", 7*24*3600)
	resultTTL := envDurationSec("RESULT_TTL_SEC", 24*3600)

	s := &Server{
		Store:               investigation.NewStore(deps.db, auditWriter),
		Results:             resultcache.New(deps.db, resultTTL, envInt("RESULT_FRONT_CACHE_SIZE", 256)),
		Guard:               flapguard.NewGuard(flapguard.NewMemory(ctx, deps.redis, flapTTL)),
		FusionCfg:           fusion.DefaultConfig(),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		ServiceAuthHeader:   env("INQUEST_AUTH_HEADER", ""),
		ServiceAuthToken:    env("INQUEST_AUTH_TOKEN", ""),
		ElevatedActors:      parseActorSet(env("ELEVATED_ACTORS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		pub, err := eventbus.NewPublisher(eventbus.Config{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "inquest.transitions"),
		})
		if err != nil {
			return err
		}
		s.Bus = pub
	}
	defer func() {
		if s.Bus != nil {
			_ = s.Bus.Close()
		}
	}()

	if interval := envDurationSec("RESULT_PURGE_INTERVAL_SEC", 3600); interval > 0 {
		go s.purgeLoop(ctx, interval)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("inquest"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.observeMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "inquest"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	api := chi.NewRouter()
	api.Use(s.requireServiceToken)
	api.Post("/v1/investigations", s.createInvestigation)
	api.Get("/v1/investigations", s.listInvestigations)
	api.Get("/v1/investigations/{id}", s.getInvestigation)
	api.Patch("/v1/investigations/{id}", s.updateInvestigation)
	api.Delete("/v1/investigations/{id}", s.deleteInvestigation)
	api.Get("/v1/investigations/{id}/history", s.getHistory)
	api.Post("/v1/investigations/{id}/results", s.storeResult)
	api.Get("/v1/investigations/{id}/results", s.getResult)
	api.Get("/v1/investigations/{id}/results/status", s.getResultStatus)
	api.Patch("/v1/investigations/{id}/results/status", s.updateResultStatus)
	api.Get("/v1/results", s.listResults)
	api.Get("/v1/results/stats", s.resultStats)
	api.Post("/v1/results/purge", s.purgeResults)
	api.Post("/v1/score", s.score)
	api.Get("/v1/stream", s.streamEvents)
	r.Mount("/", api)

	addr := env("ADDR", ":8090")
	log.Printf("inquest service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.serviceTokenValid(r) {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if strings.TrimSpace(r.Header.Get("X-Actor-ID")) == "" {
			httpx.Error(w, 400, "X-Actor-ID header required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serviceTokenValid(r *http.Request) bool {
	if s.ServiceAuthHeader == "" || s.ServiceAuthToken == "" {
		return false
	}
	token := r.Header.Get(s.ServiceAuthHeader)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceAuthToken)) == 1
}

func (s *Server) requester(r *http.Request) investigation.Requester {
	actor := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	_, elevated := s.ElevatedActors[actor]
	return investigation.Requester{ID: actor, Elevated: elevated}
}

func (s *Server) createInvestigation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string          `json:"id"`
		Settings models.Settings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	requester := s.requester(r)
	inv, err := s.Store.Create(r.Context(), investigation.CreateRequest{
		ID:       req.ID,
		OwnerID:  requester.ID,
		Settings: req.Settings,
		Source:   requester.ID,
	})
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	s.Metrics.IncStage(inv.LifecycleStage)
	s.publishTransition(r.Context(), models.TransitionEvent{
		InvestigationID: inv.ID,
		OwnerID:         inv.OwnerID,
		Action:          models.AuditCreated,
		ToStage:         inv.LifecycleStage,
		ToStatus:        inv.Status,
		Version:         inv.Version,
	})
	httpx.WriteJSON(w, 201, inv)
}

func (s *Server) getInvestigation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"), s.requester(r))
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, inv)
}

func (s *Server) listInvestigations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requester := s.requester(r)
	filter := investigation.ListFilter{
		OwnerID:  requester.ID,
		Status:   q.Get("status"),
		Search:   q.Get("search"),
		Page:     atoiDefault(q.Get("page"), 1),
		PageSize: atoiDefault(q.Get("page_size"), 20),
	}
	if requester.Elevated && q.Get("owner_id") != "" {
		filter.OwnerID = q.Get("owner_id")
	}
	page, err := s.Store.List(r.Context(), filter)
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, page)
}

func (s *Server) updateInvestigation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion int64        `json:"expected_version"`
		Patch           models.Patch `json:"patch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.ExpectedVersion <= 0 {
		httpx.Error(w, 400, "expected_version required")
		return
	}
	id := chi.URLParam(r, "id")
	prev, err := s.Store.Get(r.Context(), id, s.requester(r))
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	inv, err := s.Store.Update(r.Context(), id, s.requester(r), req.ExpectedVersion, req.Patch)
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	if inv.LifecycleStage != prev.LifecycleStage {
		s.Metrics.IncStage(inv.LifecycleStage)
	}
	if inv.Status != prev.Status {
		s.Metrics.IncStatus(inv.Status)
	}
	s.publishTransition(r.Context(), models.TransitionEvent{
		InvestigationID: inv.ID,
		OwnerID:         inv.OwnerID,
		Action:          models.AuditUpdated,
		FromStage:       prev.LifecycleStage,
		ToStage:         inv.LifecycleStage,
		FromStatus:      prev.Status,
		ToStatus:        inv.Status,
		Version:         inv.Version,
	})
	httpx.WriteJSON(w, 200, inv)
}

func (s *Server) deleteInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requester := s.requester(r)
	inv, err := s.Store.Get(r.Context(), id, requester)
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	if err := s.Store.Delete(r.Context(), id, requester); err != nil {
		httpx.StoreError(w, err)
		return
	}
	if _, err := s.Results.Delete(r.Context(), id); err != nil {
		log.Printf("inquest delete cached result %s: %v", id, err)
	}
	s.publishTransition(r.Context(), models.TransitionEvent{
		InvestigationID: id,
		OwnerID:         inv.OwnerID,
		Action:          models.AuditDeleted,
		FromStage:       inv.LifecycleStage,
		FromStatus:      inv.Status,
		Version:         inv.Version,
	})
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.Store.History(r.Context(), chi.URLParam(r, "id"), s.requester(r),
		atoiDefault(q.Get("limit"), 50), atoiDefault(q.Get("offset"), 0))
	if err != nil {
		httpx.StoreError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"entries": entries})
}

func (s *Server) score(w http.ResponseWriter, r *http.Request) {
	var in models.AssessmentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(in.EntityID) == "" {
		httpx.Error(w, 400, "entity_id required")
		return
	}
	if !fusion.HasMinimumEvidence(in) {
		httpx.Error(w, 422, "insufficient evidence for assessment")
		return
	}
	started := time.Now()

	confirmed := in.ConfirmedFraud
	if raw, ok := in.ToolResults["fraud_signals"]; ok && !confirmed {
		var sig struct {
			FraudFlag    bool   `json:"fraud_flag"`
			Decision     string `json:"decision"`
			DisputeCount int    `json:"dispute_count"`
			AlertCount   int    `json:"alert_count"`
		}
		if err := json.Unmarshal(raw, &sig); err == nil {
			confirmed = fusion.DeriveConfirmedFraud(fusion.FraudSignals{
				FraudFlag:    sig.FraudFlag,
				Decision:     sig.Decision,
				DisputeCount: sig.DisputeCount,
				AlertCount:   sig.AlertCount,
			})
		}
	}

	domainScores := make([]*float64, 0, len(in.DomainFindings))
	for domain, f := range in.DomainFindings {
		var score *float64
		if domain == "location" {
			score = fusion.RiskFromLocation(f)
		} else if f != nil {
			score = f.RiskScore
		}
		domainScores = append(domainScores, score)
	}

	fused := fusion.Fuse(s.FusionCfg, fusion.Inputs{
		ModelScore:        in.ModelScore,
		DomainScores:      domainScores,
		ExculpatoryWeight: in.ExculpatoryWeight,
		ConfirmedFraud:    confirmed,
	})
	coverage := fusion.CoverageScore(in.DomainFindings)
	risk := fused.RiskScore + fusion.UncertaintyUplift(in.DomainFindings)
	if risk > 1 {
		risk = 1
	}

	check, err := s.Guard.Check(r.Context(), in.EntityID, risk, in)
	if err != nil {
		log.Printf("inquest flap history for %s: %v", in.EntityID, err)
		check = flapguard.CheckResult{AdjustedRisk: risk}
	}
	if check.FlapDetected {
		s.Metrics.IncFlapDetection()
	}
	recommendations := fusion.DedupeRecommendations(fusion.ActionPlan(check.AdjustedRisk, confirmed))

	s.Metrics.IncRiskTier(check.AdjustedRisk)
	s.Metrics.ObserveFusionLatency(time.Since(started))
	httpx.WriteJSON(w, 200, models.RiskAssessment{
		EntityID:         in.EntityID,
		RiskScore:        check.AdjustedRisk,
		FloorApplied:     fused.FloorApplied,
		EvidenceCoverage: coverage,
		FlapDetected:     check.FlapDetected,
		Recommendations:  recommendations,
	})
}

func (s *Server) storeResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status          string          `json:"status"`
		EntityCount     int             `json:"entity_count"`
		BooleanLogic    string          `json:"boolean_logic"`
		TotalDurationMS int64           `json:"total_duration_ms"`
		TTLSec          int             `json:"ttl_sec"`
		Result          json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Result) == 0 {
		httpx.Error(w, 400, "result required")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.Store.Get(r.Context(), id, s.requester(r)); err != nil {
		httpx.StoreError(w, err)
		return
	}
	reqCtx := resultcache.RequestContext{
		Status:          req.Status,
		EntityCount:     req.EntityCount,
		BooleanLogic:    req.BooleanLogic,
		TotalDurationMS: req.TotalDurationMS,
	}
	if req.TTLSec > 0 {
		reqCtx.TTL = time.Duration(req.TTLSec) * time.Second
	}
	if err := s.Results.Store(r.Context(), id, reqCtx, req.Result); err != nil {
		log.Printf("inquest store result %s: %v", id, err)
		httpx.Error(w, 500, "internal error")
		return
	}
	httpx.WriteJSON(w, 201, map[string]string{"status": "stored"})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.Get(r.Context(), id, s.requester(r)); err != nil {
		httpx.StoreError(w, err)
		return
	}
	payload, ok, err := s.Results.Get(r.Context(), id)
	if err != nil {
		log.Printf("inquest get result %s: %v", id, err)
		httpx.Error(w, 500, "internal error")
		return
	}
	if !ok {
		s.Metrics.IncCacheMiss()
		httpx.Error(w, 404, "no cached result")
		return
	}
	s.Metrics.IncCacheHit()
	httpx.WriteJSON(w, 200, map[string]any{"investigation_id": id, "result": payload})
}

func (s *Server) getResultStatus(w http.ResponseWriter, r *http.Request) {
	meta, err := s.Results.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		log.Printf("inquest result status: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	if meta == nil {
		httpx.Error(w, 404, "no cached result")
		return
	}
	httpx.WriteJSON(w, 200, meta)
}

func (s *Server) updateResultStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Status) == "" {
		httpx.Error(w, 400, "status required")
		return
	}
	updated, err := s.Results.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		log.Printf("inquest update result status: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	if !updated {
		httpx.Error(w, 404, "no cached result")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": req.Status})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.Results.List(r.Context(), q.Get("status"),
		atoiDefault(q.Get("limit"), 50), atoiDefault(q.Get("offset"), 0))
	if err != nil {
		log.Printf("inquest list results: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) resultStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Results.Stats(r.Context())
	if err != nil {
		log.Printf("inquest result stats: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	httpx.WriteJSON(w, 200, stats)
}

func (s *Server) purgeResults(w http.ResponseWriter, r *http.Request) {
	n, err := s.Results.PurgeExpired(r.Context())
	if err != nil {
		log.Printf("inquest purge results: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	s.Metrics.AddResultsPurged(n)
	httpx.WriteJSON(w, 200, map[string]int64{"purged": n})
}

func (s *Server) purgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Results.PurgeExpired(ctx); err != nil {
				log.Printf("inquest purge loop: %v", err)
			} else if n > 0 {
				s.Metrics.AddResultsPurged(n)
				log.Printf("inquest purged %d expired cached results", n)
			}
		}
	}
}

func (s *Server) publishTransition(ctx context.Context, ev models.TransitionEvent) {
	ev.At = time.Now().UTC().Format(time.RFC3339Nano)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("transition", ev.InvestigationID, ev))
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	}
	if s.Bus != nil {
		if err := s.Bus.Publish(ctx, ev); err != nil {
			log.Printf("inquest publish transition %s: %v", ev.InvestigationID, err)
		}
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64, r.URL.Query().Get("investigation_id"))
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", "", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		key := r.Method + " " + r.URL.Path
		s.Metrics.Observe(key, rec.status, time.Since(started))
		s.Metrics.ObserveLatency(key, time.Since(started))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func parseActorSet(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
