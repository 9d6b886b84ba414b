package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	riskTier       map[string]int64
	stageTotals    map[string]int64
	statusTotals   map[string]int64
	gauges         map[string]float64
	cacheHits      int64
	cacheMisses    int64
	resultsPurged  int64
	flapDetections int64
	fusionLatency  FusionLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type FusionLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	RiskTiers       map[string]int64        `json:"risk_tiers"`
	StageTotals     map[string]int64        `json:"stage_totals"`
	StatusTotals    map[string]int64        `json:"status_totals"`
	Gauges          map[string]float64      `json:"gauges"`
	CacheHits       int64                   `json:"cache_hits_total"`
	CacheMisses     int64                   `json:"cache_misses_total"`
	ResultsPurged   int64                   `json:"results_purged_total"`
	FlapDetections  int64                   `json:"flap_detections_total"`
	FusionLatencyMS FusionLatencyStat       `json:"fusion_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		riskTier:     map[string]int64{},
		stageTotals:  map[string]int64{},
		statusTotals: map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncRiskTier buckets assessments into LOW/MEDIUM/HIGH by final score.
func (r *Registry) IncRiskTier(score float64) {
	tier := "LOW"
	switch {
	case score >= 0.9:
		tier = "HIGH"
	case score >= 0.5:
		tier = "MEDIUM"
	}
	r.mu.Lock()
	r.riskTier[tier]++
	r.mu.Unlock()
}

func (r *Registry) IncStage(stage string) {
	stage = strings.TrimSpace(strings.ToUpper(stage))
	if stage == "" {
		return
	}
	r.mu.Lock()
	r.stageTotals[stage]++
	r.mu.Unlock()
}

func (r *Registry) IncStatus(status string) {
	status = strings.TrimSpace(strings.ToUpper(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.statusTotals[status]++
	r.mu.Unlock()
}

func (r *Registry) IncCacheHit() {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

func (r *Registry) IncCacheMiss() {
	r.mu.Lock()
	r.cacheMisses++
	r.mu.Unlock()
}

func (r *Registry) AddResultsPurged(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.resultsPurged += n
	r.mu.Unlock()
}

func (r *Registry) IncFlapDetection() {
	r.mu.Lock()
	r.flapDetections++
	r.mu.Unlock()
}

func (r *Registry) ObserveFusionLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fusionLatency.Count++
	r.fusionLatency.TotalMS += ms
	r.fusionLatency.LastMS = ms
	if ms > r.fusionLatency.MaxMS {
		r.fusionLatency.MaxMS = ms
	}
	r.fusionLatency.AvgMS = float64(r.fusionLatency.TotalMS) / float64(r.fusionLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		RiskTiers:      make(map[string]int64, len(r.riskTier)),
		StageTotals:    make(map[string]int64, len(r.stageTotals)),
		StatusTotals:   make(map[string]int64, len(r.statusTotals)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		CacheHits:      r.cacheHits,
		CacheMisses:    r.cacheMisses,
		ResultsPurged:  r.resultsPurged,
		FlapDetections: r.flapDetections,
		FusionLatencyMS: FusionLatencyStat{
			Count:   r.fusionLatency.Count,
			TotalMS: r.fusionLatency.TotalMS,
			MaxMS:   r.fusionLatency.MaxMS,
			LastMS:  r.fusionLatency.LastMS,
			AvgMS:   r.fusionLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.riskTier {
		out.RiskTiers[k] = v
	}
	for k, v := range r.stageTotals {
		out.StageTotals[k] = v
	}
	for k, v := range r.statusTotals {
		out.StatusTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP inquest_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE inquest_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "inquest_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP inquest_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE inquest_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "inquest_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP inquest_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE inquest_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "inquest_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP inquest_risk_tier_total assessments by risk tier\n")
		b.WriteString("# TYPE inquest_risk_tier_total counter\n")
		for _, tier := range SortedKeys(snap.RiskTiers) {
			fmt.Fprintf(b, "inquest_risk_tier_total{tier=%q} %d\n", tier, snap.RiskTiers[tier])
		}
		b.WriteString("# HELP inquest_stage_total lifecycle transitions by target stage\n")
		b.WriteString("# TYPE inquest_stage_total counter\n")
		for _, stage := range SortedKeys(snap.StageTotals) {
			fmt.Fprintf(b, "inquest_stage_total{stage=%q} %d\n", stage, snap.StageTotals[stage])
		}
		b.WriteString("# HELP inquest_status_total status transitions by target status\n")
		b.WriteString("# TYPE inquest_status_total counter\n")
		for _, status := range SortedKeys(snap.StatusTotals) {
			fmt.Fprintf(b, "inquest_status_total{status=%q} %d\n", status, snap.StatusTotals[status])
		}
		b.WriteString("# HELP inquest_cache_hits_total result cache hits\n")
		b.WriteString("# TYPE inquest_cache_hits_total counter\n")
		fmt.Fprintf(b, "inquest_cache_hits_total %d\n", snap.CacheHits)
		b.WriteString("# HELP inquest_cache_misses_total result cache misses\n")
		b.WriteString("# TYPE inquest_cache_misses_total counter\n")
		fmt.Fprintf(b, "inquest_cache_misses_total %d\n", snap.CacheMisses)
		b.WriteString("# HELP inquest_results_purged_total expired cached results removed\n")
		b.WriteString("# TYPE inquest_results_purged_total counter\n")
		fmt.Fprintf(b, "inquest_results_purged_total %d\n", snap.ResultsPurged)
		b.WriteString("# HELP inquest_flap_detections_total dampened assessment swings\n")
		b.WriteString("# TYPE inquest_flap_detections_total counter\n")
		fmt.Fprintf(b, "inquest_flap_detections_total %d\n", snap.FlapDetections)
		b.WriteString("# HELP inquest_gauge operational gauge metrics\n")
		b.WriteString("# TYPE inquest_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "inquest_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP inquest_fusion_latency_ms risk fusion latency in ms\n")
		b.WriteString("# TYPE inquest_fusion_latency_ms gauge\n")
		fmt.Fprintf(b, "inquest_fusion_latency_ms{stat=%q} %d\n", "last", snap.FusionLatencyMS.LastMS)
		fmt.Fprintf(b, "inquest_fusion_latency_ms{stat=%q} %.3f\n", "avg", snap.FusionLatencyMS.AvgMS)
		fmt.Fprintf(b, "inquest_fusion_latency_ms{stat=%q} %d\n", "max", snap.FusionLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP inquest_latency_seconds latency histogram\n")
			b.WriteString("# TYPE inquest_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "inquest_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "inquest_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "inquest_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "inquest_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "inquest_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "inquest_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "inquest_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
