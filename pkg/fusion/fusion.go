// Package fusion combines a primary model score with per-domain findings
// into one bounded decision value. Every function here is pure: no I/O,
// no stored state, and missing evidence degrades instead of erroring.
package fusion

import (
	"strings"

	"inquest/pkg/models"
)

type Config struct {
	// LeadWeight is applied to the stronger of model score and domain
	// average; the remainder goes to the weaker signal.
	LeadWeight              float64
	ExculpatoryDampening    float64
	HighConfidenceThreshold float64
	HighConfidenceFloor     float64
	BaselineFloor           float64
	FraudFloor              float64
}

func DefaultConfig() Config {
	return Config{
		LeadWeight:              0.65,
		ExculpatoryDampening:    0.6,
		HighConfidenceThreshold: 0.8,
		HighConfidenceFloor:     0.6,
		BaselineFloor:           0.3,
		FraudFloor:              0.9,
	}
}

type Inputs struct {
	ModelScore        float64
	DomainScores      []*float64
	ExculpatoryWeight float64
	ConfirmedFraud    bool
}

type Result struct {
	RiskScore    float64
	FloorApplied float64
}

// Fuse produces the decision score. The active floor dominates
// exculpatory dampening: a confirmed-fraud entity scores at least the
// fraud floor no matter how much exculpatory weight is supplied.
func Fuse(cfg Config, in Inputs) Result {
	model := clamp01(in.ModelScore)

	present := make([]float64, 0, len(in.DomainScores))
	for _, s := range in.DomainScores {
		if s != nil {
			present = append(present, clamp01(*s))
		}
	}
	raw := model
	if len(present) > 0 {
		sum := 0.0
		for _, s := range present {
			sum += s
		}
		domainAvg := sum / float64(len(present))
		high, low := model, domainAvg
		if domainAvg > model {
			high, low = domainAvg, model
		}
		raw = cfg.LeadWeight*high + (1-cfg.LeadWeight)*low
	}

	dampened := raw * (1 - cfg.ExculpatoryDampening*clamp01(in.ExculpatoryWeight))

	floor := cfg.BaselineFloor
	switch {
	case in.ConfirmedFraud:
		floor = cfg.FraudFloor
	case model > cfg.HighConfidenceThreshold:
		floor = cfg.HighConfidenceFloor
	}

	score := dampened
	if floor > score {
		score = floor
	}
	return Result{RiskScore: clamp01(score), FloorApplied: floor}
}

// HasMinimumEvidence gates scoring on corroboration: a bare model score
// with no tool results and no substantive domain evidence is not enough.
func HasMinimumEvidence(in models.AssessmentInput) bool {
	if len(in.ToolResults) > 0 {
		return true
	}
	for _, f := range in.DomainFindings {
		if f != nil && len(f.Evidence) >= 3 {
			return true
		}
	}
	return false
}

// RequiredDomains are the analysis domains counted toward evidence
// coverage.
var RequiredDomains = []string{"location", "network", "identity", "transaction"}

// CoverageScore is the fraction of required domains that produced a
// usable score.
func CoverageScore(findings map[string]*models.DomainFindings) float64 {
	if len(RequiredDomains) == 0 {
		return 1
	}
	covered := 0
	for _, domain := range RequiredDomains {
		if f, ok := findings[domain]; ok && f != nil && f.RiskScore != nil {
			covered++
		}
	}
	return float64(covered) / float64(len(RequiredDomains))
}

// UncertaintyUplift grows as coverage drops, so thin evidence reads as
// uncertainty rather than false confidence.
func UncertaintyUplift(findings map[string]*models.DomainFindings) float64 {
	cov := CoverageScore(findings)
	switch {
	case cov >= 0.75:
		return 0
	case cov >= 0.25:
		return 0.10
	default:
		return 0.15
	}
}

// RiskFromLocation extracts the location domain's score. Insufficient
// evidence returns nil (neutral), never a fabricated low number.
func RiskFromLocation(f *models.DomainFindings) *float64 {
	if f == nil {
		return nil
	}
	if len(f.Evidence) < 2 {
		return nil
	}
	if len(f.RiskIndicators) == 0 && len(f.Metrics) == 0 {
		return nil
	}
	return f.RiskScore
}

// FraudSignals are the hard indicators an upstream record may carry.
type FraudSignals struct {
	FraudFlag    bool
	Decision     string
	DisputeCount int
	AlertCount   int
}

// DeriveConfirmedFraud is total: absent fields read as false/zero.
func DeriveConfirmedFraud(sig FraudSignals) bool {
	if sig.FraudFlag {
		return true
	}
	decision := strings.ToLower(strings.TrimSpace(sig.Decision))
	if strings.Contains(decision, "fraud") || strings.Contains(decision, "reject") {
		return true
	}
	return sig.DisputeCount > 0 || sig.AlertCount > 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
