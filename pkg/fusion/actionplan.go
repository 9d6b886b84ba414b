package fusion

import "strings"

const (
	highRiskThreshold   = 0.9
	mediumRiskThreshold = 0.5
)

var (
	containmentActions = []string{
		"Block entity and add to blacklist",
		"Freeze payments from the last 72 hours",
		"Escalate to fraud operations for manual review",
	}
	stepUpActions = []string{
		"Require step-up verification on next login",
		"Request additional identity documents",
		"Increase transaction monitoring sensitivity",
	}
	monitoringActions = []string{
		"Continue routine monitoring",
		"Re-score on next evidence refresh",
	}
)

// ActionPlan returns tiered recommendations for a fused score. Confirmed
// fraud adds the containment tier regardless of the numeric score.
func ActionPlan(riskScore float64, confirmedFraud bool) []string {
	var lines []string
	if confirmedFraud || riskScore >= highRiskThreshold {
		lines = append(lines, containmentActions...)
	}
	switch {
	case riskScore >= highRiskThreshold:
		// containment already added
	case riskScore >= mediumRiskThreshold:
		lines = append(lines, stepUpActions...)
	default:
		lines = append(lines, monitoringActions...)
	}
	return DedupeRecommendations(lines)
}

// DedupeRecommendations drops blank entries and collapses
// case-insensitive duplicates, keeping first-seen order and casing.
// Idempotent.
func DedupeRecommendations(lines []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key := strings.ToLower(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, line)
	}
	return out
}
