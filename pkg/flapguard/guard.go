// Package flapguard dampens large risk swings that are not justified by
// new evidence, keeping repeated assessments of the same entity stable.
package flapguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"inquest/pkg/models"
)

// Record is the per-entity memory consulted on each assessment.
type Record struct {
	PreviousRisk float64   `json:"previous_risk"`
	Fingerprint  string    `json:"fingerprint"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Memory stores one Record per entity id. Implementations: RedisMemory
// and MapMemory.
type Memory interface {
	Get(ctx context.Context, entityID string) (Record, bool, error)
	Put(ctx context.Context, entityID string, rec Record) error
}

type CheckResult struct {
	FlapDetected bool    `json:"flap_detected"`
	AdjustedRisk float64 `json:"adjusted_risk"`
}

const lockStripes = 64

// Guard serializes checks per entity so concurrent assessments of the
// same entity cannot lose memory updates.
type Guard struct {
	mem            Memory
	swingThreshold float64
	damping        float64
	locks          [lockStripes]sync.Mutex
}

func NewGuard(mem Memory) *Guard {
	return &Guard{mem: mem, swingThreshold: 0.3, damping: 0.35}
}

// Check compares newRisk against the stored assessment. An unchanged
// evidence fingerprint plus a swing beyond the threshold is a flap: the
// result is pulled back toward the previous risk, never past it. New
// evidence always passes newRisk through untouched.
func (g *Guard) Check(ctx context.Context, entityID string, newRisk float64, in models.AssessmentInput) (CheckResult, error) {
	lock := &g.locks[stripeFor(entityID)]
	lock.Lock()
	defer lock.Unlock()

	fingerprint := Fingerprint(in)
	prev, ok, err := g.mem.Get(ctx, entityID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("flapguard memory get: %w", err)
	}
	result := CheckResult{AdjustedRisk: newRisk}
	if ok && prev.Fingerprint == fingerprint {
		swing := newRisk - prev.PreviousRisk
		if swing < 0 {
			swing = -swing
		}
		if swing > g.swingThreshold {
			result.FlapDetected = true
			result.AdjustedRisk = prev.PreviousRisk + g.damping*(newRisk-prev.PreviousRisk)
		}
	}
	if err := g.mem.Put(ctx, entityID, Record{
		PreviousRisk: result.AdjustedRisk,
		Fingerprint:  fingerprint,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return CheckResult{}, fmt.Errorf("flapguard memory put: %w", err)
	}
	return result, nil
}

// Fingerprint summarizes the evidence available at assessment time:
// per-domain evidence counts, the set of tool-result keys, and a hash of
// the structured external snapshot.
func Fingerprint(in models.AssessmentInput) string {
	h := sha256.New()
	domains := make([]string, 0, len(in.DomainFindings))
	for d := range in.DomainFindings {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		count := 0
		if f := in.DomainFindings[d]; f != nil {
			count = len(f.Evidence)
		}
		fmt.Fprintf(h, "d:%s=%d;", d, count)
	}
	tools := make([]string, 0, len(in.ToolResults))
	for tool := range in.ToolResults {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		fmt.Fprintf(h, "t:%s;", tool)
	}
	if len(in.ExternalSnapshot) > 0 {
		fmt.Fprintf(h, "x:%s;", models.ContentHash(in.ExternalSnapshot))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stripeFor(entityID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % lockStripes)
}
