package models

import (
	"encoding/json"
	"time"
)

// Lifecycle stages. An investigation only moves forward along the
// transition graph in pkg/lifecycle.
const (
	StageCreated    = "CREATED"
	StageSettings   = "SETTINGS"
	StageInProgress = "IN_PROGRESS"
	StageCompleted  = "COMPLETED"
)

// Operational statuses. Orthogonal to lifecycle stage.
const (
	StatusCreated    = "CREATED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
	StatusCancelled  = "CANCELLED"
)

// Audit action types.
const (
	AuditCreated = "CREATED"
	AuditUpdated = "UPDATED"
	AuditDeleted = "DELETED"
)

const SettingsSchemaVersion = 1
const ProgressSchemaVersion = 1

// Investigation is a unit of long-running asynchronous analytical work.
// Version increases by exactly one on every successful mutation.
type Investigation struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	LifecycleStage string    `json:"lifecycle_stage"`
	Status         string    `json:"status"`
	Version        int64     `json:"version"`
	Settings       Settings  `json:"settings"`
	Progress       Progress  `json:"progress"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessed   time.Time `json:"last_accessed"`
}

// Settings carries the entity list and investigation config. The core
// validates shape at the store boundary and otherwise treats it as opaque.
type Settings struct {
	SchemaVersion int             `json:"schema_version"`
	Entities      []Entity        `json:"entities,omitempty"`
	BooleanLogic  string          `json:"boolean_logic,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
}

type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Progress is a structured snapshot of work done so far.
type Progress struct {
	SchemaVersion   int                        `json:"schema_version"`
	ToolExecutions  []ToolExecution            `json:"tool_executions,omitempty"`
	DomainFindings  map[string]*DomainFindings `json:"domain_findings,omitempty"`
	CompletePercent float64                    `json:"complete_percent"`
}

type ToolExecution struct {
	Tool       string          `json:"tool"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// DomainFindings is what a single analysis domain reports back.
type DomainFindings struct {
	Evidence       []string           `json:"evidence,omitempty"`
	RiskScore      *float64           `json:"risk_score,omitempty"`
	Confidence     float64            `json:"confidence,omitempty"`
	RiskIndicators []string           `json:"risk_indicators,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// Patch is a partial update applied through the state store. Nil fields
// are left untouched.
type Patch struct {
	LifecycleStage *string   `json:"lifecycle_stage,omitempty"`
	Status         *string   `json:"status,omitempty"`
	Settings       *Settings `json:"settings,omitempty"`
	Progress       *Progress `json:"progress,omitempty"`
}

// AuditEntry records one state transition. Append-only; entries outlive
// the investigation they describe.
type AuditEntry struct {
	InvestigationID string          `json:"investigation_id"`
	ActionType      string          `json:"action_type"`
	FromVersion     *int64          `json:"from_version,omitempty"`
	ToVersion       *int64          `json:"to_version,omitempty"`
	Changes         json.RawMessage `json:"changes,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Source          string          `json:"source"`
}

// AssessmentInput is the evidence bundle supplied by external collaborators
// for one scoring request.
type AssessmentInput struct {
	EntityID          string                     `json:"entity_id"`
	ModelScore        float64                    `json:"model_score"`
	DomainFindings    map[string]*DomainFindings `json:"domain_findings,omitempty"`
	ToolResults       map[string]json.RawMessage `json:"tool_results,omitempty"`
	ExculpatoryWeight float64                    `json:"exculpatory_weight"`
	ConfirmedFraud    bool                       `json:"confirmed_fraud"`
	ExternalSnapshot  json.RawMessage            `json:"external_snapshot,omitempty"`
}

// RiskAssessment is the fused result. Ephemeral: the caller decides
// whether to persist it.
type RiskAssessment struct {
	EntityID         string   `json:"entity_id"`
	RiskScore        float64  `json:"risk_score"`
	FloorApplied     float64  `json:"floor_applied"`
	EvidenceCoverage float64  `json:"evidence_coverage"`
	FlapDetected     bool     `json:"flap_detected"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

// CachedResultMeta is the lightweight view of a cached result row, served
// without decompressing the payload.
type CachedResultMeta struct {
	InvestigationID string    `json:"investigation_id"`
	ResultHash      string    `json:"result_hash"`
	Status          string    `json:"status"`
	EntityCount     int       `json:"entity_count"`
	BooleanLogic    string    `json:"boolean_logic,omitempty"`
	TotalDurationMS int64     `json:"total_duration_ms"`
	Compressed      bool      `json:"compressed"`
	SizeBytes       int64     `json:"size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// TransitionEvent is published on every successful state mutation.
type TransitionEvent struct {
	InvestigationID string `json:"investigation_id"`
	OwnerID         string `json:"owner_id"`
	Action          string `json:"action"`
	FromStage       string `json:"from_stage,omitempty"`
	ToStage         string `json:"to_stage,omitempty"`
	FromStatus      string `json:"from_status,omitempty"`
	ToStatus        string `json:"to_status,omitempty"`
	Version         int64  `json:"version"`
	At              string `json:"at"`
}

// ValidSettings checks shape at the store boundary. Unknown config is
// allowed; a missing or future schema version is not.
func ValidSettings(s *Settings) bool {
	if s == nil {
		return true
	}
	if s.SchemaVersion <= 0 || s.SchemaVersion > SettingsSchemaVersion {
		return false
	}
	for _, e := range s.Entities {
		if e.ID == "" {
			return false
		}
	}
	return true
}

func ValidProgress(p *Progress) bool {
	if p == nil {
		return true
	}
	if p.SchemaVersion <= 0 || p.SchemaVersion > ProgressSchemaVersion {
		return false
	}
	return p.CompletePercent >= 0 && p.CompletePercent <= 100
}
