package model

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the report schema version written by this build.
// Reads of older versions are migrated forward, see migrate.go.
const SchemaVersion = "2.0.0"

// Mode selects which chain definition a run executes.
type Mode string

const (
	ModeStandard     Mode = "standard"
	ModeDiscovery    Mode = "discovery"
	ModeDueDiligence Mode = "due_diligence"
)

// AllModes lists the valid run modes.
func AllModes() []Mode {
	return []Mode{ModeStandard, ModeDiscovery, ModeDueDiligence}
}

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	for _, known := range AllModes() {
		if m == known {
			return true
		}
	}
	return false
}

// ReportStatus is the lifecycle state of a report run.
type ReportStatus string

const (
	StatusClarifying           ReportStatus = "clarifying"
	StatusProcessing           ReportStatus = "processing"
	StatusComplete             ReportStatus = "complete"
	StatusError                ReportStatus = "error"
	StatusClarificationTimeout ReportStatus = "clarification_timeout"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ReportStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusClarificationTimeout:
		return true
	}
	return false
}

// TokenUsage aggregates token consumption across one or more LLM calls.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Total returns input + output tokens (the quota-relevant count).
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// IsZero reports whether no tokens have been recorded.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// StepResult is the validated output of one chain step. Created once per
// successful step execution and immutable thereafter; the owning report
// references it by step id.
type StepResult struct {
	StepID        string          `json:"step_id"`
	Payload       json.RawMessage `json:"payload"`
	Usage         TokenUsage      `json:"usage"`
	SchemaVersion string          `json:"schema_version"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// ReportData is the terminal payload of a completed report, assembled by
// the final chain step from the accumulated step payloads.
type ReportData struct {
	ProblemSummary   string          `json:"problem_summary"`
	PriorArt         []string        `json:"prior_art"`
	DomainMechanisms []string        `json:"domain_mechanisms"`
	Contradiction    string          `json:"contradiction"`
	SweetSpot        string          `json:"sweet_spot"`
	Sections         json.RawMessage `json:"sections,omitempty"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd"`
}

// Report is one analysis run. The chain orchestrator owns all writes to a
// report's step fields; once terminal it is immutable.
type Report struct {
	ID            string                `json:"id"`
	AccountID     string                `json:"account_id"`
	Mode          Mode                  `json:"mode"`
	Version       string                `json:"version"`
	Status        ReportStatus          `json:"status"`
	CurrentStep   string                `json:"current_step"`
	PhaseProgress int                   `json:"phase_progress"`
	StepResults   map[string]StepResult `json:"step_results"`
	TokenUsage    TokenUsage            `json:"token_usage"`
	ReportData    *ReportData           `json:"report_data,omitempty"`
	Input         string                `json:"input"`
	Question      string                `json:"question,omitempty"`
	Answer        string                `json:"answer,omitempty"`
	ErrorKind     string                `json:"error_kind,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// StepOrder returns the report's recorded step ids ordered by completion
// time, which matches chain order for a single run.
func (r *Report) StepOrder() []string {
	ids := make([]string, 0, len(r.StepResults))
	for id := range r.StepResults {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && r.StepResults[ids[j]].CompletedAt.Before(r.StepResults[ids[j-1]].CompletedAt); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
