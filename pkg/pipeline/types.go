package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/querypilot/querypilot/pkg/schemaindex"
)

// Intent is the operation category inferred from a question.
type Intent string

const (
	IntentRead         Intent = "READ"
	IntentUpdateSingle Intent = "UPDATE_SINGLE"
	IntentUpdateMulti  Intent = "UPDATE_MULTI"
	IntentDelete       Intent = "DELETE"
	IntentOther        Intent = "OTHER"
)

// IsWrite reports whether the intent mutates data.
func (i Intent) IsWrite() bool {
	switch i {
	case IntentUpdateSingle, IntentUpdateMulti, IntentDelete:
		return true
	}
	return false
}

// Role is an actor's role in the static access policy.
type Role string

const (
	RoleViewer Role = "VIEWER"
	RoleEditor Role = "EDITOR"
	RoleAdmin  Role = "ADMIN"
)

// Actor identifies who is asking.
type Actor struct {
	ID   string
	Role Role
}

// AccessStatus is the outcome of the access evaluation.
type AccessStatus string

const (
	AccessAllowed       AccessStatus = "ALLOWED"
	AccessNeedsApproval AccessStatus = "NEEDS_APPROVAL"
	AccessRejected      AccessStatus = "REJECTED"
)

// DisambiguationOption is one clarification presented to the user when the
// pipeline cannot confidently select tables.
type DisambiguationOption struct {
	Message string `json:"message"`
}

// Impact is a pre-execution row-count projection for a write statement.
type Impact struct {
	Table                string `json:"table"`
	AffectedRowsEstimate int64  `json:"affected_rows_estimate"`
}

// Insights is the structured post-execution business summary.
type Insights struct {
	Impact          string `json:"impact"`
	DataScope       string `json:"data_scope"`
	BusinessMeaning string `json:"business_meaning"`
	PerformanceNote string `json:"performance_note"`
	RiskAssessment  string `json:"risk_assessment"`
}

// Context carries the state of a single pipeline run. It is passed by value:
// each stage returns an updated copy, and a run never shares its Context with
// another run.
type Context struct {
	// Set by the caller, immutable thereafter.
	Question     string
	ConnectionID string
	Actor        Actor

	// Written once by the intent classifier.
	Intent Intent

	// Written once by the access evaluator.
	AccessStatus  AccessStatus
	AccessMessage string

	// Written by the candidate retriever; insertion order is retrieval rank.
	CandidateTables []string

	// Written by the relevance scorer. Every element is a member of
	// CandidateTables; scorer output is intersected before acceptance.
	SelectedTables []string
	Confidence     float64

	// Written by the ambiguity detector. Terminal for the run when true.
	IsAmbiguous           bool
	DisambiguationOptions []DisambiguationOption

	// Written by the column grounder. Every key is in SelectedTables.
	GroundedSchema map[string][]string

	// Candidate query text, mutated across repair attempts.
	QueryText       string
	ValidationError string

	// Prior execution failure carried into the next generation attempt.
	LastError  string
	RetryCount int

	// Present only for write intents.
	Impact *Impact
}

// LLMClient is the interface for the language model gateway.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Config holds the dependencies of the pipeline.
type Config struct {
	Logger  *slog.Logger
	LLM     LLMClient
	Index   schemaindex.Index
	Prompts *Prompts

	// CandidateBreadth is the similarity-search K. High recall by default.
	CandidateBreadth int
}

// Pipeline runs the question-to-query stages for one request at a time.
type Pipeline struct {
	cfg    *Config
	log    *slog.Logger
	impact ImpactEstimator
}

// New creates a new Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("schema index is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = DefaultPrompts()
	}
	if cfg.CandidateBreadth == 0 {
		cfg.CandidateBreadth = 12
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{cfg: cfg, log: log}, nil
}
