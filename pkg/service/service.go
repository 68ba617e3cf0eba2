// Package service wires the pipeline, the execution governor, the approval
// workflow and the supporting stores into the operations the API exposes.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/querypilot/querypilot/pkg/approval"
	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/governor"
	"github.com/querypilot/querypilot/pkg/history"
	"github.com/querypilot/querypilot/pkg/pipeline"
	"github.com/querypilot/querypilot/pkg/registry"
	"github.com/querypilot/querypilot/pkg/sqlguard"
)

// ExecutorFactory resolves a registered connection to an executor for its
// target store. Implementations own connection pooling and credentials.
type ExecutorFactory interface {
	Executor(ctx context.Context, conn *registry.Connection) (governor.Executor, sqlguard.Dialect, error)
}

// HistoryStore records finished runs and lists them back per actor.
type HistoryStore interface {
	governor.HistoryRecorder
	Recent(ctx context.Context, actorID string, limit int) ([]history.Entry, error)
}

// Config holds the service's dependencies.
type Config struct {
	Logger    *slog.Logger
	Pipeline  *pipeline.Pipeline
	Registry  registry.Registry
	Executors ExecutorFactory
	Approvals approval.Store
	History   HistoryStore // optional
	Audit     audit.Sink   // optional
}

// Service answers questions against registered connections.
type Service struct {
	cfg *Config
	log *slog.Logger
}

// New validates the configuration and creates a Service. The service
// registers itself as the pipeline's impact estimator.
func New(cfg *Config) (*Service, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Executors == nil {
		return nil, fmt.Errorf("executor factory is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopSink{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Service{cfg: cfg, log: log}
	cfg.Pipeline.SetImpactEstimator(s)
	return s, nil
}

// Result is the outcome of one question, shaped for the API layer.
type Result struct {
	Status                string                          `json:"status"`
	Message               string                          `json:"message,omitempty"`
	Intent                pipeline.Intent                 `json:"intent,omitempty"`
	Query                 string                          `json:"query,omitempty"`
	Explanation           string                          `json:"explanation,omitempty"`
	Columns               []string                        `json:"columns,omitempty"`
	Rows                  []map[string]any                `json:"rows,omitempty"`
	RowsAffected          int64                           `json:"rows_affected,omitempty"`
	Confidence            float64                         `json:"confidence,omitempty"`
	Ambiguous             bool                            `json:"ambiguous,omitempty"`
	DisambiguationOptions []pipeline.DisambiguationOption `json:"disambiguation_options,omitempty"`
	ApprovalID            string                          `json:"approval_id,omitempty"`
	Impact                *pipeline.Impact                `json:"impact,omitempty"`
	Insights              *pipeline.Insights              `json:"insights,omitempty"`
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Result statuses.
const (
	StatusSuccess       = "SUCCESS"
	StatusFailed        = "FAILED"
	StatusRejected      = "REJECTED"
	StatusAmbiguous     = "AMBIGUOUS"
	StatusNeedsApproval = "NEEDS_APPROVAL"
	StatusUnsupported   = "UNSUPPORTED"
)

// Run answers one question: pipeline first, then either direct execution,
// an approval request, or a terminal explanation.
func (s *Service) Run(ctx context.Context, question, connectionID string, actor pipeline.Actor) (*Result, error) {
	conn, err := s.cfg.Registry.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	pctx, stage, err := s.cfg.Pipeline.Run(ctx, question, connectionID, actor)
	if err != nil {
		return nil, err
	}

	s.cfg.Audit.Record(audit.Event{
		ActorID:      actor.ID,
		ActorRole:    string(actor.Role),
		Action:       "query.run",
		ConnectionID: connectionID,
		Details:      map[string]any{"question": question, "intent": string(pctx.Intent), "stage": string(stage)},
	})

	switch stage {
	case pipeline.StageRejected:
		return &Result{Status: StatusRejected, Message: pctx.AccessMessage, Intent: pctx.Intent}, nil
	case pipeline.StageAmbiguous:
		return &Result{
			Status:                StatusAmbiguous,
			Ambiguous:             true,
			Message:               ambiguityMessage(pctx),
			DisambiguationOptions: pctx.DisambiguationOptions,
			Intent:                pctx.Intent,
			Confidence:            pctx.Confidence,
		}, nil
	case pipeline.StageOther:
		return &Result{Status: StatusUnsupported, Message: "I can only help with data questions against the connected stores.", Intent: pctx.Intent}, nil
	case pipeline.StageInvalid:
		return &Result{Status: StatusFailed, Message: pctx.ValidationError, Intent: pctx.Intent}, nil
	case pipeline.StageReady:
		// fallthrough below
	default:
		return nil, fmt.Errorf("pipeline stopped at unexpected stage %q", stage)
	}

	if pctx.AccessStatus == pipeline.AccessNeedsApproval || !pipeline.CanExecuteDirectly(actor.Role, pctx.Intent) {
		return s.requestApproval(ctx, pctx)
	}
	return s.execute(ctx, conn, pctx)
}

// RunRaw executes a caller-supplied statement against a connection without
// generating it from a question. The statement still goes through the safety
// validator and normalizer, and the access policy still applies: writes a
// non-admin cannot run directly become pending approval requests.
func (s *Service) RunRaw(ctx context.Context, query, connectionID string, actor pipeline.Actor) (*Result, error) {
	conn, err := s.cfg.Registry.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	kind, err := sqlguard.Classify(query)
	if err != nil {
		return &Result{Status: StatusFailed, Message: fmt.Sprintf("Guardrail Alert: %v", err)}, nil
	}
	intent := intentForKind(kind)

	status, message := pipeline.EvaluateAccess(actor.Role, intent)
	s.cfg.Audit.Record(audit.Event{
		ActorID:      actor.ID,
		ActorRole:    string(actor.Role),
		Action:       "query.raw",
		ConnectionID: connectionID,
		Details:      map[string]any{"intent": string(intent), "access": string(status)},
	})
	switch {
	case status == pipeline.AccessRejected:
		return &Result{Status: StatusRejected, Message: message, Intent: intent}, nil
	case status == pipeline.AccessNeedsApproval || !pipeline.CanExecuteDirectly(actor.Role, intent):
		return s.requestApproval(ctx, pipeline.Context{
			Actor:        actor,
			ConnectionID: connectionID,
			Intent:       intent,
			QueryText:    query,
		})
	}

	gov, err := s.governorFor(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := gov.RunApproved(ctx, query, intent)
	return s.outcomeResult(intent, 0, nil, out), nil
}

// intentForKind maps a statement kind onto the access policy's intents. A raw
// UPDATE is treated as multi-row: its scope is unknown until estimated.
func intentForKind(kind sqlguard.StatementKind) pipeline.Intent {
	switch kind {
	case sqlguard.KindDelete:
		return pipeline.IntentDelete
	case sqlguard.KindUpdate:
		return pipeline.IntentUpdateMulti
	case sqlguard.KindInsert:
		return pipeline.IntentUpdateSingle
	default:
		return pipeline.IntentRead
	}
}

// requestApproval freezes the generated query into a pending request,
// along with a plain-language explanation for the reviewer.
func (s *Service) requestApproval(ctx context.Context, pctx pipeline.Context) (*Result, error) {
	req := &approval.Request{
		RequesterID:  pctx.Actor.ID,
		ConnectionID: pctx.ConnectionID,
		Question:     pctx.Question,
		Query:        pctx.QueryText,
		Explanation:  s.cfg.Pipeline.ExplainQuery(ctx, pctx.Question, pctx.QueryText),
		Intent:       string(pctx.Intent),
	}
	if err := s.cfg.Approvals.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	s.cfg.Audit.Record(audit.Event{
		ActorID:      pctx.Actor.ID,
		ActorRole:    string(pctx.Actor.Role),
		Action:       "approval.request",
		ConnectionID: pctx.ConnectionID,
		Details:      map[string]any{"approval_id": req.ID, "intent": string(pctx.Intent)},
	})
	s.log.Info("service: approval requested", "approvalID", req.ID, "requester", pctx.Actor.ID)
	return &Result{
		Status:      StatusNeedsApproval,
		Message:     "This operation requires admin approval. A request has been submitted for review.",
		Intent:      pctx.Intent,
		Query:       pctx.QueryText,
		Explanation: req.Explanation,
		ApprovalID:  req.ID,
		Impact:      pctx.Impact,
	}, nil
}

func (s *Service) execute(ctx context.Context, conn *registry.Connection, pctx pipeline.Context) (*Result, error) {
	gov, err := s.governorFor(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := gov.Run(ctx, pctx)
	return s.outcomeResult(pctx.Intent, pctx.Confidence, pctx.Impact, out), nil
}

// ExecuteApproved runs an approved request. The requester claims the
// request with a conditional transition to EXECUTED before execution, so a
// second call cannot run the same query again.
func (s *Service) ExecuteApproved(ctx context.Context, approvalID string, actor pipeline.Actor) (*Result, error) {
	req, err := s.cfg.Approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	conn, err := s.cfg.Registry.Get(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Approvals.MarkExecuted(ctx, approvalID, actor.ID); err != nil {
		return nil, err
	}

	s.cfg.Audit.Record(audit.Event{
		ActorID:      actor.ID,
		ActorRole:    string(actor.Role),
		Action:       "approval.execute",
		ConnectionID: req.ConnectionID,
		Details:      map[string]any{"approval_id": approvalID},
	})

	gov, err := s.governorFor(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := gov.RunApproved(ctx, req.Query, pipeline.Intent(req.Intent))
	return s.outcomeResult(pipeline.Intent(req.Intent), 0, nil, out), nil
}

// Approve records a reviewer's approval of a pending request.
func (s *Service) Approve(ctx context.Context, approvalID string, actor pipeline.Actor) error {
	if !pipeline.HasPermission(actor.Role, pipeline.PermApprove) {
		return fmt.Errorf("role %q cannot review approval requests", actor.Role)
	}
	if err := s.cfg.Approvals.Approve(ctx, approvalID, actor.ID); err != nil {
		return err
	}
	s.cfg.Audit.Record(audit.Event{
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Action:    "approval.approve",
		Details:   map[string]any{"approval_id": approvalID},
	})
	return nil
}

// Reject records a reviewer's rejection of a pending request.
func (s *Service) Reject(ctx context.Context, approvalID, reason string, actor pipeline.Actor) error {
	if !pipeline.HasPermission(actor.Role, pipeline.PermApprove) {
		return fmt.Errorf("role %q cannot review approval requests", actor.Role)
	}
	if err := s.cfg.Approvals.Reject(ctx, approvalID, actor.ID, reason); err != nil {
		return err
	}
	s.cfg.Audit.Record(audit.Event{
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Action:    "approval.reject",
		Details:   map[string]any{"approval_id": approvalID, "reason": reason},
	})
	return nil
}

// PendingApprovals lists requests awaiting review.
func (s *Service) PendingApprovals(ctx context.Context, actor pipeline.Actor) ([]*approval.Request, error) {
	if !pipeline.HasPermission(actor.Role, pipeline.PermApprove) {
		return nil, fmt.Errorf("role %q cannot review approval requests", actor.Role)
	}
	return s.cfg.Approvals.ListPending(ctx)
}

// MyApprovals lists the caller's own requests.
func (s *Service) MyApprovals(ctx context.Context, actor pipeline.Actor) ([]*approval.Request, error) {
	return s.cfg.Approvals.ListByRequester(ctx, actor.ID)
}

// History lists the caller's most recent executed queries, newest first.
// Returns an empty list when history persistence is not configured.
func (s *Service) History(ctx context.Context, actor pipeline.Actor, limit int) ([]history.Entry, error) {
	if s.cfg.History == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	return s.cfg.History.Recent(ctx, actor.ID, limit)
}

// EstimateImpact projects the row count a write would touch by running the
// statement's filter as a count. Implements pipeline.ImpactEstimator.
func (s *Service) EstimateImpact(ctx context.Context, connectionID, query string) (*pipeline.Impact, error) {
	table, countSQL, err := sqlguard.CountQuery(query)
	if err != nil {
		return nil, err
	}
	conn, err := s.cfg.Registry.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	exec, dialect, err := s.cfg.Executors.Executor(ctx, conn)
	if err != nil {
		return nil, err
	}
	// The count text comes out in the canonical MySQL render; quote it for
	// the store that will run it.
	countSQL, err = sqlguard.Normalize(countSQL, dialect)
	if err != nil {
		return nil, err
	}
	res, err := exec.Read(ctx, countSQL)
	if err != nil {
		return nil, err
	}
	var count int64
	if len(res.Rows) == 1 {
		for _, v := range res.Rows[0] {
			count = toInt64(v)
			break
		}
	}
	return &pipeline.Impact{Table: table, AffectedRowsEstimate: count}, nil
}

func (s *Service) governorFor(ctx context.Context, conn *registry.Connection) (*governor.Governor, error) {
	exec, dialect, err := s.cfg.Executors.Executor(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executor for connection %q: %w", conn.ID, err)
	}
	return governor.New(&governor.Config{
		Logger:    s.log,
		Generator: s.cfg.Pipeline,
		Executor:  exec,
		Insights:  s.cfg.Pipeline,
		History:   s.cfg.History,
		Dialect:   dialect,
	})
}

func (s *Service) outcomeResult(intent pipeline.Intent, confidence float64, impact *pipeline.Impact, out governor.Outcome) *Result {
	res := &Result{
		Status:       out.Status,
		Intent:       intent,
		Query:        out.Query,
		RowsAffected: out.RowsAffected,
		Confidence:   confidence,
		Impact:       impact,
		Insights:     out.Insights,
	}
	if out.Result != nil {
		res.Columns = out.Result.Columns
		res.Rows = out.Result.Rows
	}
	if out.Status != StatusSuccess {
		res.Message = out.UserError
	}
	return res
}

func ambiguityMessage(pctx pipeline.Context) string {
	if len(pctx.DisambiguationOptions) > 0 {
		return pctx.DisambiguationOptions[0].Message
	}
	return "I couldn't confidently interpret the question."
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	}
	return 0
}
