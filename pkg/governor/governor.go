// Package governor owns the execution side of a pipeline run: the
// generate-validate-normalize-execute cycle with bounded repair. Retries are
// strictly sequential; each depends on the previous failure's error text.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/querypilot/querypilot/pkg/history"
	"github.com/querypilot/querypilot/pkg/metrics"
	"github.com/querypilot/querypilot/pkg/pipeline"
	"github.com/querypilot/querypilot/pkg/sqlguard"
)

// maxAttempts bounds total execution attempts for one caller invocation:
// the initial attempt plus two retries.
const maxAttempts = 3

// Generator produces and repairs candidate query text.
type Generator interface {
	GenerateQuery(ctx context.Context, question string, grounded map[string][]string, lastError string) (string, error)
	RepairQuery(ctx context.Context, failedQuery, errorMsg string) string
}

// Insighter summarizes an executed result sample.
type Insighter interface {
	GenerateInsights(ctx context.Context, question, query string, meta pipeline.ResultMeta, rows []map[string]any) *pipeline.Insights
}

// HistoryRecorder persists a record of a finished run.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Config holds the governor's dependencies.
type Config struct {
	Logger    *slog.Logger
	Generator Generator
	Executor  Executor
	Insights  Insighter        // optional
	History   HistoryRecorder  // optional
	Dialect   sqlguard.Dialect // target store dialect
}

// Governor drives a run's query text through to an executed result.
type Governor struct {
	cfg *Config
	log *slog.Logger
}

// New creates a Governor.
func New(cfg *Config) (*Governor, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Dialect == "" {
		cfg.Dialect = sqlguard.DialectMySQL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Governor{cfg: cfg, log: log}, nil
}

// Outcome is the terminal result of governing one run.
type Outcome struct {
	Status       string // "SUCCESS" or "FAILED"
	Query        string
	Result       *Result
	RowsAffected int64
	Insights     *pipeline.Insights
	Attempts     int
	UserError    string // classified, user-facing; empty on success
	RawError     string // raw driver/model error for diagnostics
}

// state identifies a node in the execution state machine.
type state string

const (
	stateGenerate  state = "generate"
	stateValidate  state = "validate"
	stateNormalize state = "normalize"
	stateExecute   state = "execute"
	stateRepair    state = "repair"
	stateSuccess   state = "success"
	stateFail      state = "fail"
)

// run is the mutable state of one governed invocation.
type run struct {
	pctx       pipeline.Context
	query      string
	lastError  string
	attempts   int
	allowRegen bool // false for pre-approved text: never regenerate
	repaired   bool // inline repair already tried for the current failure

	out Outcome
}

// Run drives a pipeline context with access already granted (or an approved
// request) through execution. The context must be grounded and
// intent-classified; the first attempt reuses its query text when present.
func (g *Governor) Run(ctx context.Context, pctx pipeline.Context) Outcome {
	r := &run{pctx: pctx, query: pctx.QueryText, lastError: pctx.LastError, allowRegen: true}

	start := stateGenerate
	if r.query != "" {
		start = stateValidate
	}
	return g.drive(ctx, r, start)
}

// RunApproved executes frozen pre-approved query text, re-entering the
// machine at VALIDATE. The query is never regenerated or repaired: schema
// and text were frozen at approval time.
func (g *Governor) RunApproved(ctx context.Context, query string, intent pipeline.Intent) Outcome {
	pctx := pipeline.Context{QueryText: query, Intent: intent}
	r := &run{pctx: pctx, query: query, allowRegen: false}
	return g.drive(ctx, r, stateValidate)
}

// transitions is the execution state table. Each handler advances the run
// and names the next state.
func (g *Governor) transitions() map[state]func(context.Context, *run) state {
	return map[state]func(context.Context, *run) state{
		stateGenerate:  g.generate,
		stateValidate:  g.validate,
		stateNormalize: g.normalize,
		stateExecute:   g.execute,
		stateRepair:    g.repair,
	}
}

func (g *Governor) drive(ctx context.Context, r *run, s state) Outcome {
	table := g.transitions()
	for s != stateSuccess && s != stateFail {
		if err := ctx.Err(); err != nil {
			return g.fail(r, "the request was cancelled", err.Error())
		}
		handler, ok := table[s]
		if !ok {
			return g.fail(r, "internal error", fmt.Sprintf("no handler for state %q", s))
		}
		s = handler(ctx, r)
	}
	return r.out
}

func (g *Governor) generate(ctx context.Context, r *run) state {
	if !r.allowRegen {
		return g.failState(r, "the approved query could not be executed", r.lastError)
	}
	query, err := g.cfg.Generator.GenerateQuery(ctx, r.pctx.Question, r.pctx.GroundedSchema, r.lastError)
	if err != nil {
		return g.failState(r, "I couldn't generate a query for this question.", err.Error())
	}
	r.query = query
	r.repaired = false
	return stateValidate
}

func (g *Governor) validate(_ context.Context, r *run) state {
	if err := sqlguard.Validate(r.query); err != nil {
		// Guardrail violations are fatal to the attempt and never retried.
		return g.failState(r, fmt.Sprintf("Guardrail Alert: %v", err), err.Error())
	}
	return stateNormalize
}

func (g *Governor) normalize(_ context.Context, r *run) state {
	normalized, err := sqlguard.Normalize(r.query, g.cfg.Dialect)
	if err != nil {
		// Non-fatal: the validator already bounded the blast radius.
		g.log.Warn("governor: transpile failed, passing query through", "error", err)
		return stateExecute
	}
	r.query = normalized
	return stateExecute
}

func (g *Governor) execute(ctx context.Context, r *run) state {
	r.attempts++
	metrics.ExecutionAttempts.Inc()

	if r.pctx.Intent.IsWrite() {
		res, err := g.cfg.Executor.Write(ctx, r.query)
		if err != nil {
			return g.executeFailed(r, err)
		}
		g.log.Info("governor: write executed", "rowsAffected", res.RowsAffected, "attempts", r.attempts)
		r.out = Outcome{Status: "SUCCESS", Query: r.query, RowsAffected: res.RowsAffected, Attempts: r.attempts}
		g.finishSuccess(ctx, r, nil)
		return stateSuccess
	}

	res, err := g.cfg.Executor.Read(ctx, r.query)
	if err != nil {
		return g.executeFailed(r, err)
	}
	g.log.Info("governor: read executed", "rows", len(res.Rows), "attempts", r.attempts)
	r.out = Outcome{Status: "SUCCESS", Query: r.query, Result: &res, RowsAffected: int64(len(res.Rows)), Attempts: r.attempts}
	g.finishSuccess(ctx, r, &res)
	return stateSuccess
}

func (g *Governor) executeFailed(r *run, err error) state {
	r.lastError = err.Error()
	g.log.Warn("governor: execution failed", "attempt", r.attempts, "error", r.lastError)
	if r.attempts >= maxAttempts || !r.allowRegen {
		return g.failState(r, classifyError(r.lastError), r.lastError)
	}
	return stateRepair
}

// repair tries a one-shot inline fix of the failed text before falling back
// to full regeneration with the error as context.
func (g *Governor) repair(ctx context.Context, r *run) state {
	if !r.repaired {
		r.repaired = true
		repairedQuery := g.cfg.Generator.RepairQuery(ctx, r.query, r.lastError)
		if repairedQuery != r.query {
			g.log.Info("governor: retrying with repaired query")
			r.query = repairedQuery
			return stateValidate
		}
	}
	return stateGenerate
}

func (g *Governor) finishSuccess(ctx context.Context, r *run, res *Result) {
	if g.cfg.Insights != nil {
		meta := pipeline.ResultMeta{}
		var rows []map[string]any
		if res != nil {
			meta.RowsReturned = len(res.Rows)
			meta.Columns = res.Columns
			rows = res.Rows
		}
		r.out.Insights = g.cfg.Insights.GenerateInsights(ctx, r.pctx.Question, r.query, meta, rows)
	}
	if g.cfg.History != nil {
		entry := history.Entry{
			ActorID:      r.pctx.Actor.ID,
			ConnectionID: r.pctx.ConnectionID,
			Question:     r.pctx.Question,
			Query:        r.query,
			Intent:       string(r.pctx.Intent),
			Confidence:   r.pctx.Confidence,
			Status:       "SUCCESS",
			RowsReturned: r.out.RowsAffected,
			Insights:     r.out.Insights,
		}
		if err := g.cfg.History.Record(ctx, entry); err != nil {
			g.log.Warn("governor: failed to record history", "error", err)
		}
	}
}

func (g *Governor) failState(r *run, userError, rawError string) state {
	g.fail(r, userError, rawError)
	return stateFail
}

func (g *Governor) fail(r *run, userError, rawError string) Outcome {
	r.out = Outcome{
		Status:    "FAILED",
		Query:     r.query,
		Attempts:  r.attempts,
		UserError: userError,
		RawError:  rawError,
	}
	return r.out
}

// classifyError turns a raw store error into a user-facing message by
// keyword inspection. Best-effort UX, not authoritative.
func classifyError(raw string) string {
	msg := "I couldn't run this query. "
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "syntax"):
		msg += "It looks like there's a syntax issue I couldn't automatically fix."
	case strings.Contains(lower, "column"):
		msg += "The query may reference a column that doesn't exist."
	default:
		msg += "There was a database error."
	}
	return msg
}
