package governor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/history"
	"github.com/querypilot/querypilot/pkg/pipeline"
)

// stubGenerator scripts generation and repair outputs.
type stubGenerator struct {
	queries       []string
	generateCalls int
	repairOutput  string
	repairCalls   int
	lastErrors    []string
}

func (s *stubGenerator) GenerateQuery(_ context.Context, _ string, _ map[string][]string, lastError string) (string, error) {
	s.lastErrors = append(s.lastErrors, lastError)
	if s.generateCalls >= len(s.queries) {
		return "", fmt.Errorf("unexpected generate call %d", s.generateCalls)
	}
	q := s.queries[s.generateCalls]
	s.generateCalls++
	return q, nil
}

func (s *stubGenerator) RepairQuery(_ context.Context, failedQuery, _ string) string {
	s.repairCalls++
	if s.repairOutput == "" {
		return failedQuery
	}
	return s.repairOutput
}

// stubExecutor fails a configured number of times before succeeding.
type stubExecutor struct {
	failures  int
	readCalls int
	queries   []string
	rows      []map[string]any
}

func (s *stubExecutor) Read(_ context.Context, query string) (Result, error) {
	s.readCalls++
	s.queries = append(s.queries, query)
	if s.readCalls <= s.failures {
		return Result{}, fmt.Errorf("column \"emial\" does not exist")
	}
	return Result{Columns: []string{"id"}, Rows: s.rows}, nil
}

func (s *stubExecutor) Write(_ context.Context, query string) (WriteResult, error) {
	s.queries = append(s.queries, query)
	return WriteResult{RowsAffected: 3}, nil
}

// recordingHistory captures recorded entries.
type recordingHistory struct {
	entries []history.Entry
}

func (r *recordingHistory) Record(_ context.Context, e history.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func newTestGovernor(t *testing.T, gen Generator, exec Executor, rec HistoryRecorder) *Governor {
	t.Helper()
	g, err := New(&Config{Generator: gen, Executor: exec, History: rec})
	require.NoError(t, err)
	return g
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	gen := &stubGenerator{queries: []string{"select id from users"}}
	exec := &stubExecutor{rows: []map[string]any{{"id": int64(1)}}}
	rec := &recordingHistory{}
	g := newTestGovernor(t, gen, exec, rec)

	out := g.Run(context.Background(), pipeline.Context{Question: "list users", Intent: pipeline.IntentRead})
	assert.Equal(t, "SUCCESS", out.Status)
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Result)
	assert.Len(t, out.Result.Rows, 1)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "select id from users", rec.entries[0].Query)
}

func TestRunInlineRepairBeforeRegeneration(t *testing.T) {
	gen := &stubGenerator{
		queries:      []string{"select emial from users"},
		repairOutput: "select email from users",
	}
	exec := &stubExecutor{failures: 1}
	rec := &recordingHistory{}
	g := newTestGovernor(t, gen, exec, rec)

	out := g.Run(context.Background(), pipeline.Context{Question: "emails", Intent: pipeline.IntentRead})
	assert.Equal(t, "SUCCESS", out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, gen.repairCalls)
	// The repaired text ran; no full regeneration happened.
	assert.Equal(t, 1, gen.generateCalls)
	assert.Equal(t, "select email from users", out.Query)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "select email from users", rec.entries[0].Query)
}

func TestRunRegeneratesWhenRepairReturnsSameText(t *testing.T) {
	gen := &stubGenerator{
		queries: []string{"select emial from users", "select emial from users", "select email from users"},
	}
	exec := &stubExecutor{failures: 2}
	g := newTestGovernor(t, gen, exec, nil)

	out := g.Run(context.Background(), pipeline.Context{Question: "emails", Intent: pipeline.IntentRead})
	assert.Equal(t, "SUCCESS", out.Status)
	assert.Equal(t, 3, out.Attempts)
	// Regeneration carried the execution error as context.
	require.GreaterOrEqual(t, len(gen.lastErrors), 2)
	assert.Contains(t, gen.lastErrors[1], "emial")
}

func TestRunBoundedExecutionAttempts(t *testing.T) {
	gen := &stubGenerator{
		queries: []string{"select x from t", "select x from t", "select x from t", "select x from t"},
	}
	exec := &stubExecutor{failures: 10}
	g := newTestGovernor(t, gen, exec, nil)

	out := g.Run(context.Background(), pipeline.Context{Question: "q", Intent: pipeline.IntentRead})
	assert.Equal(t, "FAILED", out.Status)
	assert.Equal(t, maxAttempts, out.Attempts)
	assert.Equal(t, maxAttempts, exec.readCalls)
	assert.NotEmpty(t, out.UserError)
	assert.NotEmpty(t, out.RawError)
}

func TestRunGuardrailViolationIsTerminal(t *testing.T) {
	gen := &stubGenerator{queries: []string{"drop table users"}}
	exec := &stubExecutor{}
	g := newTestGovernor(t, gen, exec, nil)

	out := g.Run(context.Background(), pipeline.Context{Question: "q", Intent: pipeline.IntentRead})
	assert.Equal(t, "FAILED", out.Status)
	assert.Contains(t, out.UserError, "Guardrail Alert")
	// Never executed, never retried.
	assert.Zero(t, exec.readCalls)
	assert.Equal(t, 1, gen.generateCalls)
}

func TestRunStartsAtValidationWhenQueryPresent(t *testing.T) {
	gen := &stubGenerator{}
	exec := &stubExecutor{}
	g := newTestGovernor(t, gen, exec, nil)

	out := g.Run(context.Background(), pipeline.Context{
		Question:  "q",
		Intent:    pipeline.IntentRead,
		QueryText: "select id from users",
	})
	assert.Equal(t, "SUCCESS", out.Status)
	assert.Zero(t, gen.generateCalls)
}

func TestRunApprovedNeverRegenerates(t *testing.T) {
	gen := &stubGenerator{}
	exec := &stubExecutor{failures: 10}
	g := newTestGovernor(t, gen, exec, nil)

	out := g.RunApproved(context.Background(), "select id from users", pipeline.IntentRead)
	assert.Equal(t, "FAILED", out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Zero(t, gen.generateCalls)
	assert.Zero(t, gen.repairCalls)
}

func TestRunApprovedWriteCommits(t *testing.T) {
	gen := &stubGenerator{}
	exec := &stubExecutor{}
	g := newTestGovernor(t, gen, exec, nil)

	out := g.RunApproved(context.Background(), "delete from orders where id = 1", pipeline.IntentDelete)
	assert.Equal(t, "SUCCESS", out.Status)
	assert.Equal(t, int64(3), out.RowsAffected)
}

func TestClassifyError(t *testing.T) {
	assert.Contains(t, classifyError("ERROR: syntax error at or near \"FORM\""), "syntax")
	assert.Contains(t, classifyError("Unknown column 'emial' in field list"), "column")
	assert.Contains(t, classifyError("connection refused"), "database error")
}
