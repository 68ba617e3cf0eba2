package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/schemaindex"
)

// mockLLM is a scripted LLM client for testing. Responses are consumed in
// call order; an entry with a non-nil error fails that call.
type mockLLM struct {
	responses []mockCompletion
	callIndex int
	calls     []string // user prompts, in order
}

type mockCompletion struct {
	text string
	err  error
}

func (m *mockLLM) Complete(_ context.Context, _, userPrompt string) (string, error) {
	m.calls = append(m.calls, userPrompt)
	if m.callIndex >= len(m.responses) {
		return "", fmt.Errorf("unexpected LLM call %d", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp.text, resp.err
}

// mockIndex is an in-memory schema index for testing.
type mockIndex struct {
	entries   []schemaindex.Entry
	schemas   map[string]string
	searchErr error
	lookupErr error
}

func (m *mockIndex) SimilaritySearch(_ context.Context, _ string, k int) ([]schemaindex.Entry, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if len(m.entries) > k {
		return m.entries[:k], nil
	}
	return m.entries, nil
}

func (m *mockIndex) GetByTableName(_ context.Context, name string) (string, bool, error) {
	if m.lookupErr != nil {
		return "", false, m.lookupErr
	}
	desc, ok := m.schemas[name]
	return desc, ok, nil
}

func newTestPipeline(t *testing.T, llm *mockLLM, index *mockIndex) *Pipeline {
	t.Helper()
	p, err := New(&Config{
		LLM:     llm,
		Index:   index,
		Prompts: &Prompts{Intent: "intent", Score: "score", Ground: "ground", Generate: "generate", Insights: "insights"},
	})
	require.NoError(t, err)
	return p
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(&Config{Index: &mockIndex{}})
	require.Error(t, err)

	_, err = New(&Config{LLM: &mockLLM{}})
	require.Error(t, err)
}

func TestRouteAccess(t *testing.T) {
	assert.Equal(t, StageRetrieve, RouteAccess(Context{AccessStatus: AccessAllowed}))
	// A pending approval still needs query text for the reviewer, so the
	// run continues through generation.
	assert.Equal(t, StageRetrieve, RouteAccess(Context{AccessStatus: AccessNeedsApproval}))
	assert.Equal(t, StageRejected, RouteAccess(Context{AccessStatus: AccessRejected}))
}

func TestRouteIntent(t *testing.T) {
	assert.Equal(t, StageOther, RouteIntent(Context{Intent: IntentOther}))
	assert.Equal(t, StageAccess, RouteIntent(Context{Intent: IntentRead}))
	assert.Equal(t, StageAccess, RouteIntent(Context{Intent: IntentDelete}))
}

func TestRouteAmbiguity(t *testing.T) {
	assert.Equal(t, StageAmbiguous, RouteAmbiguity(Context{IsAmbiguous: true}))
	assert.Equal(t, StageGround, RouteAmbiguity(Context{IsAmbiguous: false}))
}

func TestRouteValidate(t *testing.T) {
	assert.Equal(t, StageInvalid, RouteValidate(Context{ValidationError: "bad"}))
	assert.Equal(t, StageImpact, RouteValidate(Context{Intent: IntentDelete, QueryText: "delete from t"}))
	assert.Equal(t, StageReady, RouteValidate(Context{Intent: IntentRead, QueryText: "select 1"}))
}

func TestRunReadQuestionEndToEnd(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "READ"},
		{text: `{"selected_tables": ["users"], "reasoning": "user question", "confidence": 0.9}`},
		{text: `{"users": ["id", "email"]}`},
		{text: "```sql\nSELECT id, email FROM users\n```"},
	}}
	index := &mockIndex{
		entries: []schemaindex.Entry{{Name: "users"}, {Name: "orders"}},
		schemas: map[string]string{"users": "users(id, email, created_at)"},
	}
	p := newTestPipeline(t, llm, index)

	c, stage, err := p.Run(context.Background(), "list user emails", "conn-1", Actor{ID: "u1", Role: RoleViewer})
	require.NoError(t, err)
	assert.Equal(t, StageReady, stage)
	assert.Equal(t, IntentRead, c.Intent)
	assert.Equal(t, AccessAllowed, c.AccessStatus)
	assert.Equal(t, []string{"users"}, c.SelectedTables)
	assert.Equal(t, "SELECT id, email FROM users", c.QueryText)
}

func TestRunWriteNeedsApprovalStillGeneratesQuery(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "DELETE"},
		{text: `{"selected_tables": ["orders"], "reasoning": "", "confidence": 0.8}`},
		{text: `{"orders": ["id", "status"]}`},
		{text: "DELETE FROM orders WHERE status = 'stale'"},
	}}
	index := &mockIndex{
		entries: []schemaindex.Entry{{Name: "orders"}},
		schemas: map[string]string{"orders": "orders(id, status)"},
	}
	p := newTestPipeline(t, llm, index)

	c, stage, err := p.Run(context.Background(), "delete stale orders", "conn-1", Actor{ID: "u2", Role: RoleEditor})
	require.NoError(t, err)
	assert.Equal(t, StageReady, stage)
	assert.Equal(t, AccessNeedsApproval, c.AccessStatus)
	assert.NotEmpty(t, c.QueryText)
}

func TestRunRejectedStopsBeforeRetrieval(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{{text: "DELETE"}}}
	index := &mockIndex{}
	p := newTestPipeline(t, llm, index)

	c, stage, err := p.Run(context.Background(), "drop everything", "conn-1", Actor{ID: "u3", Role: RoleViewer})
	require.NoError(t, err)
	assert.Equal(t, StageRejected, stage)
	assert.Equal(t, AccessRejected, c.AccessStatus)
	assert.Empty(t, c.CandidateTables)
	assert.Len(t, llm.calls, 1)
}

func TestRunAmbiguousWhenNoCandidates(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{{text: "READ"}}}
	index := &mockIndex{} // no entries
	p := newTestPipeline(t, llm, index)

	c, stage, err := p.Run(context.Background(), "what about the thing", "conn-1", Actor{ID: "u1", Role: RoleViewer})
	require.NoError(t, err)
	assert.Equal(t, StageAmbiguous, stage)
	require.NotEmpty(t, c.DisambiguationOptions)
}

func TestRunGuardrailRejectsDDL(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "READ"},
		{text: `{"selected_tables": ["users"], "reasoning": "", "confidence": 0.9}`},
		{text: `{"users": ["id"]}`},
		{text: "DROP TABLE users"},
	}}
	index := &mockIndex{
		entries: []schemaindex.Entry{{Name: "users"}},
		schemas: map[string]string{"users": "users(id)"},
	}
	p := newTestPipeline(t, llm, index)

	c, stage, err := p.Run(context.Background(), "show users", "conn-1", Actor{ID: "u1", Role: RoleViewer})
	require.NoError(t, err)
	assert.Equal(t, StageInvalid, stage)
	assert.Contains(t, c.ValidationError, "Guardrail Alert")
	assert.Empty(t, c.QueryText)
}

func TestRunInsufficientSchemaSentinel(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "READ"},
		{text: `{"selected_tables": ["users"], "reasoning": "", "confidence": 0.9}`},
		{text: `{"users": ["id"]}`},
		{text: "ERROR: Insufficient schema context"},
	}}
	index := &mockIndex{
		entries: []schemaindex.Entry{{Name: "users"}},
		schemas: map[string]string{"users": "users(id)"},
	}
	p := newTestPipeline(t, llm, index)

	c, stage, err := p.Run(context.Background(), "show revenue by region", "conn-1", Actor{ID: "u1", Role: RoleViewer})
	require.NoError(t, err)
	assert.Equal(t, StageInvalid, stage)
	assert.Contains(t, c.ValidationError, "Insufficient schema context")
	assert.Empty(t, c.QueryText)
}

type stubEstimator struct {
	impact *Impact
	err    error
	gotSQL string
}

func (s *stubEstimator) EstimateImpact(_ context.Context, _, query string) (*Impact, error) {
	s.gotSQL = query
	return s.impact, s.err
}

func TestRunWriteEstimatesImpact(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "UPDATE_MULTI"},
		{text: `{"selected_tables": ["orders"], "reasoning": "", "confidence": 0.9}`},
		{text: `{"orders": ["id", "status"]}`},
		{text: "UPDATE orders SET status = 'done' WHERE status = 'open'"},
	}}
	index := &mockIndex{
		entries: []schemaindex.Entry{{Name: "orders"}},
		schemas: map[string]string{"orders": "orders(id, status)"},
	}
	p := newTestPipeline(t, llm, index)
	est := &stubEstimator{impact: &Impact{Table: "orders", AffectedRowsEstimate: 42}}
	p.SetImpactEstimator(est)

	c, stage, err := p.Run(context.Background(), "close all open orders", "conn-1", Actor{ID: "a", Role: RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, StageReady, stage)
	require.NotNil(t, c.Impact)
	assert.Equal(t, int64(42), c.Impact.AffectedRowsEstimate)
	assert.NotEmpty(t, est.gotSQL)
}

func TestRunImpactFailureIsAdvisory(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "DELETE"},
		{text: `{"selected_tables": ["orders"], "reasoning": "", "confidence": 0.9}`},
		{text: `{"orders": ["id"]}`},
		{text: "DELETE FROM orders WHERE id = 7"},
	}}
	index := &mockIndex{
		entries: []schemaindex.Entry{{Name: "orders"}},
		schemas: map[string]string{"orders": "orders(id)"},
	}
	p := newTestPipeline(t, llm, index)
	p.SetImpactEstimator(&stubEstimator{err: fmt.Errorf("store unavailable")})

	c, stage, err := p.Run(context.Background(), "delete order 7", "conn-1", Actor{ID: "a", Role: RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, StageReady, stage)
	assert.Nil(t, c.Impact)
}
