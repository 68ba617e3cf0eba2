package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/approval"
	"github.com/querypilot/querypilot/pkg/governor"
	"github.com/querypilot/querypilot/pkg/pipeline"
	"github.com/querypilot/querypilot/pkg/registry"
	"github.com/querypilot/querypilot/pkg/schemaindex"
	"github.com/querypilot/querypilot/pkg/service"
	"github.com/querypilot/querypilot/pkg/sqlguard"
)

type scriptedLLM struct {
	responses []string
	callIndex int
}

func (m *scriptedLLM) Complete(context.Context, string, string) (string, error) {
	if m.callIndex >= len(m.responses) {
		return "", fmt.Errorf("no scripted response for call %d", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

type staticIndex struct{}

func (staticIndex) SimilaritySearch(context.Context, string, int) ([]schemaindex.Entry, error) {
	return []schemaindex.Entry{{Name: "users"}}, nil
}

func (staticIndex) GetByTableName(context.Context, string) (string, bool, error) {
	return "users(id, email)", true, nil
}

type okExecutor struct{}

func (okExecutor) Read(context.Context, string) (governor.Result, error) {
	return governor.Result{Columns: []string{"id"}, Rows: []map[string]any{{"id": int64(1)}}}, nil
}

func (okExecutor) Write(context.Context, string) (governor.WriteResult, error) {
	return governor.WriteResult{RowsAffected: 1}, nil
}

type okFactory struct{}

func (okFactory) Executor(context.Context, *registry.Connection) (governor.Executor, sqlguard.Dialect, error) {
	return okExecutor{}, sqlguard.DialectMySQL, nil
}

func newTestMux(t *testing.T, llm *scriptedLLM) *http.ServeMux {
	t.Helper()
	pipe, err := pipeline.New(&pipeline.Config{
		LLM:     llm,
		Index:   staticIndex{},
		Prompts: &pipeline.Prompts{Intent: "i", Score: "s", Ground: "g", Generate: "q", Insights: "n"},
	})
	require.NoError(t, err)

	svc, err := service.New(&service.Config{
		Pipeline:  pipe,
		Registry:  registry.NewStaticRegistry(&registry.Connection{ID: "conn-1", Name: "main", StoreType: registry.StoreTypeSQL}),
		Executors: okFactory{},
		Approvals: approval.NewMemoryStore(),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(nil, svc).Register(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpoint(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"READ",
		`{"selected_tables": ["users"], "reasoning": "", "confidence": 0.9}`,
		`{"users": ["id", "email"]}`,
		"select id, email from users",
	}}
	mux := newTestMux(t, llm)

	rec := postJSON(t, mux, "/query", QueryRequest{
		Question:     "list users",
		ConnectionID: "conn-1",
		ActorID:      "v1",
		Role:         "viewer",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, service.StatusSuccess, res.Status)
	assert.Len(t, res.Rows, 1)
}

func TestQueryEndpointValidation(t *testing.T) {
	mux := newTestMux(t, &scriptedLLM{})

	rec := postJSON(t, mux, "/query", QueryRequest{ConnectionID: "conn-1", ActorID: "v1", Role: "VIEWER"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, mux, "/query", QueryRequest{Question: "q", ConnectionID: "conn-1", ActorID: "v1", Role: "SUPERUSER"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, mux, "/query", QueryRequest{Question: "q", ConnectionID: "conn-1", Role: "VIEWER"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"DELETE",
		`{"selected_tables": ["users"], "reasoning": "", "confidence": 0.9}`,
		`{"users": ["id"]}`,
		"delete from users where id = 1",
	}}
	mux := newTestMux(t, llm)

	rec := postJSON(t, mux, "/query", QueryRequest{
		Question:     "delete user 1",
		ConnectionID: "conn-1",
		ActorID:      "e1",
		Role:         "EDITOR",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, service.StatusNeedsApproval, res.Status)
	require.NotEmpty(t, res.ApprovalID)

	// A reviewer sees the pending request.
	req := httptest.NewRequest(http.MethodGet, "/approvals", nil)
	req.Header.Set("X-Actor-ID", "a1")
	req.Header.Set("X-Actor-Role", "ADMIN")
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, req)
	require.Equal(t, http.StatusOK, listRec.Code)

	var pending []ApprovalResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, res.ApprovalID, pending[0].ID)

	// Approve, then the requester executes.
	rec = postJSON(t, mux, "/approvals/"+res.ApprovalID+"/approve", ReviewRequest{ActorID: "a1", Role: "ADMIN"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, mux, "/approvals/"+res.ApprovalID+"/execute", ReviewRequest{ActorID: "e1", Role: "EDITOR"})
	require.Equal(t, http.StatusOK, rec.Code)

	var execRes service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execRes))
	assert.Equal(t, service.StatusSuccess, execRes.Status)

	// Replays conflict.
	rec = postJSON(t, mux, "/approvals/"+res.ApprovalID+"/execute", ReviewRequest{ActorID: "e1", Role: "EDITOR"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalNotFound(t *testing.T) {
	mux := newTestMux(t, &scriptedLLM{})
	rec := postJSON(t, mux, "/approvals/nope/approve", ReviewRequest{ActorID: "a1", Role: "ADMIN"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRawQueryEndpoint(t *testing.T) {
	mux := newTestMux(t, &scriptedLLM{})

	rec := postJSON(t, mux, "/query/run", RawQueryRequest{
		Query:        "select id from users",
		ConnectionID: "conn-1",
		ActorID:      "v1",
		Role:         "VIEWER",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, service.StatusSuccess, res.Status)

	rec = postJSON(t, mux, "/query/run", RawQueryRequest{ConnectionID: "conn-1", ActorID: "v1", Role: "VIEWER"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, mux, "/query/run", RawQueryRequest{
		Query:        "delete from users",
		ConnectionID: "conn-1",
		ActorID:      "e1",
		Role:         "EDITOR",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, service.StatusNeedsApproval, res.Status)
	assert.NotEmpty(t, res.ApprovalID)
}

func TestHistoryEndpoint(t *testing.T) {
	mux := newTestMux(t, &scriptedLLM{})

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/history?limit=5", nil)
	req.Header.Set("X-Actor-ID", "v1")
	req.Header.Set("X-Actor-Role", "VIEWER")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}
