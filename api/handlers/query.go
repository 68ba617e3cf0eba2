// Package handlers exposes the service over HTTP with JSON bodies.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/querypilot/querypilot/pkg/approval"
	"github.com/querypilot/querypilot/pkg/pipeline"
	"github.com/querypilot/querypilot/pkg/registry"
	"github.com/querypilot/querypilot/pkg/service"
)

// Handlers binds the service to HTTP endpoints.
type Handlers struct {
	log *slog.Logger
	svc *service.Service
}

// New creates the handler set.
func New(log *slog.Logger, svc *service.Service) *Handlers {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handlers{log: log, svc: svc}
}

// Register wires all routes onto the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", h.Query)
	mux.HandleFunc("POST /query/run", h.RunRaw)
	mux.HandleFunc("GET /history", h.History)
	mux.HandleFunc("GET /approvals", h.ListApprovals)
	mux.HandleFunc("GET /approvals/mine", h.MyApprovals)
	mux.HandleFunc("POST /approvals/{id}/approve", h.Approve)
	mux.HandleFunc("POST /approvals/{id}/reject", h.Reject)
	mux.HandleFunc("POST /approvals/{id}/execute", h.Execute)
}

// QueryRequest is a natural-language question against a connection.
type QueryRequest struct {
	Question     string `json:"question"`
	ConnectionID string `json:"connectionId"`
	ActorID      string `json:"actorId"`
	Role         string `json:"role"`
}

func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}
	actor, ok := parseActor(req.ActorID, req.Role)
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}

	result, err := h.svc.Run(r.Context(), req.Question, req.ConnectionID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RawQueryRequest is a caller-supplied statement against a connection. It
// bypasses question interpretation but not validation or the access policy.
type RawQueryRequest struct {
	Query        string `json:"query"`
	ConnectionID string `json:"connectionId"`
	ActorID      string `json:"actorId"`
	Role         string `json:"role"`
}

func (h *Handlers) RunRaw(w http.ResponseWriter, r *http.Request) {
	var req RawQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}
	actor, ok := parseActor(req.ActorID, req.Role)
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}

	result, err := h.svc.RunRaw(r.Context(), req.Query, req.ConnectionID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := parseActor(r.Header.Get("X-Actor-ID"), r.Header.Get("X-Actor-Role"))
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	requests, err := h.svc.PendingApprovals(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toApprovalResponses(requests))
}

func (h *Handlers) MyApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := parseActor(r.Header.Get("X-Actor-ID"), r.Header.Get("X-Actor-Role"))
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	requests, err := h.svc.MyApprovals(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toApprovalResponses(requests))
}

// HistoryResponse is the wire shape of one executed query record.
type HistoryResponse struct {
	ID           string  `json:"id"`
	ConnectionID string  `json:"connectionId"`
	Question     string  `json:"question"`
	Query        string  `json:"query"`
	Intent       string  `json:"intent"`
	Confidence   float64 `json:"confidence,omitempty"`
	Status       string  `json:"status"`
	RowsReturned int64   `json:"rowsReturned"`
	CreatedAt    string  `json:"createdAt"`
}

func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	actor, ok := parseActor(r.Header.Get("X-Actor-ID"), r.Header.Get("X-Actor-Role"))
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.History(r.Context(), actor, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			ID:           e.ID,
			ConnectionID: e.ConnectionID,
			Question:     e.Question,
			Query:        e.Query,
			Intent:       e.Intent,
			Confidence:   e.Confidence,
			Status:       e.Status,
			RowsReturned: e.RowsReturned,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ReviewRequest carries the reviewer identity and an optional reason.
type ReviewRequest struct {
	ActorID string `json:"actorId"`
	Role    string `json:"role"`
	Reason  string `json:"reason,omitempty"`
}

func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(req ReviewRequest, actor pipeline.Actor) error {
		return h.svc.Approve(r.Context(), r.PathValue("id"), actor)
	})
}

func (h *Handlers) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(req ReviewRequest, actor pipeline.Actor) error {
		return h.svc.Reject(r.Context(), r.PathValue("id"), req.Reason, actor)
	})
}

func (h *Handlers) review(w http.ResponseWriter, r *http.Request, apply func(ReviewRequest, pipeline.Actor) error) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, ok := parseActor(req.ActorID, req.Role)
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	if err := apply(req, actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, ok := parseActor(req.ActorID, req.Role)
	if !ok {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}
	result, err := h.svc.ExecuteApproved(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ApprovalResponse is the wire shape of an approval request.
type ApprovalResponse struct {
	ID              string `json:"id"`
	RequesterID     string `json:"requesterId"`
	ConnectionID    string `json:"connectionId"`
	Question        string `json:"question"`
	Query           string `json:"query"`
	Explanation     string `json:"explanation,omitempty"`
	Intent          string `json:"intent"`
	Status          string `json:"status"`
	ReviewerID      string `json:"reviewerId,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

func toApprovalResponses(requests []*approval.Request) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(requests))
	for _, r := range requests {
		out = append(out, ApprovalResponse{
			ID:              r.ID,
			RequesterID:     r.RequesterID,
			ConnectionID:    r.ConnectionID,
			Question:        r.Question,
			Query:           r.Query,
			Explanation:     r.Explanation,
			Intent:          r.Intent,
			Status:          string(r.Status),
			ReviewerID:      r.ReviewerID,
			RejectionReason: r.RejectionReason,
			CreatedAt:       r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}

func parseActor(id, role string) (pipeline.Actor, bool) {
	if id == "" {
		return pipeline.Actor{}, false
	}
	switch pipeline.Role(strings.ToUpper(role)) {
	case pipeline.RoleViewer, pipeline.RoleEditor, pipeline.RoleAdmin:
		return pipeline.Actor{ID: id, Role: pipeline.Role(strings.ToUpper(role))}, true
	}
	return pipeline.Actor{}, false
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to write response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, registry.ErrConnectionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrNotApproved), errors.Is(err, approval.ErrSelfReview):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
