package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/querypilot/querypilot/pkg/metrics"
)

// MemoryStore is an in-process Store with the same lifecycle guards as the
// Postgres implementation. Used in tests and single-node setups.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	clock    clockwork.Clock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request), clock: clockwork.NewRealClock()}
}

// NewMemoryStoreWithClock creates a store with an injected clock.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request), clock: clock}
}

func (s *MemoryStore) Create(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = StatusPending
	r.CreatedAt = s.clock.Now().UTC()
	cp := *r
	s.requests[r.ID] = &cp
	metrics.ApprovalTransitions.WithLabelValues(string(StatusPending)).Inc()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.requests {
		if r.Status == StatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListByRequester(_ context.Context, requesterID string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.requests {
		if r.RequesterID == requesterID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Approve(_ context.Context, id, reviewerID string) error {
	return s.review(id, reviewerID, StatusApproved, "")
}

func (s *MemoryStore) Reject(_ context.Context, id, reviewerID, reason string) error {
	return s.review(id, reviewerID, StatusRejected, reason)
}

func (s *MemoryStore) review(id, reviewerID string, to Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.RequesterID == reviewerID {
		return ErrSelfReview
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	now := s.clock.Now().UTC()
	r.Status = to
	r.ReviewerID = reviewerID
	r.ReviewedAt = &now
	r.RejectionReason = reason
	metrics.ApprovalTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

func (s *MemoryStore) MarkExecuted(_ context.Context, id, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusApproved || r.RequesterID != requesterID {
		return ErrNotApproved
	}
	now := s.clock.Now().UTC()
	r.Status = StatusExecuted
	r.ExecutedAt = &now
	metrics.ApprovalTransitions.WithLabelValues(string(StatusExecuted)).Inc()
	return nil
}
