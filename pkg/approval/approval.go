// Package approval implements the review workflow for write operations that
// the requesting role cannot execute directly. A request moves through a
// strict lifecycle: PENDING, then APPROVED or REJECTED by a reviewer, and an
// approved request is executed exactly once by its requester.
package approval

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExecuted Status = "EXECUTED"
)

// Request is a pending write frozen at submission time. The query text
// reviewed is the query text executed.
type Request struct {
	ID              string
	RequesterID     string
	ConnectionID    string
	Question        string
	Query           string
	Explanation     string
	Intent          string
	Status          Status
	ReviewerID      string
	ReviewedAt      *time.Time
	RejectionReason string
	CreatedAt       time.Time
	ExecutedAt      *time.Time
}

var (
	// ErrNotFound is returned when no request exists with the given ID.
	ErrNotFound = errors.New("approval request not found")
	// ErrNotPending is returned when a review targets a request that has
	// already been decided.
	ErrNotPending = errors.New("approval request is not pending")
	// ErrNotApproved is returned when execution targets a request that is
	// not in the APPROVED state or belongs to a different requester.
	ErrNotApproved = errors.New("approval request is not approved for this requester")
	// ErrSelfReview is returned when a requester reviews their own request.
	ErrSelfReview = errors.New("requester cannot review their own request")
)

// Store persists approval requests and enforces lifecycle transitions.
// Every transition is conditional on the current state so concurrent
// reviewers cannot double-decide and an approved query runs at most once.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	ListPending(ctx context.Context) ([]*Request, error)
	ListByRequester(ctx context.Context, requesterID string) ([]*Request, error)
	Approve(ctx context.Context, id, reviewerID string) error
	Reject(ctx context.Context, id, reviewerID, reason string) error
	MarkExecuted(ctx context.Context, id, requesterID string) error
}
