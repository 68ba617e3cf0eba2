// Package audit records who did what against which connection. Recording is
// fire-and-forget: the pipeline never blocks or fails because the audit
// store is slow or down.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Event is one audited action.
type Event struct {
	ActorID      string
	ActorRole    string
	Action       string
	ConnectionID string
	Details      map[string]any
	Timestamp    time.Time
}

// Sink accepts audit events.
type Sink interface {
	Record(e Event)
	Close()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}
func (NopSink) Close()       {}

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// MongoSink buffers events through a channel and writes them from a single
// background worker. When the buffer is full the event is dropped with a
// warning rather than backpressuring the caller.
type MongoSink struct {
	collection *mongo.Collection
	log        *slog.Logger
	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMongoSink starts the background writer.
func NewMongoSink(collection *mongo.Collection, log *slog.Logger) *MongoSink {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &MongoSink{
		collection: collection,
		log:        log,
		events:     make(chan Event, defaultBufferSize),
		done:       make(chan struct{}),
	}
	go s.worker()
	return s
}

// Record enqueues an event, dropping it if the buffer is full.
func (s *MongoSink) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- e:
	default:
		s.log.Warn("audit: buffer full, dropping event", "action", e.Action, "actor", e.ActorID)
	}
}

// Close stops accepting events and flushes the buffer.
func (s *MongoSink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *MongoSink) worker() {
	defer close(s.done)
	for e := range s.events {
		s.write(e)
	}
}

func (s *MongoSink) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	doc := bson.M{
		"actor_id":      e.ActorID,
		"actor_role":    e.ActorRole,
		"action":        e.Action,
		"connection_id": e.ConnectionID,
		"details":       e.Details,
		"timestamp":     e.Timestamp,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		s.log.Warn("audit: failed to write event", "action", e.Action, "error", err)
	}
}
