// Package events emits lifecycle facts about download groups.
//
// Emission is best-effort: Emit never blocks the caller and never returns
// an error. Events are buffered and delivered by a single goroutine; when
// the buffer is full the event is dropped and counted.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Type string

const (
	GroupCreated          Type = "group.created"
	GroupReady            Type = "group.ready"
	ArchiveBuildSucceeded Type = "archive.build_succeeded"
	ArchiveBuildFailed    Type = "archive.build_failed"
	ArchiveInvalidated    Type = "archive.invalidated"
	DeliveryRequested     Type = "delivery.requested"
	GroupSoftDeleted      Type = "group.soft_deleted"
	GroupHardDeleted      Type = "group.hard_deleted"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	GroupID    string         `json:"group_id"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(t Type, groupID, tenantID string, attrs map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		GroupID:    groupID,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

// Sink receives events from the emitter goroutine.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

var (
	eventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloads_events_emitted_total",
		Help: "Lifecycle events delivered to the sink, by type.",
	}, []string{"type"})
	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_events_dropped_total",
		Help: "Lifecycle events dropped because the buffer was full.",
	})
	eventsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_events_failed_total",
		Help: "Lifecycle events the sink rejected.",
	})
)

type Emitter struct {
	sink   Sink
	ch     chan Event
	logger *slog.Logger

	done chan struct{}

	// closed guards ch against sends after Close
	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	dropped int
}

func NewEmitter(sink Sink, buffer int, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 1
	}
	e := &Emitter{
		sink:   sink,
		ch:     make(chan Event, buffer),
		logger: logger.With(slog.String("component", "events")),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an event without blocking.
func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- event:
	default:
		eventsDroppedTotal.Inc()
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn("event dropped, buffer full", "type", event.Type, "group_id", event.GroupID)
	}
}

// Dropped returns how many events were discarded since start.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close stops accepting events and waits for the buffer to drain.
func (e *Emitter) Close() {
	e.closeMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.closeMu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for event := range e.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.sink.Publish(ctx, event)
		cancel()
		if err != nil {
			eventsFailedTotal.Inc()
			e.logger.Warn("failed to publish event", "type", event.Type, "group_id", event.GroupID, "error", err)
			continue
		}
		eventsEmittedTotal.WithLabelValues(string(event.Type)).Inc()
	}
}
