package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "lifecycle event",
		"event_id", event.ID,
		"type", event.Type,
		"group_id", event.GroupID,
		"tenant_id", event.TenantID,
		"attributes", event.Attributes,
	)
	return nil
}

// NATSSink publishes events as JSON on "<prefix>.<type>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink dials NATS at the provided URL.
func NewNATSSink(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("downloadgroups-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.nc == nil {
		return errors.New("nats sink not initialized")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.nc.Publish(s.Subject(event.Type), data)
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
	}
}

// MemorySink records events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Publish(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Types returns the recorded event types in order.
func (s *MemorySink) Types() []Type {
	var types []Type
	for _, e := range s.Events() {
		types = append(types, e.Type)
	}
	return types
}

// FanoutSink publishes to every sink and joins their errors.
type FanoutSink []Sink

func (f FanoutSink) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
