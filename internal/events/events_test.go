package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingSink holds every publish until released.
type blockingSink struct {
	release chan struct{}
	MemorySink
}

func (s *blockingSink) Publish(ctx context.Context, event Event) error {
	<-s.release
	return s.MemorySink.Publish(ctx, event)
}

type failingSink struct{}

func (failingSink) Publish(ctx context.Context, event Event) error { return errors.New("down") }

func TestEmitter_DeliversInOrder(t *testing.T) {
	sink := &MemorySink{}
	e := NewEmitter(sink, 8, discardLogger())

	e.Emit(New(GroupCreated, "g1", "t1", nil))
	e.Emit(New(GroupReady, "g1", "t1", nil))
	e.Emit(New(ArchiveBuildSucceeded, "g1", "t1", map[string]any{"bytes": int64(12)}))
	e.Close()

	assert.Equal(t, []Type{GroupCreated, GroupReady, ArchiveBuildSucceeded}, sink.Types())
	assert.Equal(t, int64(12), sink.Events()[2].Attributes["bytes"])
}

func TestEmitter_NeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	e := NewEmitter(sink, 1, discardLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Emit(New(DeliveryRequested, "g1", "t1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	assert.GreaterOrEqual(t, e.Dropped(), 98)
	close(sink.release)
	e.Close()
	assert.LessOrEqual(t, len(sink.Events()), 2)
}

func TestEmitter_SinkErrorsAreSwallowed(t *testing.T) {
	e := NewEmitter(failingSink{}, 4, discardLogger())
	e.Emit(New(GroupHardDeleted, "g1", "t1", nil))
	e.Close()
	e.Close()
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var e *Emitter
	require.NotPanics(t, func() { e.Emit(New(GroupCreated, "g1", "t1", nil)) })
}

func TestNATSSink_Subject(t *testing.T) {
	s := &NATSSink{prefix: "downloads.lifecycle"}
	assert.Equal(t, "downloads.lifecycle.archive.invalidated", s.Subject(ArchiveInvalidated))
	assert.Error(t, (*NATSSink)(nil).Publish(context.Background(), New(GroupCreated, "g", "t", nil)))
}

func TestFanoutSink(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	f := FanoutSink{a, failingSink{}, b}

	err := f.Publish(context.Background(), New(GroupSoftDeleted, "g1", "t1", nil))
	require.Error(t, err)
	assert.Equal(t, []Type{GroupSoftDeleted}, a.Types())
	assert.Equal(t, []Type{GroupSoftDeleted}, b.Types())
}
