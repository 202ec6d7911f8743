package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	GroupID string `json:"group_id"`
}

func setupQueue(t *testing.T, backoff ...time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewQueue(client, Options{
		Name:    "test",
		Timeout: time.Second,
		Backoff: backoff,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return q, srv
}

func stats(t *testing.T, q *Queue) Stats {
	t.Helper()
	s, err := q.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func TestQueue_ProcessSuccess(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	var got payload
	q.Handle("archive.build", func(ctx context.Context, job *Job) error {
		assert.Equal(t, 1, job.Attempt)
		return job.Decode(&got)
	})

	_, err := q.Enqueue(ctx, "archive.build", payload{GroupID: "g1"})
	require.NoError(t, err)

	ok, err := q.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "g1", got.GroupID)
	assert.Equal(t, Stats{}, stats(t, q))

	ok, err = q.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "queue is empty")
}

func TestQueue_RetryWithBackoffThenExhaust(t *testing.T) {
	q, _ := setupQueue(t, time.Minute, 5*time.Minute, 15*time.Minute)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	var attempts []int
	var exhaustedErr error
	q.Handle("archive.build", func(ctx context.Context, job *Job) error {
		attempts = append(attempts, job.Attempt)
		return errors.New("store timeout")
	})
	q.OnExhausted("archive.build", func(ctx context.Context, job *Job, err error) {
		exhaustedErr = err
	})

	_, err := q.Enqueue(ctx, "archive.build", payload{GroupID: "g1"})
	require.NoError(t, err)

	for _, delay := range []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute} {
		ok, err := q.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), stats(t, q).Delayed)

		// Not yet due.
		n, err := q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		now = now.Add(delay)
		n, err = q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	ok, err := q.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []int{1, 2, 3, 4}, attempts)
	require.Error(t, exhaustedErr)
	assert.Equal(t, Stats{Dead: 1}, stats(t, q))
}

func TestQueue_PermanentSkipsRetry(t *testing.T) {
	q, _ := setupQueue(t, time.Minute)
	ctx := context.Background()

	var exhausted int32
	q.Handle("archive.build", func(ctx context.Context, job *Job) error {
		return Permanent(errors.New("destination rejected write"))
	})
	q.OnExhausted("archive.build", func(ctx context.Context, job *Job, err error) {
		atomic.AddInt32(&exhausted, 1)
		assert.True(t, IsPermanent(err))
	})

	_, err := q.Enqueue(ctx, "archive.build", nil)
	require.NoError(t, err)
	_, err = q.ProcessOne(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&exhausted))
	assert.Equal(t, Stats{Dead: 1}, stats(t, q))
}

func TestQueue_TimeoutIsRetryable(t *testing.T) {
	q, _ := setupQueue(t, time.Minute)
	q.timeout = 20 * time.Millisecond
	ctx := context.Background()

	q.Handle("archive.build", func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := q.Enqueue(ctx, "archive.build", nil)
	require.NoError(t, err)
	_, err = q.ProcessOne(ctx)
	require.NoError(t, err)

	assert.Equal(t, Stats{Delayed: 1}, stats(t, q))
}

func TestQueue_PanicIsRetryable(t *testing.T) {
	q, _ := setupQueue(t, time.Minute)
	ctx := context.Background()

	q.Handle("object.delete", func(ctx context.Context, job *Job) error {
		panic("boom")
	})

	_, err := q.Enqueue(ctx, "object.delete", nil)
	require.NoError(t, err)
	_, err = q.ProcessOne(ctx)
	require.NoError(t, err)

	assert.Equal(t, Stats{Delayed: 1}, stats(t, q))
}

func TestQueue_UnknownTypeIsBuried(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "nobody.handles", nil)
	require.NoError(t, err)
	_, err = q.ProcessOne(ctx)
	require.NoError(t, err)

	assert.Equal(t, Stats{Dead: 1}, stats(t, q))
}

func TestQueue_Recover(t *testing.T) {
	q, srv := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "archive.build", nil)
	require.NoError(t, err)
	// Simulate a worker that claimed the job and crashed.
	_, err = srv.Lpush("test:processing", mustPop(t, srv, "test:ready"))
	require.NoError(t, err)
	assert.Equal(t, Stats{Processing: 1}, stats(t, q))

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, Stats{Ready: 1}, stats(t, q))
}

func mustPop(t *testing.T, srv *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := srv.Lpop(key)
	require.NoError(t, err)
	return v
}

func TestQueue_EnqueueOnce(t *testing.T) {
	q, srv := setupQueue(t)
	ctx := context.Background()

	ok, err := q.EnqueueOnce(ctx, "cleanup.sweep", nil, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.EnqueueOnce(ctx, "cleanup.sweep", nil, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), stats(t, q).Ready)

	srv.FastForward(2 * time.Minute)

	ok, err = q.EnqueueOnce(ctx, "cleanup.sweep", nil, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_StartStop(t *testing.T) {
	q, _ := setupQueue(t)
	q.pollInterval = 10 * time.Millisecond
	ctx := context.Background()

	var handled int32
	q.Handle("object.delete", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	q.Start(ctx)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "object.delete", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 3
	}, 5*time.Second, 10*time.Millisecond)
	q.Stop()
}
