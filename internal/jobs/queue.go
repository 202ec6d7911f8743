// Package jobs is a small Redis-backed job queue with at-least-once
// execution.
//
// Keys for a queue named q:
//
//	q:ready       list of jobs waiting to run (LPUSH in, RIGHT out)
//	q:processing  list of jobs currently claimed by a worker
//	q:delayed     sorted set of jobs waiting for their retry time (score = unix ms)
//	q:dead        list of jobs that exhausted their retries
//
// A job that fails with a retryable error is rescheduled after the next
// backoff step. Handlers must be idempotent: a crash between the handler
// finishing and the job being acknowledged runs it again after Recover.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	jobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloads_jobs_processed_total",
		Help: "Jobs processed, by type and result.",
	}, []string{"type", "result"})

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "downloads_job_duration_seconds",
		Help:    "Job handler duration in seconds, by type.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 900, 1800},
	}, []string{"type"})
)

// Job is the unit stored in Redis.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"` // 1 on first run
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

type Handler func(ctx context.Context, job *Job) error

// ExhaustedHandler runs once when a job will not be retried again.
type ExhaustedHandler func(ctx context.Context, job *Job, err error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	Name         string
	Concurrency  int
	Timeout      time.Duration   // hard limit per attempt
	Backoff      []time.Duration // delay before retry n; len(Backoff) retries in total
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Queue struct {
	client       *redis.Client
	name         string
	concurrency  int
	timeout      time.Duration
	backoff      []time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	exhausted map[string]ExhaustedHandler
	schedules map[string]time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// promoteScript atomically moves due delayed jobs to the ready list.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewQueue(client *redis.Client, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "jobs"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		client:       client,
		name:         opts.Name,
		concurrency:  opts.Concurrency,
		timeout:      opts.Timeout,
		backoff:      opts.Backoff,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.With(slog.String("component", "jobs"), slog.String("queue", opts.Name)),
		now:          time.Now,
		handlers:     make(map[string]Handler),
		exhausted:    make(map[string]ExhaustedHandler),
		schedules:    make(map[string]time.Duration),
	}
}

func (q *Queue) readyKey() string      { return q.name + ":ready" }
func (q *Queue) processingKey() string { return q.name + ":processing" }
func (q *Queue) delayedKey() string    { return q.name + ":delayed" }
func (q *Queue) deadKey() string       { return q.name + ":dead" }
func (q *Queue) scheduleKey(jobType string) string {
	return q.name + ":schedule:" + jobType
}

// Handle registers the handler for a job type.
func (q *Queue) Handle(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// OnExhausted registers a hook for jobs that will not be retried.
func (q *Queue) OnExhausted(jobType string, h ExhaustedHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhausted[jobType] = h
}

// Enqueue adds a job to the ready list and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	job := Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    raw,
		Attempt:    1,
		EnqueuedAt: q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.client.LPush(ctx, q.readyKey(), data).Err()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "type", jobType)
	return job.ID, nil
}

// EnqueueOnce enqueues at most one job of jobType per interval across all
// instances sharing the queue. Returns false when another caller won.
func (q *Queue) EnqueueOnce(ctx context.Context, jobType string, payload any, interval time.Duration) (bool, error) {
	acquired, err := q.client.SetNX(ctx, q.scheduleKey(jobType), q.now().UTC().Format(time.RFC3339), interval).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire schedule slot: %w", err)
	}
	if !acquired {
		return false, nil
	}
	_, err = q.Enqueue(ctx, jobType, payload)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ProcessOne claims and runs a single job. Returns false when the ready
// list was empty.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := q.client.LMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	q.execute(ctx, raw)
	return true, nil
}

func (q *Queue) execute(ctx context.Context, raw string) {
	var job Job
	err := json.Unmarshal([]byte(raw), &job)
	if err != nil {
		q.logger.Error("dropping undecodable job", "error", err)
		q.bury(ctx, raw)
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("no handler for job type", "job_id", job.ID, "type", job.Type)
		jobsProcessedTotal.WithLabelValues(job.Type, "unhandled").Inc()
		q.bury(ctx, raw)
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err = q.call(jobCtx, handler, &job)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()
	jobDurationSeconds.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		jobsProcessedTotal.WithLabelValues(job.Type, "success").Inc()
		q.ack(ctx, raw)
		return
	}

	// Shutdown: leave the job in processing for Recover.
	if ctx.Err() != nil {
		q.logger.Warn("job interrupted by shutdown", "job_id", job.ID, "type", job.Type)
		return
	}

	if timedOut {
		err = fmt.Errorf("job timed out after %s: %w", q.timeout, err)
	}

	if !IsPermanent(err) && job.Attempt <= len(q.backoff) {
		q.retry(ctx, raw, job, err)
		return
	}

	jobsProcessedTotal.WithLabelValues(job.Type, "exhausted").Inc()
	q.logger.Error("job failed permanently",
		"job_id", job.ID,
		"type", job.Type,
		"attempt", job.Attempt,
		"error", err,
	)

	q.mu.RLock()
	hook := q.exhausted[job.Type]
	q.mu.RUnlock()
	if hook != nil {
		hook(ctx, &job, err)
	}
	q.bury(ctx, raw)
}

// call runs the handler and turns a panic into an error.
func (q *Queue) call(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panicked: %v", p)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) ack(ctx context.Context, raw string) {
	err := q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
	if err != nil {
		q.logger.Error("failed to ack job", "error", err)
	}
}

func (q *Queue) retry(ctx context.Context, raw string, job Job, cause error) {
	delay := q.backoff[job.Attempt-1]
	job.Attempt++
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("failed to marshal retry", "job_id", job.ID, "error", err)
		return
	}

	runAt := q.now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: string(data)})
	_, err = pipe.Exec(ctx)
	if err != nil {
		q.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		return
	}

	jobsProcessedTotal.WithLabelValues(job.Type, "retry").Inc()
	q.logger.Warn("job failed, retry scheduled",
		"job_id", job.ID,
		"type", job.Type,
		"next_attempt", job.Attempt,
		"delay", delay.String(),
		"error", cause,
	)
}

func (q *Queue) bury(ctx context.Context, raw string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.LPush(ctx, q.deadKey(), raw)
	pipe.LTrim(ctx, q.deadKey(), 0, 999)
	_, err := pipe.Exec(ctx)
	if err != nil {
		q.logger.Error("failed to move job to dead list", "error", err)
	}
}

// PromoteDue moves delayed jobs whose retry time has come to the ready list.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey(), q.readyKey()}, now, 100).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// Recover puts every claimed job back on the ready list. Only call it
// while no worker of this queue is running.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.readyKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover job: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Info("recovered in-flight jobs", "count", n)
	}
	return n, nil
}

type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	_, err := pipe.Exec(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

// Start launches the workers and the delayed-job promoter.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}

	q.wg.Add(1)
	go q.promote(ctx)

	q.mu.RLock()
	for jobType, interval := range q.schedules {
		q.wg.Add(1)
		go q.schedule(ctx, jobType, interval)
	}
	q.mu.RUnlock()

	q.logger.Info("job workers started", "concurrency", q.concurrency)
}

// Stop cancels the workers and waits for them to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("job workers stopped")
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		ok, err := q.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("worker failed to claim job", "error", err)
		}
		if !ok {
			sleep(ctx, q.pollInterval)
		}
	}
}

func (q *Queue) promote(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := q.PromoteDue(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Error("promoter failed", "error", err)
			}
		}
	}
}

// Schedule enqueues jobType every interval once the queue is started.
// Several instances may schedule the same type; EnqueueOnce keeps one per
// interval.
func (q *Queue) Schedule(jobType string, interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.schedules[jobType] = interval
}

func (q *Queue) schedule(ctx context.Context, jobType string, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := q.EnqueueOnce(ctx, jobType, nil, interval)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("failed to schedule job", "type", jobType, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
