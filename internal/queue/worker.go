package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one job. A nil return completes the job; Reschedule
// pushes it back untouched; any other error consumes an attempt.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig shapes one consumer set. Zero fields take the defaults below.
type WorkerConfig struct {
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	Visibility   time.Duration // lease TTL for in-flight jobs
	PollInterval time.Duration
	Janitor      time.Duration // sweep cadence for delayed + orphaned jobs
	CompletedCap int64
	FailedCap    int64
	Logger       zerolog.Logger
}

const (
	defaultVisibility   = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultJanitor      = time.Second
)

func (c *WorkerConfig) fill() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = defaultVisibility
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Janitor <= 0 {
		c.Janitor = defaultJanitor
	}
	if c.CompletedCap <= 0 {
		c.CompletedCap = 1000
	}
	if c.FailedCap <= 0 {
		c.FailedCap = 5000
	}
}

// Worker consumes one queue with a fixed-size goroutine set plus a janitor.
// Start is non-blocking; Stop halts fetching and waits for in-flight
// handlers to return. Handlers keep the context Start received, so a Stop
// drains rather than aborts.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig
	logger  zerolog.Logger

	// OnOutcome, when set, observes each finished job: "completed",
	// "retried", "rescheduled", or "failed". Metrics hook.
	OnOutcome func(queue, outcome string)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker builds a consumer set for q. The handler must be safe for
// concurrent calls.
func NewWorker(q *Queue, h Handler, cfg WorkerConfig) *Worker {
	cfg.fill()
	return &Worker{
		queue:   q,
		handler: h,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("queue", q.Name()).Logger(),
	}
}

// Start launches the consumer goroutines. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	// fetchCtx gates polling only. In-flight handlers run under ctx so a
	// Stop lets them finish.
	fetchCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx, fetchCtx)
	}
	w.wg.Add(1)
	go w.runJanitor(fetchCtx)

	w.logger.Debug().Int("concurrency", w.cfg.Concurrency).Msg("worker started")
}

// Stop halts fetching and blocks until in-flight handlers return. Safe to
// call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Debug().Msg("worker stopped")
}

func (w *Worker) runLoop(jobCtx, fetchCtx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-fetchCtx.Done():
			return
		case <-jobCtx.Done():
			return
		default:
		}

		raw, ok, err := w.queue.kv.RPopLPush(fetchCtx, w.queue.readyKey(), w.queue.activeKey())
		if err != nil {
			if fetchCtx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("fetching job")
			w.sleep(fetchCtx, w.cfg.PollInterval)
			continue
		}
		if !ok {
			w.sleep(fetchCtx, w.cfg.PollInterval)
			continue
		}
		w.process(jobCtx, raw)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// process runs one job end to end: lease it, run the handler under panic
// recovery, then settle the outcome.
func (w *Worker) process(ctx context.Context, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Undecodable payloads can only spin; park them with the failures.
		w.logger.Error().Err(err).Msg("dropping undecodable job")
		_, _ = w.queue.kv.LRem(ctx, w.queue.activeKey(), raw)
		w.recordFailed(ctx, raw)
		return
	}

	lease := w.queue.leaseKey(job.ID)
	if err := w.queue.kv.Set(ctx, lease, "1", w.cfg.Visibility); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("acquiring lease")
	}
	renewDone := make(chan struct{})
	w.wg.Add(1)
	go w.renewLease(ctx, lease, renewDone)

	err := w.invoke(ctx, &job)

	close(renewDone)
	claimed, remErr := w.queue.kv.LRem(ctx, w.queue.activeKey(), raw)
	if remErr != nil {
		w.logger.Error().Err(remErr).Str("job_id", job.ID).Msg("removing active job")
	}
	_ = w.queue.kv.Del(ctx, lease)
	if !claimed && remErr == nil {
		// The janitor re-queued this job mid-flight (lease lapsed). The
		// fresh copy owns the outcome now.
		w.logger.Warn().Str("job_id", job.ID).Msg("job reclaimed while in flight")
		return
	}

	w.settle(ctx, &job, err)
}

// invoke runs the handler, converting panics into job failures so one bad
// payload cannot take the process down.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Str("job_id", job.ID).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) settle(ctx context.Context, job *Job, err error) {
	var rs Reschedule
	switch {
	case err == nil:
		w.recordCompleted(ctx, job)
		w.outcome("completed")

	case errors.As(err, &rs):
		if putErr := w.queue.put(ctx, job, rs.After); putErr != nil {
			w.logger.Error().Err(putErr).Str("job_id", job.ID).Msg("rescheduling job")
		}
		w.outcome("rescheduled")

	default:
		job.Attempt++
		job.LastError = err.Error()
		if job.Attempt >= w.cfg.MaxAttempts {
			w.logger.Error().
				Err(err).
				Str("job_id", job.ID).
				Int("attempt", job.Attempt).
				Msg("job failed permanently")
			raw, _ := json.Marshal(job)
			w.recordFailed(ctx, string(raw))
			w.outcome("failed")
			return
		}
		backoff := w.cfg.BackoffBase << uint(job.Attempt-1)
		w.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Int("attempt", job.Attempt).
			Dur("backoff", backoff).
			Msg("job failed, retrying")
		if putErr := w.queue.put(ctx, job, backoff); putErr != nil {
			w.logger.Error().Err(putErr).Str("job_id", job.ID).Msg("requeueing job")
		}
		w.outcome("retried")
	}
}

func (w *Worker) outcome(kind string) {
	if w.OnOutcome != nil {
		w.OnOutcome(w.queue.Name(), kind)
	}
}

func (w *Worker) recordCompleted(ctx context.Context, job *Job) {
	raw, _ := json.Marshal(job)
	if err := w.queue.kv.LPush(ctx, w.queue.completedKey(), string(raw)); err != nil {
		w.logger.Error().Err(err).Msg("recording completed job")
		return
	}
	_ = w.queue.kv.LTrim(ctx, w.queue.completedKey(), 0, w.cfg.CompletedCap-1)
}

func (w *Worker) recordFailed(ctx context.Context, raw string) {
	if err := w.queue.kv.LPush(ctx, w.queue.failedKey(), raw); err != nil {
		w.logger.Error().Err(err).Msg("recording failed job")
		return
	}
	_ = w.queue.kv.LTrim(ctx, w.queue.failedKey(), 0, w.cfg.FailedCap-1)
}

// renewLease keeps the in-flight lease alive until the handler settles, so
// the janitor only reclaims jobs whose worker actually died.
func (w *Worker) renewLease(ctx context.Context, lease string, done <-chan struct{}) {
	defer w.wg.Done()
	interval := w.cfg.Visibility / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.kv.Set(ctx, lease, "1", w.cfg.Visibility); err != nil {
				w.logger.Error().Err(err).Msg("renewing lease")
			}
		}
	}
}

// runJanitor periodically promotes due delayed jobs and returns leaseless
// active jobs to ready. Both scans claim via the removal count, so several
// processes can run janitors over one queue without duplicating jobs.
func (w *Worker) runJanitor(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Janitor)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDelayed(ctx)
			w.reapOrphans(ctx)
		}
	}
}

func (w *Worker) promoteDelayed(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	due, err := w.queue.kv.ZRangeByScoreMax(ctx, w.queue.delayedKey(), now, 100)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("scanning delayed jobs")
		}
		return
	}
	for _, raw := range due {
		claimed, err := w.queue.kv.ZRem(ctx, w.queue.delayedKey(), raw)
		if err != nil || !claimed {
			continue
		}
		if err := w.queue.kv.LPush(ctx, w.queue.readyKey(), raw); err != nil {
			w.logger.Error().Err(err).Msg("promoting delayed job")
		}
	}
}

func (w *Worker) reapOrphans(ctx context.Context) {
	active, err := w.queue.kv.LRange(ctx, w.queue.activeKey(), 0, -1)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("scanning active jobs")
		}
		return
	}
	for _, raw := range active {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_, _ = w.queue.kv.LRem(ctx, w.queue.activeKey(), raw)
			w.recordFailed(ctx, raw)
			continue
		}
		alive, err := w.queue.kv.Exists(ctx, w.queue.leaseKey(job.ID))
		if err != nil || alive {
			continue
		}
		claimed, err := w.queue.kv.LRem(ctx, w.queue.activeKey(), raw)
		if err != nil || !claimed {
			continue
		}
		w.logger.Warn().Str("job_id", job.ID).Msg("re-queueing orphaned job")
		if err := w.queue.kv.LPush(ctx, w.queue.readyKey(), raw); err != nil {
			w.logger.Error().Err(err).Msg("re-queueing orphaned job")
		}
	}
}
