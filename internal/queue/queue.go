// Package queue implements durable FIFO job queues on the shared KV with
// at-least-once delivery. A queue is four structures under one name: a ready
// list, a delayed sorted set (score = ready-at epoch ms), an active list for
// in-flight jobs, and a short lease key per in-flight job. A janitor
// promotes due delayed jobs and re-queues active jobs whose lease lapsed,
// which is how work survives a crashed worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/janusbridge/janus/internal/kv"
)

// ErrClosed reports an enqueue attempted after the KV connection shut down.
// Producers racing process shutdown branch on it instead of logging an error.
var ErrClosed = errors.New("queue: connection closed")

// Ingest is the single global queue between normalization and routing.
// Delivery queues are created lazily per destination channel via DeliveryName.
const Ingest = "ingest"

// DeliveryName returns the queue name a delivery worker binds to. The shape
// is load-bearing: one worker set consumes exactly one (platform, channel).
func DeliveryName(platform, channelID string) string {
	return fmt.Sprintf("deliver:%s:%s", platform, channelID)
}

// Job is the unit of work moving through a queue. Payload stays opaque to
// the queue layer; Attempt counts handler runs already consumed.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt int64           `json:"enqueued_at_ms"`
	LastError  string          `json:"last_error,omitempty"`
}

// Reschedule is a sentinel a handler returns to push its job back without
// consuming an attempt. Rate-limited deliveries use it so waiting out a
// window is never confused with failing.
type Reschedule struct {
	After time.Duration
}

func (r Reschedule) Error() string {
	return fmt.Sprintf("reschedule after %s", r.After)
}

// Queue is a named handle over the KV structures. Handles are cheap; any
// number may exist for the same name.
type Queue struct {
	kv   *kv.Client
	name string
}

// New returns a handle on the named queue.
func New(kvc *kv.Client, name string) *Queue {
	return &Queue{kv: kvc, name: name}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey() string     { return q.kv.Key("q", q.name, "ready") }
func (q *Queue) delayedKey() string   { return q.kv.Key("q", q.name, "delayed") }
func (q *Queue) activeKey() string    { return q.kv.Key("q", q.name, "active") }
func (q *Queue) completedKey() string { return q.kv.Key("q", q.name, "completed") }
func (q *Queue) failedKey() string    { return q.kv.Key("q", q.name, "failed") }
func (q *Queue) leaseKey(id string) string {
	return q.kv.Key("q", q.name, "lease", id)
}

// Enqueue appends a job carrying payload and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	return q.EnqueueIn(ctx, payload, 0)
}

// EnqueueIn appends a job that becomes ready after delay.
func (q *Queue) EnqueueIn(ctx context.Context, payload []byte, delay time.Duration) (string, error) {
	j := &Job{
		ID:         uuid.NewString(),
		Queue:      q.name,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: time.Now().UnixMilli(),
	}
	if err := q.put(ctx, j, delay); err != nil {
		return "", err
	}
	return j.ID, nil
}

// put writes the serialized job to ready or, when delayed, to the sorted set
// keyed by its ready-at time. Retries reuse it with the attempt count and
// last error already updated.
func (q *Queue) put(ctx context.Context, j *Job, delay time.Duration) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue %s: marshaling job: %w", q.name, err)
	}
	if delay <= 0 {
		if err := q.kv.LPush(ctx, q.readyKey(), string(raw)); err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return fmt.Errorf("queue %s: %w", q.name, ErrClosed)
			}
			return fmt.Errorf("queue %s: push ready: %w", q.name, err)
		}
		return nil
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.kv.ZAdd(ctx, q.delayedKey(), score, string(raw)); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return fmt.Errorf("queue %s: %w", q.name, ErrClosed)
		}
		return fmt.Errorf("queue %s: push delayed: %w", q.name, err)
	}
	return nil
}

// Stats is a point-in-time census of the queue, surfaced by the admin API.
type Stats struct {
	Name      string `json:"name"`
	Ready     int64  `json:"ready"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Stats counts the jobs in each state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Name: q.name}
	var err error
	if s.Ready, err = q.kv.LLen(ctx, q.readyKey()); err != nil {
		return s, err
	}
	if s.Delayed, err = q.kv.ZCard(ctx, q.delayedKey()); err != nil {
		return s, err
	}
	if s.Active, err = q.kv.LLen(ctx, q.activeKey()); err != nil {
		return s, err
	}
	if s.Completed, err = q.kv.LLen(ctx, q.completedKey()); err != nil {
		return s, err
	}
	s.Failed, err = q.kv.LLen(ctx, q.failedKey())
	return s, err
}
