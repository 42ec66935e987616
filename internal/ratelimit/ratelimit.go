// Package ratelimit enforces the per-destination-channel send budget shared
// by every delivery worker in the process. State lives in the KV so the
// counter survives restarts within its window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/platform"
)

// Defaults for the sliding send budget: at most Limit deliveries per Window
// per destination channel.
const (
	DefaultLimit  = 5
	DefaultWindow = 2 * time.Second
)

// Limiter counts sends per (platform, channel) inside a fixed window. The
// first increment of a window arms the expiry; once the key lapses the
// budget resets in full.
type Limiter struct {
	kv     *kv.Client
	limit  int64
	window time.Duration
}

// New builds a limiter. Non-positive arguments fall back to the defaults.
func New(kvc *kv.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{kv: kvc, limit: int64(limit), window: window}
}

func (l *Limiter) key(p platform.ID, channelID string) string {
	return l.kv.Key("ratelimit", string(p), channelID)
}

// Allow consumes one slot from the channel's window and reports whether the
// send may proceed. A false return has already counted the attempt; callers
// reschedule by Delay rather than retrying immediately.
func (l *Limiter) Allow(ctx context.Context, p platform.ID, channelID string) (bool, error) {
	n, err := l.kv.IncrWindow(ctx, l.key(p, channelID), l.window)
	if err != nil {
		return false, fmt.Errorf("rate limit %s/%s: %w", p, channelID, err)
	}
	return n <= l.limit, nil
}

// Delay reports how long the caller should wait before the channel's window
// resets. When the window key has already lapsed it returns the full window
// rather than zero, so a rescheduled job never lands in the same exhausted
// window it just left.
func (l *Limiter) Delay(ctx context.Context, p platform.ID, channelID string) (time.Duration, error) {
	ttl, err := l.kv.PTTL(ctx, l.key(p, channelID))
	if err != nil {
		return 0, fmt.Errorf("rate limit ttl %s/%s: %w", p, channelID, err)
	}
	if ttl <= 0 {
		return l.window, nil
	}
	return ttl, nil
}
