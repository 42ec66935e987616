package restgw

import (
	"context"
	"sync"
	"time"
)

// Correlated capture pairs a webhook send that returned no message id with
// the gateway echo of that same post. Waiters queue FIFO per
// (channel, content, username), so two rapid identical sends claim their
// echoes in order.

type captureKey struct {
	channelID string
	content   string
	username  string
}

type waiter struct {
	key captureKey
	ch  chan string
}

// await blocks until the echo arrives, the window lapses, or ctx ends.
func (w *waiter) await(ctx context.Context, window time.Duration) (string, bool) {
	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case id := <-w.ch:
		return id, true
	case <-t.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

type capture struct {
	mu      sync.Mutex
	waiters map[captureKey][]*waiter
}

func newCapture() *capture {
	return &capture{waiters: make(map[captureKey][]*waiter)}
}

// add registers a waiter at the back of its key's queue.
func (c *capture) add(k captureKey) *waiter {
	w := &waiter{key: k, ch: make(chan string, 1)}
	c.mu.Lock()
	c.waiters[k] = append(c.waiters[k], w)
	c.mu.Unlock()
	return w
}

// drop removes a waiter that no longer needs its echo (the synchronous
// response carried an id, or the send failed).
func (c *capture) drop(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiters[w.key]
	for i, cand := range q {
		if cand == w {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(c.waiters, w.key)
	} else {
		c.waiters[w.key] = q
	}
}

// resolve hands msgID to the oldest waiter on k, if any.
func (c *capture) resolve(k captureKey, msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiters[k]
	if len(q) == 0 {
		return
	}
	w := q[0]
	if len(q) == 1 {
		delete(c.waiters, k)
	} else {
		c.waiters[k] = q[1:]
	}
	w.ch <- msgID
}
