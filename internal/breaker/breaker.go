// Package breaker shields the pipeline from a struggling platform API. Each
// platform gets an independent circuit so an outage on one side never stalls
// deliveries flowing the other way.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Defaults tuned for chat-platform REST APIs: calls are cheap and fast, so a
// quarter-minute hang is already pathological.
const (
	DefaultCallTimeout  = 15 * time.Second
	DefaultResetTimeout = 60 * time.Second
	DefaultMinRequests  = 10
)

// ErrOpen reports that the named circuit rejected the call without running
// it. It is retryable: queue workers back off and try again rather than
// marking the job failed.
var ErrOpen = errors.New("breaker: circuit open")

// Config shapes every breaker in a Group.
type Config struct {
	// CallTimeout bounds each guarded call via a derived context.
	CallTimeout time.Duration
	// ResetTimeout is how long an open circuit waits before probing.
	ResetTimeout time.Duration
	// MinRequests is the floor below which the failure ratio is ignored.
	MinRequests uint32
	// OnStateChange, when set, observes transitions (metrics hook).
	OnStateChange func(name string, from, to gobreaker.State)
	Logger        zerolog.Logger
}

// Group lazily creates one circuit breaker per name. Names are stable
// strings such as "a" or "b"; all breakers share the Group's settings.
type Group struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// NewGroup builds a breaker group, filling zero fields from the defaults.
func NewGroup(cfg Config) *Group {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = DefaultMinRequests
	}
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (g *Group) breaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    g.cfg.ResetTimeout,
		Timeout:     g.cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= g.cfg.MinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit state changed")
			if g.cfg.OnStateChange != nil {
				g.cfg.OnStateChange(name, from, to)
			}
		},
	})
	g.breakers[name] = cb
	return cb
}

// Do runs fn through the named circuit with the call timeout applied. When
// the circuit is open (or its half-open probe slot is taken) the call is
// rejected with ErrOpen.
func (g *Group) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	_, err := g.breaker(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn(cctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, name)
	}
	return err
}

// State reports the named circuit's current state, creating it closed if it
// has never been used.
func (g *Group) State(name string) gobreaker.State {
	return g.breaker(name).State()
}
