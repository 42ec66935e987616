// Package restgw is the reference platform adapter: outbound calls over a
// Discord-compatible REST surface, inbound events over a websocket gateway.
// Both bridged platforms speak this dialect; they differ only in base URLs,
// tokens, and whether webhook messages can be edited in place.
package restgw

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/janusbridge/janus/internal/platform"
)

// Options configures one adapter instance.
type Options struct {
	Platform platform.ID
	Token    string
	// APIBase is the REST root, e.g. "https://a.example/api/v10".
	APIBase string
	// GatewayURL is the websocket endpoint. Empty runs the adapter
	// REST-only: outbound calls work, Events() stays silent.
	GatewayURL string
	// WebhookEdit advertises whether the platform can edit webhook posts.
	WebhookEdit bool
	// CaptureWindow bounds the wait for a gateway echo when a webhook send
	// returns no message id. Zero disables correlated capture.
	CaptureWindow time.Duration
	// RequestsPerSecond paces outbound REST calls. Zero means 25.
	RequestsPerSecond float64
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Adapter implements platform.Adapter over REST + gateway.
type Adapter struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	events  chan platform.RawEvent
	capture *capture
	gw      *gateway

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an adapter; Connect starts the gateway.
func New(opts Options) *Adapter {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 25
	}
	if opts.CaptureWindow < 0 {
		opts.CaptureWindow = 0
	}
	a := &Adapter{
		opts:    opts,
		client:  opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(rps), 10),
		logger: opts.Logger.With().
			Str("component", "adapter").
			Str("platform", string(opts.Platform)).
			Logger(),
		events:  make(chan platform.RawEvent, 256),
		capture: newCapture(),
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 30 * time.Second}
	}
	return a
}

// Connect starts the gateway session loop. With no gateway URL configured it
// only marks the adapter connected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	a.connected = true

	if a.opts.GatewayURL == "" {
		a.logger.Info().Msg("no gateway URL, running REST-only")
		return nil
	}

	gwCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.gw = newGateway(a.opts.GatewayURL, a.opts.Token, a.logger, a.dispatch)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.gw.run(gwCtx)
	}()
	return nil
}

// Disconnect stops the gateway and closes the event stream.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	close(a.events)
	a.logger.Info().Msg("adapter disconnected")
	return nil
}

// Events exposes the inbound event stream. The channel closes on Disconnect.
func (a *Adapter) Events() <-chan platform.RawEvent {
	return a.events
}

// Capabilities reports what the configured platform supports.
func (a *Adapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{WebhookEdit: a.opts.WebhookEdit}
}

// dispatch receives decoded gateway events. Creates additionally feed the
// correlated-capture table so a pending webhook send can claim its own echo.
func (a *Adapter) dispatch(kind platform.EventKind, msg platform.RawMessage) {
	if kind == platform.KindMessageCreate {
		a.capture.resolve(captureKey{
			channelID: msg.ChannelID,
			content:   msg.Content,
			username:  msg.Author.Name,
		}, msg.ID)
	}

	ev := platform.RawEvent{Platform: a.opts.Platform, Kind: kind, Message: msg}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn().
			Str("kind", string(kind)).
			Str("channel_id", msg.ChannelID).
			Msg("event buffer full, dropping inbound event")
	}
}
