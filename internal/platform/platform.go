// Package platform defines the contract the bridge core consumes from the
// two chat platforms. Gateway transports and REST clients live behind the
// Adapter interface; the core never talks to a platform API directly.
package platform

import (
	"context"
	"errors"
	"fmt"
)

// ID identifies one of the two bridged platforms on the wire. The values
// appear in queue names, KV keys and MessageMap rows, so they must stay
// stable across releases.
type ID string

const (
	A ID = "a"
	B ID = "b"
)

// Valid reports whether the id is one of the two known platforms.
func (id ID) Valid() bool {
	return id == A || id == B
}

// Opposite returns the counterpart platform of a bridge pair.
func (id ID) Opposite() ID {
	if id == A {
		return B
	}
	return A
}

// EventKind tags raw gateway events before normalization.
type EventKind string

const (
	KindMessageCreate EventKind = "message"
	KindMessageUpdate EventKind = "messageUpdate"
	KindMessageDelete EventKind = "messageDelete"
)

// RawAuthor is the author shape platforms deliver. Avatar may be empty, a
// full URL, or a bare CDN hash; the normalizer resolves it.
type RawAuthor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Bot    bool   `json:"bot,omitempty"`
}

// RawAttachment carries attachment metadata unchanged; the core never
// transfers attachment bytes.
type RawAttachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// RawMessage is the platform-specific message payload reduced to the fields
// the normalizer consumes. Delete events only carry identity fields.
type RawMessage struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	GuildID     string          `json:"guild_id,omitempty"`
	Content     string          `json:"content"`
	Author      RawAuthor       `json:"author"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
	// Timestamp is either an RFC 3339 string or a decimal epoch-millisecond
	// value, depending on the platform. Empty is allowed for deletes.
	Timestamp string `json:"timestamp,omitempty"`
}

// RawEvent is what adapters push into the intake.
type RawEvent struct {
	Platform ID         `json:"platform"`
	Kind     EventKind  `json:"kind"`
	Message  RawMessage `json:"message"`
}

// Webhook holds impersonation credentials for one channel.
type Webhook struct {
	ID    string
	Token string
}

// Capabilities advertises which optional operations a platform supports.
type Capabilities struct {
	// WebhookEdit is true when the platform allows editing a message that
	// was posted through an impersonating webhook. Platforms without it get
	// the jump-link edit workaround.
	WebhookEdit bool
}

// SendOptions carries the optional impersonation fields for native sends.
type SendOptions struct {
	Name      string
	AvatarURL string
}

// Adapter is the capability each platform client implements. All calls are
// subject to the caller's context deadline; adapters must not retry
// internally beyond basic transport handshakes.
type Adapter interface {
	// Connect brings up the gateway transport and starts emitting events.
	Connect(ctx context.Context) error
	// Disconnect tears the transport down. Safe to call when not connected.
	Disconnect() error

	// Events is the inbound gateway stream. The channel closes on
	// Disconnect. Consumers must keep draining it until closed.
	Events() <-chan RawEvent

	// CreateWebhook provisions an impersonating webhook on a channel.
	CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error)
	// FetchWebhook returns an existing bridge-owned webhook on the channel,
	// or nil when none exists.
	FetchWebhook(ctx context.Context, channelID string) (*Webhook, error)

	// SendWebhook posts through the webhook with a per-message identity.
	// The returned message id may be empty when the platform does not
	// return ids synchronously and no correlated capture succeeded.
	SendWebhook(ctx context.Context, wh Webhook, channelID, content, username, avatarURL string) (string, error)
	// EditWebhookMessage returns false when the platform refuses or does
	// not support editing webhook posts.
	EditWebhookMessage(ctx context.Context, wh Webhook, messageID, content string) (bool, error)
	DeleteWebhookMessage(ctx context.Context, wh Webhook, messageID string) error

	// SendMessage is the non-impersonating fallback send.
	SendMessage(ctx context.Context, channelID, content string, opts *SendOptions) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	Capabilities() Capabilities
}

// ErrUnsupported is returned by adapters for operations the platform cannot
// perform at all (as opposed to transient refusals).
var ErrUnsupported = errors.New("platform: operation not supported")

// APIError is a platform REST failure with its HTTP status, used by the
// delivery worker to separate permanent refusals from transient faults.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("platform api error: status %d", e.Status)
	}
	return fmt.Sprintf("platform api error: status %d: %s", e.Status, e.Body)
}

// Permanent reports whether the failure will not succeed on retry: a 4xx
// that is neither a timeout nor a rate limit.
func (e *APIError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != 408 && e.Status != 429
}

// RateLimited reports a platform-side 429.
func (e *APIError) RateLimited() bool {
	return e.Status == 429
}

// Registry holds the adapter for each platform. It is passed through
// constructors instead of package-level singletons so stores and workers can
// reach either side.
type Registry struct {
	adapters map[ID]Adapter
}

// NewRegistry builds a registry from both adapters.
func NewRegistry(a, b Adapter) *Registry {
	return &Registry{adapters: map[ID]Adapter{A: a, B: b}}
}

// Adapter returns the adapter for the platform, or nil for unknown ids.
func (r *Registry) Adapter(id ID) Adapter {
	return r.adapters[id]
}

// Each calls fn for both platforms in stable order.
func (r *Registry) Each(fn func(ID, Adapter)) {
	fn(A, r.adapters[A])
	fn(B, r.adapters[B])
}
