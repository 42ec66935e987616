// Package platformtest provides an in-memory Adapter for tests: it records
// every outbound call and returns programmable results.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/janusbridge/janus/internal/platform"
)

// Call is one recorded adapter invocation.
type Call struct {
	Op        string
	ChannelID string
	MessageID string
	Content   string
	Username  string
	AvatarURL string
	Webhook   platform.Webhook
}

// Fake implements platform.Adapter. The zero value is not usable; construct
// with New. All methods are safe for concurrent use.
type Fake struct {
	id     platform.ID
	events chan platform.RawEvent

	mu      sync.Mutex
	calls   []Call
	caps    platform.Capabilities
	errs    map[string]error
	nextID  int
	webhook *platform.Webhook // FetchWebhook result
	noEcho  bool              // SendWebhook returns no message id
	conn    bool
}

// New builds a fake adapter for the given platform with webhook-edit
// capability enabled.
func New(id platform.ID) *Fake {
	return &Fake{
		id:     id,
		events: make(chan platform.RawEvent, 16),
		caps:   platform.Capabilities{WebhookEdit: true},
		errs:   make(map[string]error),
	}
}

// SetCapabilities overrides the advertised capabilities.
func (f *Fake) SetCapabilities(c platform.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps = c
}

// Fail makes every future call of op return err; a nil err clears it. Ops
// are method names ("SendWebhook", "DeleteMessage", ...).
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// SetFetchWebhook sets the webhook FetchWebhook returns (nil for none).
func (f *Fake) SetFetchWebhook(wh *platform.Webhook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhook = wh
}

// SetNoEcho makes SendWebhook succeed without returning a message id, like
// a platform whose webhook post gives no synchronous response body.
func (f *Fake) SetNoEcho(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noEcho = v
}

// Calls returns the recorded invocations of op, in order.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times op ran.
func (f *Fake) CallCount(op string) int {
	return len(f.Calls(op))
}

// Emit pushes a raw event through the adapter's event stream.
func (f *Fake) Emit(ev platform.RawEvent) {
	ev.Platform = f.id
	f.events <- ev
}

// Connected reports whether Connect ran without a matching Disconnect.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.errs[c.Op]
}

func (f *Fake) nextMsgID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%s-%s-%d", prefix, f.id, f.nextID)
}

func (f *Fake) Connect(ctx context.Context) error {
	if err := f.record(Call{Op: "Connect"}); err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Disconnect() error {
	if err := f.record(Call{Op: "Disconnect"}); err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) Events() <-chan platform.RawEvent {
	return f.events
}

func (f *Fake) CreateWebhook(ctx context.Context, channelID, name string) (*platform.Webhook, error) {
	if err := f.record(Call{Op: "CreateWebhook", ChannelID: channelID, Content: name}); err != nil {
		return nil, err
	}
	return &platform.Webhook{
		ID:    fmt.Sprintf("wh-%s-%s", f.id, channelID),
		Token: fmt.Sprintf("tok-%s-%s", f.id, channelID),
	}, nil
}

func (f *Fake) FetchWebhook(ctx context.Context, channelID string) (*platform.Webhook, error) {
	if err := f.record(Call{Op: "FetchWebhook", ChannelID: channelID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webhook, nil
}

func (f *Fake) SendWebhook(ctx context.Context, wh platform.Webhook, channelID, content, username, avatarURL string) (string, error) {
	err := f.record(Call{
		Op: "SendWebhook", Webhook: wh, ChannelID: channelID,
		Content: content, Username: username, AvatarURL: avatarURL,
	})
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	quiet := f.noEcho
	f.mu.Unlock()
	if quiet {
		return "", nil
	}
	return f.nextMsgID("whmsg"), nil
}

func (f *Fake) EditWebhookMessage(ctx context.Context, wh platform.Webhook, messageID, content string) (bool, error) {
	err := f.record(Call{Op: "EditWebhookMessage", Webhook: wh, MessageID: messageID, Content: content})
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps.WebhookEdit, nil
}

func (f *Fake) DeleteWebhookMessage(ctx context.Context, wh platform.Webhook, messageID string) error {
	return f.record(Call{Op: "DeleteWebhookMessage", Webhook: wh, MessageID: messageID})
}

func (f *Fake) SendMessage(ctx context.Context, channelID, content string, opts *platform.SendOptions) (string, error) {
	c := Call{Op: "SendMessage", ChannelID: channelID, Content: content}
	if opts != nil {
		c.Username, c.AvatarURL = opts.Name, opts.AvatarURL
	}
	if err := f.record(c); err != nil {
		return "", err
	}
	return f.nextMsgID("msg"), nil
}

func (f *Fake) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return f.record(Call{Op: "EditMessage", ChannelID: channelID, MessageID: messageID, Content: content})
}

func (f *Fake) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return f.record(Call{Op: "DeleteMessage", ChannelID: channelID, MessageID: messageID})
}

func (f *Fake) Capabilities() platform.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}
