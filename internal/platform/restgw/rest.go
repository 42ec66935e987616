package restgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/janusbridge/janus/internal/platform"
)

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 2048

type webhookResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// do runs one REST call: pace, marshal, send, decode. Responses with status
// >= 400 come back as *platform.APIError. A response body that fails to
// decode into out is not an error; some endpoints answer with an empty body.
func (a *Adapter) do(ctx context.Context, method, url string, body, out any, authed bool) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bot "+a.opts.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &platform.APIError{Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil || len(raw) == 0 {
		return nil
	}
	_ = json.Unmarshal(raw, out)
	return nil
}

// CreateWebhook provisions a webhook on the channel.
func (a *Adapter) CreateWebhook(ctx context.Context, channelID, name string) (*platform.Webhook, error) {
	var resp webhookResponse
	url := fmt.Sprintf("%s/channels/%s/webhooks", a.opts.APIBase, channelID)
	if err := a.do(ctx, http.MethodPost, url, map[string]string{"name": name}, &resp, true); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.Token == "" {
		return nil, nil
	}
	return &platform.Webhook{ID: resp.ID, Token: resp.Token}, nil
}

// FetchWebhook returns the first webhook on the channel whose token is
// visible to us, or nil when the channel has none we can use.
func (a *Adapter) FetchWebhook(ctx context.Context, channelID string) (*platform.Webhook, error) {
	var hooks []webhookResponse
	url := fmt.Sprintf("%s/channels/%s/webhooks", a.opts.APIBase, channelID)
	if err := a.do(ctx, http.MethodGet, url, nil, &hooks, true); err != nil {
		return nil, err
	}
	for _, h := range hooks {
		if h.ID != "" && h.Token != "" {
			return &platform.Webhook{ID: h.ID, Token: h.Token}, nil
		}
	}
	return nil, nil
}

// SendWebhook posts content through the webhook impersonating username. The
// returned id may come from the synchronous response or, when the platform
// answers without one, from the gateway echo via correlated capture. An
// empty id with a nil error means the post succeeded but was not identified.
func (a *Adapter) SendWebhook(ctx context.Context, wh platform.Webhook, channelID, content, username, avatarURL string) (string, error) {
	// Register the capture waiter before the POST: the echo can outrun the
	// HTTP response.
	var w *waiter
	if a.opts.CaptureWindow > 0 {
		w = a.capture.add(captureKey{channelID: channelID, content: content, username: username})
	}

	body := map[string]string{"content": content}
	if username != "" {
		body["username"] = username
	}
	if avatarURL != "" {
		body["avatar_url"] = avatarURL
	}
	var resp messageResponse
	url := fmt.Sprintf("%s/webhooks/%s/%s?wait=true", a.opts.APIBase, wh.ID, wh.Token)
	err := a.do(ctx, http.MethodPost, url, body, &resp, false)
	if err != nil {
		if w != nil {
			a.capture.drop(w)
		}
		return "", err
	}
	if resp.ID != "" {
		if w != nil {
			a.capture.drop(w)
		}
		return resp.ID, nil
	}
	if w == nil {
		return "", nil
	}
	id, ok := w.await(ctx, a.opts.CaptureWindow)
	if !ok {
		a.capture.drop(w)
		a.logger.Debug().
			Str("channel_id", channelID).
			Msg("webhook send not captured within window")
		return "", nil
	}
	return id, nil
}

// EditWebhookMessage rewrites a webhook post in place. Platforms without the
// capability report false with no error.
func (a *Adapter) EditWebhookMessage(ctx context.Context, wh platform.Webhook, messageID, content string) (bool, error) {
	if !a.opts.WebhookEdit {
		return false, nil
	}
	url := fmt.Sprintf("%s/webhooks/%s/%s/messages/%s", a.opts.APIBase, wh.ID, wh.Token, messageID)
	if err := a.do(ctx, http.MethodPatch, url, map[string]string{"content": content}, nil, false); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteWebhookMessage removes a webhook post.
func (a *Adapter) DeleteWebhookMessage(ctx context.Context, wh platform.Webhook, messageID string) error {
	url := fmt.Sprintf("%s/webhooks/%s/%s/messages/%s", a.opts.APIBase, wh.ID, wh.Token, messageID)
	return a.do(ctx, http.MethodDelete, url, nil, nil, false)
}

// SendMessage posts as the bot itself. Impersonation is best effort: the
// author name becomes a bold prefix, the avatar cannot be applied.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content string, opts *platform.SendOptions) (string, error) {
	if opts != nil && opts.Name != "" {
		content = fmt.Sprintf("**%s**: %s", opts.Name, content)
	}
	var resp messageResponse
	url := fmt.Sprintf("%s/channels/%s/messages", a.opts.APIBase, channelID)
	if err := a.do(ctx, http.MethodPost, url, map[string]string{"content": content}, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// EditMessage rewrites a bot-authored message.
func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", a.opts.APIBase, channelID, messageID)
	return a.do(ctx, http.MethodPatch, url, map[string]string{"content": content}, nil, true)
}

// DeleteMessage removes any message the bot may manage.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", a.opts.APIBase, channelID, messageID)
	return a.do(ctx, http.MethodDelete, url, nil, nil, true)
}
