package restgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/platform"
)

// Gateway opcodes, shared by both platforms' websocket dialects.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

const (
	intentGuilds         = 1 << 0
	intentGuildMessages  = 1 << 9
	intentMessageContent = 1 << 15

	dialTimeout      = 15 * time.Second
	maxReconnectWait = 30 * time.Second
)

type dispatchFunc func(kind platform.EventKind, msg platform.RawMessage)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloPayload struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyPayload struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type readyPayload struct {
	SessionID string      `json:"session_id"`
	User      gatewayUser `json:"user"`
}

type gatewayUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

type gatewayAttachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

type gatewayMessage struct {
	ID              string              `json:"id"`
	ChannelID       string              `json:"channel_id"`
	GuildID         string              `json:"guild_id,omitempty"`
	Content         string              `json:"content,omitempty"`
	Author          *gatewayUser        `json:"author,omitempty"`
	Attachments     []gatewayAttachment `json:"attachments,omitempty"`
	Timestamp       string              `json:"timestamp,omitempty"`
	EditedTimestamp string              `json:"edited_timestamp,omitempty"`
}

// gateway owns one websocket connection lifecycle: hello/identify handshake,
// heartbeating, dispatch, and reconnect with backoff. Sessions are not
// resumed; events missed during a reconnect are lost, which the pipeline
// tolerates (at-least-once applies downstream of ingest, not upstream).
type gateway struct {
	url     string
	token   string
	logger  zerolog.Logger
	onEvent dispatchFunc

	writeMu sync.Mutex
	conn    net.Conn

	seqMu sync.Mutex
	seq   *int64

	ackMu   sync.Mutex
	lastAck time.Time

	selfMu sync.Mutex
	selfID string
}

func newGateway(url, token string, logger zerolog.Logger, onEvent dispatchFunc) *gateway {
	return &gateway{
		url:     url,
		token:   token,
		logger:  logger.With().Str("component", "gateway").Logger(),
		onEvent: onEvent,
	}
}

// run keeps a session alive until ctx ends, reconnecting with exponential
// backoff. A session that held for a minute resets the backoff.
func (g *gateway) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := g.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		g.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("gateway session ended")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// session dials, handshakes, and pumps events until the connection fails.
func (g *gateway) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, g.url)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		// Closing the conn is the only way to unblock a pending read.
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()

	p, err := g.read(conn)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if p.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", p.Op)
	}
	var hello helloPayload
	if err := json.Unmarshal(p.D, &hello); err != nil {
		return fmt.Errorf("decoding hello: %w", err)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	g.setAck(time.Now())
	// On ack timeout the heartbeat loop cancels the session, which closes
	// the conn and unblocks the read below.
	go g.heartbeat(sessCtx, interval, stop)

	if err := g.identify(); err != nil {
		return fmt.Errorf("identifying: %w", err)
	}

	for {
		p, err := g.read(conn)
		if err != nil {
			return fmt.Errorf("reading gateway: %w", err)
		}
		if p.S != nil {
			g.seqMu.Lock()
			g.seq = p.S
			g.seqMu.Unlock()
		}
		switch p.Op {
		case opHello:
			// Duplicate hello mid-session; ignore.
		case opHeartbeatAck:
			g.setAck(time.Now())
		case opHeartbeat:
			g.sendHeartbeat()
		case opReconnect:
			return errors.New("server requested reconnect")
		case opInvalidSession:
			g.seqMu.Lock()
			g.seq = nil
			g.seqMu.Unlock()
			return errors.New("session invalidated")
		case opDispatch:
			g.handleDispatch(p.T, p.D)
		}
	}
}

func (g *gateway) read(conn net.Conn) (*gatewayPayload, error) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return nil, err
		}
		if op != ws.OpText {
			continue
		}
		var p gatewayPayload
		if err := json.Unmarshal(data, &p); err != nil {
			g.logger.Warn().Err(err).Msg("undecodable gateway frame")
			continue
		}
		return &p, nil
	}
}

func (g *gateway) write(p gatewayPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return errors.New("gateway not connected")
	}
	return wsutil.WriteClientMessage(g.conn, ws.OpText, data)
}

func (g *gateway) identify() error {
	d, _ := json.Marshal(identifyPayload{
		Token:   g.token,
		Intents: intentGuilds | intentGuildMessages | intentMessageContent,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "janus",
			Device:  "janus",
		},
	})
	return g.write(gatewayPayload{Op: opIdentify, D: d})
}

func (g *gateway) heartbeat(ctx context.Context, interval time.Duration, stop context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(g.getAck()) > 2*interval {
				g.logger.Warn().Msg("heartbeat ack timeout, dropping session")
				stop()
				return
			}
			g.sendHeartbeat()
		}
	}
}

func (g *gateway) sendHeartbeat() {
	g.seqMu.Lock()
	seq := g.seq
	g.seqMu.Unlock()
	d := json.RawMessage("null")
	if seq != nil {
		d, _ = json.Marshal(*seq)
	}
	if err := g.write(gatewayPayload{Op: opHeartbeat, D: d}); err != nil {
		g.logger.Warn().Err(err).Msg("sending heartbeat")
	}
}

func (g *gateway) setAck(t time.Time) {
	g.ackMu.Lock()
	g.lastAck = t
	g.ackMu.Unlock()
}

func (g *gateway) getAck() time.Time {
	g.ackMu.Lock()
	defer g.ackMu.Unlock()
	return g.lastAck
}

func (g *gateway) setSelf(id string) {
	g.selfMu.Lock()
	g.selfID = id
	g.selfMu.Unlock()
}

func (g *gateway) isSelf(authorID string) bool {
	if authorID == "" {
		return false
	}
	g.selfMu.Lock()
	defer g.selfMu.Unlock()
	return authorID == g.selfID
}

func (g *gateway) handleDispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready readyPayload
		if err := json.Unmarshal(data, &ready); err == nil {
			g.setSelf(ready.User.ID)
			g.logger.Info().
				Str("session_id", ready.SessionID).
				Str("user_id", ready.User.ID).
				Msg("gateway ready")
		}

	case "MESSAGE_CREATE":
		msg, ok := g.decodeMessage(event, data)
		if !ok {
			return
		}
		// Native sends echo back under our own user; webhook echoes carry
		// the webhook's id instead and stay visible to correlated capture.
		if g.isSelf(msg.Author.ID) {
			return
		}
		g.onEvent(platform.KindMessageCreate, msg)

	case "MESSAGE_UPDATE":
		msg, ok := g.decodeMessage(event, data)
		if !ok {
			return
		}
		if g.isSelf(msg.Author.ID) {
			return
		}
		// Platforms emit partial updates (embed unfurls, flag changes)
		// with no content; those are not edits.
		if msg.Content == "" {
			return
		}
		g.onEvent(platform.KindMessageUpdate, msg)

	case "MESSAGE_DELETE":
		msg, ok := g.decodeMessage(event, data)
		if !ok {
			return
		}
		g.onEvent(platform.KindMessageDelete, msg)
	}
}

// decodeMessage maps a dispatch payload onto the adapter-neutral raw shape.
func (g *gateway) decodeMessage(event string, data json.RawMessage) (platform.RawMessage, bool) {
	var gm gatewayMessage
	if err := json.Unmarshal(data, &gm); err != nil {
		g.logger.Warn().Err(err).Str("event", event).Msg("undecodable dispatch payload")
		return platform.RawMessage{}, false
	}
	msg := platform.RawMessage{
		ID:        gm.ID,
		ChannelID: gm.ChannelID,
		GuildID:   gm.GuildID,
		Content:   gm.Content,
		Timestamp: gm.Timestamp,
	}
	if gm.EditedTimestamp != "" {
		msg.Timestamp = gm.EditedTimestamp
	}
	if gm.Author != nil {
		msg.Author = platform.RawAuthor{
			ID:     gm.Author.ID,
			Name:   gm.Author.Username,
			Avatar: gm.Author.Avatar,
			Bot:    gm.Author.Bot,
		}
	}
	for _, att := range gm.Attachments {
		msg.Attachments = append(msg.Attachments, platform.RawAttachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	return msg, true
}
