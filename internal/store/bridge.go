package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/breaker"
	"github.com/janusbridge/janus/internal/platform"
)

// webhookName labels the impersonation webhooks the bridge provisions.
const webhookName = "janus bridge"

// BridgePair links one channel on each platform. Webhook credentials are
// nullable per side; Repair fills missing ones. Tokens carry json:"-" so an
// encoded pair (admin API, logs) never leaks them.
type BridgePair struct {
	ID            string    `json:"id"`
	AChannelID    string    `json:"a_channel_id"`
	AGuildID      string    `json:"a_guild_id"`
	BChannelID    string    `json:"b_channel_id"`
	BGuildID      string    `json:"b_guild_id,omitempty"`
	AWebhookID    string    `json:"a_webhook_id,omitempty"`
	AWebhookToken string    `json:"-"`
	BWebhookID    string    `json:"b_webhook_id,omitempty"`
	BWebhookToken string    `json:"-"`
	IsActive      bool      `json:"is_active"`
	SyncUploads   bool      `json:"sync_uploads"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChannelID returns the pair's channel on the given platform.
func (p *BridgePair) ChannelID(id platform.ID) string {
	if id == platform.A {
		return p.AChannelID
	}
	return p.BChannelID
}

// GuildID returns the pair's guild on the given platform; may be empty.
func (p *BridgePair) GuildID(id platform.ID) string {
	if id == platform.A {
		return p.AGuildID
	}
	return p.BGuildID
}

// Webhook returns the side's credentials; false when either half is missing.
func (p *BridgePair) Webhook(id platform.ID) (platform.Webhook, bool) {
	var wh platform.Webhook
	if id == platform.A {
		wh = platform.Webhook{ID: p.AWebhookID, Token: p.AWebhookToken}
	} else {
		wh = platform.Webhook{ID: p.BWebhookID, Token: p.BWebhookToken}
	}
	return wh, wh.ID != "" && wh.Token != ""
}

func (p *BridgePair) setWebhook(id platform.ID, wh platform.Webhook) {
	if id == platform.A {
		p.AWebhookID, p.AWebhookToken = wh.ID, wh.Token
	} else {
		p.BWebhookID, p.BWebhookToken = wh.ID, wh.Token
	}
}

// Redacted returns a log-safe view: ids and flags only, tokens reduced to
// presence booleans.
func (p *BridgePair) Redacted() map[string]any {
	return map[string]any{
		"id":           p.ID,
		"a_channel_id": p.AChannelID,
		"b_channel_id": p.BChannelID,
		"is_active":    p.IsActive,
		"a_webhook":    p.AWebhookID != "" && p.AWebhookToken != "",
		"b_webhook":    p.BWebhookID != "" && p.BWebhookToken != "",
	}
}

// EventKind labels bridge lifecycle notifications.
type EventKind string

const (
	BridgeCreated EventKind = "created"
	BridgeDeleted EventKind = "deleted"
	BridgeToggled EventKind = "toggled"
)

// Event is a lifecycle notification carrying the pair's state at emit time.
type Event struct {
	Kind EventKind
	Pair BridgePair
}

// BridgeStore is CRUD over bridge pairs plus webhook provisioning. It is
// also the lifecycle event source the supervisor subscribes to; events ride
// a bounded channel and are dropped (with a warning) if the subscriber lags.
type BridgeStore struct {
	db       *sql.DB
	registry *platform.Registry
	breakers *breaker.Group
	logger   zerolog.Logger
	events   chan Event
}

// NewBridgeStore builds a store over db. registry may be nil, in which case
// webhook provisioning is skipped (credentials stay empty until Repair runs
// with a live registry). breakers may be nil; provisioning calls then run
// unguarded.
func NewBridgeStore(db *sql.DB, registry *platform.Registry, breakers *breaker.Group, logger zerolog.Logger) *BridgeStore {
	return &BridgeStore{
		db:       db,
		registry: registry,
		breakers: breakers,
		logger:   logger.With().Str("component", "bridge_store").Logger(),
		events:   make(chan Event, 64),
	}
}

// guard runs a provisioning call through the side's circuit breaker, sharing
// failure counts with the delivery path so a dead platform API is not
// hammered from two directions.
func (s *BridgeStore) guard(ctx context.Context, side platform.ID, fn func(context.Context) error) error {
	if s.breakers == nil {
		return fn(ctx)
	}
	return s.breakers.Do(ctx, string(side), fn)
}

// Events exposes the lifecycle notification stream.
func (s *BridgeStore) Events() <-chan Event {
	return s.events
}

func (s *BridgeStore) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().
			Str("kind", string(ev.Kind)).
			Str("bridge_id", ev.Pair.ID).
			Msg("lifecycle event dropped, subscriber lagging")
	}
}

const pairColumns = `id, a_channel_id, a_guild_id, b_channel_id, b_guild_id,
	a_webhook_id, a_webhook_token, b_webhook_id, b_webhook_token,
	is_active, sync_uploads, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(row rowScanner) (*BridgePair, error) {
	var p BridgePair
	err := row.Scan(
		&p.ID, &p.AChannelID, &p.AGuildID, &p.BChannelID, &p.BGuildID,
		&p.AWebhookID, &p.AWebhookToken, &p.BWebhookID, &p.BWebhookToken,
		&p.IsActive, &p.SyncUploads, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create claims the channel pair, then provisions an impersonation webhook
// on each side, keeping whatever it obtained. One side failing is normal
// (missing permissions); Repair can fill it later.
func (s *BridgeStore) Create(ctx context.Context, aChannel, aGuild, bChannel, bGuild string, syncUploads bool) (*BridgePair, error) {
	now := time.Now().UTC()
	p := &BridgePair{
		ID:          uuid.NewString(),
		AChannelID:  aChannel,
		AGuildID:    aGuild,
		BChannelID:  bChannel,
		BGuildID:    bGuild,
		IsActive:    true,
		SyncUploads: syncUploads,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_pairs (`+pairColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AChannelID, p.AGuildID, p.BChannelID, p.BGuildID,
		p.AWebhookID, p.AWebhookToken, p.BWebhookID, p.BWebhookToken,
		p.IsActive, p.SyncUploads, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateBridge, aChannel, bChannel)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting bridge: %w", err)
	}

	s.provision(ctx, p)

	s.logger.Info().Fields(p.Redacted()).Msg("bridge created")
	s.emit(Event{Kind: BridgeCreated, Pair: *p})
	return p, nil
}

// provision creates a webhook per side and persists what it got.
func (s *BridgeStore) provision(ctx context.Context, p *BridgePair) {
	if s.registry == nil {
		return
	}
	for _, side := range []platform.ID{platform.A, platform.B} {
		ad := s.registry.Adapter(side)
		if ad == nil {
			continue
		}
		var wh *platform.Webhook
		err := s.guard(ctx, side, func(ctx context.Context) error {
			var cerr error
			wh, cerr = ad.CreateWebhook(ctx, p.ChannelID(side), webhookName)
			return cerr
		})
		if err != nil || wh == nil {
			s.logger.Warn().Err(err).
				Str("bridge_id", p.ID).
				Str("platform", string(side)).
				Msg("webhook provisioning failed")
			continue
		}
		if err := s.SetWebhook(ctx, p.ID, side, *wh); err != nil {
			s.logger.Error().Err(err).Str("bridge_id", p.ID).Msg("persisting webhook")
			continue
		}
		p.setWebhook(side, *wh)
	}
}

// Get loads one pair by id.
func (s *BridgeStore) Get(ctx context.Context, id string) (*BridgePair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pairColumns+` FROM bridge_pairs WHERE id = ?`, id)
	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bridge %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading bridge %s: %w", id, err)
	}
	return p, nil
}

// List returns all pairs oldest first.
func (s *BridgeStore) List(ctx context.Context) ([]*BridgePair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pairColumns+` FROM bridge_pairs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing bridges: %w", err)
	}
	defer rows.Close()

	var pairs []*BridgePair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bridge: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// FindActiveByChannel returns the active pairs whose side on the given
// platform is channelID. A channel may take part in several bridges.
func (s *BridgeStore) FindActiveByChannel(ctx context.Context, id platform.ID, channelID string) ([]*BridgePair, error) {
	col := "a_channel_id"
	if id == platform.B {
		col = "b_channel_id"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pairColumns+` FROM bridge_pairs WHERE `+col+` = ? AND is_active = 1 ORDER BY created_at, id`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("finding bridges for %s/%s: %w", id, channelID, err)
	}
	defer rows.Close()

	var pairs []*BridgePair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bridge: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// Delete removes the pair and its message map rows in one transaction.
func (s *BridgeStore) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting bridge %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_map WHERE pair_id = ?`, id); err != nil {
		return fmt.Errorf("deleting message map rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bridge_pairs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting bridge %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deleting bridge %s: %w", id, err)
	}

	s.logger.Info().Str("bridge_id", id).Msg("bridge deleted")
	s.emit(Event{Kind: BridgeDeleted, Pair: *p})
	return nil
}

// Toggle sets the pair's active flag and reports the updated pair.
func (s *BridgeStore) Toggle(ctx context.Context, id string, active bool) (*BridgePair, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bridge_pairs SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("toggling bridge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: bridge %s", ErrNotFound, id)
	}

	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("bridge_id", id).Bool("active", active).Msg("bridge toggled")
	s.emit(Event{Kind: BridgeToggled, Pair: *p})
	return p, nil
}

// SetWebhook persists one side's credentials.
func (s *BridgeStore) SetWebhook(ctx context.Context, id string, side platform.ID, wh platform.Webhook) error {
	col := "a_webhook"
	if side == platform.B {
		col = "b_webhook"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bridge_pairs SET `+col+`_id = ?, `+col+`_token = ?, updated_at = ? WHERE id = ?`,
		wh.ID, wh.Token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storing webhook for bridge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: bridge %s", ErrNotFound, id)
	}
	return nil
}

// Repair fills any missing webhook credentials, trying to adopt an existing
// webhook on the channel before creating a new one. No-op when both sides
// already hold credentials.
func (s *BridgeStore) Repair(ctx context.Context, id string) (*BridgePair, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.registry == nil {
		return p, nil
	}

	for _, side := range []platform.ID{platform.A, platform.B} {
		if _, ok := p.Webhook(side); ok {
			continue
		}
		ad := s.registry.Adapter(side)
		if ad == nil {
			continue
		}
		var wh *platform.Webhook
		err := s.guard(ctx, side, func(ctx context.Context) error {
			var cerr error
			wh, cerr = ad.FetchWebhook(ctx, p.ChannelID(side))
			if cerr != nil || wh == nil {
				wh, cerr = ad.CreateWebhook(ctx, p.ChannelID(side), webhookName)
			}
			return cerr
		})
		if err != nil || wh == nil {
			s.logger.Warn().Err(err).
				Str("bridge_id", p.ID).
				Str("platform", string(side)).
				Msg("webhook repair failed")
			continue
		}
		if err := s.SetWebhook(ctx, p.ID, side, *wh); err != nil {
			return nil, err
		}
		p.setWebhook(side, *wh)
		s.logger.Info().
			Str("bridge_id", p.ID).
			Str("platform", string(side)).
			Msg("webhook repaired")
	}
	return p, nil
}
