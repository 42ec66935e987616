package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusbridge/janus/internal/breaker"
	"github.com/janusbridge/janus/internal/platform"
	"github.com/janusbridge/janus/internal/platform/platformtest"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "janus.db"))
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestBridgeStore(t *testing.T) (*BridgeStore, *platformtest.Fake, *platformtest.Fake) {
	t.Helper()
	fa, fb := platformtest.New(platform.A), platformtest.New(platform.B)
	s := NewBridgeStore(newTestDB(t), platform.NewRegistry(fa, fb), nil, zerolog.Nop())
	return s, fa, fb
}

func TestCreateProvisionsWebhooks(t *testing.T) {
	s, fa, fb := newTestBridgeStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "a-guild", "b-chan", "", true)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.True(t, p.IsActive)
	assert.True(t, p.SyncUploads)
	assert.Equal(t, 1, fa.CallCount("CreateWebhook"))
	assert.Equal(t, 1, fb.CallCount("CreateWebhook"))

	wh, ok := p.Webhook(platform.A)
	require.True(t, ok)
	assert.Equal(t, "wh-a-a-chan", wh.ID)

	// The row persisted what provisioning obtained.
	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	_, ok = got.Webhook(platform.B)
	assert.True(t, ok)
}

func TestCreateKeepsPartialWebhookSuccess(t *testing.T) {
	s, _, fb := newTestBridgeStore(t)
	fb.Fail("CreateWebhook", assert.AnError)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "a-guild", "b-chan", "", false)
	require.NoError(t, err, "one side failing must not fail the create")

	_, ok := p.Webhook(platform.A)
	assert.True(t, ok)
	_, ok = p.Webhook(platform.B)
	assert.False(t, ok)
}

func TestProvisioningRunsThroughBreaker(t *testing.T) {
	fa, fb := platformtest.New(platform.A), platformtest.New(platform.B)
	g := breaker.NewGroup(breaker.Config{MinRequests: 1, Logger: zerolog.Nop()})
	s := NewBridgeStore(newTestDB(t), platform.NewRegistry(fa, fb), g, zerolog.Nop())
	ctx := context.Background()

	fb.Fail("CreateWebhook", assert.AnError)
	_, err := s.Create(ctx, "a-1", "g", "b-1", "", false)
	require.NoError(t, err)
	require.Equal(t, gobreaker.StateOpen, g.State(string(platform.B)))

	// The open circuit rejects the next provisioning attempt before it
	// reaches the platform.
	fb.Fail("CreateWebhook", nil)
	p, err := s.Create(ctx, "a-2", "g", "b-2", "", false)
	require.NoError(t, err)

	_, ok := p.Webhook(platform.B)
	assert.False(t, ok)
	assert.Equal(t, 1, fb.CallCount("CreateWebhook"))

	// The healthy side has its own circuit and keeps provisioning.
	_, ok = p.Webhook(platform.A)
	assert.True(t, ok)
}

func TestCreateDuplicatePairRejected(t *testing.T) {
	s, _, _ := newTestBridgeStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	require.NoError(t, err)

	_, err = s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	assert.ErrorIs(t, err, ErrDuplicateBridge)

	// Same channel in a different pairing is allowed.
	_, err = s.Create(ctx, "a-chan", "g", "b-chan-2", "", false)
	assert.NoError(t, err)
}

func TestLifecycleEvents(t *testing.T) {
	s, _, _ := newTestBridgeStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	require.NoError(t, err)

	ev := <-s.Events()
	assert.Equal(t, BridgeCreated, ev.Kind)
	assert.Equal(t, p.ID, ev.Pair.ID)

	_, err = s.Toggle(ctx, p.ID, false)
	require.NoError(t, err)
	ev = <-s.Events()
	assert.Equal(t, BridgeToggled, ev.Kind)
	assert.False(t, ev.Pair.IsActive)

	require.NoError(t, s.Delete(ctx, p.ID))
	ev = <-s.Events()
	assert.Equal(t, BridgeDeleted, ev.Kind)
}

func TestFindActiveByChannel(t *testing.T) {
	s, _, _ := newTestBridgeStore(t)
	ctx := context.Background()

	p1, err := s.Create(ctx, "shared-a", "g", "b-1", "", false)
	require.NoError(t, err)
	p2, err := s.Create(ctx, "shared-a", "g", "b-2", "", false)
	require.NoError(t, err)
	p3, err := s.Create(ctx, "a-3", "g", "b-3", "", false)
	require.NoError(t, err)

	// One channel, two bridges.
	pairs, err := s.FindActiveByChannel(ctx, platform.A, "shared-a")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, p1.ID, pairs[0].ID)
	assert.Equal(t, p2.ID, pairs[1].ID)

	pairs, err = s.FindActiveByChannel(ctx, platform.B, "b-3")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, p3.ID, pairs[0].ID)

	// Inactive bridges never match.
	_, err = s.Toggle(ctx, p3.ID, false)
	require.NoError(t, err)
	pairs, err = s.FindActiveByChannel(ctx, platform.B, "b-3")
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestGetAndToggleMissing(t *testing.T) {
	s, _, _ := newTestBridgeStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Toggle(ctx, "nope", true)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Delete(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepairFillsOnlyMissingSides(t *testing.T) {
	s, fa, fb := newTestBridgeStore(t)
	fb.Fail("CreateWebhook", assert.AnError)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	require.NoError(t, err)
	_, ok := p.Webhook(platform.B)
	require.False(t, ok)

	aCreates := fa.CallCount("CreateWebhook")

	// B recovers; repair adopts the existing channel webhook.
	fb.Fail("CreateWebhook", nil)
	fb.SetFetchWebhook(&platform.Webhook{ID: "existing", Token: "existing-tok"})

	repaired, err := s.Repair(ctx, p.ID)
	require.NoError(t, err)

	wh, ok := repaired.Webhook(platform.B)
	require.True(t, ok)
	assert.Equal(t, "existing", wh.ID)

	// The healthy side was left alone.
	assert.Equal(t, aCreates, fa.CallCount("CreateWebhook"))
	assert.Zero(t, fa.CallCount("FetchWebhook"))

	// Fully repaired pair: another repair is a no-op.
	_, err = s.Repair(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.CallCount("FetchWebhook"))
}

func TestRepairCreatesWhenFetchEmpty(t *testing.T) {
	s, _, fb := newTestBridgeStore(t)
	fb.Fail("CreateWebhook", assert.AnError)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	require.NoError(t, err)

	fb.Fail("CreateWebhook", nil)
	// FetchWebhook returns nothing, so repair falls through to create.
	repaired, err := s.Repair(ctx, p.ID)
	require.NoError(t, err)

	wh, ok := repaired.Webhook(platform.B)
	require.True(t, ok)
	assert.Equal(t, "wh-b-b-chan", wh.ID)
}

func TestTokensNeverSerialize(t *testing.T) {
	s, _, _ := newTestBridgeStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	require.NoError(t, err)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tok-a-a-chan")
	assert.NotContains(t, string(raw), "tok-b-b-chan")

	red := p.Redacted()
	rawRed, err := json.Marshal(red)
	require.NoError(t, err)
	assert.NotContains(t, string(rawRed), "tok-")
	assert.Equal(t, true, red["a_webhook"])
}

func TestMessageMapRoundTrip(t *testing.T) {
	db := newTestDB(t)
	mm := NewMessageMapStore(db)
	ctx := context.Background()

	m := MessageMap{
		PairID:         "pair-1",
		SourcePlatform: platform.A,
		SourceMsgID:    "src-1",
		DestPlatform:   platform.B,
		DestMsgID:      "dst-1",
	}
	require.NoError(t, mm.Put(ctx, m))

	got, ok, err := mm.Lookup(ctx, "pair-1", platform.A, "src-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dst-1", got.DestMsgID)
	assert.Equal(t, platform.B, got.DestPlatform)
	assert.False(t, got.CreatedAt.IsZero())

	// Redelivery overwrites rather than erroring.
	m.DestMsgID = "dst-1b"
	require.NoError(t, mm.Put(ctx, m))
	got, ok, err = mm.Lookup(ctx, "pair-1", platform.A, "src-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dst-1b", got.DestMsgID)

	require.NoError(t, mm.Delete(ctx, "pair-1", platform.A, "src-1"))
	_, ok, err = mm.Lookup(ctx, "pair-1", platform.A, "src-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is harmless.
	assert.NoError(t, mm.Delete(ctx, "pair-1", platform.A, "src-1"))
}

func TestDeleteBridgeCascadesMessageMap(t *testing.T) {
	db := newTestDB(t)
	fa, fb := platformtest.New(platform.A), platformtest.New(platform.B)
	s := NewBridgeStore(db, platform.NewRegistry(fa, fb), nil, zerolog.Nop())
	mm := NewMessageMapStore(db)
	ctx := context.Background()

	p, err := s.Create(ctx, "a-chan", "g", "b-chan", "", false)
	require.NoError(t, err)
	require.NoError(t, mm.Put(ctx, MessageMap{
		PairID: p.ID, SourcePlatform: platform.A, SourceMsgID: "s1",
		DestPlatform: platform.B, DestMsgID: "d1",
	}))

	require.NoError(t, s.Delete(ctx, p.ID))

	_, ok, err := mm.Lookup(ctx, p.ID, platform.A, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}
