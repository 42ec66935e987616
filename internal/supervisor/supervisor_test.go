package supervisor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusbridge/janus/internal/breaker"
	"github.com/janusbridge/janus/internal/canonical"
	"github.com/janusbridge/janus/internal/delivery"
	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/loopfilter"
	"github.com/janusbridge/janus/internal/platform"
	"github.com/janusbridge/janus/internal/platform/platformtest"
	"github.com/janusbridge/janus/internal/queue"
	"github.com/janusbridge/janus/internal/ratelimit"
	"github.com/janusbridge/janus/internal/router"
	"github.com/janusbridge/janus/internal/store"
)

// recorder is a queue.Handler that counts and keeps its jobs.
type recorder struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (r *recorder) handle(ctx context.Context, job *queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, *job)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type fixture struct {
	mr      *miniredis.Miniredis
	kv      *kv.Client
	bridges *store.BridgeStore
	a       *platformtest.Fake
	b       *platformtest.Fake
	route   *recorder
	deliver *recorder
	sup     *Supervisor
}

// fastWorker keeps test latency low without changing semantics.
func fastWorker() queue.WorkerConfig {
	return queue.WorkerConfig{
		Concurrency:  2,
		MaxAttempts:  3,
		BackoffBase:  10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Janitor:      10 * time.Millisecond,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	kvc := kv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))

	a := platformtest.New(platform.A)
	b := platformtest.New(platform.B)
	registry := platform.NewRegistry(a, b)
	bridges := store.NewBridgeStore(db, registry, nil, zerolog.Nop())

	fx := &fixture{
		mr:      mr,
		kv:      kvc,
		bridges: bridges,
		a:       a,
		b:       b,
		route:   &recorder{},
		deliver: &recorder{},
	}
	fx.sup = New(Config{
		Bridges:        bridges,
		Registry:       registry,
		KV:             kvc,
		Route:          fx.route.handle,
		Deliver:        fx.deliver.handle,
		IngestWorker:   fastWorker(),
		DeliveryWorker: fastWorker(),
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(fx.sup.Stop)
	return fx
}

func (fx *fixture) bridge(t *testing.T, aChannel, bChannel string) *store.BridgePair {
	t.Helper()
	pair, err := fx.bridges.Create(context.Background(), aChannel, "guild-a", bChannel, "", false)
	require.NoError(t, err)
	return pair
}

func rawCreate(msgID, channelID, content string) platform.RawEvent {
	return platform.RawEvent{
		Kind: platform.KindMessageCreate,
		Message: platform.RawMessage{
			ID:        msgID,
			ChannelID: channelID,
			GuildID:   "guild-a",
			Content:   content,
			Author:    platform.RawAuthor{ID: "u1", Name: "alice"},
		},
	}
}

func TestStartBindsExistingBridges(t *testing.T) {
	fx := newFixture(t)
	fx.bridge(t, "chan-a", "chan-b")

	require.NoError(t, fx.sup.Start(context.Background()))
	assert.Equal(t, []string{"deliver:a:chan-a", "deliver:b:chan-b"}, fx.sup.WorkerSets())
}

func TestInactiveBridgeNotBoundAtStart(t *testing.T) {
	fx := newFixture(t)
	pair := fx.bridge(t, "chan-a", "chan-b")
	_, err := fx.bridges.Toggle(context.Background(), pair.ID, false)
	require.NoError(t, err)

	require.NoError(t, fx.sup.Start(context.Background()))
	assert.Empty(t, fx.sup.WorkerSets())
}

func TestStartRepairsMissingWebhooks(t *testing.T) {
	fx := newFixture(t)
	pair := fx.bridge(t, "chan-a", "chan-b")
	require.NoError(t, fx.bridges.SetWebhook(context.Background(), pair.ID, platform.B, platform.Webhook{}))

	require.NoError(t, fx.sup.Start(context.Background()))

	repaired, err := fx.bridges.Get(context.Background(), pair.ID)
	require.NoError(t, err)
	_, ok := repaired.Webhook(platform.B)
	assert.True(t, ok)
	// One create at bridge creation, one by the startup repair.
	assert.Equal(t, 2, fx.b.CallCount("CreateWebhook"))
}

func TestBridgeCreatedStartsWorkers(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sup.Start(context.Background()))
	require.Empty(t, fx.sup.WorkerSets())

	fx.bridge(t, "chan-a", "chan-b")
	assert.Eventually(t, func() bool {
		return len(fx.sup.WorkerSets()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestToggleStopsAndResumesConsumption(t *testing.T) {
	fx := newFixture(t)
	pair := fx.bridge(t, "chan-a", "chan-b")
	require.NoError(t, fx.sup.Start(context.Background()))

	_, err := fx.bridges.Toggle(context.Background(), pair.ID, false)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(fx.sup.WorkerSets()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Jobs enqueued while the bridge is off stay put.
	q := queue.New(fx.kv, queue.DeliveryName("b", "chan-b"))
	_, err = q.Enqueue(context.Background(), []byte(`{"k":"v"}`))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fx.deliver.count())
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)

	// Reactivation picks the backlog up.
	_, err = fx.bridges.Toggle(context.Background(), pair.ID, true)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return fx.deliver.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepeatedToggleOnDoesNotLeakReferences(t *testing.T) {
	fx := newFixture(t)
	pair := fx.bridge(t, "chan-a", "chan-b")
	require.NoError(t, fx.sup.Start(context.Background()))

	// Toggling an already-active bridge on again must not double-bind.
	_, err := fx.bridges.Toggle(context.Background(), pair.ID, true)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = fx.bridges.Toggle(context.Background(), pair.ID, false)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(fx.sup.WorkerSets()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSharedChannelRefcounting(t *testing.T) {
	fx := newFixture(t)
	p1 := fx.bridge(t, "chan-a1", "chan-b")
	p2 := fx.bridge(t, "chan-a2", "chan-b")
	require.NoError(t, fx.sup.Start(context.Background()))
	require.Equal(t,
		[]string{"deliver:a:chan-a1", "deliver:a:chan-a2", "deliver:b:chan-b"},
		fx.sup.WorkerSets())

	// Two bridges share the chan-b consumers; dropping one keeps them.
	require.NoError(t, fx.bridges.Delete(context.Background(), p1.ID))
	assert.Eventually(t, func() bool {
		sets := fx.sup.WorkerSets()
		return len(sets) == 2 && sets[0] == "deliver:a:chan-a2" && sets[1] == "deliver:b:chan-b"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.bridges.Delete(context.Background(), p2.ID))
	assert.Eventually(t, func() bool {
		return len(fx.sup.WorkerSets()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntakeNormalizesOntoIngestQueue(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sup.Start(context.Background()))

	fx.a.Emit(rawCreate("m1", "chan-a", "hello"))

	assert.Eventually(t, func() bool {
		return fx.route.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	var ev canonical.Event
	require.NoError(t, json.Unmarshal(fx.route.jobs[0].Payload, &ev))
	assert.Equal(t, canonical.MessageCreate, ev.Type)
	assert.Equal(t, platform.A, ev.Source.Platform)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, "alice", ev.Author.Name)
}

func TestMalformedEventDropped(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.sup.Start(context.Background()))

	raw := rawCreate("", "chan-a", "broken") // missing message id
	fx.a.Emit(raw)
	fx.a.Emit(rawCreate("m2", "chan-a", "fine"))

	assert.Eventually(t, func() bool {
		return fx.route.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	var ev canonical.Event
	require.NoError(t, json.Unmarshal(fx.route.jobs[0].Payload, &ev))
	assert.Equal(t, "m2", ev.Source.MessageID)
}

func TestStopIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.bridge(t, "chan-a", "chan-b")
	require.NoError(t, fx.sup.Start(context.Background()))
	fx.sup.Stop()
	fx.sup.Stop()
	assert.Empty(t, fx.sup.WorkerSets())
}

// TestPipelineEndToEnd wires the real router and deliverer under the
// supervisor and pushes a message through the whole path, then checks the
// echo coming back is suppressed.
func TestPipelineEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	kvc := kv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))

	a := platformtest.New(platform.A)
	b := platformtest.New(platform.B)
	registry := platform.NewRegistry(a, b)
	bridges := store.NewBridgeStore(db, registry, nil, zerolog.Nop())
	messages := store.NewMessageMapStore(db)
	filter := loopfilter.New(kvc, 0)

	rt := router.New(router.Config{
		Bridges:  bridges,
		Registry: registry,
		Filter:   filter,
		KV:       kvc,
		Logger:   zerolog.Nop(),
	})
	dl := delivery.New(delivery.Config{
		Registry: registry,
		Bridges:  bridges,
		Messages: messages,
		Limiter:  ratelimit.New(kvc, 100, 2*time.Second),
		Breakers: breaker.NewGroup(breaker.Config{Logger: zerolog.Nop()}),
		Filter:   filter,
		KV:       kvc,
		Logger:   zerolog.Nop(),
	})

	sup := New(Config{
		Bridges:        bridges,
		Registry:       registry,
		KV:             kvc,
		Route:          rt.Handle,
		Deliver:        dl.Handle,
		IngestWorker:   fastWorker(),
		DeliveryWorker: fastWorker(),
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(sup.Stop)

	pair, err := bridges.Create(context.Background(), "chan-a", "guild-a", "chan-b", "", false)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	a.Emit(rawCreate("m1", "chan-a", "hello across"))

	assert.Eventually(t, func() bool {
		return b.CallCount("SendWebhook") == 1
	}, 2*time.Second, 10*time.Millisecond)
	sends := b.Calls("SendWebhook")
	require.Equal(t, "chan-b", sends[0].ChannelID)
	require.Equal(t, "hello across", sends[0].Content)
	require.Equal(t, "alice", sends[0].Username)

	m, ok, err := messages.Lookup(context.Background(), pair.ID, platform.A, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "whmsg-b-1", m.DestMsgID)

	// Platform B echoes the bridged message back through its gateway; the
	// loop filter must keep it from bouncing to A.
	echo := rawCreate("echo-1", "chan-b", "hello across")
	b.Emit(echo)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, a.CallCount("SendWebhook"))
	assert.Zero(t, a.CallCount("SendMessage"))
}
