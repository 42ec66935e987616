// Package supervisor runs the pipeline: it pumps adapter events through
// normalization onto the ingest queue, keeps one routing worker set plus one
// delivery worker set per bridged destination channel, and follows bridge
// lifecycle changes so worker sets start and stop with the bridges that need
// them.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/canonical"
	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/monitoring"
	"github.com/janusbridge/janus/internal/platform"
	"github.com/janusbridge/janus/internal/queue"
	"github.com/janusbridge/janus/internal/store"
)

// Queue tuning per class. Ingest is wide and forgiving because routing is
// cheap; delivery is narrower with a slower backoff because it hits external
// APIs.
const (
	IngestConcurrency  = 10
	IngestMaxAttempts  = 3
	IngestBackoffBase  = time.Second
	IngestCompletedCap = 1000
	IngestFailedCap    = 5000

	DeliveryConcurrency  = 5
	DeliveryMaxAttempts  = 5
	DeliveryBackoffBase  = 2 * time.Second
	DeliveryCompletedCap = 500
	DeliveryFailedCap    = 2000
)

// Config wires a Supervisor.
type Config struct {
	Bridges  *store.BridgeStore
	Registry *platform.Registry
	KV       *kv.Client
	// Normalizers translate each platform's raw payloads; a missing entry
	// falls back to a bare normalizer for that platform.
	Normalizers map[platform.ID]canonical.Normalizer
	// Route handles ingest jobs, Deliver handles delivery jobs.
	Route   queue.Handler
	Deliver queue.Handler
	// IngestWorker and DeliveryWorker override the class defaults above;
	// zero fields keep them. Tests shrink the poll intervals.
	IngestWorker   queue.WorkerConfig
	DeliveryWorker queue.WorkerConfig
	Logger         zerolog.Logger
}

type workerSet struct {
	worker *queue.Worker
	refs   int
}

// Supervisor owns the pipeline goroutines. Start and Stop bracket its
// lifetime; bridge lifecycle events adjust the delivery worker sets in
// between.
type Supervisor struct {
	cfg         Config
	ingestCfg   queue.WorkerConfig
	deliveryCfg queue.WorkerConfig
	logger      zerolog.Logger

	mu      sync.Mutex
	started bool
	jobCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ingest  *queue.Worker
	sets    map[string]*workerSet // queue name -> consumer set
	bound   map[string][]string   // bridge id -> queue names it holds refs on
}

// New builds a Supervisor, filling worker settings from the class defaults.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		ingestCfg:   fillWorker(cfg.IngestWorker, IngestConcurrency, IngestMaxAttempts, IngestBackoffBase, IngestCompletedCap, IngestFailedCap),
		deliveryCfg: fillWorker(cfg.DeliveryWorker, DeliveryConcurrency, DeliveryMaxAttempts, DeliveryBackoffBase, DeliveryCompletedCap, DeliveryFailedCap),
		logger:      cfg.Logger.With().Str("component", "supervisor").Logger(),
		sets:        make(map[string]*workerSet),
		bound:       make(map[string][]string),
	}
}

func fillWorker(c queue.WorkerConfig, concurrency, attempts int, backoff time.Duration, completed, failed int64) queue.WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = attempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = backoff
	}
	if c.CompletedCap <= 0 {
		c.CompletedCap = completed
	}
	if c.FailedCap <= 0 {
		c.FailedCap = failed
	}
	return c
}

// Start brings the pipeline up: ingest consumers, intake pumps, worker sets
// for every bridge that is already active (repairing missing webhook
// credentials first), and the lifecycle listener. Handlers run under ctx, so
// cancelling it aborts in-flight work; prefer Stop for a drain.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.jobCtx = ctx
	lifeCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.ingest = queue.NewWorker(queue.New(s.cfg.KV, queue.Ingest), s.cfg.Route, s.ingestCfg)
	s.ingest.OnOutcome = recordOutcome
	s.ingest.Start(ctx)
	s.mu.Unlock()

	pairs, err := s.cfg.Bridges.List(ctx)
	if err != nil {
		s.Stop()
		return err
	}
	active := 0
	for _, pair := range pairs {
		if !pair.IsActive {
			continue
		}
		active++
		pair = s.repairIfNeeded(ctx, pair)
		s.bindPair(pair)
	}
	monitoring.BridgesActive.Set(float64(active))

	s.cfg.Registry.Each(func(id platform.ID, ad platform.Adapter) {
		s.wg.Add(1)
		go s.intake(lifeCtx, id, ad)
	})

	s.wg.Add(1)
	go s.watchLifecycle(lifeCtx)

	s.logger.Info().Int("bridges_active", active).Msg("pipeline started")
	return nil
}

// Stop winds the pipeline down in flow order: intake pumps first so nothing
// new enters, then the routing workers, then every delivery set. Each worker
// Stop drains its in-flight handlers; queued jobs stay in the KV for the
// next boot.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	ingest := s.ingest
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if ingest != nil {
		ingest.Stop()
	}

	s.mu.Lock()
	sets := s.sets
	s.sets = make(map[string]*workerSet)
	s.bound = make(map[string][]string)
	s.mu.Unlock()
	for name, set := range sets {
		set.worker.Stop()
		s.logger.Debug().Str("queue", name).Msg("delivery workers stopped")
	}

	monitoring.WorkerSetsActive.Set(0)
	s.logger.Info().Msg("pipeline stopped")
}

// WorkerSets reports the queue names currently being consumed, sorted.
func (s *Supervisor) WorkerSets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) repairIfNeeded(ctx context.Context, pair *store.BridgePair) *store.BridgePair {
	_, aOK := pair.Webhook(platform.A)
	_, bOK := pair.Webhook(platform.B)
	if aOK && bOK {
		return pair
	}
	repaired, err := s.cfg.Bridges.Repair(ctx, pair.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("bridge_id", pair.ID).Msg("startup webhook repair failed")
		return pair
	}
	return repaired
}

// intake pumps one adapter's event stream through normalization onto the
// ingest queue. The pump exits when the stream closes or the supervisor
// stops.
func (s *Supervisor) intake(ctx context.Context, id platform.ID, ad platform.Adapter) {
	defer s.wg.Done()
	norm, ok := s.cfg.Normalizers[id]
	if !ok {
		norm = canonical.Normalizer{Platform: id}
	}
	logger := s.logger.With().Str("platform", string(id)).Logger()
	ingest := queue.New(s.cfg.KV, queue.Ingest)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, open := <-ad.Events():
			if !open {
				logger.Info().Msg("event stream closed")
				return
			}
			ev, err := norm.Normalize(raw.Message, raw.Kind)
			if err != nil {
				monitoring.EventsDropped.WithLabelValues(string(id), "malformed").Inc()
				logger.Warn().Err(err).Str("kind", string(raw.Kind)).Msg("dropping malformed event")
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Msg("encoding event")
				continue
			}
			if _, err := ingest.Enqueue(ctx, payload); err != nil {
				if errors.Is(err, queue.ErrClosed) {
					logger.Debug().Msg("kv closed, dropping trailing event")
					return
				}
				logger.Error().Err(err).Msg("enqueueing event")
				continue
			}
			monitoring.EventsNormalized.WithLabelValues(string(id), string(ev.Type)).Inc()
		}
	}
}

func (s *Supervisor) watchLifecycle(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.cfg.Bridges.Events():
			s.onLifecycle(ev)
		}
	}
}

func (s *Supervisor) onLifecycle(ev store.Event) {
	switch ev.Kind {
	case store.BridgeCreated:
		if ev.Pair.IsActive {
			s.bindPair(&ev.Pair)
			monitoring.BridgesActive.Inc()
		}
	case store.BridgeToggled:
		if ev.Pair.IsActive {
			if s.bindPair(&ev.Pair) {
				monitoring.BridgesActive.Inc()
			}
		} else {
			if s.unbindPair(ev.Pair.ID) {
				monitoring.BridgesActive.Dec()
			}
		}
	case store.BridgeDeleted:
		if s.unbindPair(ev.Pair.ID) {
			monitoring.BridgesActive.Dec()
		}
	}
}

func pairQueues(pair *store.BridgePair) []string {
	return []string{
		queue.DeliveryName(string(platform.A), pair.AChannelID),
		queue.DeliveryName(string(platform.B), pair.BChannelID),
	}
}

// bindPair takes one reference on each of the pair's two delivery queues,
// starting consumer sets for queues nobody consumes yet. Binding an
// already-bound bridge is a no-op, which makes repeated toggle-on events
// harmless. Reports whether the bridge was newly bound.
func (s *Supervisor) bindPair(pair *store.BridgePair) bool {
	names := pairQueues(pair)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.bound[pair.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.bound[pair.ID] = names

	var started []string
	for _, name := range names {
		if set, ok := s.sets[name]; ok {
			set.refs++
			continue
		}
		w := queue.NewWorker(queue.New(s.cfg.KV, name), s.cfg.Deliver, s.deliveryCfg)
		w.OnOutcome = recordOutcome
		w.Start(s.jobCtx)
		s.sets[name] = &workerSet{worker: w, refs: 1}
		started = append(started, name)
	}
	monitoring.WorkerSetsActive.Set(float64(len(s.sets)))
	s.mu.Unlock()

	for _, name := range started {
		s.logger.Info().Str("queue", name).Str("bridge_id", pair.ID).Msg("delivery workers started")
	}
	return true
}

// unbindPair drops the bridge's references; sets that reach zero stop, and
// their queues keep any backlog for the next bind. Reports whether the
// bridge was actually bound.
func (s *Supervisor) unbindPair(pairID string) bool {
	s.mu.Lock()
	names, ok := s.bound[pairID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.bound, pairID)

	var idle []*workerSet
	var idleNames []string
	for _, name := range names {
		set, ok := s.sets[name]
		if !ok {
			continue
		}
		set.refs--
		if set.refs > 0 {
			continue
		}
		delete(s.sets, name)
		idle = append(idle, set)
		idleNames = append(idleNames, name)
	}
	monitoring.WorkerSetsActive.Set(float64(len(s.sets)))
	s.mu.Unlock()

	for i, set := range idle {
		set.worker.Stop()
		s.logger.Info().Str("queue", idleNames[i]).Str("bridge_id", pairID).Msg("delivery workers stopped")
	}
	return true
}

func recordOutcome(queueName, outcome string) {
	monitoring.JobsProcessed.WithLabelValues(monitoring.QueueClass(queueName), outcome).Inc()
}
