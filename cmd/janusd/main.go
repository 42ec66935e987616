// Command janusd runs the bi-directional channel bridge: platform adapters,
// the normalize/route/deliver pipeline, and the operator HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/janusbridge/janus/internal/admin"
	"github.com/janusbridge/janus/internal/breaker"
	"github.com/janusbridge/janus/internal/canonical"
	"github.com/janusbridge/janus/internal/config"
	"github.com/janusbridge/janus/internal/delivery"
	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/logging"
	"github.com/janusbridge/janus/internal/loopfilter"
	"github.com/janusbridge/janus/internal/monitoring"
	"github.com/janusbridge/janus/internal/platform"
	"github.com/janusbridge/janus/internal/platform/restgw"
	"github.com/janusbridge/janus/internal/queue"
	"github.com/janusbridge/janus/internal/ratelimit"
	"github.com/janusbridge/janus/internal/router"
	"github.com/janusbridge/janus/internal/store"
	"github.com/janusbridge/janus/internal/supervisor"
)

// captureWindow bounds the wait for a gateway echo when a webhook send
// returns no synchronous message id.
const captureWindow = 5 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx := context.Background()

	// Backing stores must be reachable before any worker starts.
	kvc, err := kv.Open(cfg.KVURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening kv store")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = kvc.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("kv store unreachable")
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Str("database", cfg.DatabaseURL).Msg("opening database")
	}
	if err := store.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("migrating database")
	}

	adapters := make(map[platform.ID]*restgw.Adapter, 2)
	for _, id := range []platform.ID{platform.A, platform.B} {
		side := cfg.Side(id)
		adapters[id] = restgw.New(restgw.Options{
			Platform:      id,
			Token:         side.Token,
			APIBase:       side.APIBase,
			GatewayURL:    side.GatewayURL,
			WebhookEdit:   side.WebhookEdit,
			CaptureWindow: captureWindow,
			Logger:        logger,
		})
	}
	registry := platform.NewRegistry(adapters[platform.A], adapters[platform.B])

	breakers := breaker.NewGroup(breaker.Config{
		ResetTimeout: cfg.CBResetTimeout(),
		MinRequests:  uint32(cfg.CBFailureThreshold),
		OnStateChange: func(name string, _, to gobreaker.State) {
			monitoring.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger,
	})

	bridges := store.NewBridgeStore(db, registry, breakers, logger)
	messages := store.NewMessageMapStore(db)

	filter := loopfilter.New(kvc, cfg.LoopHashTTL())
	limiter := ratelimit.New(kvc, cfg.RateLimitPerChannel, cfg.RateLimitWindow())

	rt := router.New(router.Config{
		Bridges:  bridges,
		Registry: registry,
		Filter:   filter,
		KV:       kvc,
		Logger:   logger,
	})
	del := delivery.New(delivery.Config{
		Registry:      registry,
		Bridges:       bridges,
		Messages:      messages,
		Limiter:       limiter,
		Breakers:      breakers,
		Filter:        filter,
		KV:            kvc,
		EditUpdateTTL: cfg.EditUpdateTTL(),
		WebBase: map[platform.ID]string{
			platform.A: cfg.Side(platform.A).WebBase,
			platform.B: cfg.Side(platform.B).WebBase,
		},
		Logger: logger,
	})
	sup := supervisor.New(supervisor.Config{
		Bridges:     bridges,
		Registry:    registry,
		KV:          kvc,
		Normalizers: map[platform.ID]canonical.Normalizer{
			platform.A: {Platform: platform.A, CDNBase: cfg.ACDNBase},
			platform.B: {Platform: platform.B, CDNBase: cfg.BCDNBase},
		},
		Route:          rt.Handle,
		Deliver:        del.Handle,
		IngestWorker:   queue.WorkerConfig{Concurrency: cfg.IngestConcurrency, Logger: logger},
		DeliveryWorker: queue.WorkerConfig{Concurrency: cfg.DeliveryConcurrency, Logger: logger},
		Logger:         logger,
	})

	for id, ad := range adapters {
		if err := ad.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Str("platform", string(id)).Msg("connecting adapter")
		}
	}

	if err := sup.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("starting pipeline")
	}

	adm := admin.New(admin.Config{
		Addr:     cfg.AdminAddr,
		Bridges:  bridges,
		KV:       kvc,
		Pipeline: sup,
		Logger:   logger,
	})
	if err := adm.Start(); err != nil {
		logger.Fatal().Err(err).Msg("starting admin server")
	}

	logger.Info().Msg("janus bridge running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Dur("grace", cfg.ShutdownGrace()).Msg("shutting down")

	graceCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace())
	defer cancel()

	if err := adm.Shutdown(graceCtx); err != nil {
		logger.Warn().Err(err).Msg("admin shutdown")
	}

	// Stop drains in-flight jobs; give up when the grace period runs out.
	drained := make(chan struct{})
	go func() {
		sup.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-graceCtx.Done():
		logger.Warn().Msg("grace period expired before pipeline drained")
	}

	for id, ad := range adapters {
		if err := ad.Disconnect(); err != nil {
			logger.Warn().Err(err).Str("platform", string(id)).Msg("disconnecting adapter")
		}
	}
	if err := db.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing database")
	}
	if err := kvc.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing kv store")
	}
	logger.Info().Msg("shutdown complete")
}
