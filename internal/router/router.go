// Package router turns one inbound canonical event into per-bridge delivery
// jobs. It owns the two routing decisions the delivery side never revisits:
// whether the event is the bridge's own echo, and which dispatch variant
// each destination gets.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/canonical"
	"github.com/janusbridge/janus/internal/delivery"
	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/loopfilter"
	"github.com/janusbridge/janus/internal/monitoring"
	"github.com/janusbridge/janus/internal/platform"
	"github.com/janusbridge/janus/internal/queue"
	"github.com/janusbridge/janus/internal/store"
)

// Config wires a Router's collaborators.
type Config struct {
	Bridges  *store.BridgeStore
	Registry *platform.Registry
	Filter   *loopfilter.Filter
	KV       *kv.Client
	Logger   zerolog.Logger
}

// Router is the ingest queue handler.
type Router struct {
	cfg    Config
	logger zerolog.Logger
}

// New builds a Router.
func New(cfg Config) *Router {
	return &Router{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Handle routes one ingest job: suppress echoes, look up the channel's
// active bridges, and enqueue a delivery job per bridge on that target
// channel's own queue. Drops complete the job; only infrastructure errors
// surface to the queue for retry.
func (r *Router) Handle(ctx context.Context, qjob *queue.Job) error {
	var ev canonical.Event
	if err := json.Unmarshal(qjob.Payload, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	logger := r.logger.With().
		Str("event_type", string(ev.Type)).
		Str("source_platform", string(ev.Source.Platform)).
		Str("source_channel_id", ev.Source.ChannelID).
		Str("source_msg_id", ev.Source.MessageID).
		Logger()

	switch ev.Type {
	case canonical.MessageCreate, canonical.MessageUpdate, canonical.MessageDelete:
	default:
		logger.Warn().Msg("unknown event type, dropping")
		return nil
	}

	// Deletes carry no content, so only content-bearing events can match an
	// outbound fingerprint; delete loops break on the missing map row instead.
	if ev.Type == canonical.MessageCreate || ev.Type == canonical.MessageUpdate {
		seen, err := r.cfg.Filter.Seen(ctx, ev.Content, ev.Author.Name)
		if err != nil {
			return err
		}
		if seen {
			monitoring.LoopFilterHits.Inc()
			monitoring.EventsDropped.WithLabelValues(string(ev.Source.Platform), "loop").Inc()
			logger.Debug().Msg("own echo suppressed")
			return nil
		}
	}

	pairs, err := r.cfg.Bridges.FindActiveByChannel(ctx, ev.Source.Platform, ev.Source.ChannelID)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		monitoring.EventsDropped.WithLabelValues(string(ev.Source.Platform), "no_bridge").Inc()
		logger.Debug().Msg("no active bridge for channel")
		return nil
	}

	target := ev.Source.Platform.Opposite()
	for _, pair := range pairs {
		job := delivery.Job{
			Event:           ev,
			Variant:         r.variant(ev.Type, pair, target),
			BridgePairID:    pair.ID,
			TargetPlatform:  target,
			TargetChannelID: pair.ChannelID(target),
			TargetGuildID:   pair.GuildID(target),
			SyncUploads:     pair.SyncUploads,
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encoding delivery job: %w", err)
		}
		name := queue.DeliveryName(string(target), job.TargetChannelID)
		if _, err := queue.New(r.cfg.KV, name).Enqueue(ctx, payload); err != nil {
			return fmt.Errorf("enqueueing to %s: %w", name, err)
		}
		logger.Debug().
			Str("bridge_id", pair.ID).
			Str("queue", name).
			Str("variant", string(job.Variant)).
			Msg("delivery dispatched")
	}
	return nil
}

// variant picks the dispatch path from what the destination side supports
// right now. The delivery worker trusts it except for capability drift on
// direct edits, which it degrades to the workaround itself.
func (r *Router) variant(t canonical.Type, pair *store.BridgePair, target platform.ID) delivery.Variant {
	_, haveWh := pair.Webhook(target)
	switch t {
	case canonical.MessageCreate:
		if haveWh {
			return delivery.VariantCreateWebhook
		}
		return delivery.VariantCreateFallback
	case canonical.MessageUpdate:
		if haveWh && r.webhookEditable(target) {
			return delivery.VariantUpdateDirect
		}
		return delivery.VariantUpdateWorkaround
	default:
		return delivery.VariantDelete
	}
}

func (r *Router) webhookEditable(target platform.ID) bool {
	ad := r.cfg.Registry.Adapter(target)
	return ad != nil && ad.Capabilities().WebhookEdit
}
