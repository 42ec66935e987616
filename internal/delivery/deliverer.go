package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/breaker"
	"github.com/janusbridge/janus/internal/canonical"
	"github.com/janusbridge/janus/internal/kv"
	"github.com/janusbridge/janus/internal/loopfilter"
	"github.com/janusbridge/janus/internal/monitoring"
	"github.com/janusbridge/janus/internal/platform"
	"github.com/janusbridge/janus/internal/queue"
	"github.com/janusbridge/janus/internal/ratelimit"
	"github.com/janusbridge/janus/internal/store"
)

// DefaultEditUpdateTTL keeps edit-workaround trackers around long enough to
// clean up updates for week-old messages.
const DefaultEditUpdateTTL = 7 * 24 * time.Hour

// Config wires a Deliverer's collaborators.
type Config struct {
	Registry *platform.Registry
	Bridges  *store.BridgeStore
	Messages *store.MessageMapStore
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Group
	Filter   *loopfilter.Filter
	KV       *kv.Client
	// EditUpdateTTL bounds edit-workaround tracker keys.
	EditUpdateTTL time.Duration
	// WebBase is the per-platform web origin for jump links.
	WebBase map[platform.ID]string
	Logger  zerolog.Logger
}

// Deliverer processes delivery jobs. One instance serves every delivery
// queue; per-channel isolation comes from the queues, not from here.
type Deliverer struct {
	cfg    Config
	logger zerolog.Logger
}

// New builds a Deliverer.
func New(cfg Config) *Deliverer {
	if cfg.EditUpdateTTL <= 0 {
		cfg.EditUpdateTTL = DefaultEditUpdateTTL
	}
	return &Deliverer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "delivery").Logger(),
	}
}

// Handle is the queue handler: rate gate, pair reload, then dispatch by
// event type. Returning queue.Reschedule defers without burning an attempt;
// returning nil completes the job even when the outcome was a drop.
func (d *Deliverer) Handle(ctx context.Context, qjob *queue.Job) error {
	var job Job
	if err := json.Unmarshal(qjob.Payload, &job); err != nil {
		return fmt.Errorf("decoding delivery job: %w", err)
	}
	logger := d.logger.With().
		Str("bridge_id", job.BridgePairID).
		Str("event_type", string(job.Event.Type)).
		Str("target_platform", string(job.TargetPlatform)).
		Str("target_channel_id", job.TargetChannelID).
		Logger()

	allowed, err := d.cfg.Limiter.Allow(ctx, job.TargetPlatform, job.TargetChannelID)
	if err != nil {
		return err
	}
	if !allowed {
		delay, err := d.cfg.Limiter.Delay(ctx, job.TargetPlatform, job.TargetChannelID)
		if err != nil {
			return err
		}
		logger.Debug().Dur("delay", delay).Msg("channel rate limited, deferring")
		return queue.Reschedule{After: delay}
	}

	// Reload the pair: credentials may have been repaired, the bridge may
	// have been toggled or deleted while the job sat queued.
	pair, err := d.cfg.Bridges.Get(ctx, job.BridgePairID)
	if errors.Is(err, store.ErrNotFound) {
		d.drop(logger, &job, "pair_missing")
		return nil
	}
	if err != nil {
		return err
	}
	if !pair.IsActive {
		d.drop(logger, &job, "pair_inactive")
		return nil
	}

	adapter := d.cfg.Registry.Adapter(job.TargetPlatform)
	if adapter == nil {
		return fmt.Errorf("no adapter for platform %q", job.TargetPlatform)
	}

	switch job.Event.Type {
	case canonical.MessageCreate:
		return d.deliverCreate(ctx, logger, adapter, pair, &job)
	case canonical.MessageUpdate:
		return d.deliverUpdate(ctx, logger, adapter, pair, &job)
	case canonical.MessageDelete:
		return d.deliverDelete(ctx, logger, adapter, pair, &job)
	default:
		logger.Warn().Msg("unknown event type, dropping")
		return nil
	}
}

func (d *Deliverer) drop(logger zerolog.Logger, job *Job, reason string) {
	monitoring.EventsDropped.WithLabelValues(string(job.TargetPlatform), reason).Inc()
	logger.Debug().Str("reason", reason).Msg("delivery dropped")
}

// renderBody flattens the event into the outbound text. Attachment links
// ride along as trailing lines when the bridge syncs uploads.
func renderBody(ev canonical.Event, syncUploads bool) string {
	content := strings.TrimSpace(ev.Content)
	if !syncUploads || len(ev.Attachments) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	for _, att := range ev.Attachments {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", att.Filename, att.URL)
	}
	return b.String()
}

func (d *Deliverer) deliverCreate(ctx context.Context, logger zerolog.Logger, adapter platform.Adapter, pair *store.BridgePair, job *Job) error {
	body := renderBody(job.Event, job.SyncUploads)
	if body == "" {
		d.drop(logger, job, "empty")
		return nil
	}

	// Fingerprint before the call: the gateway echo of this send can land
	// before a post-call registration would.
	if err := d.cfg.Filter.Register(ctx, body, job.Event.Author.Name); err != nil {
		return err
	}

	wh, haveWh := pair.Webhook(job.TargetPlatform)
	var destID string
	err := d.cfg.Breakers.Do(ctx, string(job.TargetPlatform), func(cctx context.Context) error {
		var err error
		if haveWh {
			destID, err = adapter.SendWebhook(cctx, wh, job.TargetChannelID, body,
				job.Event.Author.Name, job.Event.Author.Avatar)
		} else {
			destID, err = adapter.SendMessage(cctx, job.TargetChannelID, body, &platform.SendOptions{
				Name:      job.Event.Author.Name,
				AvatarURL: job.Event.Author.Avatar,
			})
		}
		return err
	})
	if err != nil {
		return d.settleError(ctx, logger, job, err, false)
	}

	variant := VariantCreateWebhook
	if !haveWh {
		variant = VariantCreateFallback
	}

	// A send that came back without an id still succeeded; it just cannot
	// be edited or deleted later.
	if destID != "" {
		err := d.cfg.Messages.Put(ctx, store.MessageMap{
			PairID:         job.BridgePairID,
			SourcePlatform: job.Event.Source.Platform,
			SourceMsgID:    job.Event.Source.MessageID,
			DestPlatform:   job.TargetPlatform,
			DestMsgID:      destID,
		})
		if err != nil {
			return err
		}
	}

	monitoring.Deliveries.WithLabelValues(string(variant)).Inc()
	logger.Info().
		Str("variant", string(variant)).
		Str("dest_msg_id", destID).
		Msg("message bridged")
	return nil
}

func (d *Deliverer) deliverUpdate(ctx context.Context, logger zerolog.Logger, adapter platform.Adapter, pair *store.BridgePair, job *Job) error {
	m, ok, err := d.cfg.Messages.Lookup(ctx, job.BridgePairID,
		job.Event.Source.Platform, job.Event.Source.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		d.drop(logger, job, "unmapped")
		return nil
	}

	content := strings.TrimSpace(job.Event.Content)
	wh, haveWh := pair.Webhook(job.TargetPlatform)

	if job.Variant == VariantUpdateDirect && haveWh {
		if err := d.cfg.Filter.Register(ctx, content, job.Event.Author.Name); err != nil {
			return err
		}
		var edited bool
		err := d.cfg.Breakers.Do(ctx, string(job.TargetPlatform), func(cctx context.Context) error {
			var err error
			edited, err = adapter.EditWebhookMessage(cctx, wh, m.DestMsgID, content)
			return err
		})
		if err != nil {
			return d.settleError(ctx, logger, job, err, true)
		}
		if edited {
			monitoring.Deliveries.WithLabelValues(string(VariantUpdateDirect)).Inc()
			logger.Info().Str("dest_msg_id", m.DestMsgID).Msg("edit bridged in place")
			return nil
		}
		// The platform refused despite the variant (capability drift since
		// dispatch); the workaround below still propagates the edit.
	}

	return d.updateWorkaround(ctx, logger, adapter, pair, job, m)
}

// updateWorkaround propagates an edit to a platform that cannot rewrite
// webhook posts: send a fresh message carrying the new content plus a jump
// link to the original, and keep only the latest such update message.
func (d *Deliverer) updateWorkaround(ctx context.Context, logger zerolog.Logger, adapter platform.Adapter, pair *store.BridgePair, job *Job, m *store.MessageMap) error {
	guild := job.TargetGuildID
	if guild == "" {
		guild = "@me"
	}
	jump := fmt.Sprintf("%s/channels/%s/%s/%s",
		d.webBaseFor(job.TargetPlatform), guild, job.TargetChannelID, m.DestMsgID)
	body := fmt.Sprintf("%s\n-# [Jump to original message](%s)",
		strings.TrimSpace(job.Event.Content), jump)

	if err := d.cfg.Filter.Register(ctx, body, job.Event.Author.Name); err != nil {
		return err
	}

	wh, haveWh := pair.Webhook(job.TargetPlatform)
	var newID string
	err := d.cfg.Breakers.Do(ctx, string(job.TargetPlatform), func(cctx context.Context) error {
		var err error
		if haveWh {
			newID, err = adapter.SendWebhook(cctx, wh, job.TargetChannelID, body,
				job.Event.Author.Name, job.Event.Author.Avatar)
		} else {
			newID, err = adapter.SendMessage(cctx, job.TargetChannelID, body, &platform.SendOptions{
				Name:      job.Event.Author.Name,
				AvatarURL: job.Event.Author.Avatar,
			})
		}
		return err
	})
	if err != nil {
		return d.settleError(ctx, logger, job, err, true)
	}

	// Swap the tracker and clean up the previous update message. The send
	// already happened, so tracker trouble must not fail the job; a leaked
	// update message is the accepted worst case.
	key := d.trackerKey(job)
	prev, err := d.cfg.KV.GetSet(ctx, key, newID, d.cfg.EditUpdateTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("edit-update tracker swap failed")
	} else {
		if prev != "" && prev != newID {
			d.tryDelete(ctx, logger, adapter, pair, job, prev)
		}
		if newID == "" {
			// Nothing to track; an untracked update message cannot be
			// cleaned up later, so drop the key entirely.
			_ = d.cfg.KV.Del(ctx, key)
		}
	}

	monitoring.Deliveries.WithLabelValues(string(VariantUpdateWorkaround)).Inc()
	logger.Info().Str("update_msg_id", newID).Msg("edit bridged via workaround")
	return nil
}

func (d *Deliverer) deliverDelete(ctx context.Context, logger zerolog.Logger, adapter platform.Adapter, pair *store.BridgePair, job *Job) error {
	m, ok, err := d.cfg.Messages.Lookup(ctx, job.BridgePairID,
		job.Event.Source.Platform, job.Event.Source.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		d.drop(logger, job, "unmapped")
		return nil
	}

	wh, haveWh := pair.Webhook(job.TargetPlatform)
	err = d.cfg.Breakers.Do(ctx, string(job.TargetPlatform), func(cctx context.Context) error {
		if haveWh {
			return adapter.DeleteWebhookMessage(cctx, wh, m.DestMsgID)
		}
		return adapter.DeleteMessage(cctx, job.TargetChannelID, m.DestMsgID)
	})
	if err != nil {
		return d.settleError(ctx, logger, job, err, true)
	}

	// Cascade: the latest edit-workaround message for this source message
	// goes too, then the tracker and map row.
	key := d.trackerKey(job)
	if prev, found, err := d.cfg.KV.Get(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("edit-update tracker read failed")
	} else if found {
		if prev != "" {
			d.tryDelete(ctx, logger, adapter, pair, job, prev)
		}
		_ = d.cfg.KV.Del(ctx, key)
	}

	if err := d.cfg.Messages.Delete(ctx, job.BridgePairID,
		job.Event.Source.Platform, job.Event.Source.MessageID); err != nil {
		return err
	}

	monitoring.Deliveries.WithLabelValues(string(VariantDelete)).Inc()
	logger.Info().Str("dest_msg_id", m.DestMsgID).Msg("delete bridged")
	return nil
}

func (d *Deliverer) trackerKey(job *Job) string {
	return d.cfg.KV.Key("edit-update", job.BridgePairID,
		string(job.Event.Source.Platform), job.Event.Source.MessageID)
}

// tryDelete is best-effort cleanup of bridge-authored auxiliary messages.
func (d *Deliverer) tryDelete(ctx context.Context, logger zerolog.Logger, adapter platform.Adapter, pair *store.BridgePair, job *Job, msgID string) {
	wh, haveWh := pair.Webhook(job.TargetPlatform)
	err := d.cfg.Breakers.Do(ctx, string(job.TargetPlatform), func(cctx context.Context) error {
		if haveWh {
			return adapter.DeleteWebhookMessage(cctx, wh, msgID)
		}
		return adapter.DeleteMessage(cctx, job.TargetChannelID, msgID)
	})
	if err != nil {
		logger.Debug().Err(err).Str("msg_id", msgID).Msg("cleanup delete failed")
	}
}

// settleError applies the platform error taxonomy: 429s defer, permanent
// refusals complete the job (clearing the map row so retries of later edits
// cannot loop), everything else retries through the queue.
func (d *Deliverer) settleError(ctx context.Context, logger zerolog.Logger, job *Job, err error, removeMap bool) error {
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			delay, derr := d.cfg.Limiter.Delay(ctx, job.TargetPlatform, job.TargetChannelID)
			if derr != nil {
				return err
			}
			logger.Debug().Dur("delay", delay).Msg("platform rate limit, deferring")
			return queue.Reschedule{After: delay}
		}
		if apiErr.Permanent() {
			if removeMap {
				if derr := d.cfg.Messages.Delete(ctx, job.BridgePairID,
					job.Event.Source.Platform, job.Event.Source.MessageID); derr != nil {
					logger.Error().Err(derr).Msg("removing stale message map row")
				}
			}
			logger.Warn().
				Int("status", apiErr.Status).
				Msg("permanent platform refusal, completing job")
			return nil
		}
	}
	return err
}

func (d *Deliverer) webBaseFor(id platform.ID) string {
	if base := d.cfg.WebBase[id]; base != "" {
		return strings.TrimRight(base, "/")
	}
	return fmt.Sprintf("https://%s.app", id)
}
