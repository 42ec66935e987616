// Package delivery executes routed jobs against the destination platform:
// webhook-impersonated creates with native fallback, in-place or workaround
// edits, and delete cascades, all gated by the per-channel rate limiter and
// the platform circuit breaker.
package delivery

import (
	"github.com/janusbridge/janus/internal/canonical"
	"github.com/janusbridge/janus/internal/platform"
)

// Variant names the concrete dispatch path a job will take. The router picks
// it at fan-out time from the event type and what the destination supports,
// so a delivery worker never re-derives routing decisions.
type Variant string

const (
	VariantCreateWebhook    Variant = "create-webhook"
	VariantCreateFallback   Variant = "create-fallback"
	VariantUpdateDirect     Variant = "update-direct"
	VariantUpdateWorkaround Variant = "update-workaround"
	VariantDelete           Variant = "delete"
)

// Job is the delivery queue payload: one canonical event aimed at one side
// of one bridge. It deliberately carries no webhook credentials; the worker
// reloads the pair before sending, both to pick up repairs that happened
// while the job sat queued and to keep tokens out of the KV.
type Job struct {
	Event           canonical.Event `json:"event"`
	Variant         Variant         `json:"variant"`
	BridgePairID    string          `json:"bridge_pair_id"`
	TargetPlatform  platform.ID     `json:"target_platform"`
	TargetChannelID string          `json:"target_channel_id"`
	TargetGuildID   string          `json:"target_guild_id,omitempty"`
	SyncUploads     bool            `json:"sync_uploads"`
}
