// Package loopfilter suppresses the bridge's own messages when the
// destination platform echoes them back through its gateway. Without it the
// two platforms would relay each other forever.
package loopfilter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/janusbridge/janus/internal/kv"
)

// DefaultTTL bounds how long an outbound fingerprint suppresses matching
// inbound events. Echoes arrive within a couple of seconds; anything later
// is treated as a human genuinely reposting.
const DefaultTTL = 10 * time.Second

// Hash fingerprints a message as SHA-256(content|author|minute). The minute
// bucket collapses identical content from the same author inside one
// wall-clock minute and tolerates small clock skew between both platforms.
func Hash(content, author string, at time.Time) string {
	bucket := at.UnixMilli() / 60_000
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", content, author, bucket))
	return hex.EncodeToString(sum[:])
}

// Filter is the KV-backed fingerprint registry. It is advisory: rare false
// positives (two humans typing the same short text in the same minute) and
// false negatives (an echo arriving after the TTL) are accepted.
type Filter struct {
	kv  *kv.Client
	ttl time.Duration
	now func() time.Time
}

// New builds a filter over the shared KV. A non-positive ttl falls back to
// DefaultTTL.
func New(kvc *kv.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{kv: kvc, ttl: ttl, now: time.Now}
}

// Register records an outbound message immediately around its delivery so
// the echo the platform sends back is recognized.
func (f *Filter) Register(ctx context.Context, content, author string) error {
	key := f.kv.Key("hash", Hash(content, author, f.now()))
	if _, err := f.kv.SetNX(ctx, key, "1", f.ttl); err != nil {
		return fmt.Errorf("registering loop hash: %w", err)
	}
	return nil
}

// Seen reports whether an inbound event matches a recently sent message and
// should be dropped before routing.
func (f *Filter) Seen(ctx context.Context, content, author string) (bool, error) {
	key := f.kv.Key("hash", Hash(content, author, f.now()))
	hit, err := f.kv.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking loop hash: %w", err)
	}
	return hit, nil
}
