package canonical

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/janusbridge/janus/internal/platform"
)

// animatedPrefix marks animated avatar hashes on both platforms.
const animatedPrefix = "a_"

// ErrMalformed is returned for raw events missing identity fields. Callers
// drop and log such events instead of retrying them.
var ErrMalformed = errors.New("canonical: malformed raw event")

// Normalizer translates one platform's raw payloads into canonical events.
// It is a pure projection: no I/O, no clock.
type Normalizer struct {
	// Platform stamps Source.Platform on every event.
	Platform platform.ID
	// CDNBase builds avatar URLs from bare hashes, e.g.
	// "https://cdn.a.app". Unused when the payload carries a full URL.
	CDNBase string
}

// Normalize maps a raw message to a canonical event of the given kind.
// Delete events only need identity fields; author, content and attachments
// default to empty.
func (n Normalizer) Normalize(raw platform.RawMessage, kind platform.EventKind) (Event, error) {
	if raw.ID == "" || raw.ChannelID == "" {
		return Event{}, fmt.Errorf("%w: missing message or channel id", ErrMalformed)
	}

	ev := Event{
		Source: Source{
			Platform:  n.Platform,
			MessageID: raw.ID,
			ChannelID: raw.ChannelID,
			GuildID:   raw.GuildID,
		},
		Timestamp: parseTimestamp(raw.Timestamp),
	}

	switch kind {
	case platform.KindMessageCreate:
		ev.Type = MessageCreate
	case platform.KindMessageUpdate:
		ev.Type = MessageUpdate
	case platform.KindMessageDelete:
		ev.Type = MessageDelete
		// Identity is all a delete carries.
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown event kind %q", ErrMalformed, kind)
	}

	ev.Content = raw.Content
	ev.Author = Author{
		Name:   raw.Author.Name,
		Avatar: n.avatarURL(raw.Author),
	}
	if len(raw.Attachments) > 0 {
		ev.Attachments = make([]Attachment, len(raw.Attachments))
		for i, a := range raw.Attachments {
			ev.Attachments[i] = Attachment{
				URL:         a.URL,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				Size:        a.Size,
			}
		}
	}
	return ev, nil
}

// avatarURL resolves the author's avatar. Full URLs pass through, bare
// hashes become CDN URLs (animated hashes get the animated extension), and
// no avatar stays empty.
func (n Normalizer) avatarURL(author platform.RawAuthor) string {
	av := author.Avatar
	if av == "" {
		return ""
	}
	if strings.HasPrefix(av, "http://") || strings.HasPrefix(av, "https://") {
		return av
	}
	ext := "png"
	if strings.HasPrefix(av, animatedPrefix) {
		ext = "gif"
	}
	return fmt.Sprintf("%s/avatars/%s/%s.%s", strings.TrimSuffix(n.CDNBase, "/"), author.ID, av, ext)
}

// parseTimestamp accepts RFC 3339 (with or without sub-second precision) or
// decimal epoch milliseconds. Unparseable or empty values yield zero rather
// than an error; timestamps are display metadata, not identity.
func parseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	return 0
}
