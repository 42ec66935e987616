// Package canonical defines the platform-agnostic message event the pipeline
// routes, plus the normalizers that produce it from raw platform payloads.
package canonical

import (
	"github.com/janusbridge/janus/internal/platform"
)

// Type is the canonical event type.
type Type string

const (
	MessageCreate Type = "MSG_CREATE"
	MessageUpdate Type = "MSG_UPDATE"
	MessageDelete Type = "MSG_DELETE"
)

// Author is the display identity carried to the destination platform.
type Author struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Source identifies the originating message.
type Source struct {
	Platform  platform.ID `json:"platform"`
	MessageID string      `json:"message_id"`
	ChannelID string      `json:"channel_id"`
	GuildID   string      `json:"guild_id,omitempty"`
}

// Attachment is forwarded metadata; bytes are never transferred.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// Event is the unit of work on the ingest queue. It is a pure projection of
// the raw platform payload: normalizing an event twice yields the same
// value.
type Event struct {
	Type        Type         `json:"type"`
	Content     string       `json:"content"`
	Author      Author       `json:"author"`
	Source      Source       `json:"source"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Timestamp is epoch milliseconds; zero when the platform sent none.
	Timestamp int64 `json:"timestamp"`
}
