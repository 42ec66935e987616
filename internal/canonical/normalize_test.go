package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusbridge/janus/internal/platform"
)

func TestNormalizeCreate(t *testing.T) {
	n := Normalizer{Platform: platform.A, CDNBase: "https://cdn.a.app"}

	raw := platform.RawMessage{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "hello",
		Author:    platform.RawAuthor{ID: "u1", Name: "alice", Avatar: "deadbeef"},
		Attachments: []platform.RawAttachment{
			{URL: "https://files.a.app/x.png", Filename: "x.png", ContentType: "image/png", Size: 42},
		},
		Timestamp: "2024-05-01T10:30:00.000Z",
	}

	ev, err := n.Normalize(raw, platform.KindMessageCreate)
	require.NoError(t, err)

	assert.Equal(t, MessageCreate, ev.Type)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, "alice", ev.Author.Name)
	assert.Equal(t, "https://cdn.a.app/avatars/u1/deadbeef.png", ev.Author.Avatar)
	assert.Equal(t, platform.A, ev.Source.Platform)
	assert.Equal(t, "m1", ev.Source.MessageID)
	assert.Equal(t, "c1", ev.Source.ChannelID)
	assert.Equal(t, "g1", ev.Source.GuildID)
	require.Len(t, ev.Attachments, 1)
	assert.Equal(t, "x.png", ev.Attachments[0].Filename)
	assert.Equal(t, int64(42), ev.Attachments[0].Size)
	assert.Equal(t, int64(1714559400000), ev.Timestamp)
}

func TestNormalizeAvatarVariants(t *testing.T) {
	n := Normalizer{Platform: platform.B, CDNBase: "https://cdn.b.app/"}

	tests := []struct {
		name   string
		author platform.RawAuthor
		want   string
	}{
		{
			name:   "static hash",
			author: platform.RawAuthor{ID: "u1", Name: "bob", Avatar: "abc123"},
			want:   "https://cdn.b.app/avatars/u1/abc123.png",
		},
		{
			name:   "animated hash",
			author: platform.RawAuthor{ID: "u1", Name: "bob", Avatar: "a_abc123"},
			want:   "https://cdn.b.app/avatars/u1/a_abc123.gif",
		},
		{
			name:   "full url passes through",
			author: platform.RawAuthor{ID: "u1", Name: "bob", Avatar: "https://elsewhere.example/pic.jpg"},
			want:   "https://elsewhere.example/pic.jpg",
		},
		{
			name:   "no avatar",
			author: platform.RawAuthor{ID: "u1", Name: "bob"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := platform.RawMessage{ID: "m", ChannelID: "c", Author: tt.author}
			ev, err := n.Normalize(raw, platform.KindMessageCreate)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Author.Avatar)
		})
	}
}

func TestNormalizeTimestamps(t *testing.T) {
	n := Normalizer{Platform: platform.A}

	tests := []struct {
		in   string
		want int64
	}{
		{"2024-05-01T10:30:00Z", 1714559400000},
		{"2024-05-01T10:30:00.500+00:00", 1714559400500},
		{"1714559400000", 1714559400000},
		{"", 0},
		{"not a time", 0},
	}
	for _, tt := range tests {
		raw := platform.RawMessage{ID: "m", ChannelID: "c", Timestamp: tt.in}
		ev, err := n.Normalize(raw, platform.KindMessageCreate)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ev.Timestamp, "timestamp %q", tt.in)
	}
}

func TestNormalizeDeleteMinimalRaw(t *testing.T) {
	n := Normalizer{Platform: platform.B}

	ev, err := n.Normalize(platform.RawMessage{ID: "m9", ChannelID: "c9", GuildID: "g9"}, platform.KindMessageDelete)
	require.NoError(t, err)

	assert.Equal(t, MessageDelete, ev.Type)
	assert.Empty(t, ev.Content)
	assert.Empty(t, ev.Author.Name)
	assert.Empty(t, ev.Attachments)
	assert.Equal(t, "m9", ev.Source.MessageID)
}

func TestNormalizeMalformed(t *testing.T) {
	n := Normalizer{Platform: platform.A}

	_, err := n.Normalize(platform.RawMessage{ChannelID: "c"}, platform.KindMessageCreate)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = n.Normalize(platform.RawMessage{ID: "m"}, platform.KindMessageCreate)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = n.Normalize(platform.RawMessage{ID: "m", ChannelID: "c"}, platform.EventKind("bogus"))
	assert.ErrorIs(t, err, ErrMalformed)
}

// Normalization is a pure projection: running it twice over the same raw
// payload yields identical events.
func TestNormalizeIsPure(t *testing.T) {
	n := Normalizer{Platform: platform.A, CDNBase: "https://cdn.a.app"}
	raw := platform.RawMessage{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "same again",
		Author:    platform.RawAuthor{ID: "u2", Name: "carol", Avatar: "a_ff00"},
		Timestamp: "2024-05-01T10:30:00Z",
	}

	first, err := n.Normalize(raw, platform.KindMessageUpdate)
	require.NoError(t, err)
	second, err := n.Normalize(raw, platform.KindMessageUpdate)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
