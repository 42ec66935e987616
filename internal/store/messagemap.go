package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/janusbridge/janus/internal/platform"
)

// MessageMap records where a bridged message landed: the (pair, source)
// triple is written once after a successful create delivery and consulted by
// every later edit or delete of that source message. No row means the create
// never bridged, so edits and deletes for it drop silently.
type MessageMap struct {
	PairID         string
	SourcePlatform platform.ID
	SourceMsgID    string
	DestPlatform   platform.ID
	DestMsgID      string
	CreatedAt      time.Time
}

// MessageMapStore is keyed CRUD over message map rows. Delivery workers own
// the rows they create.
type MessageMapStore struct {
	db *sql.DB
}

// NewMessageMapStore builds a store over db.
func NewMessageMapStore(db *sql.DB) *MessageMapStore {
	return &MessageMapStore{db: db}
}

// Put upserts a row. Replace semantics keep redelivered create jobs
// idempotent under the queue's at-least-once contract.
func (s *MessageMapStore) Put(ctx context.Context, m MessageMap) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO message_map
			(pair_id, source_platform, source_msg_id, dest_platform, dest_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.PairID, string(m.SourcePlatform), m.SourceMsgID,
		string(m.DestPlatform), m.DestMsgID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing message map: %w", err)
	}
	return nil
}

// Lookup returns the row for the source message, or ok=false when the
// original create never bridged.
func (s *MessageMapStore) Lookup(ctx context.Context, pairID string, src platform.ID, srcMsgID string) (*MessageMap, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair_id, source_platform, source_msg_id, dest_platform, dest_msg_id, created_at
		FROM message_map
		WHERE pair_id = ? AND source_platform = ? AND source_msg_id = ?`,
		pairID, string(src), srcMsgID,
	)
	var m MessageMap
	err := row.Scan(&m.PairID, &m.SourcePlatform, &m.SourceMsgID,
		&m.DestPlatform, &m.DestMsgID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up message map: %w", err)
	}
	return &m, true, nil
}

// Delete removes the row; deleting an absent row is not an error.
func (s *MessageMapStore) Delete(ctx context.Context, pairID string, src platform.ID, srcMsgID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM message_map
		WHERE pair_id = ? AND source_platform = ? AND source_msg_id = ?`,
		pairID, string(src), srcMsgID,
	)
	if err != nil {
		return fmt.Errorf("deleting message map: %w", err)
	}
	return nil
}
