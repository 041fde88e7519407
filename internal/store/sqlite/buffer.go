package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// BufferStore keeps one row per buffered message. Drain is a single
// DELETE ... RETURNING, so concurrent drains never share a row.
type BufferStore struct {
	db *sqlx.DB
}

func NewBufferStore(db *sqlx.DB) *BufferStore {
	return &BufferStore{db: db}
}

type messageRow struct {
	Seq             int64  `db:"seq"`
	ConversationKey string `db:"conversation_key"`
	AgentID         string `db:"agent_id"`
	Text            string `db:"text"`
	Metadata        string `db:"metadata"`
	EnqueuedAt      int64  `db:"enqueued_at"`
}

func (s *BufferStore) Append(ctx context.Context, key string, msg bus.BufferedMessage) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO buffered_messages (conversation_key, agent_id, text, metadata, enqueued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, msg.AgentID, msg.Text, string(meta), toUnix(msg.EnqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append %s: %w", key, err)
	}
	return nil
}

func (s *BufferStore) Drain(ctx context.Context, key string) ([]bus.BufferedMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`DELETE FROM buffered_messages WHERE conversation_key = ?
		 RETURNING seq, conversation_key, agent_id, text, metadata, enqueued_at`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: drain %s: %w", key, err)
	}
	return decodeRows(rows)
}

func (s *BufferStore) Size(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM buffered_messages WHERE conversation_key = ?`, key); err != nil {
		return 0, fmt.Errorf("sqlite: size %s: %w", key, err)
	}
	return n, nil
}

// ListKeys returns up to limit keys with buffered messages.
func (s *BufferStore) ListKeys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT DISTINCT conversation_key FROM buffered_messages ORDER BY conversation_key LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list keys: %w", err)
	}
	return keys, nil
}

// Close is a no-op; the *sqlx.DB is owned by whoever opened it.
func (s *BufferStore) Close() error { return nil }

func decodeRows(rows []messageRow) ([]bus.BufferedMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	// RETURNING gives no ordering guarantee.
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	out := make([]bus.BufferedMessage, 0, len(rows))
	var errs []error
	for _, r := range rows {
		var meta map[string]string
		if r.Metadata != "" && r.Metadata != "null" {
			if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
				errs = append(errs, fmt.Errorf("sqlite: seq %d: %w: %w", r.Seq, store.ErrUndecodableMessage, err))
				continue
			}
		}
		out = append(out, bus.BufferedMessage{
			ConversationKey: r.ConversationKey,
			AgentID:         r.AgentID,
			Text:            r.Text,
			Metadata:        meta,
			EnqueuedAt:      fromUnix(r.EnqueuedAt),
		})
	}
	if len(out) == 0 {
		out = nil
	}
	return out, errors.Join(errs...)
}
