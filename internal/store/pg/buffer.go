package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

// PGBufferStore keeps one row per buffered message in buffered_messages.
// Drain is a single DELETE ... RETURNING: under READ COMMITTED a concurrent
// drain blocks on the same rows and then skips them as already deleted.
type PGBufferStore struct {
	db *sql.DB
}

func NewPGBufferStore(db *sql.DB) *PGBufferStore {
	return &PGBufferStore{db: db}
}

func (s *PGBufferStore) Append(ctx context.Context, key string, msg bus.BufferedMessage) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("pg: encode metadata: %w", err)
	}
	enqueuedAt := msg.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO buffered_messages (conversation_key, agent_id, text, metadata, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key, msg.AgentID, msg.Text, meta, enqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("pg: append %s: %w", key, err)
	}
	return nil
}

func (s *PGBufferStore) Drain(ctx context.Context, key string) ([]bus.BufferedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM buffered_messages WHERE conversation_key = $1
		 RETURNING seq, agent_id, text, metadata, enqueued_at`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: drain %s: %w", key, err)
	}
	defer rows.Close()

	type seqMsg struct {
		seq int64
		msg bus.BufferedMessage
	}
	var (
		drained []seqMsg
		errs    []error
	)
	for rows.Next() {
		var (
			sm   seqMsg
			meta []byte
		)
		if err := rows.Scan(&sm.seq, &sm.msg.AgentID, &sm.msg.Text, &meta, &sm.msg.EnqueuedAt); err != nil {
			errs = append(errs, fmt.Errorf("pg: drain %s: %w: %w", key, store.ErrUndecodableMessage, err))
			continue
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sm.msg.Metadata); err != nil {
				errs = append(errs, fmt.Errorf("pg: seq %d: %w: %w", sm.seq, store.ErrUndecodableMessage, err))
				continue
			}
		}
		sm.msg.ConversationKey = key
		drained = append(drained, sm)
	}
	if err := rows.Err(); err != nil {
		// The DELETE is rolled back, so nothing was lost.
		return nil, fmt.Errorf("pg: drain %s: %w", key, err)
	}
	if len(drained) == 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(drained, func(i, j int) bool { return drained[i].seq < drained[j].seq })
	out := make([]bus.BufferedMessage, len(drained))
	for i, sm := range drained {
		out[i] = sm.msg
	}
	return out, errors.Join(errs...)
}

func (s *PGBufferStore) Size(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffered_messages WHERE conversation_key = $1`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pg: size %s: %w", key, err)
	}
	return n, nil
}

// ListKeys returns up to limit keys with buffered messages.
func (s *PGBufferStore) ListKeys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT conversation_key FROM buffered_messages ORDER BY conversation_key LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: list keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close is a no-op; the *sql.DB is shared with the job queue.
func (s *PGBufferStore) Close() error { return nil }
