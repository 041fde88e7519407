package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/internal/store/storetest"
	"github.com/nextlevelbuilder/inboundq/migrations"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "inboundq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBufferStore(t *testing.T) {
	storetest.RunBufferStoreTests(t, func(t *testing.T) store.BufferStore {
		return NewBufferStore(openTestDB(t))
	})
}

func TestJobQueue(t *testing.T) {
	storetest.RunJobQueueTests(t, func(t *testing.T, cfg store.QueueConfig, now func() time.Time) (store.JobQueue, store.JobAdmin) {
		q := NewJobQueue(openTestDB(t), cfg, WithClock(now))
		return q, q
	})
}

func TestBufferSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := t.Context()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, NewBufferStore(db).Append(ctx, "c1", bus.BufferedMessage{Text: "hi", EnqueuedAt: time.Now()}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewBufferStore(db).Drain(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Text)
	require.Nil(t, got[0].Metadata)
}

func TestListKeys(t *testing.T) {
	s := NewBufferStore(openTestDB(t))
	ctx := t.Context()
	for _, k := range []string{"b", "a", "b"} {
		require.NoError(t, s.Append(ctx, k, bus.BufferedMessage{Text: k}))
	}
	keys, err := s.ListKeys(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestUndecodableDrain(t *testing.T) {
	db := openTestDB(t)
	storetest.RunUndecodableDrainTests(t, NewBufferStore(db), func(t *testing.T, key string) {
		_, err := db.Exec(
			`INSERT INTO buffered_messages (conversation_key, text, metadata, enqueued_at) VALUES (?, 'x', '{not json', 0)`, key)
		require.NoError(t, err)
	})
}

func TestOpenRecordsSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	var (
		version int
		dirty   bool
	)
	require.NoError(t, db.QueryRow(`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	latest, err := migrations.Latest(migrations.SQLite)
	require.NoError(t, err)
	require.EqualValues(t, latest, version)
	require.False(t, dirty)
}
