package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentvisor/internal/history"
)

func TestSQLiteSink_FileDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: now, Record: history.Record{Name: "collector", PID: 100}},
		{Type: history.EventRestart, OccurredAt: now.Add(time.Second), Record: history.Record{Name: "collector", PID: 101, Restarts: 1}},
		{Type: history.EventDisabled, OccurredAt: now.Add(2 * time.Second), Record: history.Record{Name: "collector", Restarts: 5, Message: "restart limit reached"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	rows, err := sink.db.QueryContext(ctx, `SELECT event, pid, restarts, message FROM worker_events WHERE name = ? ORDER BY occurred_at`, "collector")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var got []string
	var lastMsg sql.NullString
	var lastRestarts int
	for rows.Next() {
		var evt string
		var pid int
		require.NoError(t, rows.Scan(&evt, &pid, &lastRestarts, &lastMsg))
		got = append(got, evt)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"start", "restart", "disabled"}, got)
	assert.Equal(t, 5, lastRestarts)
	assert.Equal(t, "restart limit reached", lastMsg.String)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now(),
		Record:     history.Record{Name: "dogstatsd", PID: 7},
	}))

	var n int
	require.NoError(t, sink.db.QueryRow(`SELECT COUNT(*) FROM worker_events`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
	_, err = New("sqlite://")
	assert.Error(t, err)
}

func TestSQLiteSink_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "twice.db")
	s1, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
