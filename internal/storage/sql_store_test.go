package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/models"
	"courier/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "sqlite3"
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "courier.db")
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleSession(userID string) *models.Session {
	sess := models.NewSession(userID, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	sess.History = append(sess.History,
		models.Turn{Role: models.RoleUser, Content: "fix the login bug", RequestID: "r1"},
		models.Turn{Role: models.RoleAssistant, Content: "done", RequestID: "r1"},
	)
	sess.Proposal = &models.Proposal{Text: "plan", SourceRequestID: "r0"}
	return sess
}

func TestSQLStoreSaveSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, sampleSession("u1")))
	updated := sampleSession("u1")
	updated.History = updated.History[:1]
	require.NoError(t, store.SaveSession(ctx, updated))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Contains(t, loaded, "u1")
	assert.Len(t, loaded["u1"].History, 1)
	assert.Equal(t, "plan", loaded["u1"].Proposal.Text)
}

func TestSQLStoreSaveAllReplaces(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, sampleSession("stale")))
	require.NoError(t, store.SaveAll(ctx, map[string]*models.Session{
		"a": sampleSession("a"),
		"b": sampleSession("b"),
	}))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.NotContains(t, loaded, "stale")
}

func TestSQLStoreReportsCorruptRows(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, sampleSession("ok")))
	_, err = db.Exec(`INSERT INTO sessions (user_id, payload, updated_at) VALUES (?, ?, ?)`, "broken", "{not json", time.Now())
	require.NoError(t, err)

	loaded, err := store.LoadAll(ctx)
	require.Error(t, err)
	var corrupt *session.CorruptionError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "broken", corrupt.UserID)
	assert.Nil(t, loaded["broken"])
	assert.NotNil(t, loaded["ok"])
}

func TestSessionStoreRestartsFromSQL(t *testing.T) {
	db := openTestDB(t)
	backend, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)

	first := session.NewStore(backend)
	first.AppendTurn("u1", models.Turn{Role: models.RoleUser, Content: "hello"})
	first.SetPendingProposal("u1", &models.Proposal{Text: "plan", SourceRequestID: "r1"})

	second := session.NewStore(backend)
	second.Load(context.Background())
	stats := second.Stats("u1")
	assert.Equal(t, 1, stats.TurnCount)
	assert.True(t, stats.ProposalPending)
}

func TestMigrateRejectsUnknownDriver(t *testing.T) {
	db := openTestDB(t)
	require.Error(t, Migrate(db, "postgres"))
}
