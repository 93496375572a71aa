package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/models"
	"courier/internal/session"
)

// SQLStore persists one JSON document per user in the sessions table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore migrates the schema and returns the store.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := Migrate(db, driver); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, driver: strings.ToLower(driver)}, nil
}

func (s *SQLStore) upsertSQL() string {
	if s.driver == "mysql" {
		return `INSERT INTO sessions (user_id, payload, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO sessions (user_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
}

// LoadAll decodes every stored session. Rows that fail to decode come back
// as nil entries with a joined CorruptionError.
func (s *SQLStore) LoadAll(ctx context.Context) (map[string]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, payload FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Session)
	var corrupt []error
	for rows.Next() {
		var userID, payload string
		if err := rows.Scan(&userID, &payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(userID, payload)
		if err != nil {
			corrupt = append(corrupt, err)
		}
		out[userID] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, errors.Join(corrupt...)
}

// SaveAll replaces the table content with sessions.
func (s *SQLStore) SaveAll(ctx context.Context, sessions map[string]*models.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("truncate sessions: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.upsertSQL())
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for userID, sess := range sessions {
		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", userID, err)
		}
		if _, err := stmt.ExecContext(ctx, userID, string(payload), time.Now().UTC()); err != nil {
			return fmt.Errorf("save session %s: %w", userID, err)
		}
	}
	return tx.Commit()
}

// SaveSession upserts a single session.
func (s *SQLStore) SaveSession(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.UserID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsertSQL(), sess.UserID, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("save session %s: %w", sess.UserID, err)
	}
	return nil
}

func decodeSession(userID, payload string) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, &session.CorruptionError{UserID: userID, Err: err}
	}
	if sess.UserID != "" && sess.UserID != userID {
		return nil, &session.CorruptionError{UserID: userID, Err: fmt.Errorf("payload belongs to %q", sess.UserID)}
	}
	sess.UserID = userID
	return &sess, nil
}
