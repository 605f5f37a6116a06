package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/forgeworks/foundry/pkg/types"
)

// CreateSession inserts a new active session.
func (s *Store) CreateSession(sess *types.Session) error {
	_, err := s.exec(
		`INSERT INTO sessions (id, name, status, total, completed, failed, created_at)
		 VALUES (?, ?, 'active', ?, 0, 0, ?)`,
		sess.ID, sess.Name, sess.Total, now())
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.Get(&sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []*types.Session
	err := s.db.Select(&sessions, `SELECT * FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	return sessions, err
}

// ActiveSession returns the most recent active session, or nil.
func (s *Store) ActiveSession() (*types.Session, error) {
	var sess types.Session
	err := s.db.Get(&sess, `SELECT * FROM sessions WHERE status = 'active' ORDER BY created_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// RollupSession recomputes a session's totals from its queue rows and closes
// it when no needed or delegated items remain and at least one item finished.
// Returns true when the session transitioned to completed.
func (s *Store) RollupSession(sessionID string) (closed bool, err error) {
	if sessionID == "" {
		return false, nil
	}
	err = s.withTx(func(tx *sqlx.Tx) error {
		var counts struct {
			Total     int `db:"total"`
			Received  int `db:"received"`
			Blocked   int `db:"blocked"`
			Failed    int `db:"failed"`
			Pending   int `db:"pending"`
			Delegated int `db:"delegated"`
		}
		if err := tx.Get(&counts, `SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'received' THEN 1 ELSE 0 END) AS received,
			SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END) AS blocked,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN status = 'needed' THEN 1 ELSE 0 END) AS pending,
			SUM(CASE WHEN status = 'delegated' THEN 1 ELSE 0 END) AS delegated
			FROM queue WHERE session_id = ?`, sessionID); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`UPDATE sessions SET total = ?, completed = ?, failed = ? WHERE id = ?`,
			counts.Total, counts.Received, counts.Failed+counts.Blocked, sessionID); err != nil {
			return err
		}

		done := counts.Pending == 0 && counts.Delegated == 0 &&
			(counts.Received > 0 || counts.Blocked > 0 || counts.Failed > 0)
		if !done {
			return nil
		}
		res, err := tx.Exec(
			`UPDATE sessions SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'active'`,
			now(), sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		closed = n > 0
		return err
	})
	return closed, err
}

// AbortSession marks a session aborted (admin reset).
func (s *Store) AbortSession(sessionID string) error {
	res, err := s.exec(
		`UPDATE sessions SET status = 'aborted', completed_at = ? WHERE id = ? AND status = 'active'`,
		now(), sessionID)
	if err != nil {
		return err
	}
	return requireRows(res, "session "+sessionID)
}
