package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgeworks/foundry/pkg/types"
)

// NormalizeAtom prefixes versioned package atoms with '=' so the drone-side
// package manager resolves them exactly.
func NormalizeAtom(atom string) string {
	atom = strings.TrimSpace(atom)
	if atom == "" || strings.HasPrefix(atom, "=") || strings.HasPrefix(atom, "<") || strings.HasPrefix(atom, ">") {
		return atom
	}
	// category/name-1.2.3 carries a version; bare category/name does not.
	slash := strings.IndexByte(atom, '/')
	if slash < 0 {
		return atom
	}
	name := atom[slash+1:]
	for i := 0; i < len(name)-1; i++ {
		if name[i] == '-' && name[i+1] >= '0' && name[i+1] <= '9' {
			return "=" + atom
		}
	}
	return atom
}

// Enqueue inserts packages as needed items for a session, skipping packages
// that already have an active (non-terminal) row. Returns how many were
// actually queued.
func (s *Store) Enqueue(packages []string, sessionID string) (int, error) {
	queued := 0
	err := s.withTx(func(tx *sqlx.Tx) error {
		for _, raw := range packages {
			pkg := NormalizeAtom(raw)
			if pkg == "" {
				continue
			}
			var active int
			if err := tx.Get(&active,
				`SELECT COUNT(*) FROM queue WHERE package = ? AND status IN ('needed','delegated','blocked')`, pkg); err != nil {
				return err
			}
			if active > 0 {
				continue
			}
			if _, err := tx.Exec(
				`INSERT INTO queue (package, status, session_id, created_at) VALUES (?, 'needed', ?, ?)`,
				pkg, sessionID, now()); err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	return queued, err
}

// GetQueueItem returns the most recent queue row for a package.
func (s *Store) GetQueueItem(pkg string) (*types.QueueItem, error) {
	var item types.QueueItem
	err := s.db.Get(&item, `SELECT * FROM queue WHERE package = ? ORDER BY id DESC LIMIT 1`, pkg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", pkg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListQueue returns queue items, optionally filtered by status, ordered for
// operator display: delegated, needed, blocked, failed, received.
func (s *Store) ListQueue(status types.WorkStatus) ([]*types.QueueItem, error) {
	query := `SELECT * FROM queue ORDER BY CASE status
		WHEN 'delegated' THEN 0 WHEN 'needed' THEN 1 WHEN 'blocked' THEN 2
		WHEN 'failed' THEN 3 ELSE 4 END, id`
	args := []any{}
	if status != "" {
		query = `SELECT * FROM queue WHERE status = ? ORDER BY id`
		args = append(args, string(status))
	}
	var items []*types.QueueItem
	if err := s.db.Select(&items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

// QueueCounts returns the number of items per status.
func (s *Store) QueueCounts() (map[types.WorkStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[types.WorkStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[types.WorkStatus(st)] = n
	}
	return counts, rows.Err()
}

// Candidates returns up to limit needed items in FIFO order.
func (s *Store) Candidates(limit int) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.db.Select(&items,
		`SELECT * FROM queue WHERE status = 'needed' ORDER BY id LIMIT ?`, limit)
	return items, err
}

// BlockedCandidates returns blocked items for sweeper drones, oldest first.
func (s *Store) BlockedCandidates(limit int) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.db.Select(&items,
		`SELECT * FROM queue WHERE status = 'blocked' ORDER BY id LIMIT ?`, limit)
	return items, err
}

// Assign transitions one needed item to delegated for a drone. The WHERE
// clause on status makes concurrent assignment of the same package impossible.
func (s *Store) Assign(pkg, droneID string) (bool, error) {
	res, err := s.exec(
		`UPDATE queue SET status = 'delegated', assigned_to = ?, assigned_at = ?, building_since = NULL
		 WHERE package = ? AND status = 'needed'`, droneID, now(), pkg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AssignBlocked lets a sweeper pick up a blocked item.
func (s *Store) AssignBlocked(pkg, droneID string) (bool, error) {
	res, err := s.exec(
		`UPDATE queue SET status = 'delegated', assigned_to = ?, assigned_at = ?, building_since = NULL
		 WHERE package = ? AND status = 'blocked'`, droneID, now(), pkg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkBuilding records that the assignee started compiling the package.
// Rebalancing never steals an item that is building.
func (s *Store) MarkBuilding(droneID, pkg string) error {
	_, err := s.exec(
		`UPDATE queue SET building_since = ? WHERE package = ? AND assigned_to = ? AND status = 'delegated'`,
		now(), pkg, droneID)
	return err
}

// Delegated returns the delegated items held by a drone, newest first.
func (s *Store) Delegated(droneID string) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.db.Select(&items,
		`SELECT * FROM queue WHERE status = 'delegated' AND assigned_to = ? ORDER BY id DESC`, droneID)
	return items, err
}

// CountDelegated counts delegated items held by a drone.
func (s *Store) CountDelegated(droneID string) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM queue WHERE status = 'delegated' AND assigned_to = ?`, droneID)
	return n, err
}

// CompleteSuccess processes a success report inside one transaction. A report
// from the current assignee moves the item to received. A report for an item
// that was reclaimed back to needed is still accepted as free work. Anything
// else is stale or already terminal.
func (s *Store) CompleteSuccess(droneID, pkg string, duration float64, sessionHint string) (types.CompletionResult, error) {
	result := types.CompletionResult{Outcome: types.CompletionStale}
	err := s.withTx(func(tx *sqlx.Tx) error {
		item, err := lockItem(tx, pkg)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Reason = "unknown package"
				return nil
			}
			return err
		}

		accept := false
		switch {
		case item.Status == types.WorkDelegated && item.AssignedTo == droneID:
			accept = true
		case item.Status == types.WorkNeeded || item.Status == types.WorkBlocked:
			// Reclaimed or blocked while the drone kept building; the
			// artifact exists, so take the free work.
			accept = true
		case item.Status.Terminal():
			result.Outcome = types.CompletionAlreadyTerminal
			result.Reason = string(item.Status)
			result.Item = item
			return nil
		default:
			result.Reason = fmt.Sprintf("assigned to %s", item.AssignedTo)
			return nil
		}
		if !accept {
			return nil
		}

		if _, err := tx.Exec(
			`UPDATE queue SET status = 'received', completed_at = ?, assigned_to = ?, last_error = '' WHERE id = ?`,
			now(), droneID, item.ID); err != nil {
			return err
		}
		sessionID := item.SessionID
		if sessionID == "" {
			sessionID = sessionHint
		}
		if err := appendHistory(tx, pkg, droneID, "success", duration, "", sessionID); err != nil {
			return err
		}
		item.Status = types.WorkReceived
		result = types.CompletionResult{Outcome: types.CompletionAccepted, Item: item}
		return nil
	})
	return result, err
}

// CompleteFailed processes a failure report. The item reverts to needed, or
// becomes blocked when its failure count reaches maxFailures or when at least
// two distinct drones failed it inside the window. Stale reports (reporter is
// not the assignee) are discarded without recording a failure.
func (s *Store) CompleteFailed(droneID, pkg, errDetail string, duration float64, maxFailures int, window time.Duration) (types.CompletionResult, bool, error) {
	result := types.CompletionResult{Outcome: types.CompletionStale}
	blocked := false
	err := s.withTx(func(tx *sqlx.Tx) error {
		item, err := lockItem(tx, pkg)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Reason = "unknown package"
				return nil
			}
			return err
		}
		if item.Status.Terminal() {
			result.Outcome = types.CompletionAlreadyTerminal
			result.Reason = string(item.Status)
			return nil
		}
		if item.Status != types.WorkDelegated || item.AssignedTo != droneID {
			result.Reason = fmt.Sprintf("status %s, assigned to %s", item.Status, item.AssignedTo)
			return nil
		}

		if err := appendHistory(tx, pkg, droneID, "failed", duration, errDetail, item.SessionID); err != nil {
			return err
		}

		failures := item.FailureCount + 1
		newStatus := types.WorkNeeded
		if failures >= maxFailures {
			newStatus = types.WorkBlocked
		} else {
			var distinct int
			if err := tx.Get(&distinct,
				`SELECT COUNT(DISTINCT drone_id) FROM build_history
				 WHERE package = ? AND status = 'failed' AND timestamp > ?`,
				pkg, now().Add(-window)); err != nil {
				return err
			}
			if distinct >= 2 {
				newStatus = types.WorkBlocked
			}
		}

		if _, err := tx.Exec(
			`UPDATE queue SET status = ?, assigned_to = '', assigned_at = NULL, building_since = NULL,
				failure_count = ?, last_error = ? WHERE id = ?`,
			string(newStatus), failures, errDetail, item.ID); err != nil {
			return err
		}

		item.Status = newStatus
		item.FailureCount = failures
		blocked = newStatus == types.WorkBlocked
		result = types.CompletionResult{Outcome: types.CompletionAccepted, Item: item}
		return nil
	})
	return result, blocked, err
}

// CompleteReturned hands an item back without recording a failure.
func (s *Store) CompleteReturned(droneID, pkg string) (types.CompletionResult, error) {
	result := types.CompletionResult{Outcome: types.CompletionStale}
	err := s.withTx(func(tx *sqlx.Tx) error {
		item, err := lockItem(tx, pkg)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Reason = "unknown package"
				return nil
			}
			return err
		}
		if item.Status.Terminal() {
			result.Outcome = types.CompletionAlreadyTerminal
			return nil
		}
		if item.Status != types.WorkDelegated || item.AssignedTo != droneID {
			result.Reason = fmt.Sprintf("status %s, assigned to %s", item.Status, item.AssignedTo)
			return nil
		}
		if _, err := tx.Exec(
			`UPDATE queue SET status = 'needed', assigned_to = '', assigned_at = NULL, building_since = NULL WHERE id = ?`,
			item.ID); err != nil {
			return err
		}
		item.Status = types.WorkNeeded
		result = types.CompletionResult{Outcome: types.CompletionAccepted, Item: item}
		return nil
	})
	return result, err
}

// HasDroneFailed reports whether the drone has a failed attempt for this
// package inside the window; such packages are never offered to it again.
func (s *Store) HasDroneFailed(droneID, pkg string, window time.Duration) (bool, error) {
	var n int
	err := s.db.Get(&n,
		`SELECT COUNT(*) FROM build_history
		 WHERE drone_id = ? AND package = ? AND status = 'failed' AND timestamp > ?`,
		droneID, pkg, now().Add(-window))
	return n > 0, err
}

// DistinctFailingDrones counts distinct drones that failed a package inside
// the window.
func (s *Store) DistinctFailingDrones(pkg string, window time.Duration) (int, error) {
	var n int
	err := s.db.Get(&n,
		`SELECT COUNT(DISTINCT drone_id) FROM build_history
		 WHERE package = ? AND status = 'failed' AND timestamp > ?`,
		pkg, now().Add(-window))
	return n, err
}

// ReclaimFromDrone returns every delegated item held by the drone to needed.
func (s *Store) ReclaimFromDrone(droneID string) (int, error) {
	res, err := s.exec(
		`UPDATE queue SET status = 'needed', assigned_to = '', assigned_at = NULL, building_since = NULL
		 WHERE status = 'delegated' AND assigned_to = ?`, droneID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReclaimOffline returns delegated items whose assignee's heartbeat is older
// than the cutoff. Items held by online drones are left alone regardless of
// how long they have been delegated.
func (s *Store) ReclaimOffline(heartbeatCutoff time.Time) ([]string, error) {
	var pkgs []string
	err := s.withTx(func(tx *sqlx.Tx) error {
		if err := tx.Select(&pkgs, `
			SELECT q.package FROM queue q
			JOIN drones d ON d.id = q.assigned_to
			WHERE q.status = 'delegated' AND d.last_seen < ?`, heartbeatCutoff); err != nil {
			return err
		}
		if len(pkgs) == 0 {
			return nil
		}
		_, err := tx.Exec(`
			UPDATE queue SET status = 'needed', assigned_to = '', assigned_at = NULL, building_since = NULL
			WHERE status = 'delegated' AND assigned_to IN (SELECT id FROM drones WHERE last_seen < ?)`,
			heartbeatCutoff)
		return err
	})
	return pkgs, err
}

// ReclaimExpiredLeases returns delegated items whose lease expired while the
// assignee is also heartbeat-stale; a fresh heartbeat always defeats the
// lease timer.
func (s *Store) ReclaimExpiredLeases(leaseCutoff, heartbeatCutoff time.Time) ([]string, error) {
	var pkgs []string
	err := s.withTx(func(tx *sqlx.Tx) error {
		if err := tx.Select(&pkgs, `
			SELECT q.package FROM queue q
			JOIN drones d ON d.id = q.assigned_to
			WHERE q.status = 'delegated' AND q.assigned_at < ? AND d.last_seen < ?`,
			leaseCutoff, heartbeatCutoff); err != nil {
			return err
		}
		for _, pkg := range pkgs {
			if _, err := tx.Exec(
				`UPDATE queue SET status = 'needed', assigned_to = '', assigned_at = NULL, building_since = NULL
				 WHERE package = ? AND status = 'delegated'`, pkg); err != nil {
				return err
			}
		}
		return nil
	})
	return pkgs, err
}

// Steal reassigns one queued (not yet building) item from the donor to the
// thief, provided the donor retains at least one delegated item. Returns the
// stolen package, or empty when nothing was stealable.
func (s *Store) Steal(donorID, thiefID string) (string, error) {
	var stolen string
	err := s.withTx(func(tx *sqlx.Tx) error {
		var count int
		if err := tx.Get(&count,
			`SELECT COUNT(*) FROM queue WHERE status = 'delegated' AND assigned_to = ?`, donorID); err != nil {
			return err
		}
		if count < 2 {
			return nil
		}
		var pkg string
		err := tx.Get(&pkg, `
			SELECT package FROM queue
			WHERE status = 'delegated' AND assigned_to = ? AND building_since IS NULL
			  AND package NOT IN (SELECT current_task FROM drones WHERE id = ?)
			ORDER BY id DESC LIMIT 1`, donorID, donorID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE queue SET assigned_to = ?, assigned_at = ? WHERE package = ? AND status = 'delegated'`,
			thiefID, now(), pkg); err != nil {
			return err
		}
		stolen = pkg
		return nil
	})
	return stolen, err
}

// Unblock moves blocked items back to needed. Empty pkg unblocks all.
func (s *Store) Unblock(pkg string) (int, error) {
	query := `UPDATE queue SET status = 'needed', failure_count = 0, last_error = '' WHERE status = 'blocked'`
	args := []any{}
	if pkg != "" {
		query += ` AND package = ?`
		args = append(args, NormalizeAtom(pkg))
	}
	res, err := s.exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Block force-blocks a package.
func (s *Store) Block(pkg string) error {
	res, err := s.exec(
		`UPDATE queue SET status = 'blocked', assigned_to = '', assigned_at = NULL WHERE package = ? AND status IN ('needed','delegated','failed')`,
		NormalizeAtom(pkg))
	if err != nil {
		return err
	}
	return requireRows(res, "package "+pkg)
}

// RetryFailed moves failed items back to needed.
func (s *Store) RetryFailed() (int, error) {
	res, err := s.exec(`UPDATE queue SET status = 'needed', assigned_to = '', last_error = '' WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearFailureCounts zeroes failure counters on non-terminal items.
func (s *Store) ClearFailureCounts() error {
	_, err := s.exec(`UPDATE queue SET failure_count = 0 WHERE status IN ('needed','delegated','blocked')`)
	return err
}

// AgeBlocked unblocks items whose most recent failure is older than the
// window, giving them another chance.
func (s *Store) AgeBlocked(window time.Duration) (int, error) {
	res, err := s.exec(`
		UPDATE queue SET status = 'needed', last_error = '' WHERE status = 'blocked' AND package NOT IN (
			SELECT package FROM build_history WHERE status = 'failed' AND timestamp > ?
		)`, now().Add(-window))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetSession wipes queue rows for a session (admin reset).
func (s *Store) ResetSession(sessionID string) error {
	_, err := s.exec(`DELETE FROM queue WHERE session_id = ?`, sessionID)
	return err
}

func lockItem(tx *sqlx.Tx, pkg string) (*types.QueueItem, error) {
	var item types.QueueItem
	err := tx.Get(&item, `SELECT * FROM queue WHERE package = ? ORDER BY id DESC LIMIT 1`, NormalizeAtom(pkg))
	if errors.Is(err, sql.ErrNoRows) {
		// Retry with the raw atom; callers may pass unnormalized names.
		err = tx.Get(&item, `SELECT * FROM queue WHERE package = ? ORDER BY id DESC LIMIT 1`, pkg)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func appendHistory(tx *sqlx.Tx, pkg, droneID, status string, duration float64, errDetail, sessionID string) error {
	_, err := tx.Exec(
		`INSERT INTO build_history (package, drone_id, status, duration_s, error, session_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pkg, droneID, status, duration, errDetail, sessionID, now())
	return err
}
