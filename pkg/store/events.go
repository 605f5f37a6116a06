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

// InsertEvents persists a batch of events in one transaction. The event bus
// calls this from its write-behind worker.
func (s *Store) InsertEvents(events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(func(tx *sqlx.Tx) error {
		for _, ev := range events {
			if _, err := tx.Exec(
				`INSERT INTO events (kind, message, details, drone_id, package, timestamp)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				string(ev.Kind), ev.Message, ev.Details, ev.DroneID, ev.Package, ev.Timestamp); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEvents returns persisted events with optional filters, newest first.
func (s *Store) ListEvents(limit int, sinceID int64, kind, droneID string) ([]*types.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT * FROM events`
	var conds []string
	var args []any
	if sinceID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, sinceID)
	}
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, kind)
	}
	if droneID != "" {
		conds = append(conds, "drone_id = ?")
		args = append(args, droneID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var events []*types.Event
	err := s.db.Select(&events, query, args...)
	return events, err
}

// PruneEvents deletes events older than the cutoff.
func (s *Store) PruneEvents(cutoff time.Time) (int64, error) {
	res, err := s.exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertProtocolEntries persists a batch of protocol entries; called by the
// protocol log's background writer.
func (s *Store) InsertProtocolEntries(entries []*types.ProtocolEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(func(tx *sqlx.Tx) error {
		for _, e := range entries {
			if _, err := tx.Exec(
				`INSERT INTO protocol_log (timestamp, source_addr, method, path, msg_type, status_code,
					latency_ms, drone_id, package, request, response)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Timestamp, e.SourceAddr, e.Method, e.Path, e.MsgType, e.StatusCode,
				e.LatencyMS, e.DroneID, e.Package, e.Request, e.Response); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListProtocol returns protocol entries with optional filters, newest first.
// Body captures are omitted from listings; fetch the detail row for those.
func (s *Store) ListProtocol(limit int, msgType, droneID string) ([]*types.ProtocolEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, timestamp, source_addr, method, path, msg_type, status_code, latency_ms,
		drone_id, package, '' AS request, '' AS response FROM protocol_log`
	var conds []string
	var args []any
	if msgType != "" {
		conds = append(conds, "msg_type = ?")
		args = append(args, msgType)
	}
	if droneID != "" {
		conds = append(conds, "drone_id = ?")
		args = append(args, droneID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var entries []*types.ProtocolEntry
	err := s.db.Select(&entries, query, args...)
	return entries, err
}

// GetProtocolEntry returns one full entry including captured bodies.
func (s *Store) GetProtocolEntry(id int64) (*types.ProtocolEntry, error) {
	var e types.ProtocolEntry
	err := s.db.Get(&e, `SELECT * FROM protocol_log WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("protocol entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ProtocolStats aggregates entry counts and latency per message type.
type ProtocolStats struct {
	MsgType    string  `db:"msg_type" json:"msg_type"`
	Count      int     `db:"count" json:"count"`
	AvgLatency float64 `db:"avg_latency" json:"avg_latency_ms"`
	Errors     int     `db:"errors" json:"errors"`
}

// ProtocolStatsByType returns aggregate counts grouped by message type.
func (s *Store) ProtocolStatsByType() ([]*ProtocolStats, error) {
	var stats []*ProtocolStats
	err := s.db.Select(&stats, `SELECT msg_type,
		COUNT(*) AS count,
		COALESCE(AVG(latency_ms), 0) AS avg_latency,
		SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END) AS errors
		FROM protocol_log GROUP BY msg_type ORDER BY count DESC`)
	return stats, err
}

// PruneProtocol deletes protocol entries older than the cutoff.
func (s *Store) PruneProtocol(cutoff time.Time) (int64, error) {
	res, err := s.exec(`DELETE FROM protocol_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
