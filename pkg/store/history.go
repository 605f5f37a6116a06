package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/forgeworks/foundry/pkg/types"
)

// AppendBuild records a completed attempt outside of a completion
// transaction (used for manual history entries).
func (s *Store) AppendBuild(rec *types.BuildRecord) error {
	_, err := s.exec(
		`INSERT INTO build_history (package, drone_id, status, duration_s, error, session_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Package, rec.DroneID, rec.Status, rec.Duration, rec.Error, rec.SessionID, now())
	return err
}

// ListHistory returns build attempts, newest first, with optional filters.
func (s *Store) ListHistory(limit int, status, droneID string) ([]*types.BuildRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT * FROM build_history`
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
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

	var recs []*types.BuildRecord
	err := s.db.Select(&recs, query, args...)
	return recs, err
}

// DroneStats is the per-drone build rollup for the history endpoint.
type DroneStats struct {
	DroneID     string  `db:"drone_id" json:"drone_id"`
	Builds      int     `db:"builds" json:"builds"`
	Successes   int     `db:"successes" json:"successes"`
	Failures    int     `db:"failures" json:"failures"`
	SuccessRate float64 `db:"-" json:"success_rate"`
	AvgDuration float64 `db:"avg_duration" json:"avg_duration_s"`
}

// BuildStats aggregates history per drone.
func (s *Store) BuildStats() ([]*DroneStats, error) {
	var stats []*DroneStats
	err := s.db.Select(&stats, `SELECT drone_id,
		COUNT(*) AS builds,
		SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS successes,
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failures,
		COALESCE(AVG(CASE WHEN status = 'success' THEN duration_s END), 0) AS avg_duration
		FROM build_history GROUP BY drone_id ORDER BY builds DESC`)
	if err != nil {
		return nil, err
	}
	for _, st := range stats {
		if st.Builds > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Builds)
		}
	}
	return stats, nil
}

// EstimatedDuration predicts a build duration: exact package average, then
// category average, then global average. Zero when there is no history.
func (s *Store) EstimatedDuration(pkg string) (float64, error) {
	pkg = NormalizeAtom(pkg)
	var d sql.NullFloat64

	err := s.db.Get(&d,
		`SELECT AVG(duration_s) FROM build_history WHERE package = ? AND status = 'success'`, pkg)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if d.Valid && d.Float64 > 0 {
		return d.Float64, nil
	}

	if slash := strings.IndexByte(pkg, '/'); slash > 0 {
		category := strings.TrimPrefix(pkg[:slash], "=")
		err = s.db.Get(&d,
			`SELECT AVG(duration_s) FROM build_history WHERE package LIKE ? AND status = 'success'`,
			category+"/%")
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		if d.Valid && d.Float64 > 0 {
			return d.Float64, nil
		}
	}

	err = s.db.Get(&d, `SELECT AVG(duration_s) FROM build_history WHERE status = 'success'`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if d.Valid {
		return d.Float64, nil
	}
	return 0, nil
}

// MetricsSnapshot is one periodic sample for dashboards.
type MetricsSnapshot struct {
	ID           int64     `db:"id" json:"id"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	QueueDepth   int       `db:"queue_depth" json:"queue_depth"`
	DronesOnline int       `db:"drones_online" json:"drones_online"`
	TotalCores   int       `db:"total_cores" json:"total_cores"`
	Delegated    int       `db:"delegated" json:"delegated"`
	Received     int       `db:"received" json:"received"`
}

// AppendMetrics inserts one metrics sample.
func (s *Store) AppendMetrics(m *MetricsSnapshot) error {
	_, err := s.exec(
		`INSERT INTO metrics_log (timestamp, queue_depth, drones_online, total_cores, delegated, received)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		now(), m.QueueDepth, m.DronesOnline, m.TotalCores, m.Delegated, m.Received)
	return err
}

// ListMetrics returns samples since a point in time, oldest first.
func (s *Store) ListMetrics(since time.Time, limit int) ([]*MetricsSnapshot, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var out []*MetricsSnapshot
	err := s.db.Select(&out,
		`SELECT * FROM metrics_log WHERE timestamp > ? ORDER BY id LIMIT ?`, since, limit)
	return out, err
}

// PruneMetrics deletes samples older than the cutoff.
func (s *Store) PruneMetrics(cutoff time.Time) (int64, error) {
	res, err := s.exec(`DELETE FROM metrics_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetConfigValue reads one runtime KV entry; empty string when missing.
func (s *Store) GetConfigValue(key string) (string, error) {
	var val string
	err := s.db.Get(&val, `SELECT value FROM config WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

// SetConfigValue upserts one runtime KV entry.
func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.exec(
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// AllConfigValues returns the whole runtime KV table.
func (s *Store) AllConfigValues() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
