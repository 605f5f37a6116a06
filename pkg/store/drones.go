package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgeworks/foundry/pkg/types"
)

// droneRow is the scan target for the drones table; capabilities and metrics
// are stored as JSON text.
type droneRow struct {
	types.Drone
	CapabilitiesJSON string `db:"capabilities"`
	MetricsJSON      string `db:"metrics"`
}

func (r *droneRow) hydrate() (*types.Drone, error) {
	d := r.Drone
	if r.CapabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(r.CapabilitiesJSON), &d.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if r.MetricsJSON != "" {
		if err := json.Unmarshal([]byte(r.MetricsJSON), &d.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	return &d, nil
}

const droneColumns = `id, name, address, kind, role, status, paused, current_task, version,
	capabilities, metrics, last_seen,
	COALESCE(last_ping_at, '0001-01-01T00:00:00Z') AS last_ping_at,
	COALESCE(last_pong_at, '0001-01-01T00:00:00Z') AS last_pong_at,
	ping_latency_ms, created_at`

// UpsertDrone creates or refreshes a drone on registration/heartbeat. A stale
// row with the same name but a different id (reprovisioned machine) is
// deleted. Returns true when the drone was previously offline or unknown.
func (s *Store) UpsertDrone(d *types.Drone) (cameOnline bool, err error) {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return false, fmt.Errorf("encode capabilities: %w", err)
	}
	metrics, err := json.Marshal(d.Metrics)
	if err != nil {
		return false, fmt.Errorf("encode metrics: %w", err)
	}

	err = s.withTx(func(tx *sqlx.Tx) error {
		var prevStatus string
		scanErr := tx.Get(&prevStatus, `SELECT status FROM drones WHERE id = ?`, d.ID)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			cameOnline = true
		case scanErr != nil:
			return scanErr
		default:
			cameOnline = prevStatus != string(types.DroneStatusOnline)
		}

		if _, err := tx.Exec(`DELETE FROM drones WHERE name = ? AND id != ?`, d.Name, d.ID); err != nil {
			return err
		}

		role := d.Role
		if role == "" {
			role = types.DroneRoleBuilder
		}
		_, err := tx.Exec(`
			INSERT INTO drones (id, name, address, kind, role, status, paused, current_task, version,
				capabilities, metrics, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, 'online', 0, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				address = CASE WHEN excluded.address != '' THEN excluded.address ELSE drones.address END,
				kind = CASE WHEN excluded.kind != 'unknown' THEN excluded.kind ELSE drones.kind END,
				role = excluded.role,
				status = 'online',
				current_task = excluded.current_task,
				version = CASE WHEN excluded.version != '' THEN excluded.version ELSE drones.version END,
				capabilities = excluded.capabilities,
				metrics = excluded.metrics,
				last_seen = excluded.last_seen`,
			d.ID, d.Name, d.Address, string(d.Kind), string(role), d.CurrentTask, d.Version,
			string(caps), string(metrics), now(), now())
		return err
	})
	return cameOnline, err
}

// GetDrone fetches a drone by id.
func (s *Store) GetDrone(id string) (*types.Drone, error) {
	var row droneRow
	err := s.db.Get(&row, `SELECT `+droneColumns+` FROM drones WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drone %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.hydrate()
}

// GetDroneByName fetches a drone by human name.
func (s *Store) GetDroneByName(name string) (*types.Drone, error) {
	var row droneRow
	err := s.db.Get(&row, `SELECT `+droneColumns+` FROM drones WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drone %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.hydrate()
}

// ListDrones returns all drones, or only online ones when all is false.
func (s *Store) ListDrones(all bool) ([]*types.Drone, error) {
	query := `SELECT ` + droneColumns + ` FROM drones ORDER BY name`
	if !all {
		query = `SELECT ` + droneColumns + ` FROM drones WHERE status = 'online' ORDER BY name`
	}
	var rows []droneRow
	if err := s.db.Select(&rows, query); err != nil {
		return nil, err
	}
	drones := make([]*types.Drone, 0, len(rows))
	for i := range rows {
		d, err := rows[i].hydrate()
		if err != nil {
			return nil, err
		}
		drones = append(drones, d)
	}
	return drones, nil
}

// SetDronePaused flips a drone's pause flag by name.
func (s *Store) SetDronePaused(name string, paused bool) error {
	res, err := s.exec(`UPDATE drones SET paused = ? WHERE name = ?`, boolInt(paused), name)
	if err != nil {
		return err
	}
	return requireRows(res, "drone "+name)
}

// SetDroneKind updates the drone kind by name. Affects reboot safety on the
// next self-heal evaluation; in-flight actions run to completion.
func (s *Store) SetDroneKind(name string, kind types.DroneKind) error {
	res, err := s.exec(`UPDATE drones SET kind = ? WHERE name = ?`, string(kind), name)
	if err != nil {
		return err
	}
	return requireRows(res, "drone "+name)
}

// SetDroneCores refreshes the reported core count between registrations.
// Work requests may carry a cores hint; the delegation target follows it.
func (s *Store) SetDroneCores(id string, cores int) error {
	d, err := s.GetDrone(id)
	if err != nil {
		return err
	}
	if d.Capabilities.Cores == cores {
		return nil
	}
	d.Capabilities.Cores = cores
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.exec(`UPDATE drones SET capabilities = ? WHERE id = ?`, string(caps), id)
	return err
}

// SetDroneCurrentTask records what the drone is building right now.
func (s *Store) SetDroneCurrentTask(id, task string) error {
	_, err := s.exec(`UPDATE drones SET current_task = ? WHERE id = ?`, task, id)
	return err
}

// DeleteDrone removes a drone row by name (admin operation).
func (s *Store) DeleteDrone(name string) error {
	res, err := s.exec(`DELETE FROM drones WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireRows(res, "drone "+name)
}

// MarkStaleOffline flips drones whose heartbeat is older than the cutoff to
// offline. Returns the ids that transitioned.
func (s *Store) MarkStaleOffline(cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(func(tx *sqlx.Tx) error {
		if err := tx.Select(&ids,
			`SELECT id FROM drones WHERE status = 'online' AND last_seen < ?`, cutoff); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err := tx.Exec(`UPDATE drones SET status = 'offline' WHERE status = 'online' AND last_seen < ?`, cutoff)
		return err
	})
	return ids, err
}

// RecordPing stores proof-of-life ping timing for a drone.
func (s *Store) RecordPing(id string, sentAt, receivedAt time.Time, latency time.Duration) error {
	_, err := s.exec(`UPDATE drones SET last_ping_at = ?, last_pong_at = ?, ping_latency_ms = ? WHERE id = ?`,
		sentAt, receivedAt, latency.Milliseconds(), id)
	return err
}

// TotalCores sums reported cores across online drones.
func (s *Store) TotalCores() (int, error) {
	drones, err := s.ListDrones(false)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, d := range drones {
		total += d.Capabilities.Cores
	}
	return total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
