package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgeworks/foundry/pkg/types"
)

// GetHealth fetches (creating if absent) the health record for a drone.
func (s *Store) GetHealth(droneID string) (*types.HealthRecord, error) {
	var rec types.HealthRecord
	err := s.db.Get(&rec, `SELECT * FROM drone_health WHERE drone_id = ?`, droneID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.exec(
			`INSERT INTO drone_health (drone_id) VALUES (?) ON CONFLICT(drone_id) DO NOTHING`, droneID); err != nil {
			return nil, err
		}
		return &types.HealthRecord{DroneID: droneID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListHealth returns all health records.
func (s *Store) ListHealth() ([]*types.HealthRecord, error) {
	var recs []*types.HealthRecord
	err := s.db.Select(&recs, `SELECT * FROM drone_health ORDER BY drone_id`)
	return recs, err
}

// RecordBuildFailure increments the failure counter and returns the new count.
func (s *Store) RecordBuildFailure(droneID string) (int, error) {
	var failures int
	err := s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO drone_health (drone_id, failures, last_failure) VALUES (?, 1, ?)
			 ON CONFLICT(drone_id) DO UPDATE SET failures = failures + 1, last_failure = excluded.last_failure`,
			droneID, now()); err != nil {
			return err
		}
		return tx.Get(&failures, `SELECT failures FROM drone_health WHERE drone_id = ?`, droneID)
	})
	return failures, err
}

// RecordBuildSuccess resets the failure streak after a successful build.
func (s *Store) RecordBuildSuccess(droneID string) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, failures) VALUES (?, 0)
		 ON CONFLICT(drone_id) DO UPDATE SET failures = 0, last_failure = NULL`, droneID)
	return err
}

// Ground sets the grounded-until cooldown for a drone.
func (s *Store) Ground(droneID string, until time.Time) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, grounded_until) VALUES (?, ?)
		 ON CONFLICT(drone_id) DO UPDATE SET grounded_until = excluded.grounded_until`,
		droneID, until)
	return err
}

// Unground clears grounding and the failure streak. Empty id ungrounds all.
func (s *Store) Unground(droneID string) (int, error) {
	query := `UPDATE drone_health SET grounded_until = NULL, failures = 0`
	args := []any{}
	if droneID != "" {
		query += ` WHERE drone_id = ?`
		args = append(args, droneID)
	} else {
		query += ` WHERE grounded_until IS NOT NULL`
	}
	res, err := s.exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecordUploadFailure bumps the separate upload-failure counter.
func (s *Store) RecordUploadFailure(droneID string) (int, error) {
	var failures int
	err := s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO drone_health (drone_id, upload_failures, last_upload_failure) VALUES (?, 1, ?)
			 ON CONFLICT(drone_id) DO UPDATE SET upload_failures = upload_failures + 1, last_upload_failure = excluded.last_upload_failure`,
			droneID, now()); err != nil {
			return err
		}
		return tx.Get(&failures, `SELECT upload_failures FROM drone_health WHERE drone_id = ?`, droneID)
	})
	return failures, err
}

// ResetUploadFailures clears the upload-failure counter.
func (s *Store) ResetUploadFailures(droneID string) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, upload_failures) VALUES (?, 0)
		 ON CONFLICT(drone_id) DO UPDATE SET upload_failures = 0, last_upload_failure = NULL`, droneID)
	return err
}

// SetProbeResult stores the latest probe outcome for a drone.
func (s *Store) SetProbeResult(droneID, result string, at time.Time) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, last_probe_result, last_probe_at) VALUES (?, ?, ?)
		 ON CONFLICT(drone_id) DO UPDATE SET last_probe_result = excluded.last_probe_result, last_probe_at = excluded.last_probe_at`,
		droneID, result, at)
	return err
}

// SetEscalation records a step on the escalation ladder.
func (s *Store) SetEscalation(droneID string, level, attempts int) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, escalation_level, last_escalation_at, escalation_attempts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(drone_id) DO UPDATE SET escalation_level = excluded.escalation_level,
			last_escalation_at = excluded.last_escalation_at, escalation_attempts = excluded.escalation_attempts`,
		droneID, level, now(), attempts)
	return err
}

// ResetEscalation drops a drone back to level 0.
func (s *Store) ResetEscalation(droneID string) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, escalation_level, escalation_attempts) VALUES (?, 0, 0)
		 ON CONFLICT(drone_id) DO UPDATE SET escalation_level = 0, escalation_attempts = 0, last_escalation_at = NULL`,
		droneID)
	return err
}

// MarkRebooted flags that the self-healer rebooted this drone.
func (s *Store) MarkRebooted(droneID string, rebooted bool) error {
	_, err := s.exec(
		`INSERT INTO drone_health (drone_id, rebooted) VALUES (?, ?)
		 ON CONFLICT(drone_id) DO UPDATE SET rebooted = excluded.rebooted`, droneID, boolInt(rebooted))
	return err
}
