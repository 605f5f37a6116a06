package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgeworks/foundry/pkg/types"
)

// ErrDuplicateVersion is returned when registering an already known
// (kind, version) pair with different content.
var ErrDuplicateVersion = errors.New("payload version already registered")

// RegisterPayload inserts a payload version. Re-registering identical bytes
// (same hash) returns the existing row; a different hash for the same
// (kind, version) is a conflict.
func (s *Store) RegisterPayload(pv *types.PayloadVersion) (*types.PayloadVersion, error) {
	existing, err := s.GetPayload(pv.Kind, pv.Version)
	if err == nil {
		if existing.Hash == pv.Hash {
			return existing, nil
		}
		return nil, fmt.Errorf("%s %s: %w", pv.Kind, pv.Version, ErrDuplicateVersion)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := s.exec(
		`INSERT INTO payload_versions (kind, version, hash, size, inline_data, blob_path, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(pv.Kind), pv.Version, pv.Hash, pv.Size, pv.Inline, pv.BlobPath, pv.Notes, now())
	if err != nil {
		return nil, err
	}
	pv.ID, _ = res.LastInsertId()
	pv.CreatedAt = now()
	return pv, nil
}

// GetPayload fetches one payload version.
func (s *Store) GetPayload(kind types.PayloadKind, version string) (*types.PayloadVersion, error) {
	var pv types.PayloadVersion
	err := s.db.Get(&pv, `SELECT * FROM payload_versions WHERE kind = ? AND version = ?`, string(kind), version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payload %s %s: %w", kind, version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

// ListPayloadVersions lists versions of one kind, newest first. Empty kind
// lists everything.
func (s *Store) ListPayloadVersions(kind types.PayloadKind) ([]*types.PayloadVersion, error) {
	query := `SELECT id, kind, version, hash, size, NULL AS inline_data, blob_path, notes, created_at
		FROM payload_versions ORDER BY id DESC`
	args := []any{}
	if kind != "" {
		query = `SELECT id, kind, version, hash, size, NULL AS inline_data, blob_path, notes, created_at
			FROM payload_versions WHERE kind = ? ORDER BY id DESC`
		args = append(args, string(kind))
	}
	var versions []*types.PayloadVersion
	err := s.db.Select(&versions, query, args...)
	return versions, err
}

// LatestPayload returns the most recently registered version of a kind.
func (s *Store) LatestPayload(kind types.PayloadKind) (*types.PayloadVersion, error) {
	var pv types.PayloadVersion
	err := s.db.Get(&pv,
		`SELECT * FROM payload_versions WHERE kind = ? ORDER BY id DESC LIMIT 1`, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payload %s: %w", kind, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

// SetDronePayload upserts the deployment state of one kind on one drone.
func (s *Store) SetDronePayload(dp *types.DronePayload) error {
	_, err := s.exec(
		`INSERT INTO drone_payloads (drone_id, kind, version, hash, status, deployed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(drone_id, kind) DO UPDATE SET
			version = excluded.version, hash = excluded.hash, status = excluded.status,
			deployed_at = excluded.deployed_at, updated_at = excluded.updated_at`,
		dp.DroneID, string(dp.Kind), dp.Version, dp.Hash, string(dp.Status), dp.DeployedAt, now())
	return err
}

// GetDronePayload fetches deployment state for one drone and kind.
func (s *Store) GetDronePayload(droneID string, kind types.PayloadKind) (*types.DronePayload, error) {
	var dp types.DronePayload
	err := s.db.Get(&dp,
		`SELECT * FROM drone_payloads WHERE drone_id = ? AND kind = ?`, droneID, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drone payload %s/%s: %w", droneID, kind, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &dp, nil
}

// ListDronePayloads returns all per-drone deployment states.
func (s *Store) ListDronePayloads() ([]*types.DronePayload, error) {
	var dps []*types.DronePayload
	err := s.db.Select(&dps, `SELECT * FROM drone_payloads ORDER BY drone_id, kind`)
	return dps, err
}

// AppendDeployRecord writes one deployment attempt to the append-only log.
func (s *Store) AppendDeployRecord(rec *types.DeployRecord) error {
	_, err := s.exec(
		`INSERT INTO deploy_log (kind, version, drone_id, action, status, duration_s, error, deployed_by, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.Version, rec.DroneID, rec.Action, rec.Status,
		rec.Duration, rec.Error, rec.By, now())
	return err
}

// ListDeployRecords returns deployment attempts, newest first.
func (s *Store) ListDeployRecords(limit int) ([]*types.DeployRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []*types.DeployRecord
	err := s.db.Select(&recs, `SELECT * FROM deploy_log ORDER BY id DESC LIMIT ?`, limit)
	return recs, err
}
