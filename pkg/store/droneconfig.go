package store

import (
	"database/sql"
	"errors"

	"github.com/forgeworks/foundry/pkg/types"
)

// GetDroneConfig fetches admin-owned config for a drone name. A missing row
// yields defaults (root over port 22) rather than an error, matching how SSH
// consumers fall back.
func (s *Store) GetDroneConfig(name string) (*types.DroneConfig, error) {
	var dc types.DroneConfig
	err := s.db.Get(&dc, `SELECT * FROM drone_config WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.DroneConfig{Name: name, SSHUser: "root", SSHPort: 22}, nil
	}
	if err != nil {
		return nil, err
	}
	if dc.SSHUser == "" {
		dc.SSHUser = "root"
	}
	if dc.SSHPort == 0 {
		dc.SSHPort = 22
	}
	return &dc, nil
}

// ListDroneConfigs returns all admin-owned drone configs.
func (s *Store) ListDroneConfigs() ([]*types.DroneConfig, error) {
	var configs []*types.DroneConfig
	err := s.db.Select(&configs, `SELECT * FROM drone_config ORDER BY name`)
	return configs, err
}

// UpsertDroneConfig inserts or replaces a drone config row.
func (s *Store) UpsertDroneConfig(dc *types.DroneConfig) error {
	_, err := s.exec(
		`INSERT INTO drone_config (name, ssh_user, ssh_port, ssh_key_path, ssh_password, core_limit, jobs,
			mem_cap_mb, auto_reboot, protected, max_failures, binhost_target, display_name, control_tag, locked, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			ssh_user = excluded.ssh_user, ssh_port = excluded.ssh_port,
			ssh_key_path = excluded.ssh_key_path,
			ssh_password = CASE WHEN excluded.ssh_password != '' THEN excluded.ssh_password ELSE drone_config.ssh_password END,
			core_limit = excluded.core_limit, jobs = excluded.jobs, mem_cap_mb = excluded.mem_cap_mb,
			auto_reboot = excluded.auto_reboot, protected = excluded.protected,
			max_failures = excluded.max_failures, binhost_target = excluded.binhost_target,
			display_name = excluded.display_name, control_tag = excluded.control_tag,
			locked = excluded.locked, notes = excluded.notes`,
		dc.Name, dc.SSHUser, dc.SSHPort, dc.SSHKeyPath, dc.SSHPassword, dc.CoreLimit, dc.Jobs,
		dc.MemCapMB, boolInt(dc.AutoReboot), boolInt(dc.Protected), dc.MaxFailures,
		dc.BinhostTarget, dc.DisplayName, dc.ControlTag, boolInt(dc.Locked), dc.Notes)
	return err
}

// DeleteDroneConfig removes a drone config row.
func (s *Store) DeleteDroneConfig(name string) error {
	res, err := s.exec(`DELETE FROM drone_config WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireRows(res, "drone config "+name)
}

// SetDroneLock flips the lock flag, which blocks payload deployments.
func (s *Store) SetDroneLock(name string, locked bool) error {
	_, err := s.exec(
		`INSERT INTO drone_config (name, locked) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET locked = excluded.locked`, name, boolInt(locked))
	return err
}
