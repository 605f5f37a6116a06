package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/forgeworks/foundry/pkg/types"
)

// ErrActiveExists is returned when a release transition would leave two
// active releases.
var ErrActiveExists = errors.New("another release is active")

// InsertRelease creates a staging release row.
func (s *Store) InsertRelease(r *types.Release) error {
	_, err := s.exec(
		`INSERT INTO releases (version, name, status, package_count, size_bytes, path, created_at, notes)
		 VALUES (?, ?, 'staging', ?, ?, ?, ?, ?)`,
		r.Version, r.Name, r.PackageCount, r.SizeBytes, r.Path, now(), r.Notes)
	return err
}

// GetRelease fetches a release by version.
func (s *Store) GetRelease(version string) (*types.Release, error) {
	var r types.Release
	err := s.db.Get(&r, `SELECT * FROM releases WHERE version = ?`, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("release %s: %w", version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReleases returns releases, newest first. Deleted rows are retained but
// omitted unless includeDeleted is set.
func (s *Store) ListReleases(includeDeleted bool) ([]*types.Release, error) {
	query := `SELECT * FROM releases WHERE status != 'deleted' ORDER BY created_at DESC`
	if includeDeleted {
		query = `SELECT * FROM releases ORDER BY created_at DESC`
	}
	var releases []*types.Release
	err := s.db.Select(&releases, query)
	return releases, err
}

// ActiveRelease returns the single active release, or nil.
func (s *Store) ActiveRelease() (*types.Release, error) {
	var r types.Release
	err := s.db.Get(&r, `SELECT * FROM releases WHERE status = 'active' LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PromoteRelease atomically archives the current active release (if any) and
// activates the named one. Promoting the already-active release is a no-op.
func (s *Store) PromoteRelease(version string) (*types.Release, error) {
	var promoted *types.Release
	err := s.withTx(func(tx *sqlx.Tx) error {
		var r types.Release
		if err := tx.Get(&r, `SELECT * FROM releases WHERE version = ?`, version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("release %s: %w", version, ErrNotFound)
			}
			return err
		}
		if r.Status == types.ReleaseActive {
			promoted = &r
			return nil
		}
		if r.Status == types.ReleaseDeleted {
			return fmt.Errorf("release %s is deleted", version)
		}
		if _, err := tx.Exec(`UPDATE releases SET status = 'archived' WHERE status = 'active'`); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE releases SET status = 'active', promoted_at = ? WHERE version = ?`, now(), version); err != nil {
			return err
		}
		return tx.Get(&r, `SELECT * FROM releases WHERE version = ?`, version)
	})
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return s.GetRelease(version)
	}
	return promoted, nil
}

// SetReleaseStatus updates a release's lifecycle state.
func (s *Store) SetReleaseStatus(version string, status types.ReleaseStatus) error {
	res, err := s.exec(`UPDATE releases SET status = ? WHERE version = ?`, string(status), version)
	if err != nil {
		return err
	}
	return requireRows(res, "release "+version)
}

// LastArchivedRelease returns the most recently promoted archived release,
// used by rollback.
func (s *Store) LastArchivedRelease() (*types.Release, error) {
	var r types.Release
	err := s.db.Get(&r,
		`SELECT * FROM releases WHERE status = 'archived' AND promoted_at IS NOT NULL
		 ORDER BY promoted_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no archived release: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
