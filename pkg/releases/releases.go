package releases

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// ErrActive is returned for operations refused on the active release.
var ErrActive = errors.New("release is active")

// packageSuffix is the binary package extension produced by the build fleet.
const packageSuffix = ".gpkg.tar"

// currentLink is the binhost symlink drones fetch from; promotion repoints it.
const currentLink = "current"

// Manager snapshots staged binary packages into immutable releases and
// controls which release the binhost serves.
type Manager struct {
	st         *store.Store
	bus        *events.Bus
	stagingDir string
	binhostDir string
}

// NewManager creates a release manager. stagingDir is where finished
// packages accumulate; binhostDir holds release snapshots and the current
// symlink.
func NewManager(st *store.Store, bus *events.Bus, stagingDir, binhostDir string) *Manager {
	return &Manager{st: st, bus: bus, stagingDir: stagingDir, binhostDir: binhostDir}
}

func (m *Manager) releaseDir(version string) string {
	return filepath.Join(m.binhostDir, "releases", version)
}

// Create snapshots the staging tree into a new release in `staging` state.
// The version is generated from today's date, with a numeric suffix when a
// release for the day already exists.
func (m *Manager) Create(name, notes string) (*types.Release, error) {
	pkgs, err := scanPackages(m.stagingDir)
	if err != nil {
		return nil, fmt.Errorf("scan staging: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("staging tree %s holds no packages", m.stagingDir)
	}

	version, err := m.nextVersion(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	dest := m.releaseDir(version)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("release dir: %w", err)
	}

	var size int64
	for _, rel := range pkgs {
		n, err := snapshotFile(filepath.Join(m.stagingDir, rel), filepath.Join(dest, rel))
		if err != nil {
			os.RemoveAll(dest)
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		size += n
	}

	rel := &types.Release{
		Version:      version,
		Name:         name,
		Status:       types.ReleaseStaging,
		PackageCount: len(pkgs),
		SizeBytes:    size,
		Path:         dest,
		Notes:        notes,
	}
	if err := m.st.InsertRelease(rel); err != nil {
		os.RemoveAll(dest)
		return nil, err
	}
	log.WithComponent("releases").Info().
		Str("version", version).Int("packages", len(pkgs)).Int64("bytes", size).
		Msg("release created")
	return rel, nil
}

// nextVersion yields YYYY.MM.DD, or YYYY.MM.DD.N for repeat releases on the
// same day.
func (m *Manager) nextVersion(now time.Time) (string, error) {
	base := now.Format("2006.01.02")
	version := base
	for n := 2; ; n++ {
		_, err := m.st.GetRelease(version)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return version, nil
			}
			return "", err
		}
		version = fmt.Sprintf("%s.%d", base, n)
	}
}

// Promote makes a release active. The store transition is authoritative:
// the previous active release is archived in the same transaction, and only
// then is the binhost symlink repointed. A filesystem failure after the
// commit is surfaced and flagged, never rolled back.
func (m *Manager) Promote(version string) (*types.Release, error) {
	rel, err := m.st.PromoteRelease(version)
	if err != nil {
		return nil, err
	}

	if err := m.pointCurrent(rel.Path); err != nil {
		m.bus.Emit(types.EventReleaseDiverged,
			fmt.Sprintf("release %s active in store but symlink update failed: %v", version, err), "", "")
		return rel, fmt.Errorf("release %s promoted, but binhost link not updated: %w", version, err)
	}

	m.bus.Emit(types.EventReleasePromoted,
		fmt.Sprintf("release %s now serving (%d packages)", version, rel.PackageCount), "", "")
	log.WithComponent("releases").Info().Str("version", version).Msg("release promoted")
	return rel, nil
}

// pointCurrent atomically repoints the current symlink via a temp link and
// rename.
func (m *Manager) pointCurrent(target string) error {
	link := filepath.Join(m.binhostDir, currentLink)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

// Rollback promotes the most recently archived release.
func (m *Manager) Rollback() (*types.Release, error) {
	prev, err := m.st.LastArchivedRelease()
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("no archived release to roll back to")
	}
	return m.Promote(prev.Version)
}

// Archive retires a release while keeping its content on disk. Archiving
// the active release is allowed and leaves the binhost with no active
// version until the next promote.
func (m *Manager) Archive(version string) error {
	rel, err := m.st.GetRelease(version)
	if err != nil {
		return err
	}
	switch rel.Status {
	case types.ReleaseArchived:
		return nil
	case types.ReleaseDeleted:
		return fmt.Errorf("release %s content was deleted", version)
	}
	if err := m.st.SetReleaseStatus(version, types.ReleaseArchived); err != nil {
		return err
	}
	// The current link stays in place until the next promote.
	if rel.Status == types.ReleaseActive {
		m.bus.Emit(types.EventReleaseArchived, rel.Version+" archived while active", "", "")
	}
	return nil
}

// Delete removes a release's filesystem content and marks the row deleted.
// The row is retained for history. The active release cannot be deleted.
func (m *Manager) Delete(version string) error {
	rel, err := m.st.GetRelease(version)
	if err != nil {
		return err
	}
	if rel.Status == types.ReleaseActive {
		return fmt.Errorf("release %s: %w", version, ErrActive)
	}
	if rel.Status == types.ReleaseDeleted {
		return nil
	}
	if rel.Path != "" {
		if err := os.RemoveAll(rel.Path); err != nil {
			return fmt.Errorf("remove release tree: %w", err)
		}
	}
	return m.st.SetReleaseStatus(version, types.ReleaseDeleted)
}

// Packages lists the package files inside a release, relative paths sorted.
func (m *Manager) Packages(version string) ([]string, error) {
	rel, err := m.st.GetRelease(version)
	if err != nil {
		return nil, err
	}
	if rel.Status == types.ReleaseDeleted {
		return nil, fmt.Errorf("release %s content was deleted", version)
	}
	return scanPackages(rel.Path)
}

// Diff compares the package sets of two releases.
type Diff struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// DiffReleases reports packages added, removed, and rebuilt between two
// releases. A package present in both counts as changed when its snapshot
// size differs.
func (m *Manager) DiffReleases(from, to string) (*Diff, error) {
	fromPkgs, err := m.Packages(from)
	if err != nil {
		return nil, err
	}
	toPkgs, err := m.Packages(to)
	if err != nil {
		return nil, err
	}

	fromSet := make(map[string]bool, len(fromPkgs))
	for _, p := range fromPkgs {
		fromSet[p] = true
	}
	toSet := make(map[string]bool, len(toPkgs))
	for _, p := range toPkgs {
		toSet[p] = true
	}

	d := &Diff{From: from, To: to}
	for _, p := range toPkgs {
		switch {
		case !fromSet[p]:
			d.Added = append(d.Added, p)
		case m.snapshotSize(from, p) != m.snapshotSize(to, p):
			d.Changed = append(d.Changed, p)
		}
	}
	for _, p := range fromPkgs {
		if !toSet[p] {
			d.Removed = append(d.Removed, p)
		}
	}
	return d, nil
}

func (m *Manager) snapshotSize(version, pkg string) int64 {
	info, err := os.Stat(filepath.Join(m.releaseDir(version), pkg))
	if err != nil {
		return -1
	}
	return info.Size()
}

// BinhostStatus describes what the binhost is serving versus what the store
// says should be active.
type BinhostStatus struct {
	Active   *types.Release `json:"active,omitempty"`
	Serving  string         `json:"serving,omitempty"`
	Diverged bool           `json:"diverged"`
}

// Status reports the binhost state. Diverged means the symlink does not
// point at the active release; the store is authoritative.
func (m *Manager) Status() (*BinhostStatus, error) {
	active, err := m.st.ActiveRelease()
	if err != nil {
		return nil, err
	}
	status := &BinhostStatus{Active: active}

	serving, err := os.Readlink(filepath.Join(m.binhostDir, currentLink))
	if err == nil {
		status.Serving = serving
	}
	if active != nil && status.Serving != active.Path {
		status.Diverged = true
	}
	return status, nil
}

// scanPackages walks a tree collecting package files, paths relative to root.
func scanPackages(root string) ([]string, error) {
	var pkgs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), packageSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		pkgs = append(pkgs, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

// snapshotFile hardlinks src into the release tree, copying when the link
// fails (cross-device staging). Returns the file size.
func snapshotFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if err := os.Link(src, dst); err == nil {
		return info.Size(), nil
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Close()
}
