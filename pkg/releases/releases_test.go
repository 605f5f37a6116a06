package releases

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fixture struct {
	m       *Manager
	st      *store.Store
	bus     *events.Bus
	staging string
	binhost string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	staging := t.TempDir()
	binhost := t.TempDir()
	bus := events.NewBus(st)
	return &fixture{
		m:       NewManager(st, bus, staging, binhost),
		st:      st,
		bus:     bus,
		staging: staging,
		binhost: binhost,
	}
}

func (f *fixture) stage(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(f.staging, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("tar content for "+name), 0o644))
	}
}

func (f *fixture) unstage(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(f.staging, name)))
}

func TestCreateSnapshotsStagingTree(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "sys-devel/gcc-14.gpkg.tar", "dev-lang/python-3.12.gpkg.tar", "Packages.txt")

	rel, err := f.m.Create("nightly", "first cut")
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseStaging, rel.Status)
	assert.Equal(t, 2, rel.PackageCount, "only package files are snapshotted")
	assert.Positive(t, rel.SizeBytes)

	pkgs, err := f.m.Packages(rel.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"dev-lang/python-3.12.gpkg.tar",
		"sys-devel/gcc-14.gpkg.tar",
	}, pkgs)

	// Snapshot is independent of staging churn.
	f.unstage(t, "sys-devel/gcc-14.gpkg.tar")
	pkgs, err = f.m.Packages(rel.Version)
	require.NoError(t, err)
	assert.Len(t, pkgs, 2)
}

func TestCreateEmptyStagingFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Create("empty", "")
	assert.Error(t, err)
}

func TestSameDayVersionsGetSuffix(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	r2, err := f.m.Create("second", "")
	require.NoError(t, err)

	assert.NotEqual(t, r1.Version, r2.Version)
	assert.Equal(t, r1.Version+".2", r2.Version)
}

func TestPromoteArchivesPreviousAndRepointsLink(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)

	serving, err := os.Readlink(filepath.Join(f.binhost, currentLink))
	require.NoError(t, err)
	assert.Equal(t, r1.Path, serving)

	f.stage(t, "a/two.gpkg.tar")
	r2, err := f.m.Create("second", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r2.Version)
	require.NoError(t, err)

	prev, err := f.st.GetRelease(r1.Version)
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseArchived, prev.Status)

	serving, err = os.Readlink(filepath.Join(f.binhost, currentLink))
	require.NoError(t, err)
	assert.Equal(t, r2.Path, serving)

	status, err := f.m.Status()
	require.NoError(t, err)
	assert.False(t, status.Diverged)
	assert.Equal(t, r2.Version, status.Active.Version)
}

func TestPromoteActiveIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)

	again, err := f.m.Promote(r1.Version)
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseActive, again.Status)
}

func TestArchiveActiveLeavesNoActive(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)

	require.NoError(t, f.m.Archive(r1.Version))

	active, err := f.st.ActiveRelease()
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDeleteActiveRefused(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)

	err = f.m.Delete(r1.Version)
	require.ErrorIs(t, err, ErrActive)
}

func TestRollbackPromotesLastArchived(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)
	r2, err := f.m.Create("second", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r2.Version)
	require.NoError(t, err)

	back, err := f.m.Rollback()
	require.NoError(t, err)
	assert.Equal(t, r1.Version, back.Version)

	active, err := f.st.ActiveRelease()
	require.NoError(t, err)
	assert.Equal(t, r1.Version, active.Version)
}

func TestDeleteKeepsRowRemovesTree(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)

	assert.Error(t, f.m.Delete(r1.Version), "active release cannot be deleted")

	r2, err := f.m.Create("second", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r2.Version)
	require.NoError(t, err)

	require.NoError(t, f.m.Delete(r1.Version))
	_, err = os.Stat(r1.Path)
	assert.True(t, os.IsNotExist(err), "tree removed")

	row, err := f.st.GetRelease(r1.Version)
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseDeleted, row.Status, "row retained")

	_, err = f.m.Packages(r1.Version)
	assert.Error(t, err)
}

func TestDiffReleases(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/old.gpkg.tar", "a/kept.gpkg.tar", "a/rebuilt.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)

	f.unstage(t, "a/old.gpkg.tar")
	f.stage(t, "a/new.gpkg.tar")

	// Rebuild lands as a new file so the first snapshot keeps its inode.
	f.unstage(t, "a/rebuilt.gpkg.tar")
	path := filepath.Join(f.staging, "a/rebuilt.gpkg.tar")
	require.NoError(t, os.WriteFile(path, []byte("bigger tar content after rebuild"), 0o644))

	r2, err := f.m.Create("second", "")
	require.NoError(t, err)

	diff, err := f.m.DiffReleases(r1.Version, r2.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/new.gpkg.tar"}, diff.Added)
	assert.Equal(t, []string{"a/old.gpkg.tar"}, diff.Removed)
	assert.Equal(t, []string{"a/rebuilt.gpkg.tar"}, diff.Changed)
}

func TestStatusReportsDivergence(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a/one.gpkg.tar")

	r1, err := f.m.Create("first", "")
	require.NoError(t, err)
	_, err = f.m.Promote(r1.Version)
	require.NoError(t, err)

	// Someone repointed the link behind the control plane's back.
	link := filepath.Join(f.binhost, currentLink)
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink(t.TempDir(), link))

	status, err := f.m.Status()
	require.NoError(t, err)
	assert.True(t, status.Diverged)
	assert.Equal(t, r1.Version, status.Active.Version)
}
