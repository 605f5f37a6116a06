package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func registerDrone(t *testing.T, s *Store, id, name string) {
	t.Helper()
	_, err := s.UpsertDrone(&types.Drone{
		ID: id, Name: name, Address: "10.0.0.1", Kind: types.DroneKindContainer,
		Capabilities: types.Capabilities{Cores: 16},
	})
	require.NoError(t, err)
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must re-run migrations without error.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	has, err := s.hasColumn("drone_health", "escalation_level")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestUpsertDroneIdempotentOnID(t *testing.T) {
	s := testStore(t)

	cameOnline, err := s.UpsertDrone(&types.Drone{ID: "d1", Name: "builder-1"})
	require.NoError(t, err)
	assert.True(t, cameOnline)

	cameOnline, err = s.UpsertDrone(&types.Drone{ID: "d1", Name: "builder-1"})
	require.NoError(t, err)
	assert.False(t, cameOnline, "second heartbeat is not a transition")

	drones, err := s.ListDrones(true)
	require.NoError(t, err)
	assert.Len(t, drones, 1)
}

func TestUpsertDroneNameCollisionDeletesStaleRow(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "old-id", "builder-1")

	// Reprovisioned machine: same name, new identity.
	registerDrone(t, s, "new-id", "builder-1")

	drones, err := s.ListDrones(true)
	require.NoError(t, err)
	require.Len(t, drones, 1)
	assert.Equal(t, "new-id", drones[0].ID)
}

func TestEnqueueSkipsActiveDuplicates(t *testing.T) {
	s := testStore(t)

	queued, err := s.Enqueue([]string{"dev-libs/openssl-3.2.0", "sys-apps/coreutils"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	queued, err = s.Enqueue([]string{"dev-libs/openssl-3.2.0"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, queued, "active duplicate must be skipped")

	item, err := s.GetQueueItem("=dev-libs/openssl-3.2.0")
	require.NoError(t, err)
	assert.Equal(t, types.WorkNeeded, item.Status)
}

func TestNormalizeAtom(t *testing.T) {
	assert.Equal(t, "=dev-libs/openssl-3.2.0", NormalizeAtom("dev-libs/openssl-3.2.0"))
	assert.Equal(t, "sys-apps/coreutils", NormalizeAtom("sys-apps/coreutils"))
	assert.Equal(t, "=foo/bar-1.0", NormalizeAtom("=foo/bar-1.0"))
	assert.Equal(t, "app-misc/mc-tools", NormalizeAtom("app-misc/mc-tools"))
}

func TestAssignSingleAssignee(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	registerDrone(t, s, "d2", "builder-2")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)

	ok, err := s.Assign("cat/pkg", "d1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Assign("cat/pkg", "d2")
	require.NoError(t, err)
	assert.False(t, ok, "already delegated items cannot be assigned twice")
}

func TestCompleteSuccessFromAssignee(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)
	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)

	res, err := s.CompleteSuccess("d1", "cat/pkg", 12.5, "")
	require.NoError(t, err)
	assert.Equal(t, types.CompletionAccepted, res.Outcome)

	item, err := s.GetQueueItem("cat/pkg")
	require.NoError(t, err)
	assert.Equal(t, types.WorkReceived, item.Status)

	history, err := s.ListHistory(10, "", "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "success", history[0].Status)
}

func TestCompleteSuccessFreeWorkAfterReclaim(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)
	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)

	// Item reclaimed while the drone kept building.
	_, err = s.ReclaimFromDrone("d1")
	require.NoError(t, err)

	res, err := s.CompleteSuccess("d1", "cat/pkg", 30, "")
	require.NoError(t, err)
	assert.Equal(t, types.CompletionAccepted, res.Outcome, "artifact exists, accept the free work")
}

func TestCompleteFailedStaleIsDiscarded(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)
	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)
	_, err = s.ReclaimFromDrone("d1")
	require.NoError(t, err)

	res, _, err := s.CompleteFailed("d1", "cat/pkg", "boom", 5, 8, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.CompletionStale, res.Outcome)

	item, err := s.GetQueueItem("cat/pkg")
	require.NoError(t, err)
	assert.Equal(t, types.WorkNeeded, item.Status, "stale failure must not touch the row")
	assert.Equal(t, 0, item.FailureCount)

	history, err := s.ListHistory(10, "failed", "")
	require.NoError(t, err)
	assert.Empty(t, history, "no failure recorded for stale reports")
}

func TestCrossDroneBlockAfterTwoDistinctFailures(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	registerDrone(t, s, "d2", "builder-2")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)

	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)
	res, blocked, err := s.CompleteFailed("d1", "cat/pkg", "err1", 5, 8, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.CompletionAccepted, res.Outcome)
	assert.False(t, blocked)

	_, err = s.Assign("cat/pkg", "d2")
	require.NoError(t, err)
	_, blocked, err = s.CompleteFailed("d2", "cat/pkg", "err2", 5, 8, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, blocked, "two distinct drones failing blocks the package")

	item, err := s.GetQueueItem("cat/pkg")
	require.NoError(t, err)
	assert.Equal(t, types.WorkBlocked, item.Status)
}

func TestCompleteReturnedNoFailureRecorded(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)
	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)

	res, err := s.CompleteReturned("d1", "cat/pkg")
	require.NoError(t, err)
	assert.Equal(t, types.CompletionAccepted, res.Outcome)

	item, err := s.GetQueueItem("cat/pkg")
	require.NoError(t, err)
	assert.Equal(t, types.WorkNeeded, item.Status)
	assert.Equal(t, 0, item.FailureCount)
}

func TestReclaimOfflineLeavesFreshDronesAlone(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)
	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)

	// Cutoff in the past: d1's heartbeat is fresh, nothing reclaimed.
	pkgs, err := s.ReclaimOffline(time.Now().UTC().Add(-15 * time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	// Cutoff in the future: heartbeat is now stale.
	pkgs, err = s.ReclaimOffline(time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"cat/pkg"}, pkgs)
}

func TestStealRespectsDonorFloorAndBuilding(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "donor", "builder-1")
	registerDrone(t, s, "thief", "builder-2")
	_, err := s.Enqueue([]string{"cat/a", "cat/b"}, "s1")
	require.NoError(t, err)

	_, err = s.Assign("cat/a", "donor")
	require.NoError(t, err)

	// Donor holds one item: never stealable.
	stolen, err := s.Steal("donor", "thief")
	require.NoError(t, err)
	assert.Empty(t, stolen)

	_, err = s.Assign("cat/b", "donor")
	require.NoError(t, err)
	require.NoError(t, s.MarkBuilding("donor", "cat/b"))

	// cat/b is building; only cat/a is stealable.
	stolen, err = s.Steal("donor", "thief")
	require.NoError(t, err)
	assert.Equal(t, "cat/a", stolen)

	item, err := s.GetQueueItem("cat/a")
	require.NoError(t, err)
	assert.Equal(t, "thief", item.AssignedTo)
}

func TestSessionRollupClosesWhenAllTerminal(t *testing.T) {
	s := testStore(t)
	registerDrone(t, s, "d1", "builder-1")
	require.NoError(t, s.CreateSession(&types.Session{ID: "s1", Name: "t1", Total: 1}))
	_, err := s.Enqueue([]string{"cat/pkg"}, "s1")
	require.NoError(t, err)

	closed, err := s.RollupSession("s1")
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = s.Assign("cat/pkg", "d1")
	require.NoError(t, err)
	_, err = s.CompleteSuccess("d1", "cat/pkg", 10, "s1")
	require.NoError(t, err)

	closed, err = s.RollupSession("s1")
	require.NoError(t, err)
	assert.True(t, closed)

	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Equal(t, 1, sess.Completed)
	assert.Equal(t, 1, sess.Total)
}

func TestGroundingRoundTrip(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Ground("d1", time.Now().UTC().Add(5*time.Minute)))
	rec, err := s.GetHealth("d1")
	require.NoError(t, err)
	assert.True(t, rec.Grounded(time.Now().UTC()))

	n, err := s.Unground("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = s.GetHealth("d1")
	require.NoError(t, err)
	assert.False(t, rec.Grounded(time.Now().UTC()))
	assert.Equal(t, 0, rec.Failures)
}

func TestEstimatedDurationFallsBack(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AppendBuild(&types.BuildRecord{
		Package: "=dev-libs/openssl-3.2.0", DroneID: "d1", Status: "success", Duration: 100,
	}))
	require.NoError(t, s.AppendBuild(&types.BuildRecord{
		Package: "=dev-libs/expat-2.5", DroneID: "d1", Status: "success", Duration: 20,
	}))

	// Exact match.
	d, err := s.EstimatedDuration("dev-libs/openssl-3.2.0")
	require.NoError(t, err)
	assert.InDelta(t, 100, d, 0.01)

	// Category average for an unseen package in a known category.
	d, err = s.EstimatedDuration("dev-libs/unseen-1.0")
	require.NoError(t, err)
	assert.InDelta(t, 60, d, 0.01)

	// Global average otherwise.
	d, err = s.EstimatedDuration("net-misc/curl-8.0")
	require.NoError(t, err)
	assert.InDelta(t, 60, d, 0.01)
}

func TestExplorerRejectsWrites(t *testing.T) {
	s := testStore(t)

	for _, q := range []string{
		"DELETE FROM queue",
		"select * from queue; drop table queue",
		"INSERT INTO queue (package) VALUES ('x')",
		"SELECT * FROM queue WHERE package = 'x'; UPDATE queue SET status='needed'",
	} {
		_, err := s.Query(q)
		assert.Error(t, err, q)
	}

	res, err := s.Query("SELECT COUNT(*) FROM drones")
	require.NoError(t, err)
	assert.Equal(t, []string{"COUNT(*)"}, res.Columns)
	assert.Equal(t, 1, res.Count)
}

func TestPayloadDuplicateVersion(t *testing.T) {
	s := testStore(t)

	pv := &types.PayloadVersion{Kind: types.PayloadDroneBinary, Version: "v1", Hash: "abc", Size: 3}
	_, err := s.RegisterPayload(pv)
	require.NoError(t, err)

	// Same bytes again: idempotent.
	again, err := s.RegisterPayload(&types.PayloadVersion{Kind: types.PayloadDroneBinary, Version: "v1", Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, pv.ID, again.ID)

	// Different bytes, same version: conflict.
	_, err = s.RegisterPayload(&types.PayloadVersion{Kind: types.PayloadDroneBinary, Version: "v1", Hash: "def"})
	assert.ErrorIs(t, err, ErrDuplicateVersion)
}

func TestPromoteReleaseArchivesCurrentActive(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.InsertRelease(&types.Release{Version: "2026.08.01", Name: "aug"}))
	require.NoError(t, s.InsertRelease(&types.Release{Version: "2026.08.15", Name: "mid-aug"}))

	_, err := s.PromoteRelease("2026.08.01")
	require.NoError(t, err)

	r, err := s.PromoteRelease("2026.08.15")
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseActive, r.Status)

	old, err := s.GetRelease("2026.08.01")
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseArchived, old.Status)

	// Promoting the active release again is a no-op.
	r2, err := s.PromoteRelease("2026.08.15")
	require.NoError(t, err)
	assert.Equal(t, types.ReleaseActive, r2.Status)
}
