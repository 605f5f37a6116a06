package payloads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeRunner emulates the remote host with an in-memory filesystem.
type fakeRunner struct {
	mu      sync.Mutex
	files   map[string][]byte
	corrupt bool
	runErr  error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{files: map[string][]byte{}}
}

func (f *fakeRunner) Upload(ctx context.Context, t sshx.Target, r io.Reader, size int64, path, mode string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.corrupt && len(data) > 0 {
		data = append(append([]byte(nil), data[:len(data)-1]...), data[len(data)-1]^0xff)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, t sshx.Target, cmd string) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "sha256sum "):
		path := strings.TrimPrefix(cmd, "sha256sum ")
		data, ok := f.files[path]
		if !ok {
			return "", fmt.Errorf("sha256sum: %s: no such file", path)
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]) + "  " + path, nil
	case strings.HasPrefix(cmd, "chmod "):
		// "chmod <mode> <staged> && mv -f <staged> <final>"
		fields := strings.Fields(cmd)
		staged, final := fields[2], fields[7]
		f.files[final] = f.files[staged]
		delete(f.files, staged)
		return "", nil
	case strings.HasPrefix(cmd, "rm -f "):
		delete(f.files, strings.TrimPrefix(cmd, "rm -f "))
		return "", nil
	}
	return "", nil
}

func (f *fakeRunner) RunDetached(ctx context.Context, t sshx.Target, cmd string) error {
	return nil
}

func newRegistry(t *testing.T) (*Registry, *store.Store, *fakeRunner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := newFakeRunner()
	reg := NewRegistry(st, events.NewBus(st), runner, filepath.Join(t.TempDir(), "blobs"),
		time.Second, 10*time.Second)
	return reg, st, runner
}

func drone(id, name string) *types.Drone {
	return &types.Drone{ID: id, Name: name, Address: "10.0.0.1"}
}

func TestRegisterInline(t *testing.T) {
	reg, st, _ := newRegistry(t)

	data := []byte("#!/bin/sh\necho drone\n")
	pv, err := reg.Register(types.PayloadInitScript, "1.0", data, "initial")
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), pv.Hash)
	assert.Empty(t, pv.BlobPath)

	stored, err := st.GetPayload(types.PayloadInitScript, "1.0")
	require.NoError(t, err)
	got, err := reg.Bytes(stored)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRegisterBlob(t *testing.T) {
	reg, st, _ := newRegistry(t)

	data := bytes.Repeat([]byte{0xab}, inlineLimit+1)
	pv, err := reg.Register(types.PayloadDroneBinary, "2.0", data, "")
	require.NoError(t, err)
	require.NotEmpty(t, pv.BlobPath)

	_, err = os.Stat(pv.BlobPath)
	require.NoError(t, err)

	stored, err := st.GetPayload(types.PayloadDroneBinary, "2.0")
	require.NoError(t, err)
	got, err := reg.Bytes(stored)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRegisterDuplicateVersion(t *testing.T) {
	reg, _, _ := newRegistry(t)

	data := []byte("binary v1")
	_, err := reg.Register(types.PayloadDroneBinary, "1.0", data, "")
	require.NoError(t, err)

	// Same bytes: idempotent.
	_, err = reg.Register(types.PayloadDroneBinary, "1.0", data, "")
	require.NoError(t, err)

	// Different bytes under the same version: rejected.
	_, err = reg.Register(types.PayloadDroneBinary, "1.0", []byte("binary v1 patched"), "")
	assert.True(t, errors.Is(err, store.ErrDuplicateVersion))
}

func TestDeployVerifiesRemoteHash(t *testing.T) {
	reg, st, runner := newRegistry(t)

	data := []byte("the drone binary")
	_, err := reg.Register(types.PayloadDroneBinary, "1.0", data, "")
	require.NoError(t, err)

	d := drone("d1", "builder-1")
	require.NoError(t, reg.Deploy(context.Background(), d, types.PayloadDroneBinary, "1.0", "admin"))

	assert.Equal(t, data, runner.files["/usr/local/bin/foundry-drone"])
	_, staged := runner.files["/usr/local/bin/foundry-drone.new"]
	assert.False(t, staged, "staged file swapped away")

	dp, err := st.GetDronePayload("d1", types.PayloadDroneBinary)
	require.NoError(t, err)
	assert.Equal(t, types.DeployDeployed, dp.Status)
	assert.Equal(t, "1.0", dp.Version)

	recs, err := st.ListDeployRecords(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "success", recs[0].Status)
}

func TestDeployRejectsCorruptedTransfer(t *testing.T) {
	reg, st, runner := newRegistry(t)
	runner.corrupt = true

	_, err := reg.Register(types.PayloadDroneBinary, "1.0", []byte("the drone binary"), "")
	require.NoError(t, err)

	d := drone("d1", "builder-1")
	err = reg.Deploy(context.Background(), d, types.PayloadDroneBinary, "1.0", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	_, installed := runner.files["/usr/local/bin/foundry-drone"]
	assert.False(t, installed, "corrupted artifact never installed")

	dp, err := st.GetDronePayload("d1", types.PayloadDroneBinary)
	require.NoError(t, err)
	assert.Equal(t, types.DeployFailed, dp.Status)
}

func TestDeployRefusesLockedDrone(t *testing.T) {
	reg, st, _ := newRegistry(t)

	require.NoError(t, st.UpsertDroneConfig(&types.DroneConfig{Name: "builder-1", Locked: true}))
	_, err := reg.Register(types.PayloadConfig, "1.0", []byte("cfg"), "")
	require.NoError(t, err)

	err = reg.Deploy(context.Background(), drone("d1", "builder-1"), types.PayloadConfig, "1.0", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestRollingDeployStopsAndRevertsOnlyFailedDrone(t *testing.T) {
	reg, st, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(types.PayloadDroneBinary, "1.0", []byte("v1"), "")
	require.NoError(t, err)
	_, err = reg.Register(types.PayloadDroneBinary, "2.0", []byte("v2"), "")
	require.NoError(t, err)

	fleet := []*types.Drone{
		drone("d1", "builder-1"),
		drone("d2", "builder-2"),
		drone("d3", "builder-3"),
	}
	res := reg.RollingDeploy(ctx, fleet, types.PayloadDroneBinary, "1.0", "admin", nil, false)
	require.Empty(t, res.Failed)
	require.Len(t, res.Succeeded, 3)

	// v2 rollout: the check fails on the second drone.
	check := func(_ context.Context, d *types.Drone) error {
		if d.ID == "d2" {
			return errors.New("health check failed")
		}
		return nil
	}
	res = reg.RollingDeploy(ctx, fleet, types.PayloadDroneBinary, "2.0", "admin", check, true)

	assert.Equal(t, []string{"builder-1"}, res.Succeeded)
	assert.Equal(t, "builder-2", res.Failed)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailCount)
	assert.True(t, res.RolledBack)

	require.Len(t, res.Results, 2, "only attempted drones are reported")
	assert.Equal(t, DroneResult{Success: true, Message: "deployed 2.0"}, res.Results["builder-1"])
	assert.False(t, res.Results["builder-2"].Success)
	assert.Contains(t, res.Results["builder-2"].Message, "health check failed")
	_, attempted := res.Results["builder-3"]
	assert.False(t, attempted)

	dp1, err := st.GetDronePayload("d1", types.PayloadDroneBinary)
	require.NoError(t, err)
	assert.Equal(t, "2.0", dp1.Version, "earlier success keeps the new version")

	dp2, err := st.GetDronePayload("d2", types.PayloadDroneBinary)
	require.NoError(t, err)
	assert.Equal(t, "1.0", dp2.Version, "failed drone reverted")

	dp3, err := st.GetDronePayload("d3", types.PayloadDroneBinary)
	require.NoError(t, err)
	assert.Equal(t, "1.0", dp3.Version, "roll-out stopped before the third drone")
}

func TestVersionMatrix(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(types.PayloadDroneBinary, "1.0", []byte("v1"), "")
	require.NoError(t, err)
	_, err = reg.Register(types.PayloadConfig, "1.1", []byte("cfg"), "")
	require.NoError(t, err)

	d := drone("d1", "builder-1")
	require.NoError(t, reg.Deploy(ctx, d, types.PayloadDroneBinary, "1.0", "admin"))
	require.NoError(t, reg.Deploy(ctx, d, types.PayloadConfig, "1.1", "admin"))

	matrix, err := reg.VersionMatrix()
	require.NoError(t, err)
	assert.Equal(t, "1.0", matrix["d1"][types.PayloadDroneBinary])
	assert.Equal(t, "1.1", matrix["d1"][types.PayloadConfig])
}
