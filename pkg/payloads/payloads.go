package payloads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// inlineLimit is the largest payload stored inline in the database; larger
// artifacts go to the blob directory.
const inlineLimit = 1 << 20

// kindTarget maps each payload kind to its remote path and file mode.
var kindTarget = map[types.PayloadKind]struct {
	path string
	mode string
}{
	types.PayloadDroneBinary:   {"/usr/local/bin/foundry-drone", "0755"},
	types.PayloadInitScript:    {"/etc/init.d/foundry-drone", "0755"},
	types.PayloadConfig:        {"/etc/foundry/drone.conf", "0644"},
	types.PayloadPortageConfig: {"/etc/portage/binrepos.conf/foundry.conf", "0644"},
}

// Registry stores payload versions content-addressed and deploys them to
// drones over SSH.
type Registry struct {
	st      *store.Store
	bus     *events.Bus
	runner  sshx.Runner
	blobDir string

	connectTimeout   time.Duration
	operationTimeout time.Duration
}

// NewRegistry creates a payload registry. blobDir holds artifacts too large
// to inline.
func NewRegistry(st *store.Store, bus *events.Bus, runner sshx.Runner, blobDir string, connectTimeout, operationTimeout time.Duration) *Registry {
	return &Registry{
		st:               st,
		bus:              bus,
		runner:           runner,
		blobDir:          blobDir,
		connectTimeout:   connectTimeout,
		operationTimeout: operationTimeout,
	}
}

// Register stores a new payload version. The hash is computed here, never
// trusted from the caller. Re-registering identical bytes under the same
// (kind, version) is a no-op; different bytes are rejected.
func (r *Registry) Register(kind types.PayloadKind, version string, data []byte, notes string) (*types.PayloadVersion, error) {
	if _, ok := kindTarget[kind]; !ok {
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if version == "" {
		return nil, fmt.Errorf("payload version required")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	sum := sha256.Sum256(data)
	pv := &types.PayloadVersion{
		Kind:    kind,
		Version: version,
		Hash:    hex.EncodeToString(sum[:]),
		Size:    int64(len(data)),
		Notes:   notes,
	}

	if len(data) <= inlineLimit {
		pv.Inline = data
	} else {
		if err := os.MkdirAll(r.blobDir, 0o755); err != nil {
			return nil, fmt.Errorf("blob dir: %w", err)
		}
		name := fmt.Sprintf("%s-%s-%s.blob", kind, version, pv.Hash[:12])
		path := filepath.Join(r.blobDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("write blob: %w", err)
		}
		pv.BlobPath = path
	}

	stored, err := r.st.RegisterPayload(pv)
	if err != nil {
		if pv.BlobPath != "" {
			os.Remove(pv.BlobPath)
		}
		return nil, err
	}
	log.WithComponent("payloads").Info().
		Str("kind", string(kind)).Str("version", version).
		Str("hash", pv.Hash[:12]).Int64("size", pv.Size).
		Msg("payload registered")
	return stored, nil
}

// Bytes loads the payload content, inline or from the blob store.
func (r *Registry) Bytes(pv *types.PayloadVersion) ([]byte, error) {
	if len(pv.Inline) > 0 {
		return pv.Inline, nil
	}
	if pv.BlobPath == "" {
		return nil, fmt.Errorf("payload %s/%s has no content", pv.Kind, pv.Version)
	}
	data, err := os.ReadFile(pv.BlobPath)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != pv.Hash {
		return nil, fmt.Errorf("blob for %s/%s does not match recorded hash", pv.Kind, pv.Version)
	}
	return data, nil
}

func (r *Registry) target(d *types.Drone, dc *types.DroneConfig) sshx.Target {
	return sshx.Target{
		Host:             d.Address,
		Port:             dc.SSHPort,
		User:             dc.SSHUser,
		KeyPath:          dc.SSHKeyPath,
		Password:         dc.SSHPassword,
		ConnectTimeout:   r.connectTimeout,
		OperationTimeout: r.operationTimeout,
	}
}

// Deploy copies one payload version to a drone and verifies it by re-hashing
// the remote file. The upload lands next to the target and is swapped in
// only after the hash matches.
func (r *Registry) Deploy(ctx context.Context, d *types.Drone, kind types.PayloadKind, version, by string) error {
	start := time.Now()
	err := r.deploy(ctx, d, kind, version)
	rec := &types.DeployRecord{
		Kind:     kind,
		Version:  version,
		DroneID:  d.ID,
		Action:   "deploy",
		Status:   "success",
		Duration: time.Since(start).Seconds(),
		By:       by,
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	if recErr := r.st.AppendDeployRecord(rec); recErr != nil {
		log.WithDrone(d.ID).Error().Err(recErr).Msg("append deploy record")
	}
	if err == nil {
		r.bus.Emit(types.EventPayloadDeployed,
			fmt.Sprintf("%s %s deployed", kind, version), d.ID, "")
	}
	return err
}

func (r *Registry) deploy(ctx context.Context, d *types.Drone, kind types.PayloadKind, version string) error {
	tgt, ok := kindTarget[kind]
	if !ok {
		return fmt.Errorf("unknown payload kind %q", kind)
	}
	dc, err := r.st.GetDroneConfig(d.Name)
	if err != nil {
		return fmt.Errorf("drone config: %w", err)
	}
	if dc.Locked {
		return fmt.Errorf("drone %s is locked against deploys", d.Name)
	}
	pv, err := r.st.GetPayload(kind, version)
	if err != nil {
		return err
	}
	data, err := r.Bytes(pv)
	if err != nil {
		return err
	}

	r.setState(d.ID, kind, version, pv.Hash, types.DeployDeploying)

	ssh := r.target(d, dc)
	staged := tgt.path + ".new"

	if err := r.runner.Upload(ctx, ssh, bytes.NewReader(data), int64(len(data)), staged, tgt.mode); err != nil {
		r.setState(d.ID, kind, version, pv.Hash, types.DeployFailed)
		return fmt.Errorf("upload: %w", err)
	}

	out, err := r.runner.Run(ctx, ssh, "sha256sum "+staged)
	if err != nil {
		r.setState(d.ID, kind, version, pv.Hash, types.DeployFailed)
		return fmt.Errorf("remote hash: %w", err)
	}
	if remote := strings.Fields(out); len(remote) == 0 || remote[0] != pv.Hash {
		r.runner.Run(ctx, ssh, "rm -f "+staged) //nolint:errcheck
		r.setState(d.ID, kind, version, pv.Hash, types.DeployFailed)
		return fmt.Errorf("remote hash mismatch after upload")
	}

	if _, err := r.runner.Run(ctx, ssh,
		fmt.Sprintf("chmod %s %s && mv -f %s %s", tgt.mode, staged, staged, tgt.path)); err != nil {
		r.setState(d.ID, kind, version, pv.Hash, types.DeployFailed)
		return fmt.Errorf("install: %w", err)
	}

	r.setState(d.ID, kind, version, pv.Hash, types.DeployDeployed)
	log.WithDrone(d.ID).Info().
		Str("kind", string(kind)).Str("version", version).
		Msg("payload deployed")
	return nil
}

func (r *Registry) setState(droneID string, kind types.PayloadKind, version, hash string, status types.DeployStatus) {
	err := r.st.SetDronePayload(&types.DronePayload{
		DroneID: droneID,
		Kind:    kind,
		Version: version,
		Hash:    hash,
		Status:  status,
	})
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("record payload state")
	}
}

// Verify re-hashes the payload on the drone and compares it with the
// recorded deployment.
func (r *Registry) Verify(ctx context.Context, d *types.Drone, kind types.PayloadKind) (bool, error) {
	tgt, ok := kindTarget[kind]
	if !ok {
		return false, fmt.Errorf("unknown payload kind %q", kind)
	}
	dp, err := r.st.GetDronePayload(d.ID, kind)
	if err != nil {
		return false, err
	}
	dc, err := r.st.GetDroneConfig(d.Name)
	if err != nil {
		return false, err
	}
	out, err := r.runner.Run(ctx, r.target(d, dc), "sha256sum "+tgt.path)
	if err != nil {
		return false, fmt.Errorf("remote hash: %w", err)
	}
	remote := strings.Fields(out)
	return len(remote) > 0 && remote[0] == dp.Hash, nil
}

// DroneResult is the outcome of one drone's deploy within a roll-out.
type DroneResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RolloutResult summarizes a rolling deploy. Results holds one entry per
// attempted drone; drones after the first failure are never attempted.
type RolloutResult struct {
	SuccessCount int                    `json:"success_count"`
	FailCount    int                    `json:"fail_count"`
	Succeeded    []string               `json:"succeeded"`
	Failed       string                 `json:"failed,omitempty"`
	RolledBack   bool                   `json:"rolled_back"`
	Error        string                 `json:"error,omitempty"`
	Results      map[string]DroneResult `json:"results"`
}

// RollingDeploy deploys one payload version to drones in sequence. After
// each drone an optional check runs; the first failure stops the roll-out,
// and only the failed drone is reverted to its previous version (when one
// is known). Drones that already succeeded keep the new version.
func (r *Registry) RollingDeploy(ctx context.Context, drones []*types.Drone, kind types.PayloadKind, version, by string, check func(context.Context, *types.Drone) error, rollbackOnFail bool) *RolloutResult {
	res := &RolloutResult{Results: make(map[string]DroneResult)}
	for _, d := range drones {
		previous, _ := r.st.GetDronePayload(d.ID, kind)

		err := r.Deploy(ctx, d, kind, version, by)
		if err == nil && check != nil {
			err = check(ctx, d)
		}
		if err == nil {
			res.Succeeded = append(res.Succeeded, d.Name)
			res.Results[d.Name] = DroneResult{Success: true, Message: "deployed " + version}
			continue
		}

		res.Failed = d.Name
		res.Error = err.Error()
		res.Results[d.Name] = DroneResult{Message: err.Error()}
		log.WithDrone(d.ID).Error().Err(err).
			Str("kind", string(kind)).Str("version", version).
			Msg("rolling deploy stopped")

		if rollbackOnFail && previous != nil && previous.Status == types.DeployDeployed && previous.Version != version {
			if rbErr := r.rollback(ctx, d, kind, previous.Version, by); rbErr != nil {
				log.WithDrone(d.ID).Error().Err(rbErr).Msg("rollback failed")
			} else {
				res.RolledBack = true
			}
		}
		break
	}
	res.SuccessCount = len(res.Succeeded)
	if res.Failed != "" {
		res.FailCount = 1
	}
	return res
}

func (r *Registry) rollback(ctx context.Context, d *types.Drone, kind types.PayloadKind, version, by string) error {
	start := time.Now()
	err := r.deploy(ctx, d, kind, version)
	rec := &types.DeployRecord{
		Kind:     kind,
		Version:  version,
		DroneID:  d.ID,
		Action:   "rollback",
		Status:   "success",
		Duration: time.Since(start).Seconds(),
		By:       by,
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	if recErr := r.st.AppendDeployRecord(rec); recErr != nil {
		log.WithDrone(d.ID).Error().Err(recErr).Msg("append deploy record")
	}
	return err
}

// VersionMatrix returns deployed payload versions per drone per kind.
func (r *Registry) VersionMatrix() (map[string]map[types.PayloadKind]string, error) {
	dps, err := r.st.ListDronePayloads()
	if err != nil {
		return nil, err
	}
	matrix := make(map[string]map[types.PayloadKind]string)
	for _, dp := range dps {
		if dp.Status != types.DeployDeployed {
			continue
		}
		if matrix[dp.DroneID] == nil {
			matrix[dp.DroneID] = make(map[types.PayloadKind]string)
		}
		matrix[dp.DroneID][dp.Kind] = dp.Version
	}
	return matrix, nil
}
