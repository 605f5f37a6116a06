package selfheal

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/health"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

const (
	probeHealthy = "PROC=1\nLOAD=0.5\nDISK=40\nMEM=30\nUPTIME=1000"
	probeDown    = "PROC=0\nLOAD=0.5\nDISK=40\nMEM=30\nUPTIME=1000"
)

// scriptRunner serves a fixed probe output and records every command.
type scriptRunner struct {
	mu       sync.Mutex
	out      string
	runs     []string
	detached []string
}

func (f *scriptRunner) Run(ctx context.Context, t sshx.Target, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd != health.ProbeCommand {
		f.runs = append(f.runs, cmd)
	}
	return f.out, nil
}

func (f *scriptRunner) RunDetached(ctx context.Context, t sshx.Target, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, cmd)
	return nil
}

func (f *scriptRunner) Upload(ctx context.Context, t sshx.Target, r io.Reader, size int64, path, mode string) error {
	return nil
}

func (f *scriptRunner) actions() (runs, detached []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...), append([]string(nil), f.detached...)
}

type fixture struct {
	m      *Monitor
	st     *store.Store
	bus    *events.Bus
	runner *scriptRunner
	drone  *types.Drone
}

func newFixture(t *testing.T, kind types.DroneKind, autoReboot bool) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(st)
	runner := &scriptRunner{out: probeDown}
	m := NewMonitor(st, bus, health.NewProber(runner), runner, Config{
		ProbeInterval:          time.Minute,
		MinConsecutiveFailures: 3,
		MinFailureWindow:       time.Millisecond,
	})

	drone := &types.Drone{
		ID:      "d1",
		Name:    "builder-1",
		Address: "10.0.0.1",
		Kind:    kind,
		Capabilities: types.Capabilities{
			Cores:      8,
			AutoReboot: autoReboot,
		},
		LastSeen: time.Now().UTC().Add(-time.Hour),
	}
	_, err = st.UpsertDrone(drone)
	require.NoError(t, err)

	return &fixture{m: m, st: st, bus: bus, runner: runner, drone: drone}
}

// fail drives one failing probe evaluation.
func (f *fixture) fail(t *testing.T) {
	t.Helper()
	f.runner.out = probeDown
	f.m.evaluate(context.Background(), f.drone)
}

// rewind clears the guards so the next evaluation is not gated on wall time.
func (f *fixture) rewind() {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	st := f.m.states[f.drone.ID]
	st.firstFailAt = st.firstFailAt.Add(-time.Hour)
	st.lastActionAt = st.lastActionAt.Add(-time.Hour)
}

func (f *fixture) level() int {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if st, ok := f.m.states[f.drone.ID]; ok {
		return st.level
	}
	return 0
}

func (f *fixture) hasEvent(kind types.EventKind) bool {
	evs, _ := f.bus.Recent(0, 100, kind)
	return len(evs) > 0
}

func TestNoEscalationBelowFailureStreak(t *testing.T) {
	f := newFixture(t, types.DroneKindContainer, true)

	f.fail(t)
	f.fail(t)

	assert.Equal(t, 0, f.level())
	runs, detached := f.runner.actions()
	assert.Empty(t, runs)
	assert.Empty(t, detached)
}

func TestLadderProgression(t *testing.T) {
	f := newFixture(t, types.DroneKindContainer, true)

	f.fail(t)
	f.fail(t)
	time.Sleep(5 * time.Millisecond)
	f.fail(t)
	assert.Equal(t, 1, f.level(), "guards satisfied, first rung")

	// Cooldown holds the level until it elapses.
	f.fail(t)
	assert.Equal(t, 1, f.level())

	f.rewind()
	f.fail(t)
	assert.Equal(t, 2, f.level())

	f.rewind()
	f.fail(t)
	assert.Equal(t, 3, f.level())

	runs, detached := f.runner.actions()
	require.Len(t, runs, 2)
	assert.Contains(t, runs[0], "restart")
	assert.Contains(t, runs[1], "pkill")
	require.Len(t, detached, 1)
	assert.Equal(t, rebootCmd, detached[0])

	rec, err := f.st.GetHealth(f.drone.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.EscalationLevel)
	assert.True(t, rec.Rebooted)

	f.rewind()
	f.fail(t)
	assert.Equal(t, 4, f.level())
	assert.True(t, f.hasEvent(types.EventAdminAlert))

	// Level 4 is terminal until reset.
	f.rewind()
	f.fail(t)
	assert.Equal(t, 4, f.level())
}

func TestFreshHeartbeatSuppressesEscalation(t *testing.T) {
	f := newFixture(t, types.DroneKindContainer, true)
	f.drone.LastSeen = time.Now().UTC()

	for i := 0; i < 5; i++ {
		f.fail(t)
	}

	assert.Equal(t, 0, f.level(), "live worker must not be restarted")
	runs, _ := f.runner.actions()
	assert.Empty(t, runs)
}

func TestBareMetalCapsAtKillRestart(t *testing.T) {
	f := newFixture(t, types.DroneKindBareMetal, true)

	f.fail(t)
	f.fail(t)
	time.Sleep(5 * time.Millisecond)
	f.fail(t)
	f.rewind()
	f.fail(t)
	require.Equal(t, 2, f.level())

	f.rewind()
	f.fail(t)
	assert.Equal(t, 2, f.level(), "bare-metal never passes kill-restart")
	assert.True(t, f.hasEvent(types.EventBareMetalProtected))

	_, detached := f.runner.actions()
	assert.Empty(t, detached, "no reboot ever issued")
}

func TestNoAutoRebootSkipsToAlert(t *testing.T) {
	f := newFixture(t, types.DroneKindVM, false)

	f.fail(t)
	f.fail(t)
	time.Sleep(5 * time.Millisecond)
	f.fail(t)
	f.rewind()
	f.fail(t)
	require.Equal(t, 2, f.level())

	f.rewind()
	f.fail(t)
	assert.Equal(t, 4, f.level(), "vm without auto_reboot alerts instead of rebooting")

	_, detached := f.runner.actions()
	assert.Empty(t, detached)
	assert.True(t, f.hasEvent(types.EventAdminAlert))
}

func TestSuccessfulProbeResetsLadder(t *testing.T) {
	f := newFixture(t, types.DroneKindContainer, true)

	f.fail(t)
	f.fail(t)
	time.Sleep(5 * time.Millisecond)
	f.fail(t)
	require.Equal(t, 1, f.level())

	f.runner.out = probeHealthy
	f.m.evaluate(context.Background(), f.drone)

	assert.Equal(t, 0, f.level())
	assert.True(t, f.hasEvent(types.EventHealRecovered))

	rec, err := f.st.GetHealth(f.drone.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.EscalationLevel)
}

func TestOperatorReset(t *testing.T) {
	f := newFixture(t, types.DroneKindContainer, true)

	f.fail(t)
	f.fail(t)
	time.Sleep(5 * time.Millisecond)
	f.fail(t)
	require.Equal(t, 1, f.level())

	require.NoError(t, f.m.ResetEscalation(f.drone.ID))
	assert.Equal(t, 0, f.level())
	assert.Empty(t, f.m.Escalations())
}

func TestZeroIntervalDisablesMonitor(t *testing.T) {
	f := newFixture(t, types.DroneKindContainer, true)
	f.m.cfg.ProbeInterval = 0

	f.m.Start()
	done := make(chan struct{})
	go func() {
		f.m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled monitor should stop immediately")
	}
}
