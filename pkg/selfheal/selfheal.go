package selfheal

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/health"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// Escalation ladder levels.
const (
	levelHealthy     = 0
	levelRestart     = 1
	levelKillRestart = 2
	levelReboot      = 3
	levelAlert       = 4
)

// ladder maps each level to its action name and the cooldown that gates the
// transition out of it. Actions fire on entry; the next evaluation is ignored
// until the cooldown elapses.
var ladder = map[int]struct {
	action   string
	cooldown time.Duration
}{
	levelRestart:     {"restart", 30 * time.Second},
	levelKillRestart: {"kill-restart", 30 * time.Second},
	levelReboot:      {"reboot", 120 * time.Second},
	levelAlert:       {"alert", 0},
}

const (
	restartCmd     = `rc-service foundry-drone restart 2>/dev/null || systemctl restart foundry-drone`
	killRestartCmd = `pkill -9 -f foundry-drone; sleep 1; rc-service foundry-drone start 2>/dev/null || systemctl start foundry-drone`
	rebootCmd      = `reboot`
)

// Config tunes the self-healing monitor.
type Config struct {
	// ProbeInterval is the probe loop cadence. Zero disables the monitor:
	// no probes run and no escalation ever fires.
	ProbeInterval time.Duration

	// MinConsecutiveFailures and MinFailureWindow are both required before
	// any escalation; either guard alone is insufficient.
	MinConsecutiveFailures int
	MinFailureWindow       time.Duration

	SSHConnectTimeout   time.Duration
	SSHOperationTimeout time.Duration

	// IsProtected blocks reboot for hosts on the protected list.
	IsProtected func(addr string) bool
}

// droneState is the per-drone escalation bookkeeping. All cooldowns and
// failure streaks live here; no other component keeps parallel copies.
type droneState struct {
	consecutiveFails int
	firstFailAt      time.Time
	level            int
	lastActionAt     time.Time
	attempts         int
}

// Monitor drives the per-drone escalation ladder from SSH probe results.
type Monitor struct {
	st     *store.Store
	bus    *events.Bus
	prober *health.Prober
	runner sshx.Runner
	cfg    Config

	mu     sync.Mutex
	states map[string]*droneState

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a self-healing monitor.
func NewMonitor(st *store.Store, bus *events.Bus, prober *health.Prober, runner sshx.Runner, cfg Config) *Monitor {
	if cfg.MinConsecutiveFailures <= 0 {
		cfg.MinConsecutiveFailures = 3
	}
	if cfg.MinFailureWindow <= 0 {
		cfg.MinFailureWindow = 180 * time.Second
	}
	if cfg.IsProtected == nil {
		cfg.IsProtected = func(string) bool { return false }
	}
	return &Monitor{
		st:     st,
		bus:    bus,
		prober: prober,
		runner: runner,
		cfg:    cfg,
		states: make(map[string]*droneState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the probe loop. A zero probe interval disables the monitor.
func (m *Monitor) Start() {
	if m.cfg.ProbeInterval <= 0 {
		log.WithComponent("selfheal").Info().Msg("probe cadence 0, monitor disabled")
		close(m.doneCh)
		return
	}
	go m.run()
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	logger := log.WithComponent("selfheal")
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Any("panic", r).Msg("probe cycle panicked")
						if backoff < time.Minute {
							backoff *= 2
						}
						time.Sleep(backoff)
					}
				}()
				m.cycle(context.Background())
				backoff = time.Second
			}()
		case <-m.stopCh:
			return
		}
	}
}

// cycle probes every non-paused drone and evaluates its ladder position.
// Drones are handled one at a time per tick.
func (m *Monitor) cycle(ctx context.Context) {
	drones, err := m.st.ListDrones(true)
	if err != nil {
		log.WithComponent("selfheal").Error().Err(err).Msg("list drones")
		return
	}
	for _, d := range drones {
		if d.Paused {
			continue
		}
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.evaluate(ctx, d)
	}
}

// ProbeOne probes a single drone on demand (admin ping) and records the
// result without touching the ladder.
func (m *Monitor) ProbeOne(ctx context.Context, d *types.Drone) (types.ProbeResult, error) {
	target, err := m.target(d)
	if err != nil {
		return types.ProbeResult{}, err
	}
	res := m.prober.Probe(ctx, d.ID, target)
	if err := m.st.SetProbeResult(d.ID, string(res.Status), res.CheckedAt); err != nil {
		log.WithDrone(d.ID).Error().Err(err).Msg("store probe result")
	}
	if err := m.st.RecordPing(d.ID, res.CheckedAt.Add(-res.Latency), res.CheckedAt, res.Latency); err != nil {
		log.WithDrone(d.ID).Error().Err(err).Msg("store ping")
	}
	return res, nil
}

func (m *Monitor) target(d *types.Drone) (sshx.Target, error) {
	dc, err := m.st.GetDroneConfig(d.Name)
	if err != nil {
		return sshx.Target{}, fmt.Errorf("drone config %s: %w", d.Name, err)
	}
	return sshx.Target{
		Host:             d.Address,
		Port:             dc.SSHPort,
		User:             dc.SSHUser,
		KeyPath:          dc.SSHKeyPath,
		Password:         dc.SSHPassword,
		ConnectTimeout:   m.cfg.SSHConnectTimeout,
		OperationTimeout: m.cfg.SSHOperationTimeout,
	}, nil
}

func (m *Monitor) evaluate(ctx context.Context, d *types.Drone) {
	logger := log.WithDrone(d.ID)

	target, err := m.target(d)
	if err != nil {
		logger.Error().Err(err).Msg("resolve ssh target")
		return
	}
	res := m.prober.Probe(ctx, d.ID, target)
	if err := m.st.SetProbeResult(d.ID, string(res.Status), res.CheckedAt); err != nil {
		logger.Error().Err(err).Msg("store probe result")
	}

	m.mu.Lock()
	state, ok := m.states[d.ID]
	if !ok {
		state = &droneState{}
		m.states[d.ID] = state
	}
	m.mu.Unlock()

	if res.Status.Healthy() {
		m.recover(d, state)
		return
	}

	state.consecutiveFails++
	if state.consecutiveFails == 1 {
		state.firstFailAt = res.CheckedAt
	}

	// A fresh heartbeat inside the probe window means the worker is alive
	// and only the SSH path is broken; escalating would cause restart
	// storms on a healthy drone.
	if time.Since(d.LastSeen) < m.cfg.ProbeInterval {
		logger.Debug().Str("probe", string(res.Status)).Msg("escalation suppressed by fresh heartbeat")
		return
	}

	if state.consecutiveFails < m.cfg.MinConsecutiveFailures {
		return
	}
	if time.Since(state.firstFailAt) < m.cfg.MinFailureWindow {
		return
	}
	if state.level > 0 {
		if cooldown := ladder[state.level].cooldown; time.Since(state.lastActionAt) < cooldown {
			return
		}
	}
	if state.level >= levelAlert {
		return
	}

	m.escalate(ctx, d, state, target, res)
}

// recover resets the ladder after a successful probe.
func (m *Monitor) recover(d *types.Drone, state *droneState) {
	if state.level == 0 && state.consecutiveFails == 0 {
		return
	}
	wasEscalated := state.level > 0
	state.consecutiveFails = 0
	state.firstFailAt = time.Time{}
	state.level = 0
	state.attempts = 0

	if err := m.st.ResetEscalation(d.ID); err != nil {
		log.WithDrone(d.ID).Error().Err(err).Msg("reset escalation")
	}
	if wasEscalated {
		m.bus.Emit(types.EventHealRecovered, "probe succeeded, escalation reset", d.ID, "")
		log.WithDrone(d.ID).Info().Msg("drone recovered")
	}
}

// escalate executes the next rung of the ladder. Levels rise by at most one
// per evaluation.
func (m *Monitor) escalate(ctx context.Context, d *types.Drone, state *droneState, target sshx.Target, res types.ProbeResult) {
	logger := log.WithDrone(d.ID)
	next := state.level + 1

	if next == levelReboot && !m.rebootAllowed(d) {
		if !d.Kind.RebootSafe() {
			// Hard stop: a bare-metal or unknown host never advances past
			// kill-restart.
			m.bus.Emit(types.EventBareMetalProtected,
				fmt.Sprintf("reboot blocked for %s drone, holding at level %d", d.Kind, state.level), d.ID, "")
			state.lastActionAt = time.Now().UTC()
			return
		}
		// Reboot-capable kind without auto_reboot (or protected host): skip
		// straight to the alert rung.
		next = levelAlert
	}

	step := ladder[next]
	state.level = next
	state.lastActionAt = time.Now().UTC()
	state.attempts++

	if err := m.st.SetEscalation(d.ID, state.level, state.attempts); err != nil {
		logger.Error().Err(err).Msg("persist escalation")
	}

	var actionErr error
	switch next {
	case levelRestart:
		_, actionErr = m.runner.Run(ctx, target, restartCmd)
	case levelKillRestart:
		_, actionErr = m.runner.Run(ctx, target, killRestartCmd)
	case levelReboot:
		actionErr = m.runner.RunDetached(ctx, target, rebootCmd)
		if actionErr == nil {
			if err := m.st.MarkRebooted(d.ID, true); err != nil {
				logger.Error().Err(err).Msg("mark rebooted")
			}
		}
	case levelAlert:
		m.bus.Emit(types.EventAdminAlert,
			fmt.Sprintf("drone unrecoverable after %d attempts, probe: %s", state.attempts, res.Status), d.ID, "")
	}

	msg := fmt.Sprintf("escalation level %d: %s", state.level, step.action)
	if actionErr != nil {
		msg += " (action failed: " + actionErr.Error() + ")"
		logger.Error().Err(actionErr).Int("level", state.level).Msg("escalation action failed")
	} else {
		logger.Warn().Int("level", state.level).Str("action", step.action).Msg("escalated")
	}
	metrics.EscalationsTotal.WithLabelValues(strconv.Itoa(state.level)).Inc()
	m.bus.Emit(types.EventEscalation, msg, d.ID, "")
}

// rebootAllowed applies the drone-kind safety policy: only container and vm
// kinds, only with auto_reboot capability, never for protected hosts.
func (m *Monitor) rebootAllowed(d *types.Drone) bool {
	if !d.Kind.RebootSafe() {
		return false
	}
	if !d.Capabilities.AutoReboot {
		return false
	}
	if m.cfg.IsProtected(d.Address) {
		return false
	}
	return true
}

// ResetEscalation drops a drone back to level 0 (admin verb).
func (m *Monitor) ResetEscalation(droneID string) error {
	m.mu.Lock()
	delete(m.states, droneID)
	m.mu.Unlock()
	return m.st.ResetEscalation(droneID)
}

// EscalationState is one drone's ladder position for the admin endpoint.
type EscalationState struct {
	DroneID          string    `json:"drone_id"`
	Level            int       `json:"level"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	Attempts         int       `json:"attempts"`
	FirstFailAt      time.Time `json:"first_failure_at,omitempty"`
	LastActionAt     time.Time `json:"last_action_at,omitempty"`
}

// Escalations returns the current in-memory ladder state.
func (m *Monitor) Escalations() []EscalationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EscalationState, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, EscalationState{
			DroneID:          id,
			Level:            st.level,
			ConsecutiveFails: st.consecutiveFails,
			Attempts:         st.attempts,
			FirstFailAt:      st.firstFailAt,
			LastActionAt:     st.lastActionAt,
		})
	}
	return out
}
