package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// errBuildFailed feeds the circuit breaker's failure counter.
var errBuildFailed = errors.New("build failed")

// Config tunes the health monitor.
type Config struct {
	// MaxFailures is the circuit-breaker ceiling; crossing it grounds the
	// drone.
	MaxFailures int

	// GroundingTimeout is how long a grounded drone sits out.
	GroundingTimeout time.Duration

	// MaxUploadFailures and UploadRetryInterval drive the separate
	// upload-failure circuit.
	MaxUploadFailures   int
	UploadRetryInterval time.Duration
}

// Monitor tracks per-drone failure counters and the grounding circuit
// breaker. Build failures trip a per-drone breaker; a tripped breaker grounds
// the drone for the cooldown and reclaims its delegated work. Successful
// completions reset the streak.
type Monitor struct {
	st  *store.Store
	bus *events.Bus
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewMonitor creates a health monitor.
func NewMonitor(st *store.Store, bus *events.Bus, cfg Config) *Monitor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 8
	}
	if cfg.GroundingTimeout <= 0 {
		cfg.GroundingTimeout = 5 * time.Minute
	}
	if cfg.MaxUploadFailures <= 0 {
		cfg.MaxUploadFailures = 3
	}
	if cfg.UploadRetryInterval <= 0 {
		cfg.UploadRetryInterval = 30 * time.Minute
	}
	return &Monitor{
		st:       st,
		bus:      bus,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns (creating if needed) the grounding breaker for a drone.
func (m *Monitor) breaker(droneID string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[droneID]; ok {
		return cb
	}
	cb := m.newBreaker(droneID)
	m.breakers[droneID] = cb
	return cb
}

func (m *Monitor) newBreaker(droneID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    droneID,
		Timeout: m.cfg.GroundingTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				m.ground(name)
			case gobreaker.StateClosed, gobreaker.StateHalfOpen:
				if from == gobreaker.StateOpen {
					m.unground(name)
				}
			}
		},
	})
}

// RecordFailure counts one failed build. Returns true when this failure
// grounded the drone.
func (m *Monitor) RecordFailure(droneID string) bool {
	failures, err := m.st.RecordBuildFailure(droneID)
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("record failure")
	}

	cb := m.breaker(droneID)
	before := cb.State()
	cb.Execute(func() (any, error) { return nil, errBuildFailed }) //nolint:errcheck
	grounded := before != gobreaker.StateOpen && cb.State() == gobreaker.StateOpen

	log.WithDrone(droneID).Debug().Int("failures", failures).Bool("grounded", grounded).Msg("build failure recorded")
	return grounded
}

// RecordSuccess resets the failure streak after a successful build.
func (m *Monitor) RecordSuccess(droneID string) {
	if err := m.st.RecordBuildSuccess(droneID); err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("record success")
	}
	cb := m.breaker(droneID)
	if cb.State() != gobreaker.StateOpen {
		cb.Execute(func() (any, error) { return nil, nil }) //nolint:errcheck
	}
}

// ground persists the cooldown, reclaims the drone's delegated work, and
// emits an event. Called from the breaker's state-change hook.
func (m *Monitor) ground(droneID string) {
	until := time.Now().UTC().Add(m.cfg.GroundingTimeout)
	if err := m.st.Ground(droneID, until); err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("ground")
		return
	}
	reclaimed, err := m.st.ReclaimFromDrone(droneID)
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("reclaim on grounding")
	}
	m.bus.Emit(types.EventDroneGrounded,
		fmt.Sprintf("drone grounded until %s, %d packages reclaimed", until.Format(time.RFC3339), reclaimed),
		droneID, "")
	log.WithDrone(droneID).Warn().Time("until", until).Int("reclaimed", reclaimed).Msg("drone grounded")
}

func (m *Monitor) unground(droneID string) {
	if _, err := m.st.Unground(droneID); err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("unground")
		return
	}
	m.bus.Emit(types.EventDroneUngrounded, "grounding cooldown expired", droneID, "")
}

// IsGrounded reports whether a drone may receive assignments. Consults the
// breaker first, then the persisted cooldown so groundings survive restarts.
func (m *Monitor) IsGrounded(droneID string) bool {
	if m.breaker(droneID).State() == gobreaker.StateOpen {
		return true
	}
	rec, err := m.st.GetHealth(droneID)
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("get health")
		return false
	}
	if rec.Grounded(time.Now().UTC()) {
		return true
	}
	if rec.GroundedUntil != nil {
		// Cooldown expired while the breaker was already closed (e.g.
		// after restart); clear the persisted state.
		m.unground(droneID)
	}
	return false
}

// Unground force-clears the breaker and persisted cooldown. Empty id clears
// every drone.
func (m *Monitor) Unground(droneID string) int {
	m.mu.Lock()
	if droneID == "" {
		m.breakers = make(map[string]*gobreaker.CircuitBreaker)
	} else {
		m.breakers[droneID] = m.newBreaker(droneID)
	}
	m.mu.Unlock()

	n, err := m.st.Unground(droneID)
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("unground")
		return 0
	}
	if droneID != "" {
		m.bus.Emit(types.EventDroneUngrounded, "ungrounded by operator", droneID, "")
	} else {
		m.bus.Emit(types.EventDroneUngrounded, fmt.Sprintf("%d drones ungrounded by operator", n), "", "")
	}
	return n
}

// RecordUploadFailure counts one artifact-upload failure on the separate
// upload circuit. Returns true when the drone became upload-impaired.
func (m *Monitor) RecordUploadFailure(droneID string) bool {
	failures, err := m.st.RecordUploadFailure(droneID)
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("record upload failure")
		return false
	}
	return failures >= m.cfg.MaxUploadFailures
}

// ResetUploadFailures clears the upload circuit (successful upload or
// operator reset).
func (m *Monitor) ResetUploadFailures(droneID string) {
	if err := m.st.ResetUploadFailures(droneID); err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("reset upload failures")
	}
}

// IsUploadImpaired reports whether a drone should be skipped for work because
// its uploads keep failing. Impairment lapses after the retry interval so the
// drone gets another chance.
func (m *Monitor) IsUploadImpaired(droneID string) bool {
	rec, err := m.st.GetHealth(droneID)
	if err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("get health")
		return false
	}
	if rec.UploadFailures < m.cfg.MaxUploadFailures {
		return false
	}
	if rec.LastUploadFailure == nil {
		return false
	}
	return time.Since(*rec.LastUploadFailure) < m.cfg.UploadRetryInterval
}
