package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/health"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// candidateFetch is how many queue rows one assignment attempt examines
// before giving up; enough to skip over per-drone failure memory without
// scanning the whole queue.
const candidateFetch = 25

// Config tunes the scheduler and its background loops.
type Config struct {
	// ReclaimOffline is the heartbeat-stale threshold: delegated work held
	// by a drone silent this long goes back to the queue.
	ReclaimOffline time.Duration

	// ReclaimLease reclaims delegated-but-idle items early, but only from
	// drones unresponsive to both heartbeat and probe.
	ReclaimLease time.Duration

	// MaxPrefetch caps delegated items per drone regardless of cores.
	MaxPrefetch int

	// CoresPerSlot converts reported cores into a delegation target:
	// max(1, cores/CoresPerSlot), capped by MaxPrefetch.
	CoresPerSlot int

	// QueueTarget is the delegation target for drones that report no core
	// count.
	QueueTarget int

	// MaxFailures is the per-package attempt ceiling before blocking.
	MaxFailures int

	// FailureAge bounds the failure-memory window; older failures no
	// longer count against a drone or toward the cross-drone block.
	FailureAge time.Duration

	// SweeperPrefix marks sweeper drones by name; sweepers are offered
	// blocked packages instead of the normal queue.
	SweeperPrefix string

	ReclaimInterval   time.Duration
	RebalanceInterval time.Duration
	MetricsInterval   time.Duration
	PruneInterval     time.Duration

	ProtocolRetention time.Duration
	EventRetention    time.Duration
	MetricsRetention  time.Duration
}

func (c *Config) defaults() {
	if c.ReclaimOffline <= 0 {
		c.ReclaimOffline = 15 * time.Minute
	}
	if c.ReclaimLease <= 0 {
		c.ReclaimLease = 600 * time.Second
	}
	if c.MaxPrefetch <= 0 {
		c.MaxPrefetch = 2
	}
	if c.CoresPerSlot <= 0 {
		c.CoresPerSlot = 4
	}
	if c.QueueTarget <= 0 {
		c.QueueTarget = 1
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 8
	}
	if c.FailureAge <= 0 {
		c.FailureAge = 1800 * time.Second
	}
	if c.SweeperPrefix == "" {
		c.SweeperPrefix = "sweeper-"
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 5 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 10 * time.Minute
	}
	if c.ProtocolRetention <= 0 {
		c.ProtocolRetention = 24 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 7 * 24 * time.Hour
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 24 * time.Hour
	}
}

// Scheduler assigns queue items to drones and runs the reclaim, rebalance,
// metrics, and retention loops. Assignment is pull-based: drones request
// work, the scheduler answers; the background loops only move work that a
// dead or overloaded drone cannot move itself.
type Scheduler struct {
	st     *store.Store
	bus    *events.Bus
	hm     *health.Monitor
	cfg    Config
	paused atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler.
func New(st *store.Store, bus *events.Bus, hm *health.Monitor, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		st:     st,
		bus:    bus,
		hm:     hm,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background loops.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the background loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// PauseQueue stops all new assignments; completions are still accepted.
func (s *Scheduler) PauseQueue(paused bool) {
	s.paused.Store(paused)
	state := "resumed"
	if paused {
		state = "paused"
	}
	s.bus.Emit(types.EventControl, "queue "+state, "", "")
}

// QueuePaused reports the queue pause flag.
func (s *Scheduler) QueuePaused() bool {
	return s.paused.Load()
}

// Rebalance runs one redistribution pass immediately instead of waiting for
// the next tick.
func (s *Scheduler) Rebalance() {
	s.rebalanceCycle()
}

// IsSweeper reports whether a drone retries blocked packages instead of
// pulling from the normal queue: either registered as a sweeper or named
// with the sweeper prefix.
func (s *Scheduler) IsSweeper(d *types.Drone) bool {
	return d.Role == types.DroneRoleSweeper || strings.HasPrefix(d.Name, s.cfg.SweeperPrefix)
}

// RequestWork answers one drone work pull. Returns at most one package;
// the drone calls again if it has spare slots.
func (s *Scheduler) RequestWork(droneID string) (types.AssignResult, error) {
	d, err := s.st.GetDrone(droneID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rejected("unknown drone, register first"), nil
		}
		return types.AssignResult{}, err
	}
	if s.paused.Load() {
		return rejected("queue paused"), nil
	}
	if d.Paused {
		return rejected("drone paused"), nil
	}
	if d.Status != types.DroneStatusOnline {
		return rejected("drone flagged offline"), nil
	}
	if s.hm.IsGrounded(d.ID) {
		return rejected("drone grounded"), nil
	}
	if s.hm.IsUploadImpaired(d.ID) {
		return rejected("uploads failing, retry later"), nil
	}

	held, err := s.st.CountDelegated(d.ID)
	if err != nil {
		return types.AssignResult{}, err
	}
	if held >= s.prefetchTarget(d) {
		return types.AssignResult{Outcome: types.AssignEmpty, Reason: "prefetch cap reached"}, nil
	}

	if s.IsSweeper(d) {
		return s.assignBlocked(d)
	}
	return s.assign(d)
}

// prefetchTarget derives the delegation target from reported cores, capped
// by the configured maximum. Drones that report no cores fall back to the
// flat queue target.
func (s *Scheduler) prefetchTarget(d *types.Drone) int {
	target := s.cfg.QueueTarget
	if cores := d.Capabilities.Cores; cores > 0 {
		target = 1
		if t := cores / s.cfg.CoresPerSlot; t > target {
			target = t
		}
	}
	if target > s.cfg.MaxPrefetch {
		target = s.cfg.MaxPrefetch
	}
	return target
}

// assign picks the next needed package for a regular drone: skip anything
// this drone already failed, prefer packages another drone attempted and
// lost, FIFO otherwise.
func (s *Scheduler) assign(d *types.Drone) (types.AssignResult, error) {
	candidates, err := s.st.Candidates(candidateFetch)
	if err != nil {
		return types.AssignResult{}, err
	}

	var fresh, retries []*types.QueueItem
	for _, item := range candidates {
		failed, err := s.st.HasDroneFailed(d.ID, item.Package, s.cfg.FailureAge)
		if err != nil {
			return types.AssignResult{}, err
		}
		if failed {
			continue
		}
		if item.FailureCount > 0 {
			retries = append(retries, item)
		} else {
			fresh = append(fresh, item)
		}
	}

	for _, item := range append(retries, fresh...) {
		ok, err := s.st.Assign(item.Package, d.ID)
		if err != nil {
			return types.AssignResult{}, err
		}
		if !ok {
			// Lost the race to another drone; try the next candidate.
			continue
		}
		s.bus.Emit(types.EventWorkAssigned,
			fmt.Sprintf("assigned to %s", d.Name), d.ID, item.Package)
		log.WithDrone(d.ID).Debug().Str("package", item.Package).Msg("work assigned")
		item.Status = types.WorkDelegated
		item.AssignedTo = d.ID
		return types.AssignResult{Outcome: types.AssignAssigned, Item: item}, nil
	}
	return types.AssignResult{Outcome: types.AssignEmpty, Reason: "queue empty"}, nil
}

// assignBlocked offers globally blocked packages to a sweeper drone.
func (s *Scheduler) assignBlocked(d *types.Drone) (types.AssignResult, error) {
	candidates, err := s.st.BlockedCandidates(candidateFetch)
	if err != nil {
		return types.AssignResult{}, err
	}
	for _, item := range candidates {
		failed, err := s.st.HasDroneFailed(d.ID, item.Package, s.cfg.FailureAge)
		if err != nil {
			return types.AssignResult{}, err
		}
		if failed {
			continue
		}
		ok, err := s.st.AssignBlocked(item.Package, d.ID)
		if err != nil {
			return types.AssignResult{}, err
		}
		if !ok {
			continue
		}
		s.bus.Emit(types.EventWorkAssigned,
			fmt.Sprintf("blocked package retried on sweeper %s", d.Name), d.ID, item.Package)
		item.Status = types.WorkDelegated
		item.AssignedTo = d.ID
		return types.AssignResult{Outcome: types.AssignAssigned, Item: item}, nil
	}
	return types.AssignResult{Outcome: types.AssignEmpty, Reason: "no blocked packages"}, nil
}

// Complete processes one drone completion report. Status is one of
// success, failed, returned, upload_failed.
func (s *Scheduler) Complete(droneID, pkg, status string, duration float64, errDetail string) (types.CompletionResult, error) {
	var (
		res     types.CompletionResult
		blocked bool
		err     error
	)

	switch status {
	case "success":
		res, err = s.st.CompleteSuccess(droneID, pkg, duration, "")
		if err == nil && res.Outcome == types.CompletionAccepted {
			s.hm.RecordSuccess(droneID)
			s.hm.ResetUploadFailures(droneID)
			s.bus.Emit(types.EventWorkCompleted,
				fmt.Sprintf("built in %.0fs", duration), droneID, pkg)
		}
	case "failed":
		res, blocked, err = s.st.CompleteFailed(droneID, pkg, errDetail, duration, s.cfg.MaxFailures, s.cfg.FailureAge)
		if err == nil && res.Outcome == types.CompletionAccepted {
			s.hm.RecordFailure(droneID)
			s.bus.Emit(types.EventWorkFailed, truncateError(errDetail), droneID, pkg)
			if blocked {
				s.bus.Emit(types.EventWorkBlocked,
					"blocked after failures on multiple drones", droneID, pkg)
			}
		}
	case "returned":
		res, err = s.st.CompleteReturned(droneID, pkg)
		if err == nil && res.Outcome == types.CompletionAccepted {
			s.bus.Emit(types.EventWorkReturned, "returned unbuilt", droneID, pkg)
		}
	case "upload_failed":
		// The build succeeded but the artifact could not be uploaded: the
		// package goes back to the queue with no build failure recorded,
		// and the drone's upload circuit counts one strike.
		res, err = s.st.CompleteReturned(droneID, pkg)
		if err == nil && res.Outcome == types.CompletionAccepted {
			if impaired := s.hm.RecordUploadFailure(droneID); impaired {
				s.bus.Emit(types.EventAdminAlert,
					"drone upload-impaired, withholding work", droneID, pkg)
			}
			s.bus.Emit(types.EventWorkReturned, "upload failed", droneID, pkg)
		}
	default:
		return types.CompletionResult{}, fmt.Errorf("unknown completion status %q", status)
	}
	if err != nil {
		return types.CompletionResult{}, err
	}

	switch res.Outcome {
	case types.CompletionStale, types.CompletionAlreadyTerminal:
		s.bus.Emit(types.EventStaleCompletion,
			fmt.Sprintf("discarded %s report: %s", status, res.Reason), droneID, pkg)
		log.WithDrone(droneID).Warn().
			Str("package", pkg).Str("status", status).Str("reason", res.Reason).
			Msg("stale completion discarded")
		return res, nil
	}

	if err := s.st.SetDroneCurrentTask(droneID, ""); err != nil {
		log.WithDrone(droneID).Error().Err(err).Msg("clear current task")
	}
	if res.Item != nil && res.Item.SessionID != "" {
		closed, err := s.st.RollupSession(res.Item.SessionID)
		if err != nil {
			log.WithSession(res.Item.SessionID).Error().Err(err).Msg("session rollup")
		} else if closed {
			s.bus.Emit(types.EventSessionCompleted, "all packages terminal", "", "")
		}
	}
	return res, nil
}

// truncateError keeps event messages readable; the full error lives in the
// queue row and build history.
func truncateError(s string) string {
	if s == "" {
		return "build failed"
	}
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	reclaim := time.NewTicker(s.cfg.ReclaimInterval)
	rebalance := time.NewTicker(s.cfg.RebalanceInterval)
	metrics := time.NewTicker(s.cfg.MetricsInterval)
	prune := time.NewTicker(s.cfg.PruneInterval)
	defer reclaim.Stop()
	defer rebalance.Stop()
	defer metrics.Stop()
	defer prune.Stop()

	for {
		select {
		case <-reclaim.C:
			s.reclaimCycle()
		case <-rebalance.C:
			s.rebalanceCycle()
		case <-metrics.C:
			s.metricsCycle()
		case <-prune.C:
			s.pruneCycle()
		case <-s.stopCh:
			return
		}
	}
}

// reclaimCycle flags stale drones offline and pulls back their delegated
// work. Long-held leases are reclaimed only from drones that are silent,
// never from online drones with slow builds.
func (s *Scheduler) reclaimCycle() {
	logger := log.WithComponent("scheduler")
	now := time.Now().UTC()
	heartbeatCutoff := now.Add(-s.cfg.ReclaimOffline)

	offline, err := s.st.MarkStaleOffline(heartbeatCutoff)
	if err != nil {
		logger.Error().Err(err).Msg("mark stale offline")
	}
	for _, id := range offline {
		s.bus.Emit(types.EventDroneOffline,
			fmt.Sprintf("no heartbeat for %s", s.cfg.ReclaimOffline), id, "")
	}

	reclaimed, err := s.st.ReclaimOffline(heartbeatCutoff)
	if err != nil {
		logger.Error().Err(err).Msg("reclaim offline")
	}
	for _, pkg := range reclaimed {
		s.bus.Emit(types.EventWorkReclaimed, "assignee offline", "", pkg)
	}

	leaseCutoff := now.Add(-s.cfg.ReclaimLease)
	expired, err := s.st.ReclaimExpiredLeases(leaseCutoff, heartbeatCutoff)
	if err != nil {
		logger.Error().Err(err).Msg("reclaim expired leases")
	}
	for _, pkg := range expired {
		s.bus.Emit(types.EventWorkReclaimed, "lease expired on unresponsive drone", "", pkg)
	}

	if n, err := s.st.AgeBlocked(s.cfg.FailureAge); err != nil {
		logger.Error().Err(err).Msg("age blocked")
	} else if n > 0 {
		logger.Info().Int("unblocked", n).Msg("aged out blocked packages")
	}

	// Reclaims and admin verbs can finish a session between completions, so
	// the rollup also runs here, not only on the completion path.
	if sess, err := s.st.ActiveSession(); err != nil {
		logger.Error().Err(err).Msg("active session")
	} else if sess != nil {
		if closed, err := s.st.RollupSession(sess.ID); err != nil {
			logger.Error().Err(err).Msg("session rollup")
		} else if closed {
			s.bus.Emit(types.EventSessionCompleted, sess.Name+" completed", "", "")
		}
	}
}

// rebalanceCycle lets idle drones steal queued work from loaded ones. The
// donor keeps at least one item and never loses the package it is building.
func (s *Scheduler) rebalanceCycle() {
	if s.paused.Load() {
		return
	}
	logger := log.WithComponent("scheduler")

	drones, err := s.st.ListDrones(false)
	if err != nil {
		logger.Error().Err(err).Msg("list drones")
		return
	}

	var idle []*types.Drone
	held := make(map[string]int, len(drones))
	for _, d := range drones {
		if d.Paused || s.IsSweeper(d) || s.hm.IsGrounded(d.ID) {
			continue
		}
		n, err := s.st.CountDelegated(d.ID)
		if err != nil {
			logger.Error().Err(err).Msg("count delegated")
			return
		}
		held[d.ID] = n
		if n == 0 && d.CurrentTask == "" {
			idle = append(idle, d)
		}
	}

	for _, thief := range idle {
		for donorID, n := range held {
			if donorID == thief.ID || n < 2 {
				continue
			}
			pkg, err := s.st.Steal(donorID, thief.ID)
			if err != nil {
				logger.Error().Err(err).Msg("steal")
				continue
			}
			if pkg == "" {
				continue
			}
			held[donorID]--
			held[thief.ID]++
			s.bus.Emit(types.EventWorkRebalanced,
				fmt.Sprintf("stolen from %s for idle %s", donorID, thief.Name), thief.ID, pkg)
			break
		}
	}
}

func (s *Scheduler) metricsCycle() {
	logger := log.WithComponent("scheduler")

	counts, err := s.st.QueueCounts()
	if err != nil {
		logger.Error().Err(err).Msg("queue counts")
		return
	}
	drones, err := s.st.ListDrones(false)
	if err != nil {
		logger.Error().Err(err).Msg("list drones")
		return
	}
	cores, err := s.st.TotalCores()
	if err != nil {
		logger.Error().Err(err).Msg("total cores")
	}
	snap := &store.MetricsSnapshot{
		QueueDepth:   counts[types.WorkNeeded] + counts[types.WorkBlocked],
		DronesOnline: len(drones),
		TotalCores:   cores,
		Delegated:    counts[types.WorkDelegated],
		Received:     counts[types.WorkReceived],
	}
	if err := s.st.AppendMetrics(snap); err != nil {
		logger.Error().Err(err).Msg("append metrics")
	}
}

func (s *Scheduler) pruneCycle() {
	logger := log.WithComponent("scheduler")
	now := time.Now().UTC()

	if n, err := s.st.PruneProtocol(now.Add(-s.cfg.ProtocolRetention)); err != nil {
		logger.Error().Err(err).Msg("prune protocol log")
	} else if n > 0 {
		logger.Debug().Int64("rows", n).Msg("pruned protocol log")
	}
	if n, err := s.st.PruneEvents(now.Add(-s.cfg.EventRetention)); err != nil {
		logger.Error().Err(err).Msg("prune events")
	} else if n > 0 {
		logger.Debug().Int64("rows", n).Msg("pruned events")
	}
	if n, err := s.st.PruneMetrics(now.Add(-s.cfg.MetricsRetention)); err != nil {
		logger.Error().Err(err).Msg("prune metrics")
	} else if n > 0 {
		logger.Debug().Int64("rows", n).Msg("pruned metrics log")
	}
}

func rejected(reason string) types.AssignResult {
	return types.AssignResult{Outcome: types.AssignRejected, Reason: reason}
}
