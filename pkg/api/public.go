package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// publicRouter serves the drone protocol and the unauthenticated read-only
// endpoints. Write endpoints on this port still require the admin key.
func (s *Server) publicRouter() http.Handler {
	r := chi.NewRouter()
	s.baseMiddleware(r)
	s.mountAPI(r)
	return r
}

// mountAPI registers the /api/v1 tree; shared between both listeners.
func (s *Server) mountAPI(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Drone protocol.
		r.Post("/register", s.handleRegister)
		r.Get("/work", s.handleWork)
		r.Post("/complete", s.handleComplete)

		// Read-only.
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/nodes", s.handleNodes)
		r.Get("/events", s.handleEvents)
		r.Get("/events/history", s.handleEventsHistory)
		r.Get("/history", s.handleHistory)
		r.Get("/sessions", s.handleSessions)
		r.Get("/queue", s.handleQueueList)
		r.Get("/metrics", s.handleMetricsLog)
		r.Get("/protocol", s.handleProtocolList)
		r.Get("/protocol/stats", s.handleProtocolStats)
		r.Get("/protocol/{id}", s.handleProtocolEntry)

		// Admin-gated writes and restricted reads.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/queue", s.handleQueueSubmit)
			r.Post("/control", s.handleControl)
			r.Post("/nodes/{name}/pause", s.handleNodePause(true))
			r.Post("/nodes/{name}/resume", s.handleNodePause(false))
			r.Post("/nodes/{name}/ping", s.handleNodePing)
			r.Post("/nodes/{name}/reset-escalation", s.handleNodeResetEscalation)
			r.Post("/nodes/{name}/reset-upload", s.handleNodeResetUpload)
			r.Post("/nodes/{name}/set-type", s.handleNodeSetType)
			r.Post("/nodes/{name}/lock", s.handleNodeLock(true))
			r.Post("/nodes/{name}/unlock", s.handleNodeLock(false))
			r.Delete("/nodes/{name}", s.handleNodeDelete)
			r.Get("/ping", s.handlePing)
			r.Get("/ping/all", s.handlePingAll)
			r.Get("/escalation", s.handleEscalation)
			r.Get("/sql/tables", s.handleSQLTables)
			r.Get("/sql/schema", s.handleSQLSchema)
			r.Get("/sql/query", s.handleSQLQuery)
		})
	})
}

type registerRequest struct {
	ID          string             `json:"id" validate:"required"`
	Name        string             `json:"name" validate:"required"`
	IP          string             `json:"ip"`
	Type        string             `json:"type" validate:"omitempty,oneof=drone sweeper"`
	DroneType   string             `json:"drone_type" validate:"omitempty,oneof=container vm bare-metal unknown"`
	Caps        types.Capabilities `json:"capabilities"`
	Metrics     types.DroneMetrics `json:"metrics"`
	CurrentTask string             `json:"current_task"`
	Version     string             `json:"version"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid register payload", err.Error())
		return
	}

	kind := types.DroneKind(req.DroneType)
	if kind == "" {
		kind = types.DroneKindUnknown
	}
	role := types.DroneRole(req.Type)
	if role == "" {
		role = types.DroneRoleBuilder
	}

	cameOnline, err := s.Store.UpsertDrone(&types.Drone{
		ID:           req.ID,
		Name:         req.Name,
		Address:      req.IP,
		Kind:         kind,
		Role:         role,
		CurrentTask:  req.CurrentTask,
		Version:      req.Version,
		Capabilities: req.Caps,
		Metrics:      req.Metrics,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	if cameOnline {
		s.Bus.Emit(types.EventDroneOnline, req.Name+" registered", req.ID, "")
	}
	if req.CurrentTask != "" {
		if err := s.Store.MarkBuilding(req.ID, req.CurrentTask); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			log.WithDrone(req.ID).Debug().Err(err).Msg("mark building")
		}
	}

	d, err := s.Store.GetDrone(req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "registered",
		"orchestrator":      host,
		"orchestrator_port": s.Config.PublicPort,
		"orchestrator_name": s.Config.OrchestratorName,
		"paused":            d.Paused,
	})
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	droneID := r.URL.Query().Get("id")
	if droneID == "" {
		writeError(w, http.StatusBadRequest, "missing drone id", "pass ?id=<drone_id>")
		return
	}
	if cores, err := strconv.Atoi(r.URL.Query().Get("cores")); err == nil && cores > 0 {
		if err := s.Store.SetDroneCores(droneID, cores); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			log.WithDrone(droneID).Debug().Err(err).Msg("cores refresh")
		}
	}

	res, err := s.Scheduler.RequestWork(droneID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "assignment failure", "")
		return
	}

	switch res.Outcome {
	case types.AssignAssigned:
		metrics.AssignmentsTotal.Inc()
		writeJSON(w, http.StatusOK, map[string]any{"package": res.Item.Package})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"package": nil, "reason": res.Reason})
	}
}

type completeRequest struct {
	ID          string  `json:"id" validate:"required"`
	Package     string  `json:"package" validate:"required"`
	Status      string  `json:"status" validate:"required,oneof=success failed returned upload_failed"`
	Duration    float64 `json:"build_duration_s"`
	ErrorDetail string  `json:"error_detail"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid completion payload", err.Error())
		return
	}

	res, err := s.Scheduler.Complete(req.ID, req.Package, req.Status, req.Duration, req.ErrorDetail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "completion failure", "")
		return
	}

	switch res.Outcome {
	case types.CompletionAccepted:
		metrics.BuildsTotal.WithLabelValues(req.Status).Inc()
		if req.Status == "success" {
			metrics.BuildDuration.Observe(req.Duration)
		}
	default:
		metrics.StaleCompletionsTotal.Inc()
	}

	// Stale reports still get 200 so drone-side retries stay harmless.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "package": req.Package})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.HealthHandler()(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Store.QueueCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	all, err := s.Store.ListDrones(true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	online := 0
	cores := 0
	for _, d := range all {
		if d.Status == types.DroneStatusOnline {
			online++
			cores += d.Capabilities.Cores
		}
	}
	session, err := s.Store.ActiveSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orchestrator":  s.Config.OrchestratorName,
		"version":       s.Version,
		"uptime_s":      int64(time.Since(s.started).Seconds()),
		"queue":         counts,
		"queue_paused":  s.Scheduler.QueuePaused(),
		"drones_online": online,
		"drones_total":  len(all),
		"total_cores":   cores,
		"session":       session,
	})
}

// nodeView is a drone joined with its health record.
type nodeView struct {
	*types.Drone
	Health  *types.HealthRecord `json:"health,omitempty"`
	Sweeper bool                `json:"sweeper"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	drones, err := s.Store.ListDrones(all)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}

	records, err := s.Store.ListHealth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	byID := make(map[string]*types.HealthRecord, len(records))
	for _, rec := range records {
		byID[rec.DroneID] = rec
	}

	views := make([]nodeView, 0, len(drones))
	for _, d := range drones {
		views = append(views, nodeView{
			Drone:   d,
			Health:  byID[d.ID],
			Sweeper: s.Scheduler.IsSweeper(d),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	kind := types.EventKind(r.URL.Query().Get("type"))

	evs, latest := s.Bus.Recent(since, limit, kind)
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "latest_id": latest})
}

func (s *Server) handleEventsHistory(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	evs, err := s.Store.ListEvents(limit, since,
		r.URL.Query().Get("type"), r.URL.Query().Get("drone"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.Store.ListHistory(limit,
		r.URL.Query().Get("status"), r.URL.Query().Get("drone"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	stats, err := s.Store.BuildStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}

	out := map[string]any{"builds": rows, "stats": stats}
	if pkg := r.URL.Query().Get("package"); pkg != "" {
		est, err := s.Store.EstimatedDuration(pkg)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store failure", "")
			return
		}
		out["estimated_duration_s"] = est
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListSessions(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListQueue(types.WorkStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	counts, err := s.Store.QueueCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"counts": counts,
		"paused": s.Scheduler.QueuePaused(),
	})
}

func (s *Server) handleMetricsLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	samples, err := s.Store.ListMetrics(time.Now().UTC().Add(-24*time.Hour), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

func (s *Server) handleProtocolList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.Store.ListProtocol(limit,
		r.URL.Query().Get("type"), r.URL.Query().Get("drone"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleProtocolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.ProtocolStatsByType()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleProtocolEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry id", "")
		return
	}
	entry, err := s.Store.GetProtocolEntry(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "protocol entry not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type queueSubmitRequest struct {
	Packages    []string `json:"packages" validate:"required,min=1"`
	SessionName string   `json:"session_name"`
}

func (s *Server) handleQueueSubmit(w http.ResponseWriter, r *http.Request) {
	var req queueSubmitRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue payload", err.Error())
		return
	}

	sessionID := uuid.New().String()
	name := req.SessionName
	if name == "" {
		name = "submitted " + time.Now().UTC().Format("2006-01-02 15:04")
	}
	if err := s.Store.CreateSession(&types.Session{ID: sessionID, Name: name}); err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}

	queued, err := s.Store.Enqueue(req.Packages, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	s.Bus.Emit(types.EventSessionCreated,
		name+" ("+strconv.Itoa(queued)+" packages)", "", "")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "queued",
		"queued":     queued,
		"skipped":    len(req.Packages) - queued,
		"session_id": sessionID,
	})
}

type controlRequest struct {
	Action  string `json:"action" validate:"required,oneof=pause resume unblock unground reset rebalance clear_failures retry_failures"`
	Package string `json:"package"`
	Drone   string `json:"drone"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "unknown control action", err.Error())
		return
	}

	result := map[string]any{"status": "ok", "action": req.Action}
	var err error
	switch req.Action {
	case "pause":
		s.Scheduler.PauseQueue(true)
	case "resume":
		s.Scheduler.PauseQueue(false)
	case "unblock":
		var n int
		n, err = s.Store.Unblock(req.Package)
		result["unblocked"] = n
	case "unground":
		droneID := ""
		if req.Drone != "" {
			d, derr := s.Store.GetDroneByName(req.Drone)
			if derr != nil {
				writeError(w, http.StatusNotFound, "unknown drone", "")
				return
			}
			droneID = d.ID
		}
		result["ungrounded"] = s.Health.Unground(droneID)
	case "reset":
		var retried, unblocked int
		retried, err = s.Store.RetryFailed()
		if err == nil {
			unblocked, err = s.Store.Unblock("")
		}
		result["retried"] = retried
		result["unblocked"] = unblocked
	case "rebalance":
		s.Scheduler.Rebalance()
	case "clear_failures":
		err = s.Store.ClearFailureCounts()
	case "retry_failures":
		var n int
		n, err = s.Store.RetryFailed()
		result["retried"] = n
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "control action failed", "")
		return
	}
	s.Bus.Emit(types.EventControl, "admin action: "+req.Action, "", "")
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNodePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.Store.SetDronePaused(name, paused); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown drone", "")
				return
			}
			writeError(w, http.StatusInternalServerError, "store failure", "")
			return
		}
		verb := "resumed"
		if paused {
			verb = "paused"
		}
		s.Bus.Emit(types.EventControl, name+" "+verb, "", "")
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": name, "paused": paused})
	}
}

func (s *Server) handleNodePing(w http.ResponseWriter, r *http.Request) {
	d, err := s.Store.GetDroneByName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}
	res, err := s.Heal.ProbeOne(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "probe failure", "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNodeResetEscalation(w http.ResponseWriter, r *http.Request) {
	d, err := s.Store.GetDroneByName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}
	if err := s.Heal.ResetEscalation(d.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": d.Name})
}

func (s *Server) handleNodeResetUpload(w http.ResponseWriter, r *http.Request) {
	d, err := s.Store.GetDroneByName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}
	s.Health.ResetUploadFailures(d.ID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": d.Name})
}

type setTypeRequest struct {
	DroneType string `json:"drone_type" validate:"required,oneof=container vm bare-metal unknown"`
}

func (s *Server) handleNodeSetType(w http.ResponseWriter, r *http.Request) {
	var req setTypeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid drone type", err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.Store.SetDroneKind(name, types.DroneKind(req.DroneType)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown drone", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": name, "drone_type": req.DroneType})
}

func (s *Server) handleNodeLock(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.Store.SetDroneLock(name, locked); err != nil {
			writeError(w, http.StatusInternalServerError, "store failure", "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": name, "locked": locked})
	}
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, err := s.Store.GetDroneByName(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}
	if _, err := s.Store.ReclaimFromDrone(d.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	if err := s.Store.DeleteDrone(name); err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": name})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing drone name", "pass ?name=<drone>")
		return
	}
	d, err := s.Store.GetDroneByName(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}
	res, err := s.Heal.ProbeOne(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "probe failure", "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePingAll(w http.ResponseWriter, r *http.Request) {
	drones, err := s.Store.ListDrones(true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	results := make([]types.ProbeResult, 0, len(drones))
	for _, d := range drones {
		res, err := s.Heal.ProbeOne(r.Context(), d)
		if err != nil {
			continue
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	records, err := s.Store.ListHealth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"ladder":  s.Heal.Escalations(),
	})
}

func (s *Server) handleSQLTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.Store.Tables()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleSQLSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.Store.Schema()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": schema})
}

func (s *Server) handleSQLQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query", "pass ?q=SELECT...")
		return
	}
	result, err := s.Store.Query(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
