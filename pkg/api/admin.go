package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/releases"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// adminRouter serves the authenticated admin surface plus the Prometheus
// scrape endpoint and liveness probe, which stay unauthenticated.
func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	s.baseMiddleware(r)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	s.mountAPI(r)

	r.Route("/admin/api", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/auth/check", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		})

		r.Route("/payloads", func(r chi.Router) {
			r.Get("/", s.handlePayloadList)
			r.Post("/", s.handlePayloadRegister)
			r.Get("/status", s.handlePayloadStatus)
			r.Get("/{kind}/versions", s.handlePayloadVersions)
			r.Post("/{kind}/verify", s.handlePayloadVerify)
			r.Post("/{kind}/{version}/deploy", s.handlePayloadDeploy)
			r.Post("/{kind}/{version}/rolling-deploy", s.handlePayloadRollingDeploy)
		})

		r.Route("/releases", func(r chi.Router) {
			r.Get("/", s.handleReleaseList)
			r.Post("/", s.handleReleaseCreate)
			r.Get("/status", s.handleReleaseStatus)
			r.Get("/diff", s.handleReleaseDiff)
			r.Post("/rollback", s.handleReleaseRollback)
			r.Get("/{version}/packages", s.handleReleasePackages)
			r.Post("/{version}/promote", s.handleReleasePromote)
			r.Post("/{version}/archive", s.handleReleaseArchive)
			r.Delete("/{version}", s.handleReleaseDelete)
		})

		r.Get("/logs/control-plane", s.handleControlPlaneLog)
		r.Get("/drones/{name}/syslog", s.handleDroneSyslog)
		r.Get("/drones/versions", s.handleDroneVersions)

		r.Get("/system/info", s.handleSystemInfo)
		r.Get("/config", s.handleConfigGet)
		r.Post("/config", s.handleConfigSet)

		r.Get("/drone-configs", s.handleDroneConfigList)
		r.Get("/drone-config/{name}", s.handleDroneConfigGet)
		r.Post("/drone-config/{name}", s.handleDroneConfigSet)
		r.Delete("/drone-config/{name}", s.handleDroneConfigDelete)
	})

	return r
}

func (s *Server) handlePayloadList(w http.ResponseWriter, r *http.Request) {
	out := map[string][]*types.PayloadVersion{}
	for _, kind := range []types.PayloadKind{
		types.PayloadDroneBinary, types.PayloadInitScript,
		types.PayloadConfig, types.PayloadPortageConfig,
	} {
		versions, err := s.Store.ListPayloadVersions(kind)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store failure", "")
			return
		}
		out[string(kind)] = versions
	}
	writeJSON(w, http.StatusOK, map[string]any{"payloads": out})
}

type payloadRegisterRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=drone_binary init_script config portage_config"`
	Version string `json:"version" validate:"required"`
	Data    string `json:"data" validate:"required"`
	Notes   string `json:"notes"`
}

func (s *Server) handlePayloadRegister(w http.ResponseWriter, r *http.Request) {
	var req payloadRegisterRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", "data must be base64")
		return
	}

	pv, err := s.Payloads.Register(types.PayloadKind(req.Kind), req.Version, data, req.Notes)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateVersion) {
			writeError(w, http.StatusConflict, "version already registered", "")
			return
		}
		writeError(w, http.StatusBadRequest, "register failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func (s *Server) handlePayloadStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.Store.ListDronePayloads()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	deploys, err := s.Store.ListDeployRecords(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drones": states, "recent_deploys": deploys})
}

func (s *Server) handlePayloadVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Store.ListPayloadVersions(types.PayloadKind(chi.URLParam(r, "kind")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type deployRequest struct {
	Drone      string `json:"drone" validate:"required"`
	Verify     bool   `json:"verify"`
	DeployedBy string `json:"deployed_by"`
}

// handlePayloadDeploy runs one deploy. Failures come back as 200 with an
// error field so the caller can distinguish transport errors from deploy
// errors.
func (s *Server) handlePayloadDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid deploy request", err.Error())
		return
	}
	d, err := s.Store.GetDroneByName(req.Drone)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}

	kind := types.PayloadKind(chi.URLParam(r, "kind"))
	version := chi.URLParam(r, "version")
	if err := s.Payloads.Deploy(r.Context(), d, kind, version, req.DeployedBy); err != nil {
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "failed", "drone": req.Drone, "error": err.Error(),
		})
		return
	}
	metrics.DeploysTotal.WithLabelValues("deployed").Inc()
	out := map[string]any{
		"status": "deployed", "drone": req.Drone, "kind": kind, "version": version,
	}
	if req.Verify {
		match, err := s.Payloads.Verify(r.Context(), d, kind)
		switch {
		case err != nil:
			out["verified"] = false
			out["verify_error"] = err.Error()
		default:
			out["verified"] = match
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type rollingDeployRequest struct {
	Drones         []string `json:"drones"`
	DeployedBy     string   `json:"deployed_by"`
	HealthCheck    bool     `json:"health_check"`
	RollbackOnFail bool     `json:"rollback_on_fail"`
}

func (s *Server) handlePayloadRollingDeploy(w http.ResponseWriter, r *http.Request) {
	var req rollingDeployRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid deploy request", err.Error())
		return
	}

	var drones []*types.Drone
	if len(req.Drones) == 0 {
		all, err := s.Store.ListDrones(false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store failure", "")
			return
		}
		drones = all
	} else {
		for _, name := range req.Drones {
			d, err := s.Store.GetDroneByName(name)
			if err != nil {
				writeError(w, http.StatusNotFound, "unknown drone", name)
				return
			}
			drones = append(drones, d)
		}
	}

	var check func(context.Context, *types.Drone) error
	if req.HealthCheck {
		check = func(ctx context.Context, d *types.Drone) error {
			res, err := s.Heal.ProbeOne(ctx, d)
			if err != nil {
				return err
			}
			if res.Status != types.ProbeOK {
				return fmt.Errorf("probe %s after deploy", res.Status)
			}
			return nil
		}
	}

	kind := types.PayloadKind(chi.URLParam(r, "kind"))
	version := chi.URLParam(r, "version")
	result := s.Payloads.RollingDeploy(r.Context(), drones, kind, version,
		req.DeployedBy, check, req.RollbackOnFail)
	for range result.Succeeded {
		metrics.DeploysTotal.WithLabelValues("deployed").Inc()
	}
	if result.Failed != "" {
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePayloadVerify(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid verify request", err.Error())
		return
	}
	d, err := s.Store.GetDroneByName(req.Drone)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}

	match, err := s.Payloads.Verify(r.Context(), d, types.PayloadKind(chi.URLParam(r, "kind")))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "error", "drone": req.Drone, "error": err.Error(),
		})
		return
	}
	status := "match"
	if !match {
		status = "mismatch"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "drone": req.Drone})
}

func (s *Server) handleReleaseList(w http.ResponseWriter, r *http.Request) {
	rels, err := s.Store.ListReleases(r.URL.Query().Get("all") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": rels})
}

type releaseCreateRequest struct {
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

func (s *Server) handleReleaseCreate(w http.ResponseWriter, r *http.Request) {
	var req releaseCreateRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid release request", err.Error())
		return
	}
	rel, err := s.Releases.Create(req.Name, req.Notes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "release creation failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Releases.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "binhost status failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReleaseDiff(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "missing versions", "pass ?from=&to=")
		return
	}
	diff, err := s.Releases.DiffReleases(from, to)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "release not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "diff failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleReleaseRollback(w http.ResponseWriter, r *http.Request) {
	rel, err := s.Releases.Rollback()
	if err != nil {
		writeError(w, http.StatusBadRequest, "rollback failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleasePackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.Releases.Packages(chi.URLParam(r, "version"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "release not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (s *Server) handleReleasePromote(w http.ResponseWriter, r *http.Request) {
	rel, err := s.Releases.Promote(chi.URLParam(r, "version"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "release not found", "")
			return
		}
		writeError(w, http.StatusBadRequest, "promote failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseArchive(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if err := s.Releases.Archive(version); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "release not found", "")
			return
		}
		writeError(w, http.StatusBadRequest, "archive failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "archived", "version": version})
}

func (s *Server) handleReleaseDelete(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if err := s.Releases.Delete(version); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "release not found", "")
			return
		}
		if errors.Is(err, releases.ErrActive) {
			writeError(w, http.StatusConflict, "release is active", "promote another release first")
			return
		}
		writeError(w, http.StatusBadRequest, "delete failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "version": version})
}

func (s *Server) handleControlPlaneLog(w http.ResponseWriter, r *http.Request) {
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if lines <= 0 || lines > 2000 {
		lines = 200
	}
	tail, err := tailFile(s.Config.LogFile(), lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "log read failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}

func (s *Server) handleDroneSyslog(w http.ResponseWriter, r *http.Request) {
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if lines <= 0 || lines > 2000 {
		lines = 200
	}
	d, err := s.Store.GetDroneByName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", "")
		return
	}
	dc, err := s.Store.GetDroneConfig(d.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, "no ssh config for drone", "add a drone-config first")
		return
	}

	tgt := sshx.Target{
		Host:             d.Address,
		Port:             dc.SSHPort,
		User:             dc.SSHUser,
		KeyPath:          dc.SSHKeyPath,
		Password:         dc.SSHPassword,
		ConnectTimeout:   s.Config.SSHConnectTimeout(),
		OperationTimeout: s.Config.SSHOperationTimeout(),
	}
	out, err := s.Runner.Run(r.Context(), tgt,
		fmt.Sprintf("tail -n %d /var/log/messages 2>/dev/null || tail -n %d /var/log/syslog", lines, lines))
	if err != nil {
		writeError(w, http.StatusBadGateway, "syslog fetch failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drone": d.Name,
		"lines": strings.Split(strings.TrimRight(out, "\n"), "\n"),
	})
}

func (s *Server) handleDroneVersions(w http.ResponseWriter, r *http.Request) {
	matrix, err := s.Payloads.VersionMatrix()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drones": matrix})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"hostname":     host,
		"version":      s.Version,
		"go_version":   runtime.Version(),
		"goroutines":   runtime.NumGoroutine(),
		"heap_mb":      mem.HeapAlloc >> 20,
		"uptime_s":     int64(time.Since(s.started).Seconds()),
		"db_path":      s.Config.DBPath(),
		"public_port":  s.Config.PublicPort,
		"admin_port":   s.Config.AdminPort,
		"orchestrator": s.Config.OrchestratorName,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	values, err := s.Store.AllConfigValues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": values})
}

type configSetRequest struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req configSetRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config request", err.Error())
		return
	}
	if err := s.Store.SetConfigValue(req.Key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "key": req.Key})
}

func (s *Server) handleDroneConfigList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.Store.ListDroneConfigs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drone_configs": configs})
}

func (s *Server) handleDroneConfigGet(w http.ResponseWriter, r *http.Request) {
	dc, err := s.Store.GetDroneConfig(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no config for drone", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

func (s *Server) handleDroneConfigSet(w http.ResponseWriter, r *http.Request) {
	var dc types.DroneConfig
	if err := s.decode(r, &dc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid drone config", err.Error())
		return
	}
	dc.Name = chi.URLParam(r, "name")
	if err := s.Store.UpsertDroneConfig(&dc); err != nil {
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": dc.Name})
}

func (s *Server) handleDroneConfigDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Store.DeleteDroneConfig(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no config for drone", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": name})
}

// tailFile returns the last n lines of a file without reading the whole
// thing; reads at most 1MB from the end.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	const window = 1 << 20
	offset := info.Size() - window
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
