package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/health"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/payloads"
	"github.com/forgeworks/foundry/pkg/protolog"
	"github.com/forgeworks/foundry/pkg/releases"
	"github.com/forgeworks/foundry/pkg/scheduler"
	"github.com/forgeworks/foundry/pkg/selfheal"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

const testAdminKey = "test-admin-key"

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// nopRunner satisfies sshx.Runner for handlers that never reach SSH.
type nopRunner struct{}

func (nopRunner) Run(context.Context, sshx.Target, string) (string, error) { return "", nil }
func (nopRunner) RunDetached(context.Context, sshx.Target, string) error   { return nil }
func (nopRunner) Upload(context.Context, sshx.Target, io.Reader, int64, string, string) error {
	return nil
}

type fixture struct {
	srv    *Server
	st     *store.Store
	bus    *events.Bus
	rec    *protolog.Recorder
	public http.Handler
	admin  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		PublicPort:       8100,
		AdminPort:        8093,
		AdminKey:         testAdminKey,
		StateDir:         dir,
		LogDir:           dir,
		OrchestratorName: "test-orchestrator",
	}

	bus := events.NewBus(st)
	hm := health.NewMonitor(st, bus, health.Config{})
	sched := scheduler.New(st, bus, hm, scheduler.Config{})
	prober := health.NewProber(nopRunner{})
	heal := selfheal.NewMonitor(st, bus, prober, nopRunner{}, selfheal.Config{})
	reg := payloads.NewRegistry(st, bus, nopRunner{}, dir, 0, 0)
	rel := releases.NewManager(st, bus, filepath.Join(dir, "staging"), filepath.Join(dir, "binhost"))
	rec := protolog.NewRecorder(st)

	srv := NewServer(Deps{
		Config:    cfg,
		Store:     st,
		Bus:       bus,
		Scheduler: sched,
		Health:    hm,
		Heal:      heal,
		Payloads:  reg,
		Releases:  rel,
		Protocol:  rec,
		Runner:    nopRunner{},
		Version:   "test",
	})
	return &fixture{
		srv:    srv,
		st:     st,
		bus:    bus,
		rec:    rec,
		public: srv.publicRouter(),
		admin:  srv.adminRouter(),
	}
}

func (f *fixture) do(t *testing.T, h http.Handler, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func registerBody(id, name string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": name,
		"ip":   "10.0.0.5",
		"type": "drone",
		"capabilities": map[string]any{
			"cores": 8, "ram_gb": 16,
		},
		"version": "1.0.0",
	}
}

func TestRegisterIdempotent(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "registered", body["status"])
	assert.Equal(t, "test-orchestrator", body["orchestrator_name"])
	assert.Equal(t, false, body["paused"])

	rr = f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	require.Equal(t, http.StatusOK, rr.Code)

	drones, err := f.st.ListDrones(true)
	require.NoError(t, err)
	require.Len(t, drones, 1)

	evs, _ := f.bus.Recent(0, 100, types.EventDroneOnline)
	assert.Len(t, evs, 1, "re-register while online is not a transition")
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.public, http.MethodPost, "/api/v1/register",
		map[string]any{"name": "no-id"}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkSingleAssignee(t *testing.T) {
	f := newFixture(t)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d2", "builder-2"), false)

	rr := f.do(t, f.admin, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, true)
	require.Equal(t, http.StatusOK, rr.Code)

	first := decodeBody(t, f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false))
	second := decodeBody(t, f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d2", nil, false))

	assert.Equal(t, "sys-devel/gcc", first["package"])
	assert.Nil(t, second["package"], "one package never goes to two drones")
}

func TestWorkUnknownDrone(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.public, http.MethodGet, "/api/v1/work?id=ghost", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Nil(t, body["package"])
	assert.Contains(t, body["reason"], "register first")
}

func TestStaleCompletionReturns200(t *testing.T) {
	f := newFixture(t)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)

	rr := f.do(t, f.public, http.MethodPost, "/api/v1/complete", map[string]any{
		"id": "d1", "package": "sys-devel/gcc", "status": "success", "build_duration_s": 12.5,
	}, false)
	require.Equal(t, http.StatusOK, rr.Code, "stale report is discarded, not erred")
	body := decodeBody(t, rr)
	assert.Equal(t, "ok", body["status"])
}

func TestCompleteRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.public, http.MethodPost, "/api/v1/complete", map[string]any{
		"id": "d1", "package": "sys-devel/gcc", "status": "exploded",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCompleteRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	f.do(t, f.admin, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, true)
	f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false)

	rr := f.do(t, f.public, http.MethodPost, "/api/v1/complete", map[string]any{
		"id": "d1", "package": "sys-devel/gcc", "status": "success", "build_duration_s": 30.0,
	}, false)
	require.Equal(t, http.StatusOK, rr.Code)

	item, err := f.st.GetQueueItem("sys-devel/gcc")
	require.NoError(t, err)
	assert.Equal(t, types.WorkReceived, item.Status)
}

func TestAdminKeyRequired(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, f.public, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, false)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decodeBody(t, rr)
	assert.Contains(t, body["hint"], "X-Admin-Key")

	rr = f.do(t, f.public, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, true)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminSurfaceGated(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.admin, http.MethodGet, "/admin/api/system/info", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, f.admin, http.MethodGet, "/admin/api/system/info", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "test", body["version"])
}

func TestReadEndpointsOpen(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/v1/status", "/api/v1/nodes", "/api/v1/events",
		"/api/v1/queue", "/api/v1/sessions", "/api/v1/history",
	} {
		rr := f.do(t, f.public, http.MethodGet, path, nil, false)
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestProtocolEntryRecorded(t *testing.T) {
	f := newFixture(t)
	f.rec.Start()

	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false)
	f.rec.Stop()

	entries, err := f.st.ListProtocol(10, "", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byType := map[string]*types.ProtocolEntry{}
	for _, e := range entries {
		byType[e.MsgType] = e
	}
	require.Contains(t, byType, "register")
	require.Contains(t, byType, "work_request")
	assert.Equal(t, "d1", byType["register"].DroneID)
	assert.Equal(t, "d1", byType["work_request"].DroneID, "drone id falls back to the query param")
	assert.NotEmpty(t, byType["register"].Request)
	assert.NotEmpty(t, byType["register"].Response)
}

func TestControlPauseResume(t *testing.T) {
	f := newFixture(t)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	f.do(t, f.admin, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, true)

	rr := f.do(t, f.public, http.MethodPost, "/api/v1/control",
		map[string]any{"action": "pause"}, true)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false))
	assert.Nil(t, body["package"])

	f.do(t, f.public, http.MethodPost, "/api/v1/control",
		map[string]any{"action": "resume"}, true)
	body = decodeBody(t, f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false))
	assert.Equal(t, "sys-devel/gcc", body["package"])
}

func TestControlUnknownAction(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.public, http.MethodPost, "/api/v1/control",
		map[string]any{"action": "self-destruct"}, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNodePauseByName(t *testing.T) {
	f := newFixture(t)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	f.do(t, f.admin, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, true)

	rr := f.do(t, f.public, http.MethodPost, "/api/v1/nodes/builder-1/pause", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false))
	assert.Nil(t, body["package"])

	rr = f.do(t, f.public, http.MethodPost, "/api/v1/nodes/no-such/pause", nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNodeDeleteReclaimsWork(t *testing.T) {
	f := newFixture(t)
	f.do(t, f.public, http.MethodPost, "/api/v1/register", registerBody("d1", "builder-1"), false)
	f.do(t, f.admin, http.MethodPost, "/api/v1/queue",
		map[string]any{"packages": []string{"sys-devel/gcc"}}, true)
	f.do(t, f.public, http.MethodGet, "/api/v1/work?id=d1", nil, false)

	rr := f.do(t, f.public, http.MethodDelete, "/api/v1/nodes/builder-1", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	item, err := f.st.GetQueueItem("sys-devel/gcc")
	require.NoError(t, err)
	assert.Equal(t, types.WorkNeeded, item.Status, "delegated work returns to the queue")

	_, err = f.st.GetDroneByName("builder-1")
	assert.Error(t, err)
}

func TestQueueSubmitCreatesSession(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.admin, http.MethodPost, "/api/v1/queue", map[string]any{
		"packages":     []string{"sys-devel/gcc", "dev-lang/python"},
		"session_name": "nightly rebuild",
	}, true)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["queued"])
	assert.NotEmpty(t, body["session_id"])

	sessions, err := f.st.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "nightly rebuild", sessions[0].Name)
}

func TestSQLExplorerReadOnly(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, f.public, http.MethodGet, "/api/v1/sql/tables", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, f.public, http.MethodGet,
		"/api/v1/sql/query?q=DELETE+FROM+drones", nil, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "mutating statements are rejected")
}

func TestHealthzOpen(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, f.admin, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rr.Code)
}
