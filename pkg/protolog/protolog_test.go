package protolog

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type memSink struct {
	mu      sync.Mutex
	entries []*types.ProtocolEntry
}

func (m *memSink) InsertProtocolEntries(es []*types.ProtocolEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, es...)
	return nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{"POST", "/api/v1/register", "register"},
		{"GET", "/api/v1/work?id=d1&cores=16", "work_request"},
		{"POST", "/api/v1/complete", "complete"},
		{"POST", "/api/v1/control", "control"},
		{"GET", "/api/v1/status", "status_query"},
		{"GET", "/api/v1/nodes", "node_list"},
		{"POST", "/api/v1/nodes/builder-1/pause", "node_control"},
		{"POST", "/api/v1/nodes/builder-1/set-type", "node_control"},
		{"DELETE", "/api/v1/nodes/builder-1", "node_control"},
		{"GET", "/api/v1/sql/query?q=SELECT+1", "sql_explorer"},
		{"POST", "/admin/api/payloads", "admin_payload"},
		{"POST", "/admin/api/releases/2026.08.01/promote", "admin_release"},
		{"GET", "/admin/api/system/info", "admin"},
		{"GET", "/favicon.ico", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.method, tt.path))
		})
	}
}

func TestExtractHints(t *testing.T) {
	drone, pkg := ExtractHints([]byte(`{"id":"d1","package":"cat/pkg","status":"success"}`))
	assert.Equal(t, "d1", drone)
	assert.Equal(t, "cat/pkg", pkg)

	drone, pkg = ExtractHints([]byte(`{"drone":"d2"}`))
	assert.Equal(t, "d2", drone)
	assert.Empty(t, pkg)

	drone, pkg = ExtractHints([]byte(`not json`))
	assert.Empty(t, drone)
	assert.Empty(t, pkg)
}

func TestRecordTruncatesBodies(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink)
	r.Start()

	r.Record(&types.ProtocolEntry{
		Method:   "POST",
		Path:     "/api/v1/complete",
		MsgType:  "complete",
		Request:  strings.Repeat("a", maxRequestCapture+100),
		Response: strings.Repeat("b", maxResponseCapture+100),
	})
	r.Stop()

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.True(t, strings.HasSuffix(e.Request, truncationMarker))
	assert.Len(t, e.Request, maxRequestCapture+len(truncationMarker))
	assert.True(t, strings.HasSuffix(e.Response, truncationMarker))
	assert.False(t, e.Timestamp.IsZero())
}

func TestStopDrainsQueue(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink)
	r.Start()

	for i := 0; i < 20; i++ {
		r.Record(&types.ProtocolEntry{Method: "GET", Path: "/api/v1/status", MsgType: "status_query"})
	}
	r.Stop()

	assert.Len(t, sink.entries, 20)
}
