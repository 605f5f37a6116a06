package protolog

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/types"
)

const (
	// Body captures are size-capped so one oversized request cannot bloat
	// the log.
	maxRequestCapture  = 4096
	maxResponseCapture = 8192
	truncationMarker   = "...[truncated]"

	queueSize     = 512
	drainInterval = 500 * time.Millisecond
)

// Sink persists entry batches; satisfied by *store.Store.
type Sink interface {
	InsertProtocolEntries([]*types.ProtocolEntry) error
}

// exact (method, path) classifications.
var msgTypeMap = map[string]string{
	"POST /api/v1/register":       "register",
	"GET /api/v1/work":            "work_request",
	"POST /api/v1/complete":       "complete",
	"POST /api/v1/queue":          "queue_submit",
	"GET /api/v1/queue":           "queue_list",
	"POST /api/v1/control":        "control",
	"GET /api/v1/status":          "status_query",
	"GET /api/v1/nodes":           "node_list",
	"GET /api/v1/events":          "event_query",
	"GET /api/v1/events/history":  "event_query",
	"GET /api/v1/history":         "history_query",
	"GET /api/v1/sessions":        "session_query",
	"GET /api/v1/health":          "health_check",
	"GET /api/v1/metrics":         "metrics_query",
	"GET /api/v1/ping":            "ping",
	"GET /api/v1/ping/all":        "ping",
	"GET /api/v1/escalation":      "escalation_query",
	"GET /api/v1/drone-health":    "health_query",
	"GET /api/v1/sql/tables":      "sql_explorer",
	"GET /api/v1/sql/schema":      "sql_explorer",
	"GET /api/v1/sql/query":       "sql_explorer",
}

// dynamic path patterns, checked after exact lookup.
var msgTypePatterns = []struct {
	re      *regexp.Regexp
	msgType string
}{
	{regexp.MustCompile(`^POST /api/v1/nodes/[^/]+/(pause|resume|ping|reset-escalation|set-type)$`), "node_control"},
	{regexp.MustCompile(`^DELETE /api/v1/nodes/[^/]+$`), "node_control"},
	{regexp.MustCompile(`^(GET|POST) /admin/api/payloads`), "admin_payload"},
	{regexp.MustCompile(`^(GET|POST|DELETE) /admin/api/releases`), "admin_release"},
	{regexp.MustCompile(`^(GET|POST|DELETE) /admin/api/`), "admin"},
}

// Classify derives the symbolic message type from method and path. Query
// strings are ignored.
func Classify(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	key := method + " " + strings.TrimSuffix(path, "/")
	if t, ok := msgTypeMap[key]; ok {
		return t
	}
	for _, p := range msgTypePatterns {
		if p.re.MatchString(key) {
			return p.msgType
		}
	}
	return "other"
}

// hints are drone/package identifiers parsed from request bodies.
type hints struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Package string `json:"package"`
	Drone   string `json:"drone"`
}

// ExtractHints pulls drone and package identifiers out of a JSON body.
// Malformed bodies yield empty hints; the entry is still recorded.
func ExtractHints(body []byte) (droneID, pkg string) {
	if len(body) == 0 {
		return "", ""
	}
	var h hints
	if err := json.Unmarshal(body, &h); err != nil {
		return "", ""
	}
	droneID = h.ID
	if droneID == "" {
		droneID = h.Drone
	}
	return droneID, h.Package
}

// Recorder queues protocol entries to a single background writer so the
// request path never waits on the store.
type Recorder struct {
	sink   Sink
	queue  chan *types.ProtocolEntry
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRecorder creates a recorder backed by the given sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:   sink,
		queue:  make(chan *types.ProtocolEntry, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background writer.
func (r *Recorder) Start() {
	go r.run()
}

// Stop drains the queue and stops the writer.
func (r *Recorder) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Record queues one entry, truncating captured bodies. When the queue is
// full the entry is dropped; request handling never blocks on the log.
func (r *Recorder) Record(e *types.ProtocolEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Request = truncate(e.Request, maxRequestCapture)
	e.Response = truncate(e.Response, maxResponseCapture)

	select {
	case r.queue <- e:
	default:
		log.WithComponent("protolog").Debug().Str("type", e.MsgType).Msg("queue full, entry dropped")
	}
}

func (r *Recorder) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.drain()
		case <-r.stopCh:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	var batch []*types.ProtocolEntry
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			if len(batch) == 0 {
				return
			}
			if err := r.sink.InsertProtocolEntries(batch); err != nil {
				log.WithComponent("protolog").Error().Err(err).Int("batch", len(batch)).Msg("persist failed")
			}
			return
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
