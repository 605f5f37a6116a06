package types

import (
	"time"
)

// Drone represents a registered build worker.
type Drone struct {
	ID            string       `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	Address       string       `db:"address" json:"ip"`
	Kind          DroneKind    `db:"kind" json:"drone_type"`
	Role          DroneRole    `db:"role" json:"type"`
	Status        DroneStatus  `db:"status" json:"status"`
	Paused        bool         `db:"paused" json:"paused"`
	CurrentTask   string       `db:"current_task" json:"current_task"`
	Version       string       `db:"version" json:"version"`
	Capabilities  Capabilities `db:"-" json:"capabilities"`
	Metrics       DroneMetrics `db:"-" json:"metrics"`
	LastSeen      time.Time    `db:"last_seen" json:"last_seen"`
	LastPingAt    time.Time    `db:"last_ping_at" json:"last_ping_at"`
	LastPongAt    time.Time    `db:"last_pong_at" json:"last_pong_at"`
	PingLatencyMS int64        `db:"ping_latency_ms" json:"ping_latency_ms"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// DroneKind classifies the host a drone runs on. Reboot escalation is only
// permitted for container and vm kinds.
type DroneKind string

const (
	DroneKindContainer DroneKind = "container"
	DroneKindVM        DroneKind = "vm"
	DroneKindBareMetal DroneKind = "bare-metal"
	DroneKindUnknown   DroneKind = "unknown"
)

// RebootSafe reports whether the self-healer may reboot this kind of host.
func (k DroneKind) RebootSafe() bool {
	return k == DroneKindContainer || k == DroneKindVM
}

// DroneStatus is the liveness state derived from heartbeats.
type DroneStatus string

const (
	DroneStatusOnline  DroneStatus = "online"
	DroneStatusOffline DroneStatus = "offline"
)

// DroneRole distinguishes regular drones from sweepers, which retry
// globally blocked packages instead of pulling from the normal queue.
type DroneRole string

const (
	DroneRoleBuilder DroneRole = "drone"
	DroneRoleSweeper DroneRole = "sweeper"
)

// Capabilities is the capability set a drone reports at registration.
type Capabilities struct {
	Cores            int     `json:"cores"`
	RAMGB            float64 `json:"ram_gb"`
	Arch             string  `json:"arch,omitempty"`
	AutoReboot       bool    `json:"auto_reboot"`
	PortageTimestamp string  `json:"portage_timestamp,omitempty"`

	// Extra carries forward unrecognized capability keys from the wire.
	Extra map[string]any `json:"-"`
}

// DroneMetrics is the load snapshot a drone reports with each heartbeat.
type DroneMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	Load1m     float64 `json:"load_1m"`
}

// QueueItem is one unit of work: a package atom to compile.
type QueueItem struct {
	ID            int64      `db:"id" json:"id"`
	Package       string     `db:"package" json:"package"`
	Status        WorkStatus `db:"status" json:"status"`
	AssignedTo    string     `db:"assigned_to" json:"assigned_to"`
	AssignedAt    *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	BuildingSince *time.Time `db:"building_since" json:"building_since,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	FailureCount  int        `db:"failure_count" json:"failure_count"`
	LastError     string     `db:"last_error" json:"last_error"`
	SessionID     string     `db:"session_id" json:"session_id"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// WorkStatus is the lifecycle state of a queue item.
type WorkStatus string

const (
	WorkNeeded    WorkStatus = "needed"
	WorkDelegated WorkStatus = "delegated"
	WorkReceived  WorkStatus = "received"
	WorkBlocked   WorkStatus = "blocked"
	WorkFailed    WorkStatus = "failed"
)

// Terminal reports whether the item has finished its lifecycle.
func (s WorkStatus) Terminal() bool {
	return s == WorkReceived || s == WorkFailed
}

// Session groups queue items submitted together.
type Session struct {
	ID          string        `db:"id" json:"id"`
	Name        string        `db:"name" json:"name"`
	Status      SessionStatus `db:"status" json:"status"`
	Total       int           `db:"total" json:"total"`
	Completed   int           `db:"completed" json:"completed"`
	Failed      int           `db:"failed" json:"failed"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	CompletedAt *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// HealthRecord tracks per-drone failure accounting and recovery state.
type HealthRecord struct {
	DroneID            string     `db:"drone_id" json:"drone_id"`
	Failures           int        `db:"failures" json:"failures"`
	LastFailure        *time.Time `db:"last_failure" json:"last_failure,omitempty"`
	Rebooted           bool       `db:"rebooted" json:"rebooted"`
	GroundedUntil      *time.Time `db:"grounded_until" json:"grounded_until,omitempty"`
	UploadFailures     int        `db:"upload_failures" json:"upload_failures"`
	LastUploadFailure  *time.Time `db:"last_upload_failure" json:"last_upload_failure,omitempty"`
	LastProbeResult    string     `db:"last_probe_result" json:"last_probe_result"`
	LastProbeAt        *time.Time `db:"last_probe_at" json:"last_probe_at,omitempty"`
	EscalationLevel    int        `db:"escalation_level" json:"escalation_level"`
	LastEscalationAt   *time.Time `db:"last_escalation_at" json:"last_escalation_at,omitempty"`
	EscalationAttempts int        `db:"escalation_attempts" json:"escalation_attempts"`
}

// Grounded reports whether the drone is inside its grounding cooldown.
func (h *HealthRecord) Grounded(now time.Time) bool {
	return h.GroundedUntil != nil && h.GroundedUntil.After(now)
}

// Event is an immutable record on the bus and in the persistent history.
type Event struct {
	ID        int64     `db:"id" json:"id"`
	Kind      EventKind `db:"kind" json:"type"`
	Message   string    `db:"message" json:"message"`
	Details   string    `db:"details" json:"details,omitempty"`
	DroneID   string    `db:"drone_id" json:"drone_id,omitempty"`
	Package   string    `db:"package" json:"package,omitempty"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// EventKind is the classification of an event.
type EventKind string

const (
	EventDroneOnline        EventKind = "drone.online"
	EventDroneOffline       EventKind = "drone.offline"
	EventDroneGrounded      EventKind = "drone.grounded"
	EventDroneUngrounded    EventKind = "drone.ungrounded"
	EventWorkAssigned       EventKind = "work.assigned"
	EventWorkCompleted      EventKind = "work.completed"
	EventWorkFailed         EventKind = "work.failed"
	EventWorkReturned       EventKind = "work.returned"
	EventWorkBlocked        EventKind = "work.blocked"
	EventWorkReclaimed      EventKind = "work.reclaimed"
	EventWorkRebalanced     EventKind = "work.rebalanced"
	EventStaleCompletion    EventKind = "stale-completion"
	EventSessionCreated     EventKind = "session.created"
	EventSessionCompleted   EventKind = "session.completed"
	EventEscalation         EventKind = "heal.escalation"
	EventHealRecovered      EventKind = "heal.recovered"
	EventBareMetalProtected EventKind = "bare-metal-protected"
	EventAdminAlert         EventKind = "admin.alert"
	EventPayloadDeployed    EventKind = "payload.deployed"
	EventReleasePromoted    EventKind = "release.promoted"
	EventReleaseArchived    EventKind = "release.archived"
	EventReleaseDiverged    EventKind = "release.diverged"
	EventControl            EventKind = "control"
)

// ProtocolEntry records one completed HTTP exchange.
type ProtocolEntry struct {
	ID         int64     `db:"id" json:"id"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	SourceAddr string    `db:"source_addr" json:"source_addr"`
	Method     string    `db:"method" json:"method"`
	Path       string    `db:"path" json:"path"`
	MsgType    string    `db:"msg_type" json:"msg_type"`
	StatusCode int       `db:"status_code" json:"status_code"`
	LatencyMS  int64     `db:"latency_ms" json:"latency_ms"`
	DroneID    string    `db:"drone_id" json:"drone_id,omitempty"`
	Package    string    `db:"package" json:"package,omitempty"`
	Request    string    `db:"request" json:"request,omitempty"`
	Response   string    `db:"response" json:"response,omitempty"`
}

// BuildRecord is one completed build attempt in the append-only history.
type BuildRecord struct {
	ID        int64     `db:"id" json:"id"`
	Package   string    `db:"package" json:"package"`
	DroneID   string    `db:"drone_id" json:"drone_id"`
	Status    string    `db:"status" json:"status"`
	Duration  float64   `db:"duration_s" json:"duration_s"`
	Error     string    `db:"error" json:"error,omitempty"`
	SessionID string    `db:"session_id" json:"session_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// PayloadKind names a deployable drone-side artifact.
type PayloadKind string

const (
	PayloadDroneBinary   PayloadKind = "drone_binary"
	PayloadInitScript    PayloadKind = "init_script"
	PayloadConfig        PayloadKind = "config"
	PayloadPortageConfig PayloadKind = "portage_config"
)

// PayloadVersion is one registered artifact version, unique on (kind, version).
type PayloadVersion struct {
	ID        int64       `db:"id" json:"id"`
	Kind      PayloadKind `db:"kind" json:"kind"`
	Version   string      `db:"version" json:"version"`
	Hash      string      `db:"hash" json:"hash"`
	Size      int64       `db:"size" json:"size"`
	Inline    []byte      `db:"inline_data" json:"-"`
	BlobPath  string      `db:"blob_path" json:"blob_path,omitempty"`
	Notes     string      `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// DronePayload is the deployment state of one payload kind on one drone.
type DronePayload struct {
	DroneID    string       `db:"drone_id" json:"drone_id"`
	Kind       PayloadKind  `db:"kind" json:"kind"`
	Version    string       `db:"version" json:"version"`
	Hash       string       `db:"hash" json:"hash"`
	Status     DeployStatus `db:"status" json:"status"`
	DeployedAt *time.Time   `db:"deployed_at" json:"deployed_at,omitempty"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// DeployStatus is the per-drone payload deployment state.
type DeployStatus string

const (
	DeployPending   DeployStatus = "pending"
	DeployDeploying DeployStatus = "deploying"
	DeployDeployed  DeployStatus = "deployed"
	DeployFailed    DeployStatus = "failed"
)

// DeployRecord is one append-only deployment attempt.
type DeployRecord struct {
	ID        int64       `db:"id" json:"id"`
	Kind      PayloadKind `db:"kind" json:"kind"`
	Version   string      `db:"version" json:"version"`
	DroneID   string      `db:"drone_id" json:"drone_id"`
	Action    string      `db:"action" json:"action"`
	Status    string      `db:"status" json:"status"`
	Duration  float64     `db:"duration_s" json:"duration_s"`
	Error     string      `db:"error" json:"error,omitempty"`
	By        string      `db:"deployed_by" json:"deployed_by,omitempty"`
	Timestamp time.Time   `db:"timestamp" json:"timestamp"`
}

// Release is a named snapshot of produced binary packages.
type Release struct {
	Version      string        `db:"version" json:"version"`
	Name         string        `db:"name" json:"name"`
	Status       ReleaseStatus `db:"status" json:"status"`
	PackageCount int           `db:"package_count" json:"package_count"`
	SizeBytes    int64         `db:"size_bytes" json:"size_bytes"`
	Path         string        `db:"path" json:"path"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	PromotedAt   *time.Time    `db:"promoted_at" json:"promoted_at,omitempty"`
	Notes        string        `db:"notes" json:"notes,omitempty"`
}

// ReleaseStatus is the release lifecycle state. At most one release is
// active at a time.
type ReleaseStatus string

const (
	ReleaseStaging  ReleaseStatus = "staging"
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
	ReleaseDeleted  ReleaseStatus = "deleted"
)

// DroneConfig is admin-owned per-drone configuration, distinct from the
// drone's self-reported record.
type DroneConfig struct {
	Name          string `db:"name" json:"name"`
	SSHUser       string `db:"ssh_user" json:"ssh_user"`
	SSHPort       int    `db:"ssh_port" json:"ssh_port"`
	SSHKeyPath    string `db:"ssh_key_path" json:"ssh_key_path,omitempty"`
	SSHPassword   string `db:"ssh_password" json:"-"`
	CoreLimit     int    `db:"core_limit" json:"core_limit"`
	Jobs          int    `db:"jobs" json:"jobs"`
	MemCapMB      int    `db:"mem_cap_mb" json:"mem_cap_mb"`
	AutoReboot    bool   `db:"auto_reboot" json:"auto_reboot"`
	Protected     bool   `db:"protected" json:"protected"`
	MaxFailures   int    `db:"max_failures" json:"max_failures"`
	BinhostTarget string `db:"binhost_target" json:"binhost_target,omitempty"`
	DisplayName   string `db:"display_name" json:"display_name,omitempty"`
	ControlTag    string `db:"control_tag" json:"control_tag,omitempty"`
	Locked        bool   `db:"locked" json:"locked"`
	Notes         string `db:"notes" json:"notes,omitempty"`
}

// ProbeResult is the outcome of one SSH liveness probe.
type ProbeResult struct {
	DroneID   string        `json:"drone_id"`
	Status    ProbeStatus   `json:"status"`
	Load1m    float64       `json:"load_1m"`
	DiskPct   int           `json:"disk_pct"`
	MemPct    int           `json:"mem_pct"`
	WorkerUp  bool          `json:"worker_up"`
	UptimeS   int64         `json:"uptime_s"`
	Latency   time.Duration `json:"-"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// ProbeStatus classifies a probe outcome.
type ProbeStatus string

const (
	ProbeOK           ProbeStatus = "ok"
	ProbeServiceDown  ProbeStatus = "service_down"
	ProbeOverloaded   ProbeStatus = "overloaded"
	ProbeDiskWarning  ProbeStatus = "disk_warning"
	ProbeDiskCritical ProbeStatus = "disk_critical"
	ProbeMemCritical  ProbeStatus = "memory_critical"
	ProbeTimeout      ProbeStatus = "timeout"
	ProbeUnreachable  ProbeStatus = "unreachable"
)

// Healthy reports whether this probe status should reset escalation.
// Disk warnings degrade but do not escalate.
func (s ProbeStatus) Healthy() bool {
	return s == ProbeOK || s == ProbeDiskWarning
}

// AssignOutcome discriminates AssignResult.
type AssignOutcome string

const (
	AssignAssigned AssignOutcome = "assigned"
	AssignEmpty    AssignOutcome = "empty"
	AssignRejected AssignOutcome = "rejected"
)

// AssignResult is the outcome of a work request.
type AssignResult struct {
	Outcome AssignOutcome
	Item    *QueueItem
	Reason  string
}

// CompletionOutcome discriminates CompletionResult.
type CompletionOutcome string

const (
	CompletionAccepted        CompletionOutcome = "accepted"
	CompletionStale           CompletionOutcome = "stale"
	CompletionAlreadyTerminal CompletionOutcome = "already-terminal"
)

// CompletionResult is the outcome of a completion report.
type CompletionResult struct {
	Outcome CompletionOutcome
	Item    *QueueItem
	Reason  string
}
