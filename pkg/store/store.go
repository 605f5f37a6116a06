package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/forgeworks/foundry/pkg/log"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the single durable state store for the control plane. Reads are
// concurrent; writes serialize through a single writer mutex on top of
// SQLite's WAL journal.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex // serializes writers
}

// Open opens (creating if needed) the database file, applies the schema, and
// runs the idempotent column-add migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes at the connection level; a single conn
	// avoids SQLITE_BUSY between the writer mutex and the WAL.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS drones (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'unknown',
	role TEXT NOT NULL DEFAULT 'drone',
	status TEXT NOT NULL DEFAULT 'online',
	paused INTEGER NOT NULL DEFAULT 0,
	current_task TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '{}',
	metrics TEXT NOT NULL DEFAULT '{}',
	last_seen TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'needed',
	assigned_to TEXT NOT NULL DEFAULT '',
	assigned_at TIMESTAMP,
	building_since TIMESTAMP,
	completed_at TIMESTAMP,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_package ON queue(package);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	total INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS build_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package TEXT NOT NULL,
	drone_id TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_s REAL NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_package ON build_history(package);
CREATE INDEX IF NOT EXISTS idx_history_drone ON build_history(drone_id);

CREATE TABLE IF NOT EXISTS drone_health (
	drone_id TEXT PRIMARY KEY,
	failures INTEGER NOT NULL DEFAULT 0,
	last_failure TIMESTAMP,
	rebooted INTEGER NOT NULL DEFAULT 0,
	grounded_until TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	drone_id TEXT NOT NULL DEFAULT '',
	package TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);

CREATE TABLE IF NOT EXISTS protocol_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	source_addr TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	msg_type TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	drone_id TEXT NOT NULL DEFAULT '',
	package TEXT NOT NULL DEFAULT '',
	request TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_protocol_type ON protocol_log(msg_type);

CREATE TABLE IF NOT EXISTS payload_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	version TEXT NOT NULL,
	hash TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	inline_data BLOB,
	blob_path TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(kind, version)
);

CREATE TABLE IF NOT EXISTS drone_payloads (
	drone_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	deployed_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY(drone_id, kind)
);

CREATE TABLE IF NOT EXISTS deploy_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	version TEXT NOT NULL,
	drone_id TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_s REAL NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	deployed_by TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS releases (
	version TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'staging',
	package_count INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	promoted_at TIMESTAMP,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS drone_config (
	name TEXT PRIMARY KEY,
	ssh_user TEXT NOT NULL DEFAULT 'root',
	ssh_port INTEGER NOT NULL DEFAULT 22,
	ssh_key_path TEXT NOT NULL DEFAULT '',
	ssh_password TEXT NOT NULL DEFAULT '',
	core_limit INTEGER NOT NULL DEFAULT 0,
	jobs INTEGER NOT NULL DEFAULT 0,
	mem_cap_mb INTEGER NOT NULL DEFAULT 0,
	auto_reboot INTEGER NOT NULL DEFAULT 0,
	protected INTEGER NOT NULL DEFAULT 0,
	max_failures INTEGER NOT NULL DEFAULT 0,
	binhost_target TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	control_tag TEXT NOT NULL DEFAULT '',
	locked INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	queue_depth INTEGER NOT NULL DEFAULT 0,
	drones_online INTEGER NOT NULL DEFAULT 0,
	total_cores INTEGER NOT NULL DEFAULT 0,
	delegated INTEGER NOT NULL DEFAULT 0,
	received INTEGER NOT NULL DEFAULT 0
);
`

// columnMigrations lists columns added after the initial schema. Each is
// applied only if missing, so opening an old database upgrades it in place.
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"drone_health", "upload_failures", "ALTER TABLE drone_health ADD COLUMN upload_failures INTEGER NOT NULL DEFAULT 0"},
	{"drone_health", "last_upload_failure", "ALTER TABLE drone_health ADD COLUMN last_upload_failure TIMESTAMP"},
	{"drone_health", "last_probe_result", "ALTER TABLE drone_health ADD COLUMN last_probe_result TEXT NOT NULL DEFAULT ''"},
	{"drone_health", "last_probe_at", "ALTER TABLE drone_health ADD COLUMN last_probe_at TIMESTAMP"},
	{"drone_health", "escalation_level", "ALTER TABLE drone_health ADD COLUMN escalation_level INTEGER NOT NULL DEFAULT 0"},
	{"drone_health", "last_escalation_at", "ALTER TABLE drone_health ADD COLUMN last_escalation_at TIMESTAMP"},
	{"drone_health", "escalation_attempts", "ALTER TABLE drone_health ADD COLUMN escalation_attempts INTEGER NOT NULL DEFAULT 0"},
	{"drones", "role", "ALTER TABLE drones ADD COLUMN role TEXT NOT NULL DEFAULT 'drone'"},
	{"drones", "last_ping_at", "ALTER TABLE drones ADD COLUMN last_ping_at TIMESTAMP"},
	{"drones", "last_pong_at", "ALTER TABLE drones ADD COLUMN last_pong_at TIMESTAMP"},
	{"drones", "ping_latency_ms", "ALTER TABLE drones ADD COLUMN ping_latency_ms INTEGER NOT NULL DEFAULT 0"},
	{"queue", "building_since", "ALTER TABLE queue ADD COLUMN building_since TIMESTAMP"},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, m := range columnMigrations {
		has, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
		log.WithComponent("store").Info().
			Str("table", m.table).
			Str("column", m.column).
			Msg("applied column migration")
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// withTx runs fn inside a single write transaction, retrying once on commit
// failure per the store-commit error policy.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := func() error {
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}

	err := run()
	if err != nil && strings.Contains(err.Error(), "commit") {
		log.WithComponent("store").Warn().Err(err).Msg("commit failed, retrying once")
		err = run()
	}
	return err
}

// exec runs a single write statement under the writer mutex.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

func now() time.Time {
	return time.Now().UTC()
}
