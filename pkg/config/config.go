package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foundry/pkg/types"
)

// ErrAdminKey marks failures to load or persist the generated admin key, so
// callers can exit with the authentication-misconfiguration code.
var ErrAdminKey = errors.New("admin key unavailable")

// Config holds every resolved tunable for the control plane.
type Config struct {
	// Listeners
	PublicPort int    `mapstructure:"public_port"`
	AdminPort  int    `mapstructure:"admin_port"`
	AdminKey   string `mapstructure:"admin_key"`

	// Paths
	StateDir   string `mapstructure:"state_dir"`
	LogDir     string `mapstructure:"log_dir"`
	PayloadDir string `mapstructure:"payload_dir"`
	StagingDir string `mapstructure:"staging_dir"`
	BinhostDir string `mapstructure:"binhost_dir"`

	// Scheduler
	ReclaimOfflineMinutes int `mapstructure:"reclaim_offline_minutes"`
	ReclaimLeaseSeconds   int `mapstructure:"reclaim_lease_seconds"`
	MaxPrefetchPerDrone   int `mapstructure:"max_prefetch_per_drone"`
	QueueTarget           int `mapstructure:"queue_target"`
	CoresPerSlot          int `mapstructure:"cores_per_slot"`

	// Health circuit breaker
	MaxFailures            int `mapstructure:"max_failures"`
	GroundingTimeoutSec    int `mapstructure:"grounding_timeout_seconds"`
	FailureAgeSeconds      int `mapstructure:"failure_age_seconds"`
	MaxUploadFailures      int `mapstructure:"max_upload_failures"`
	UploadRetryIntervalMin int `mapstructure:"upload_retry_interval_minutes"`

	// Self-healing
	ProbeIntervalSeconds   int `mapstructure:"probe_interval_seconds"`
	MinConsecutiveFailures int `mapstructure:"min_consecutive_failures"`
	MinFailureWindowSec    int `mapstructure:"min_failure_window_seconds"`

	// SSH
	SSHConnectTimeoutSec   int `mapstructure:"ssh_connect_timeout_seconds"`
	SSHOperationTimeoutSec int `mapstructure:"ssh_operation_timeout_seconds"`

	// Fleet policy
	SweeperPrefix  string   `mapstructure:"sweeper_prefix"`
	ProtectedHosts []string `mapstructure:"protected_hosts"`

	// Identity reported to drones at registration.
	OrchestratorName string `mapstructure:"orchestrator_name"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load resolves configuration from the environment (FOUNDRY_ prefix) and an
// optional config file. Missing directories are created; a missing admin key
// is generated and persisted under the state directory.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOUNDRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, dir := range []string{cfg.StateDir, cfg.LogDir, cfg.PayloadDir, cfg.StagingDir, cfg.BinhostDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if cfg.AdminKey == "" {
		key, err := loadOrGenerateAdminKey(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAdminKey, err)
		}
		cfg.AdminKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dataDir, logDir := defaultDirs()

	v.SetDefault("public_port", 8100)
	v.SetDefault("admin_port", 8093)
	v.SetDefault("admin_key", "")

	v.SetDefault("state_dir", dataDir)
	v.SetDefault("log_dir", logDir)
	v.SetDefault("payload_dir", filepath.Join(dataDir, "payloads"))
	v.SetDefault("staging_dir", "/var/cache/binpkgs-staging")
	v.SetDefault("binhost_dir", "/var/cache/binpkgs")

	v.SetDefault("reclaim_offline_minutes", 15)
	v.SetDefault("reclaim_lease_seconds", 600)
	v.SetDefault("max_prefetch_per_drone", 2)
	v.SetDefault("queue_target", 5)
	v.SetDefault("cores_per_slot", 4)

	v.SetDefault("max_failures", 8)
	v.SetDefault("grounding_timeout_seconds", 300)
	v.SetDefault("failure_age_seconds", 1800)
	v.SetDefault("max_upload_failures", 3)
	v.SetDefault("upload_retry_interval_minutes", 30)

	v.SetDefault("probe_interval_seconds", 30)
	v.SetDefault("min_consecutive_failures", 3)
	v.SetDefault("min_failure_window_seconds", 180)

	v.SetDefault("ssh_connect_timeout_seconds", 10)
	v.SetDefault("ssh_operation_timeout_seconds", 120)

	v.SetDefault("sweeper_prefix", "sweeper-")
	v.SetDefault("protected_hosts", []string{})
	v.SetDefault("orchestrator_name", "foundry")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// defaultDirs returns system paths for root, XDG paths otherwise.
func defaultDirs() (string, string) {
	if os.Geteuid() == 0 {
		return "/var/lib/foundry", "/var/log/foundry"
	}
	data := os.Getenv("XDG_DATA_HOME")
	if data == "" {
		home, _ := os.UserHomeDir()
		data = filepath.Join(home, ".local", "share")
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		home, _ := os.UserHomeDir()
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(data, "foundry"), filepath.Join(state, "foundry")
}

// loadOrGenerateAdminKey reuses a previously generated key so restarts do not
// invalidate admin sessions.
func loadOrGenerateAdminKey(stateDir string) (string, error) {
	keyFile := filepath.Join(stateDir, "admin.key")
	if data, err := os.ReadFile(keyFile); err == nil {
		key := strings.TrimSpace(string(data))
		if key != "" {
			return key, nil
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin key: %w", err)
	}
	key := hex.EncodeToString(buf)
	if err := os.WriteFile(keyFile, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist admin key: %w", err)
	}
	return key, nil
}

// DBPath returns the path of the single SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "foundry.db")
}

// LogFile returns the control-plane log file path.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, "control-plane.log")
}

// ReclaimOffline returns the heartbeat-stale reclaim threshold.
func (c *Config) ReclaimOffline() time.Duration {
	return time.Duration(c.ReclaimOfflineMinutes) * time.Minute
}

// ReclaimLease returns the lease reclaim threshold.
func (c *Config) ReclaimLease() time.Duration {
	return time.Duration(c.ReclaimLeaseSeconds) * time.Second
}

// GroundingTimeout returns the circuit-breaker cooldown.
func (c *Config) GroundingTimeout() time.Duration {
	return time.Duration(c.GroundingTimeoutSec) * time.Second
}

// FailureAge returns the age-bounded failure window.
func (c *Config) FailureAge() time.Duration {
	return time.Duration(c.FailureAgeSeconds) * time.Second
}

// ProbeInterval returns the self-heal probe cadence. Zero disables the
// monitor entirely.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// MinFailureWindow returns the minimum failure window escalation guard.
func (c *Config) MinFailureWindow() time.Duration {
	return time.Duration(c.MinFailureWindowSec) * time.Second
}

// UploadRetryInterval returns how long an upload-impaired drone sits out.
func (c *Config) UploadRetryInterval() time.Duration {
	return time.Duration(c.UploadRetryIntervalMin) * time.Minute
}

// SSHConnectTimeout returns the outbound SSH dial timeout.
func (c *Config) SSHConnectTimeout() time.Duration {
	return time.Duration(c.SSHConnectTimeoutSec) * time.Second
}

// SSHOperationTimeout returns the outbound SSH command/copy timeout.
func (c *Config) SSHOperationTimeout() time.Duration {
	return time.Duration(c.SSHOperationTimeoutSec) * time.Second
}

// IsProtected reports whether a host address is on the protected list and
// must never be rebooted automatically.
func (c *Config) IsProtected(addr string) bool {
	for _, h := range c.ProtectedHosts {
		if h == addr {
			return true
		}
	}
	return false
}

// SweeperName reports whether a drone name carries the sweeper prefix.
func (c *Config) SweeperName(name string) bool {
	return c.SweeperPrefix != "" && strings.HasPrefix(name, c.SweeperPrefix)
}

// droneSeed mirrors one entry of the drones.yaml seed file.
type droneSeed struct {
	Name        string `yaml:"name"`
	SSHUser     string `yaml:"ssh_user"`
	SSHPort     int    `yaml:"ssh_port"`
	SSHKeyPath  string `yaml:"ssh_key_path"`
	CoreLimit   int    `yaml:"core_limit"`
	Jobs        int    `yaml:"jobs"`
	AutoReboot  bool   `yaml:"auto_reboot"`
	Protected   bool   `yaml:"protected"`
	MaxFailures int    `yaml:"max_failures"`
	DisplayName string `yaml:"display_name"`
	Notes       string `yaml:"notes"`
}

// LoadDroneSeeds reads the optional drones.yaml under the state directory and
// returns drone configs to upsert at startup. A missing file is not an error.
func (c *Config) LoadDroneSeeds() ([]types.DroneConfig, error) {
	path := filepath.Join(c.StateDir, "drones.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read drone seed file: %w", err)
	}

	var seeds []droneSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse drone seed file: %w", err)
	}

	configs := make([]types.DroneConfig, 0, len(seeds))
	for _, s := range seeds {
		if s.Name == "" {
			continue
		}
		dc := types.DroneConfig{
			Name:        s.Name,
			SSHUser:     s.SSHUser,
			SSHPort:     s.SSHPort,
			SSHKeyPath:  s.SSHKeyPath,
			CoreLimit:   s.CoreLimit,
			Jobs:        s.Jobs,
			AutoReboot:  s.AutoReboot,
			Protected:   s.Protected,
			MaxFailures: s.MaxFailures,
			DisplayName: s.DisplayName,
			Notes:       s.Notes,
		}
		if dc.SSHUser == "" {
			dc.SSHUser = "root"
		}
		if dc.SSHPort == 0 {
			dc.SSHPort = 22
		}
		configs = append(configs, dc)
	}
	return configs, nil
}
