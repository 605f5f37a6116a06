package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ComponentHealth is one component's self-reported state.
type ComponentHealth struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthStatus is the aggregate liveness report.
type HealthStatus struct {
	Healthy    bool                       `json:"healthy"`
	Version    string                     `json:"version,omitempty"`
	UptimeS    int64                      `json:"uptime_s"`
	Components map[string]ComponentHealth `json:"components"`
}

var (
	healthMu   sync.RWMutex
	components = map[string]ComponentHealth{}
	version    string
	startedAt  = time.Now()
)

// SetVersion records the build version reported by the health endpoints.
func SetVersion(v string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	version = v
}

// RegisterComponent adds or replaces a component's health state. Components
// register at startup and update on state changes.
func RegisterComponent(name string, healthy bool, message string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	components[name] = ComponentHealth{
		Healthy:   healthy,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
}

// GetHealth returns the aggregate state; unhealthy when any component is.
func GetHealth() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	status := HealthStatus{
		Healthy:    true,
		Version:    version,
		UptimeS:    int64(time.Since(startedAt).Seconds()),
		Components: make(map[string]ComponentHealth, len(components)),
	}
	for name, ch := range components {
		status.Components[name] = ch
		if !ch.Healthy {
			status.Healthy = false
		}
	}
	return status
}

// HealthHandler serves the liveness report; 503 when any component is down.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status) //nolint:errcheck
	}
}
