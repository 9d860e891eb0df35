package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component names reported through the health registry. The storage,
// executor, and API components gate readiness; the background loops report
// through /health only, since the API can serve reads while a loop is down.
const (
	ComponentStorage    = "storage"
	ComponentExecutor   = "executor"
	ComponentAPI        = "api"
	ComponentPlanner    = "planner"
	ComponentSubmission = "submission-scheduler"
	ComponentDependency = "dependency-scheduler"
	ComponentMonitor    = "timeout-monitor"
)

var readinessComponents = []string{ComponentStorage, ComponentExecutor, ComponentAPI}

// HealthStatus is the JSON body served by /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	version    string
	startTime  time.Time
}

var registry = &healthRegistry{
	components: make(map[string]componentState),
	startTime:  time.Now(),
}

// SetVersion sets the version string reported in health responses.
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// UpdateComponent records the current health of one component, registering
// it on first use. Components call this from their Start and Stop paths and
// whenever their health changes.
func UpdateComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

func (r *healthRegistry) snapshot() HealthStatus {
	return HealthStatus{
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
	}
}

// GetHealth reports every registered component. Any unhealthy component
// makes the whole process unhealthy.
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	out := registry.snapshot()
	out.Status = "healthy"
	out.Components = make(map[string]string, len(registry.components))
	for name, comp := range registry.components {
		if comp.healthy {
			out.Components[name] = "healthy"
			continue
		}
		out.Status = "unhealthy"
		out.Components[name] = "unhealthy: " + comp.message
	}
	return out
}

// GetReadiness reports whether the process can serve traffic, which requires
// only the readiness components. A component that has not reported yet
// counts as not ready.
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	out := registry.snapshot()
	out.Status = "ready"
	out.Components = make(map[string]string, len(readinessComponents))
	for _, name := range readinessComponents {
		comp, reported := registry.components[name]
		switch {
		case !reported:
			out.Status = "not_ready"
			out.Message = "waiting for " + name + " initialization"
			out.Components[name] = "not registered"
		case !comp.healthy:
			out.Status = "not_ready"
			out.Message = "waiting for " + name
			out.Components[name] = "not ready: " + comp.message
		default:
			out.Components[name] = "ready"
		}
	}
	return out
}

// HealthHandler serves /health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetHealth(), "unhealthy")
	}
}

// ReadyHandler serves /ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetReadiness(), "not_ready")
	}
}

// LivenessHandler serves /live; it answers 200 as long as the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(registry.startTime).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, status HealthStatus, badStatus string) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if status.Status == badStatus {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
