package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// DefaultCriticalComponents must all report healthy before /ready succeeds
var DefaultCriticalComponents = []string{"coordinator", "engine", "monitor", "netswitch"}

// HealthStatus is the JSON body served by the health endpoints
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one recovery component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthRegistry tracks component health for the recovery stack
type HealthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

var registry = NewHealthRegistry()

// NewHealthRegistry creates a registry using the default critical components
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		components: make(map[string]ComponentHealth),
		critical:   append([]string(nil), DefaultCriticalComponents...),
		startTime:  time.Now(),
	}
}

// Default returns the process-wide registry
func Default() *HealthRegistry {
	return registry
}

// SetVersion sets the version string reported in health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// SetCriticalComponents replaces the readiness gate. Components that are
// disabled in configuration should be left out.
func (h *HealthRegistry) SetCriticalComponents(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.critical = append([]string(nil), names...)
}

// Update records the health of a component
func (h *HealthRegistry) Update(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Remove forgets a component, e.g. after it was stopped
func (h *HealthRegistry) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.components, name)
}

// UpdateComponent records component health on the process-wide registry
func UpdateComponent(name string, healthy bool, message string) {
	registry.Update(name, healthy, message)
}

// Health reports unhealthy if any registered component is unhealthy
func (h *HealthRegistry) Health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(h.components))

	for name, comp := range h.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// Readiness reports ready once every critical component is registered and healthy
func (h *HealthRegistry) Readiness() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ready"
	var waiting []string
	components := make(map[string]string, len(h.critical))

	for _, name := range h.critical {
		comp, ok := h.components[name]
		switch {
		case !ok:
			status = "not_ready"
			waiting = append(waiting, name)
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			waiting = append(waiting, name)
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	message := ""
	if len(waiting) > 0 {
		sort.Strings(waiting)
		message = "waiting for " + waiting[0]
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// HealthHandler serves /health from the given registry
func HealthHandler(h *HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.Health()
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, health)
	}
}

// ReadyHandler serves /ready from the given registry
func ReadyHandler(h *HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := h.Readiness()
		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, readiness)
	}
}

// LivenessHandler always returns 200 while the process is running
func LivenessHandler(h *HealthRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(h.startTime).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
