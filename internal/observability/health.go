package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker tracks process liveness and traffic readiness, served as
// kubelet-style probes at /healthz and /readyz.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

type healthStatus struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// SetReady flips the readiness gate. Main turns it on once recovery has
// completed and replay reached the log head.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service accepts traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler always answers 200: the process is up.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthStatus{
		Status: "alive",
		Uptime: time.Since(h.started).String(),
	})
}

// ReadinessHandler answers 200 once the readiness gate is open, 503
// before then so load balancers hold traffic during recovery.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeHealth(w, http.StatusOK, healthStatus{Status: "ready"})
		return
	}
	writeHealth(w, http.StatusServiceUnavailable, healthStatus{Status: "not_ready"})
}

func writeHealth(w http.ResponseWriter, code int, body healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
