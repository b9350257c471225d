package sift

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthChecker provides liveness and readiness probes for the proxy.
// Liveness reflects the control process; readiness follows the engine's
// lifecycle state, so a stopped or failed proxy reports not ready, and
// can additionally run custom checks (e.g., verifying the exclusion
// list file is still readable).
type HealthChecker struct {
	proxy     *Proxy
	startTime time.Time

	// ReadinessChecks are optional functions that must all return nil
	// for the readiness probe to pass.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck is a function that returns nil if the component is ready,
// or an error describing why it is not.
type ReadinessCheck func() error

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	State   string   `json:"state,omitempty"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker observing the given proxy.
func NewHealthChecker(p *Proxy) *HealthChecker {
	return &HealthChecker{
		proxy:     p,
		startTime: time.Now(),
	}
}

// Ready returns true if the proxy engine is running and all readiness
// checks pass.
func (h *HealthChecker) Ready() bool {
	if h.proxy.Status().State != StateRunning {
		return false
	}

	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			return false
		}
	}

	return true
}

// HandleHealthz handles the /healthz liveness probe endpoint. A control
// process able to answer is alive regardless of the engine state.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Status: "ok",
		State:  h.proxy.Status().State.String(),
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := h.proxy.Status()
	resp := HealthResponse{
		State:  status.State.String(),
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if status.State != StateRunning {
		resp.Status = "not ready"
		resp.Reason = "proxy engine is " + status.State.String()
		if status.Err != "" {
			resp.Details = []string{status.Err}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	var failures []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.Status = "ok"
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(resp)
}
