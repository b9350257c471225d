package sift

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newHealthChecker(t *testing.T) (*HealthChecker, *Proxy) {
	t.Helper()
	p := NewProxy("127.0.0.1:0")
	p.Logger = discardLogger()
	return NewHealthChecker(p), p
}

func TestHealthChecker_Ready(t *testing.T) {
	t.Run("not ready while stopped", func(t *testing.T) {
		h, _ := newHealthChecker(t)
		if h.Ready() {
			t.Error("expected not ready while the engine is stopped")
		}
	})

	t.Run("ready while running", func(t *testing.T) {
		h, p := newHealthChecker(t)
		startProxy(t, p)
		if !h.Ready() {
			t.Error("expected ready while the engine is running")
		}
	})

	t.Run("not ready when a check fails", func(t *testing.T) {
		h, p := newHealthChecker(t)
		startProxy(t, p)
		h.ReadinessChecks = []ReadinessCheck{
			func() error { return nil },
			func() error { return errors.New("exclusion list unavailable") },
		}
		if h.Ready() {
			t.Error("expected not ready when a check fails")
		}
	})

	t.Run("ready when all checks pass", func(t *testing.T) {
		h, p := newHealthChecker(t)
		startProxy(t, p)
		h.ReadinessChecks = []ReadinessCheck{
			func() error { return nil },
			func() error { return nil },
		}
		if !h.Ready() {
			t.Error("expected ready when all checks pass")
		}
	})
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	h, _ := newHealthChecker(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.HandleHealthz(w, r)

	// Liveness only says the control process answers; the engine may
	// well be stopped.
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.State != "stopped" {
		t.Errorf("state = %q, want %q", resp.State, "stopped")
	}
	if resp.Uptime == "" {
		t.Error("expected uptime in response")
	}
}

func TestHealthChecker_HandleHealthz_Running(t *testing.T) {
	h, p := newHealthChecker(t)
	startProxy(t, p)

	w := httptest.NewRecorder()
	h.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.State != "running" {
		t.Errorf("state = %q, want %q", resp.State, "running")
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	t.Run("not ready while stopped", func(t *testing.T) {
		h, _ := newHealthChecker(t)

		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Status != "not ready" {
			t.Errorf("status = %q, want %q", resp.Status, "not ready")
		}
		if resp.Reason != "proxy engine is stopped" {
			t.Errorf("reason = %q, want 'proxy engine is stopped'", resp.Reason)
		}
	})

	t.Run("ready while running", func(t *testing.T) {
		h, p := newHealthChecker(t)
		startProxy(t, p)

		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Status != "ok" {
			t.Errorf("status = %q, want %q", resp.Status, "ok")
		}
		if resp.State != "running" {
			t.Errorf("state = %q, want %q", resp.State, "running")
		}
	})

	t.Run("engine error carries details", func(t *testing.T) {
		h, p := newHealthChecker(t)
		p.setStatus(ProxyStatus{State: StateError, Err: "listen tcp: address already in use"})

		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Reason != "proxy engine is error" {
			t.Errorf("reason = %q, want 'proxy engine is error'", resp.Reason)
		}
		if len(resp.Details) != 1 || resp.Details[0] != "listen tcp: address already in use" {
			t.Errorf("details = %v, want the engine error", resp.Details)
		}
	})

	t.Run("not ready with failing checks", func(t *testing.T) {
		h, p := newHealthChecker(t)
		startProxy(t, p)
		h.ReadinessChecks = []ReadinessCheck{
			func() error { return errors.New("exclusion list unavailable") },
			func() error { return errors.New("upstream unreachable") },
		}

		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}

		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(resp.Details) != 2 {
			t.Errorf("details = %d items, want 2", len(resp.Details))
		}
	})

	t.Run("content type is json", func(t *testing.T) {
		h, _ := newHealthChecker(t)

		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
	})
}
