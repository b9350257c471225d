package sift

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxImportSize bounds the body of an exclusion list import.
const maxImportSize = 1 << 20

// ControlAPI provides the local management surface for the proxy: REST
// endpoints for the lifecycle, the request log and the traffic filter,
// plus health probes, Prometheus metrics and the PAC script.
//
// Management routes are mounted under a configurable path prefix
// (default "/api") and use [chi] for routing; probe, metrics and PAC
// routes sit at the root. Responses are compressed when the client
// accepts it.
//
// Configure the public fields before the first request; the route
// table is built once.
type ControlAPI struct {
	// Proxy is the proxy instance to manage.
	Proxy *Proxy

	// Logger for control API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for management routes
	// (default "/api").
	PathPrefix string

	// Health answers the /healthz and /readyz probes.
	Health *HealthChecker

	// Metrics serves /metrics when set.
	Metrics *Metrics

	// PAC serves /proxy.pac when set.
	PAC *PACGenerator

	buildOnce sync.Once
	handler   http.Handler
}

// NewControlAPI creates a ControlAPI wired to the given proxy.
func NewControlAPI(proxy *Proxy) *ControlAPI {
	return &ControlAPI{
		Proxy:      proxy,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		Health:     NewHealthChecker(proxy),
	}
}

// Handler returns the control-plane http.Handler. Mount this on a
// loopback listener separate from the proxy itself.
func (a *ControlAPI) Handler() http.Handler {
	a.buildOnce.Do(a.buildRouter)
	return a.handler
}

// ServeHTTP implements http.Handler by delegating to the built router.
func (a *ControlAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

func (a *ControlAPI) buildRouter() {
	api := chi.NewRouter()
	api.Use(middleware.SetHeader("Content-Type", "application/json"))

	api.Get("/status", a.handleStatus)
	api.Post("/run", a.handleRun)
	api.Post("/stop", a.handleStop)

	api.Get("/requests", a.handleRequests)
	api.Get("/requests/export", a.handleRequestsExport)

	api.Get("/filter", a.handleFilter)
	api.Post("/filter/toggle", a.handleFilterToggle)
	api.Post("/filter/switch", a.handleFilterSwitch)
	api.Put("/filter/list", a.handleListReplace)
	api.Post("/filter/list", a.handleListToggle)
	api.Patch("/filter/list", a.handleListEdit)
	api.Get("/filter/export", a.handleListExport)
	api.Post("/filter/import", a.handleListImport)

	root := chi.NewRouter()
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { a.Health.HandleHealthz(w, r) })
	root.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { a.Health.HandleReadyz(w, r) })
	root.Get("/metrics", a.handleMetrics)
	root.Get("/proxy.pac", a.handlePAC)
	root.Mount(a.PathPrefix, api)

	a.handler = NewCompressHandler(root)
}

// --------------------------------------------------------------------------
// Response and request types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	State        string              `json:"state"`
	Error        string              `json:"error,omitempty"`
	RunTime      string              `json:"run_time,omitempty"`
	Listener     string              `json:"listener,omitempty"`
	RequestCount int                 `json:"request_count"`
	Filter       TrafficFilterState  `json:"filter"`
	Pool         *TransportPoolStats `json:"pool,omitempty"`
}

// RequestsResponse is returned by GET /api/requests.
type RequestsResponse struct {
	Count    int               `json:"count"`
	Requests []RequestLogEntry `json:"requests"`
}

// EntryRequest is the body for POST and PATCH /api/filter/list.
type EntryRequest struct {
	Index *int   `json:"index,omitempty"`
	Entry string `json:"entry"`
}

// ListReplaceRequest is the body for PUT /api/filter/list.
type ListReplaceRequest struct {
	Entries []string `json:"entries"`
}

// ImportResponse is returned by POST /api/filter/import.
type ImportResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Lifecycle handlers
// --------------------------------------------------------------------------

func (a *ControlAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := a.Proxy.Status()

	resp := StatusResponse{
		State:        status.State.String(),
		Error:        status.Err,
		Listener:     a.Proxy.ListenerAddr(),
		RequestCount: len(a.Proxy.Requests()),
		Filter:       a.Proxy.TrafficFilter(),
	}
	if rt := a.Proxy.RunTime(); rt > 0 {
		resp.RunTime = rt.Truncate(time.Second).String()
	}
	if a.Proxy.TransportPool != nil {
		stats := a.Proxy.TransportPool.Stats()
		resp.Pool = &stats
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *ControlAPI) handleRun(w http.ResponseWriter, _ *http.Request) {
	a.Proxy.Run()
	a.Logger.Info("run requested via control API")
	a.writeJSON(w, http.StatusAccepted, MessageResponse{Message: "run requested"})
}

func (a *ControlAPI) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.Proxy.Stop()
	a.Logger.Info("stop requested via control API")
	a.writeJSON(w, http.StatusAccepted, MessageResponse{Message: "stop requested"})
}

// --------------------------------------------------------------------------
// Request log handlers
// --------------------------------------------------------------------------

func (a *ControlAPI) handleRequests(w http.ResponseWriter, _ *http.Request) {
	requests := a.Proxy.Requests()
	a.writeJSON(w, http.StatusOK, RequestsResponse{Count: len(requests), Requests: requests})
}

func (a *ControlAPI) handleRequestsExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="requests.csv"`)

	if err := WriteRequestLog(w, a.Proxy.Requests()); err != nil {
		a.Logger.Error("request log export failed", "error", err)
	}
}

// --------------------------------------------------------------------------
// Filter handlers
// --------------------------------------------------------------------------

func (a *ControlAPI) handleFilter(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Proxy.TrafficFilter())
}

func (a *ControlAPI) handleFilterToggle(w http.ResponseWriter, _ *http.Request) {
	a.Proxy.ToggleTrafficFiltering()
	state := a.Proxy.TrafficFilter()
	a.Logger.Info("filtering toggled via control API", "enabled", state.Enabled)
	a.writeJSON(w, http.StatusOK, state)
}

func (a *ControlAPI) handleFilterSwitch(w http.ResponseWriter, _ *http.Request) {
	a.Proxy.SwitchExclusionList()
	state := a.Proxy.TrafficFilter()
	a.Logger.Info("filter mode switched via control API", "mode", state.Mode.String())
	a.writeJSON(w, http.StatusOK, state)
}

func (a *ControlAPI) handleListReplace(w http.ResponseWriter, r *http.Request) {
	var req ListReplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	a.Proxy.SetExclusionList(req.Entries)
	a.Logger.Info("exclusion list replaced via control API", "count", len(req.Entries))
	a.writeJSON(w, http.StatusOK, a.Proxy.TrafficFilter())
}

func (a *ControlAPI) handleListToggle(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	if req.Entry == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "entry is required"})
		return
	}

	a.Proxy.UpdateExclusionList(req.Entry)
	a.Logger.Info("exclusion entry toggled via control API", "entry", req.Entry)
	a.writeJSON(w, http.StatusOK, a.Proxy.TrafficFilter())
}

func (a *ControlAPI) handleListEdit(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	if req.Index == nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "index is required"})
		return
	}

	if err := a.Proxy.UpdateExclusionEntry(*req.Index, req.Entry); err != nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("exclusion entry edited via control API", "index", *req.Index, "entry", req.Entry)
	a.writeJSON(w, http.StatusOK, a.Proxy.TrafficFilter())
}

func (a *ControlAPI) handleListExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="exclusions.csv"`)

	if err := WriteExclusionList(w, a.Proxy.Filter().ActiveList()); err != nil {
		a.Logger.Error("exclusion list export failed", "error", err)
	}
}

func (a *ControlAPI) handleListImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)

	entries, err := LoadExclusionList(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "import too large"})
			return
		}
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid CSV: " + err.Error()})
		return
	}

	a.Proxy.SetExclusionList(entries)
	if a.Metrics != nil {
		a.Metrics.RecordListReload()
	}

	a.Logger.Info("exclusion list imported via control API", "count", len(entries))
	a.writeJSON(w, http.StatusOK, ImportResponse{Message: "exclusion list imported", Count: len(entries)})
}

// --------------------------------------------------------------------------
// Root handlers and helpers
// --------------------------------------------------------------------------

func (a *ControlAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	a.Metrics.Handler().ServeHTTP(w, r)
}

func (a *ControlAPI) handlePAC(w http.ResponseWriter, r *http.Request) {
	if a.PAC == nil {
		http.NotFound(w, r)
		return
	}
	a.PAC.ServeHTTP(w, r)
}

func (a *ControlAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("control API write error", "error", err)
	}
}
