package sift

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// blockedBody is the fixed response body sent for filtered requests.
const blockedBody = "Oopsie Whoopsie!"

// defaultDialTimeout bounds tunnel dials when DialTimeout is unset.
const defaultDialTimeout = 10 * time.Second

// Proxy is a restartable local forwarding proxy. It relays plain HTTP
// requests store-and-forward, tunnels CONNECT traffic without
// interception, and blocks requests according to its TrafficFilter.
//
// Lifecycle and request activity are observable through Status,
// Requests and RunTime; those cells are updated by a per-cycle event
// consumer, so getters never contend with connection handlers.
type Proxy struct {
	// Addr is the address to listen on, normally a loopback address
	// such as "127.0.0.1:8080".
	Addr string

	// Logger for engine and lifecycle events.
	Logger *slog.Logger

	// Transport for forwarded requests (optional). When nil, the
	// TransportPool or http.DefaultTransport is used.
	Transport http.RoundTripper

	// TransportPool builds the pooled default transport (optional).
	TransportPool *TransportPool

	// Upstream chains traffic through a parent proxy (optional).
	Upstream *UpstreamProxy

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes structured access log entries (optional).
	AccessLog *AccessLogger

	// DialTimeout bounds CONNECT tunnel dials. Defaults to 10 seconds.
	DialTimeout time.Duration

	// StartEnabled records whether the embedding command should bring
	// the engine up immediately.
	StartEnabled bool

	filter *TrafficFilter

	statusMu sync.RWMutex
	status   ProxyStatus

	requestsMu sync.RWMutex
	requests   []RequestLogEntry

	runStartMu sync.RWMutex
	runStart   time.Time

	boundMu   sync.RWMutex
	boundAddr string

	cycleMu sync.Mutex
	cycle   *runCycle
}

// NewProxy creates a proxy for the given listen address with a fresh,
// disabled traffic filter.
func NewProxy(addr string) *Proxy {
	return &Proxy{
		Addr:   addr,
		Logger: slog.Default(),
		filter: NewTrafficFilter(),
	}
}

// Run launches a new run cycle: a fresh event channel, its consumer,
// the termination supervisor and the network engine. It returns
// immediately; progress is observable through Status. Calling Run
// while a cycle is already active starts a second cycle whose bind
// will fail; callers restarting a proxy gate on Status first.
func (p *Proxy) Run() {
	cycle := newRunCycle()

	p.cycleMu.Lock()
	p.cycle = cycle
	p.cycleMu.Unlock()

	go p.consumeEvents(cycle)
	cycle.send(eventStarting{})
	go p.superviseTermination(cycle)
	go p.runEngine(cycle)
}

// Stop requests termination of the current run cycle and returns
// immediately; the transition to Stopped is observable through Status.
// Stopping a proxy that never ran is a no-op.
func (p *Proxy) Stop() {
	p.cycleMu.Lock()
	cycle := p.cycle
	p.cycleMu.Unlock()

	if cycle == nil {
		return
	}
	cycle.send(eventTerminating{})
}

// Status returns a snapshot of the lifecycle state.
func (p *Proxy) Status() ProxyStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *Proxy) setStatus(status ProxyStatus) {
	p.statusMu.Lock()
	p.status = status
	p.statusMu.Unlock()

	if p.Metrics != nil {
		p.Metrics.RecordStateTransition(status.State)
	}
	if status.State == StateError {
		p.Logger.Error("proxy status", "state", status.State.String(), "error", status.Err)
		return
	}
	p.Logger.Debug("proxy status", "state", status.State.String())
}

// Requests returns a copy of the in-memory request log.
func (p *Proxy) Requests() []RequestLogEntry {
	p.requestsMu.RLock()
	defer p.requestsMu.RUnlock()
	out := make([]RequestLogEntry, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Proxy) appendRequest(entry RequestLogEntry) {
	p.requestsMu.Lock()
	p.requests = append(p.requests, entry)
	size := len(p.requests)
	p.requestsMu.Unlock()

	if p.Metrics != nil {
		p.Metrics.SetRequestLogSize(size)
	}
}

// RunTime returns the time elapsed since the engine last reported
// Running, or zero when the proxy is not running.
func (p *Proxy) RunTime() time.Duration {
	p.runStartMu.RLock()
	defer p.runStartMu.RUnlock()
	if p.runStart.IsZero() {
		return 0
	}
	return time.Since(p.runStart)
}

func (p *Proxy) setRunStart(t time.Time) {
	p.runStartMu.Lock()
	p.runStart = t
	p.runStartMu.Unlock()
}

// ListenerAddr returns the bound listener address for the active run
// cycle, or "" when the engine is not up. Useful when Addr requested
// port 0.
func (p *Proxy) ListenerAddr() string {
	p.boundMu.RLock()
	defer p.boundMu.RUnlock()
	return p.boundAddr
}

func (p *Proxy) setBoundAddr(addr string) {
	p.boundMu.Lock()
	p.boundAddr = addr
	p.boundMu.Unlock()
}

// Filter returns the live traffic filter. Mutations through it are
// synchronous and take effect for the next filter evaluation.
func (p *Proxy) Filter() *TrafficFilter {
	return p.filter
}

// TrafficFilter returns a deep snapshot of the filter state.
func (p *Proxy) TrafficFilter() TrafficFilterState {
	return p.filter.Snapshot()
}

// ToggleTrafficFiltering flips the filter's enabled flag.
func (p *Proxy) ToggleTrafficFiltering() {
	p.filter.Toggle()
}

// SwitchExclusionList flips the filter between allow and deny mode.
func (p *Proxy) SwitchExclusionList() {
	p.filter.SwitchMode()
}

// SetExclusionList replaces the active exclusion list.
func (p *Proxy) SetExclusionList(entries []string) {
	p.filter.SetActiveList(entries)
}

// UpdateExclusionList toggles membership of value on the active
// exclusion list.
func (p *Proxy) UpdateExclusionList(value string) {
	p.filter.UpdateList(value)
}

// UpdateExclusionEntry overwrites the active exclusion list entry at
// index.
func (p *Proxy) UpdateExclusionEntry(index int, value string) error {
	return p.filter.UpdateListItem(index, value)
}

// runEngine binds the listener and serves the accept loop for one run
// cycle. A failed bind ends the cycle with an error status; otherwise
// the loop runs until the supervisor's cancel closes the listener.
// In-flight connections finish on their own after the loop exits.
func (p *Proxy) runEngine(c *runCycle) {
	defer close(c.engineDone)

	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordBindFailure()
		}
		c.send(eventFailed{msg: err.Error()})
		return
	}

	p.setBoundAddr(listener.Addr().String())
	defer p.setBoundAddr("")

	c.setCanceler(func() { _ = listener.Close() })

	srv := &http.Server{Handler: &engineHandler{proxy: p, cycle: c}}

	c.send(eventRunning{})
	p.Logger.Info("proxy listening", "addr", listener.Addr().String())

	err = srv.Serve(listener)

	select {
	case <-c.terminating:
		// Orderly shutdown; the supervisor reports Terminated.
	default:
		if err != nil && err != http.ErrServerClosed && !isClosedConnError(err) {
			c.send(eventFailed{msg: err.Error()})
		}
	}
}

// engineHandler dispatches proxied requests for one run cycle. The
// filter is evaluated exactly once per request, before dispatch, and
// the verdict is what the request log records.
type engineHandler struct {
	proxy *Proxy
	cycle *runCycle
}

func (h *engineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := h.proxy
	target := requestTarget(r)

	blocked := p.filter.Blocked(target)
	h.cycle.send(eventRequest{entry: RequestLogEntry{
		Method:  r.Method,
		URI:     target,
		Blocked: blocked,
	}})

	if blocked {
		p.writeBlocked(w, r, target)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// requestTarget is the string the filter and the request log see: the
// authority for CONNECT, the full target URI otherwise.
func requestTarget(r *http.Request) string {
	if r.Method == http.MethodConnect {
		return r.Host
	}
	return r.URL.String()
}

// writeBlocked replies 403 with the fixed body for a filtered request.
func (p *Proxy) writeBlocked(w http.ResponseWriter, r *http.Request, target string) {
	p.Logger.Info("blocked", "method", r.Method, "target", target)
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, OutcomeBlocked)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = io.WriteString(w, blockedBody)

	p.AccessLog.Log(AccessLogEntry{
		Method:     r.Method,
		Target:     target,
		ClientAddr: r.RemoteAddr,
		StatusCode: http.StatusForbidden,
		Blocked:    true,
	})
}

// handleHTTP forwards a plain HTTP request and relays the upstream
// response untouched.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	// A request reaching a forward proxy carries an absolute target;
	// anything else has no upstream host to dial.
	if r.URL.Scheme == "" || r.URL.Host == "" {
		if p.Metrics != nil {
			p.Metrics.RecordRequest(r.Method, OutcomeError)
		}
		http.Error(w, "request target must include a host", http.StatusBadRequest)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	start := time.Now()
	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordRequest(r.Method, OutcomeError)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		p.AccessLog.Log(AccessLogEntry{
			Method:     r.Method,
			Target:     r.URL.String(),
			ClientAddr: r.RemoteAddr,
			StatusCode: http.StatusBadGateway,
			Duration:   time.Since(start),
			Err:        err,
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, OutcomeForwarded)
		p.Metrics.RecordForwardDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	p.AccessLog.Log(AccessLogEntry{
		Method:     r.Method,
		Target:     r.URL.String(),
		ClientAddr: r.RemoteAddr,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	})
}

// handleConnect answers a CONNECT request with 200, promotes the
// client connection to a raw byte tunnel and relays bytes both ways
// until either side closes. Tunnel errors are swallowed; the client
// only ever observes its connection closing.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordRequest(r.Method, OutcomeError)
		}
		http.Error(w, "CONNECT must be to a socket address", http.StatusBadRequest)
		return
	}

	p.Logger.Debug("CONNECT", "host", target)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Debug("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	start := time.Now()
	upstreamConn, err := p.dialTunnel(r.Context(), target)
	if err != nil {
		p.Logger.Debug("tunnel dial", "host", target, "error", err)
		_ = clientConn.Close()
		return
	}

	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, OutcomeTunnel)
		p.Metrics.TunnelOpened()
	}

	// Client bytes may already sit in the hijacked buffer; reading
	// through it covers both those and everything that follows.
	var up, down int64
	errCh := make(chan error, 2)
	go func() {
		n, copyErr := io.Copy(upstreamConn, brw.Reader)
		up = n
		errCh <- copyErr
	}()
	go func() {
		n, copyErr := io.Copy(clientConn, upstreamConn)
		down = n
		errCh <- copyErr
	}()

	firstErr := <-errCh
	_ = clientConn.Close()
	_ = upstreamConn.Close()
	<-errCh

	if firstErr != nil && !isClosedConnError(firstErr) {
		p.Logger.Debug("tunnel copy", "host", target, "error", firstErr)
	}
	if p.Metrics != nil {
		p.Metrics.TunnelClosed(up + down)
	}

	p.AccessLog.Log(AccessLogEntry{
		Method:     r.Method,
		Target:     target,
		ClientAddr: r.RemoteAddr,
		StatusCode: http.StatusOK,
		Duration:   time.Since(start),
		Tunnel:     true,
	})
}

// dialTunnel opens the upstream leg of a CONNECT tunnel, through the
// parent proxy when one is configured.
func (p *Proxy) dialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	if p.Upstream != nil {
		return p.Upstream.DialConnect(ctx, "tcp", addr)
	}

	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// transport returns the effective http.RoundTripper for forwarding,
// wrapping the base transport with the upstream proxy when configured.
func (p *Proxy) transport() http.RoundTripper {
	var base http.RoundTripper
	switch {
	case p.Transport != nil:
		base = p.Transport
	case p.TransportPool != nil:
		base = p.TransportPool.Transport()
	default:
		base = http.DefaultTransport
	}
	if p.Upstream != nil {
		return p.Upstream.Transport(base)
	}
	return base
}

// Hop-by-hop headers that must not be forwarded upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
