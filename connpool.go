package sift

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool provides the pooled HTTP transport used for forwarded
// requests. It wraps [http.Transport] with defaults suited to a local
// forwarding proxy workload and exposes connection pool statistics for
// monitoring. Responses are never transparently decompressed, so the
// origin's bytes are relayed exactly as received.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means the default (100).
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means the default (2 per host).
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total number of connections per host,
	// including connections in the dialing, active, and idle states.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed. Zero means the default (90 seconds).
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	// Zero means the default (30 seconds).
	DialTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for a server's
	// response headers after the request has been fully written.
	// Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives; each request will
	// use a fresh connection. This overrides connection pool settings.
	DisableKeepAlives bool

	transport atomic.Pointer[http.Transport]

	// stats tracks connection pool metrics.
	stats transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// NewTransportPool creates a TransportPool with sensible proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// Build creates the underlying [http.Transport]. Call this after setting
// all configuration fields. It is safe to call multiple times; each call
// creates a fresh transport and closes idle connections on the previous one.
func (tp *TransportPool) Build() *http.Transport {
	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tp.MaxConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		DisableKeepAlives:     tp.DisableKeepAlives,
		DisableCompression:    true,
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// Transport returns an [http.RoundTripper] that wraps the pooled transport
// with request counting. If [Build] has not been called, it is called
// automatically.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
	}
}

// TransportPoolStats holds a snapshot of connection pool statistics.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
}

// pooledRoundTripper wraps the underlying transport with stats tracking.
type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}

	return t.RoundTrip(req)
}
