package sift

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// UpstreamProxy chains traffic through a parent HTTP proxy. Plain
// requests are rewritten to absolute form and sent to the parent;
// CONNECT tunnels are opened with a nested CONNECT handshake.
type UpstreamProxy struct {
	// URL is the upstream proxy address (e.g., "http://proxy.corp:3128").
	URL *url.URL

	// Auth is optional basic-auth credentials for the upstream proxy.
	Auth *UpstreamAuth

	// DialTimeout is the timeout for establishing a connection to the
	// upstream proxy. Defaults to 10 seconds.
	DialTimeout time.Duration
}

// UpstreamAuth holds basic-auth credentials for an upstream proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewUpstreamProxy creates an UpstreamProxy from a URL string.
// Credentials embedded in the URL become the proxy's Auth.
func NewUpstreamProxy(rawURL string) (*UpstreamProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}

	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
	}

	up := &UpstreamProxy{
		URL:         u,
		DialTimeout: 10 * time.Second,
	}

	if u.User != nil {
		pass, _ := u.User.Password()
		up.Auth = &UpstreamAuth{
			Username: u.User.Username(),
			Password: pass,
		}
	}

	return up, nil
}

// addr returns the upstream's dialable host:port, defaulting to the
// conventional proxy port when the URL carries none.
func (up *UpstreamProxy) addr() string {
	host := up.URL.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = host + ":3128"
	}
	return host
}

// Transport returns an http.RoundTripper that forwards plain requests
// through the upstream proxy. Requests the parent cannot relay are
// passed to the base transport untouched.
func (up *UpstreamProxy) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &upstreamTransport{
		upstream: up,
		base:     base,
	}
}

// DialConnect establishes a CONNECT tunnel through the upstream proxy
// to the given target address, returning the raw tunnel connection.
func (up *UpstreamProxy) DialConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	timeout := up.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, up.addr())
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if up.Auth != nil {
		connectReq.Header.Set("Proxy-Authorization", basicAuth(up.Auth.Username, up.Auth.Password))
	}

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream CONNECT returned %d", resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

type upstreamTransport struct {
	upstream *UpstreamProxy
	base     http.RoundTripper
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "http" {
		// The parent expects the absolute target in the request line.
		// Opaque is written verbatim by RequestURI, so the path keeps
		// its original escaping and the query survives untouched.
		proxyReq := req.Clone(req.Context())
		proxyReq.URL = &url.URL{
			Scheme:     req.URL.Scheme,
			Host:       t.upstream.addr(),
			Opaque:     "//" + req.URL.Host + req.URL.EscapedPath(),
			RawQuery:   req.URL.RawQuery,
			ForceQuery: req.URL.ForceQuery,
		}
		proxyReq.Host = req.Host

		if t.upstream.Auth != nil {
			proxyReq.Header.Set("Proxy-Authorization", basicAuth(t.upstream.Auth.Username, t.upstream.Auth.Password))
		}

		return t.base.RoundTrip(proxyReq)
	}

	return t.base.RoundTrip(req)
}

// bufferedConn wraps a net.Conn with buffered data that was read during
// the CONNECT handshake but not yet consumed.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
