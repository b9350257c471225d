package sift

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"
)

// RequestLogEntry is one row of the in-memory request log: the method
// and target of a handled request and whether the filter blocked it.
type RequestLogEntry struct {
	Method  string `json:"method"`
	URI     string `json:"request"`
	Blocked bool   `json:"blocked"`
}

// AccessLogEntry carries the fields written for one proxied request.
type AccessLogEntry struct {
	Method     string
	Target     string
	ClientAddr string
	StatusCode int
	Duration   time.Duration
	Blocked    bool
	Tunnel     bool
	Err        error
}

// AccessLogger writes structured access log entries. A nil AccessLogger
// is valid and logs nothing.
type AccessLogger struct {
	logger *slog.Logger
}

// NewAccessLogger creates an AccessLogger writing to the given slog
// logger, typically one with a JSON handler on an access log file.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes a single access log entry. Attrs are assembled once to
// keep the per-request cost low.
func (a *AccessLogger) Log(entry AccessLogEntry) {
	if a == nil || a.logger == nil {
		return
	}

	attrs := make([]slog.Attr, 0, 8)
	attrs = append(attrs,
		slog.String("method", entry.Method),
		slog.String("target", entry.Target),
		slog.String("client", entry.ClientAddr),
		slog.Int("status", entry.StatusCode),
		slog.Duration("duration", entry.Duration),
		slog.Bool("blocked", entry.Blocked),
	)
	if entry.Tunnel {
		attrs = append(attrs, slog.Bool("tunnel", true))
	}
	if entry.Err != nil {
		attrs = append(attrs, slog.String("error", entry.Err.Error()))
	}

	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "proxy_request", attrs...)
}

// WriteRequestLog writes request log entries as CSV with a
// method,request,blocked header row.
func WriteRequestLog(w io.Writer, entries []RequestLogEntry) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"method", "request", "blocked"}); err != nil {
		return fmt.Errorf("write request log header: %w", err)
	}
	for _, entry := range entries {
		record := []string{entry.Method, entry.URI, strconv.FormatBool(entry.Blocked)}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write request log entry: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush request log: %w", err)
	}
	return nil
}
