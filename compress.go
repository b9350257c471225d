package sift

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls control API response compression.
type CompressionConfig struct {
	// MinSize is the minimum response size to compress (default: 256 bytes).
	// Responses smaller than this are sent uncompressed.
	MinSize int

	// Level is the compression level (1-9 for gzip, 1-22 for brotli, 1-4 for zstd).
	// 0 uses the default level for each algorithm.
	Level int

	// ContentTypes is a list of content-type prefixes to compress.
	// Empty means compress the types the control API serves: JSON,
	// CSV exports, metrics text and PAC files.
	ContentTypes []string

	// PreferOrder is the preferred encoding order when client accepts multiple.
	// Default: ["br", "zstd", "gzip"]
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

// defaultCompressibleTypes are content-type prefixes that should be compressed.
var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/x-ns-proxy-autoconfig",
}

// CompressHandler wraps an http.Handler with response compression.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler creates a compression middleware with default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{
		Handler: h,
		Config:  DefaultCompressionConfig(),
	}
}

// ServeHTTP implements http.Handler with transparent response compression.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	acceptEncoding := r.Header.Get("Accept-Encoding")
	if acceptEncoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	encoding := c.selectEncoding(acceptEncoding)
	if encoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	cw := &compressResponseWriter{
		ResponseWriter: w,
		encoding:       encoding,
		config:         c.Config,
	}
	defer func() { _ = cw.Close() }()

	c.Handler.ServeHTTP(cw, r)
}

// selectEncoding chooses the best encoding based on client preferences and server config.
func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	accepted := parseAcceptEncoding(acceptEncoding)

	preferOrder := c.Config.PreferOrder
	if len(preferOrder) == 0 {
		preferOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}

	for _, enc := range preferOrder {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}

	return ""
}

// parseAcceptEncoding parses Accept-Encoding header into a set of accepted encodings.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		// Strip quality values (e.g., "gzip;q=0.8").
		if idx := strings.Index(part, ";"); idx != -1 {
			part = part[:idx]
		}
		part = strings.TrimSpace(part)
		if part != "" && part != "identity" {
			result[part] = struct{}{}
		}
	}
	return result
}

// compressResponseWriter wraps http.ResponseWriter with compression.
// The status line is held back until enough of the body has been seen
// to decide for or against compression, so Content-Encoding is always
// on the wire before the first body byte.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding   string
	config     CompressionConfig
	writer     io.WriteCloser
	buffer     []byte
	statusCode int
	headerSent bool
	plain      bool
}

// WriteHeader records the status code. Responses that cannot or must
// not be compressed are passed through immediately; for the rest the
// status line waits on the size decision in Write.
func (cw *compressResponseWriter) WriteHeader(statusCode int) {
	if cw.statusCode != 0 {
		return
	}
	cw.statusCode = statusCode

	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified ||
		cw.Header().Get("Content-Encoding") != "" ||
		!cw.shouldCompress(cw.Header().Get("Content-Type")) {
		cw.plain = true
		cw.sendHeader()
	}
}

func (cw *compressResponseWriter) sendHeader() {
	if cw.headerSent {
		return
	}
	cw.headerSent = true
	if cw.statusCode == 0 {
		cw.statusCode = http.StatusOK
	}
	cw.ResponseWriter.WriteHeader(cw.statusCode)
}

// Write compresses and writes data. Writes are buffered until MinSize
// is reached; smaller responses go out uncompressed.
func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	if cw.statusCode == 0 {
		cw.WriteHeader(http.StatusOK)
	}

	if cw.plain {
		cw.sendHeader()
		return cw.ResponseWriter.Write(b)
	}

	if cw.writer == nil {
		cw.buffer = append(cw.buffer, b...)

		minSize := cw.config.MinSize
		if minSize == 0 {
			minSize = 256
		}

		if len(cw.buffer) < minSize {
			return len(b), nil
		}

		if err := cw.initCompression(); err != nil {
			if err := cw.flushPlain(); err != nil {
				return 0, err
			}
			return len(b), nil
		}

		if _, err := cw.writer.Write(cw.buffer); err != nil {
			return 0, err
		}
		cw.buffer = nil
		return len(b), nil
	}

	return cw.writer.Write(b)
}

// Close settles any pending decision and closes the compression writer.
func (cw *compressResponseWriter) Close() error {
	if cw.writer != nil {
		return cw.writer.Close()
	}
	if len(cw.buffer) > 0 || (cw.statusCode != 0 && !cw.headerSent) {
		return cw.flushPlain()
	}
	return nil
}

// flushPlain abandons compression and sends what has been buffered as-is.
func (cw *compressResponseWriter) flushPlain() error {
	cw.plain = true
	cw.sendHeader()
	if len(cw.buffer) > 0 {
		_, err := cw.ResponseWriter.Write(cw.buffer)
		cw.buffer = nil
		return err
	}
	return nil
}

// initCompression sets the encoding headers, releases the status line
// and sets up the compression writer.
func (cw *compressResponseWriter) initCompression() error {
	// Content-Length no longer holds once the body is re-encoded.
	cw.Header().Del("Content-Length")
	cw.Header().Set("Content-Encoding", cw.encoding)
	cw.Header().Add("Vary", "Accept-Encoding")

	var err error
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		cw.writer, err = gzip.NewWriterLevel(cw.ResponseWriter, level)

	case EncodingZstd:
		level := zstd.EncoderLevelFromZstd(cw.config.Level)
		if cw.config.Level == 0 {
			level = zstd.SpeedDefault
		}
		cw.writer, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))

	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}

	if err != nil {
		cw.Header().Del("Content-Encoding")
		return err
	}

	cw.sendHeader()
	return nil
}

// shouldCompress checks if the content type should be compressed.
func (cw *compressResponseWriter) shouldCompress(contentType string) bool {
	if contentType == "" {
		return false
	}

	types := cw.config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}

	contentType = strings.ToLower(contentType)
	for _, t := range types {
		if strings.HasPrefix(contentType, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Flush implements http.Flusher. An undecided response is settled as
// plain; a streaming handler forfeits compression.
func (cw *compressResponseWriter) Flush() {
	if cw.writer == nil && !cw.plain {
		_ = cw.flushPlain()
	}

	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}

	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
