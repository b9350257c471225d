package sift

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func TestDefaultCompressionConfig(t *testing.T) {
	cfg := DefaultCompressionConfig()

	if cfg.MinSize != 256 {
		t.Errorf("MinSize = %d, want 256", cfg.MinSize)
	}
	if cfg.Level != 0 {
		t.Errorf("Level = %d, want 0", cfg.Level)
	}
	if len(cfg.PreferOrder) != 3 {
		t.Errorf("PreferOrder length = %d, want 3", len(cfg.PreferOrder))
	}
}

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   map[string]struct{}
	}{
		{
			header: "gzip, deflate",
			want:   map[string]struct{}{"gzip": {}, "deflate": {}},
		},
		{
			header: "gzip;q=0.8, br;q=1.0",
			want:   map[string]struct{}{"gzip": {}, "br": {}},
		},
		{
			header: "br",
			want:   map[string]struct{}{"br": {}},
		},
		{
			header: "identity",
			want:   map[string]struct{}{},
		},
		{
			header: "",
			want:   map[string]struct{}{},
		},
		{
			header: "gzip, br, zstd",
			want:   map[string]struct{}{"gzip": {}, "br": {}, "zstd": {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := parseAcceptEncoding(tt.header)
			if len(got) != len(tt.want) {
				t.Errorf("parseAcceptEncoding(%q) = %v, want %v", tt.header, got, tt.want)
			}
			for k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("parseAcceptEncoding(%q) missing key %q", tt.header, k)
				}
			}
		})
	}
}

// compressedGet serves the handler through the compression middleware on
// a real listener and performs one GET. Recorders would hide header
// ordering mistakes: a real server serializes headers the moment the
// status line goes out.
func compressedGet(t *testing.T, handler http.Handler, acceptEncoding string) *http.Response {
	t.Helper()

	srv := httptest.NewServer(NewCompressHandler(handler))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCompressHandler_IdentityOnly(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("hello world ", 100)))
	})

	resp := compressedGet(t, handler, "identity")

	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("expected no Content-Encoding when the client doesn't accept compression")
	}
}

func TestCompressHandler_Gzip(t *testing.T) {
	originalData := strings.Repeat("hello world ", 100)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(originalData))
	})

	resp := compressedGet(t, handler, "gzip")

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}

	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("failed to create gzip reader: %v", err)
	}
	defer func() { _ = gr.Close() }()

	decompressed, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}

	if string(decompressed) != originalData {
		t.Errorf("decompressed data mismatch")
	}
}

func TestCompressHandler_Brotli(t *testing.T) {
	originalData := strings.Repeat("hello world ", 100)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(originalData))
	})

	resp := compressedGet(t, handler, "br")

	if resp.Header.Get("Content-Encoding") != "br" {
		t.Errorf("Content-Encoding = %q, want br", resp.Header.Get("Content-Encoding"))
	}

	br := brotli.NewReader(resp.Body)
	decompressed, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("failed to decompress brotli: %v", err)
	}

	if string(decompressed) != originalData {
		t.Errorf("decompressed data mismatch")
	}
}

func TestCompressHandler_Zstd(t *testing.T) {
	originalData := strings.Repeat("hello world ", 100)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(originalData))
	})

	resp := compressedGet(t, handler, "zstd")

	if resp.Header.Get("Content-Encoding") != "zstd" {
		t.Errorf("Content-Encoding = %q, want zstd", resp.Header.Get("Content-Encoding"))
	}

	zr, err := zstd.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("failed to create zstd reader: %v", err)
	}
	defer zr.Close()

	decompressed, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("failed to decompress zstd: %v", err)
	}

	if string(decompressed) != originalData {
		t.Errorf("decompressed data mismatch")
	}
}

func TestCompressHandler_StatusCodeSurvives(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(strings.Repeat("hello world ", 100)))
	})

	resp := compressedGet(t, handler, "gzip")

	// The status line is held until the compression decision, so the
	// handler's code and the Content-Encoding header both make it out.
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressHandler_MinSize(t *testing.T) {
	smallData := "hello"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(smallData))
	})

	resp := compressedGet(t, handler, "gzip")

	if resp.Header.Get("Content-Encoding") != "" {
		t.Errorf("expected no compression for small response, got %q", resp.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != smallData {
		t.Errorf("body = %q, want %q", body, smallData)
	}
}

func TestCompressHandler_CustomMinSize(t *testing.T) {
	data := strings.Repeat("x", 50)
	ch := &CompressHandler{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(data))
		}),
		Config: CompressionConfig{MinSize: 10},
	}

	srv := httptest.NewServer(ch)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("expected gzip above the custom MinSize, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressHandler_NonCompressibleContentType(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	})

	resp := compressedGet(t, handler, "gzip")

	if resp.Header.Get("Content-Encoding") != "" {
		t.Errorf("expected no compression for image/png, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressHandler_AlreadyEncoded(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	})

	resp := compressedGet(t, handler, "gzip")

	// The handler's own encoding stands; the body must not be
	// compressed a second time.
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 1000 {
		t.Errorf("body length = %d, want the 1000 bytes untouched", len(body))
	}
}

func TestCompressHandler_NoContent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	resp := compressedGet(t, handler, "gzip")

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Errorf("expected no Content-Encoding on 204, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressHandler_PreferOrder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("hello world ", 100)))
	})

	// Default order: br > zstd > gzip
	resp := compressedGet(t, handler, "gzip, br, zstd")

	if resp.Header.Get("Content-Encoding") != "br" {
		t.Errorf("Content-Encoding = %q, want br (preferred)", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressHandler_VaryHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("hello world ", 100)))
	})

	resp := compressedGet(t, handler, "gzip")

	if vary := resp.Header.Get("Vary"); !strings.Contains(vary, "Accept-Encoding") {
		t.Errorf("Vary header = %q, should contain Accept-Encoding", vary)
	}
}

func TestCompressHandler_JSON(t *testing.T) {
	jsonData := `{"message":"` + strings.Repeat("hello world ", 50) + `"}`
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(jsonData))
	})

	resp := compressedGet(t, handler, "gzip")

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("expected gzip for application/json, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestCompressHandler_FlushSettlesPlain(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "chunk one\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = io.WriteString(w, "chunk two\n")
	})

	resp := compressedGet(t, handler, "gzip")

	// A handler that flushes mid-stream forfeits compression.
	if resp.Header.Get("Content-Encoding") != "" {
		t.Errorf("expected a flushed response to stay plain, got %q", resp.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "chunk one\nchunk two\n" {
		t.Errorf("body = %q, want both chunks", body)
	}
}

func BenchmarkCompressHandler_Gzip(b *testing.B) {
	data := []byte(strings.Repeat("hello world ", 1000))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(data)
	})

	ch := NewCompressHandler(handler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	b.ResetTimer()
	for b.Loop() {
		rec := httptest.NewRecorder()
		ch.ServeHTTP(rec, req)
	}
}

func BenchmarkCompressHandler_Brotli(b *testing.B) {
	data := []byte(strings.Repeat("hello world ", 1000))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(data)
	})

	ch := NewCompressHandler(handler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "br")

	b.ResetTimer()
	for b.Loop() {
		rec := httptest.NewRecorder()
		ch.ServeHTTP(rec, req)
	}
}

func BenchmarkCompressHandler_Zstd(b *testing.B) {
	data := []byte(strings.Repeat("hello world ", 1000))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(data)
	})

	ch := NewCompressHandler(handler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "zstd")

	b.ResetTimer()
	for b.Loop() {
		rec := httptest.NewRecorder()
		ch.ServeHTTP(rec, req)
	}
}
