package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// gzipResponseWriter wraps http.ResponseWriter to compress response
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// Flush forwards to the underlying gzip writer and response writer so a
// streaming handler (SSE) can force each event onto the wire instead of
// waiting for gzip.Writer's internal buffer to fill or Close to run.
// Without this, internal/sse.Forward's w.(http.Flusher) assertion fails
// whenever compression is mounted in front of it.
func (w gzipResponseWriter) Flush() {
	if gz, ok := w.Writer.(*gzip.Writer); ok {
		gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// CompressionMiddleware applies gzip compression to responses
//
// Compresses every response when the client accepts gzip (Accept-Encoding:
// gzip header), whatever its size; there is no minimum-size threshold.
//
// Sets Content-Encoding: gzip header on compressed responses.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check if client accepts gzip
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		// Create gzip writer
		gz := gzip.NewWriter(w)
		defer gz.Close()

		// Set content encoding header
		w.Header().Set("Content-Encoding", "gzip")

		// Wrap response writer
		gzw := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		next.ServeHTTP(gzw, r)
	})
}
