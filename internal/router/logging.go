package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/siliconpool/siliconpool/internal/security"
)

// statusWriter records the response status for the request log. Unwrap keeps
// http.ResponseController working through the wrapper, which the streaming
// path needs for per-chunk write deadlines.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (sw *statusWriter) WriteHeader(statusCode int) {
	sw.statusCode = statusCode
	sw.ResponseWriter.WriteHeader(statusCode)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// requestLogger logs one line per request. Client errors on the proxy path
// are routine, so everything below 500 logs at info.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)

			if logger.Enabled(r.Context(), slog.LevelDebug) {
				logger.Debug("request headers",
					"method", r.Method,
					"path", r.URL.Path,
					"headers", security.MaskSensitiveHeaders(r.Header),
				)
			}

			next.ServeHTTP(sw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.statusCode,
				"bytes", sw.bytes,
				"duration", time.Since(start).Round(time.Millisecond).String(),
				"remote", r.RemoteAddr,
			}
			if sw.statusCode >= 500 {
				logger.Error("request", attrs...)
			} else {
				logger.Info("request", attrs...)
			}
		})
	}
}
