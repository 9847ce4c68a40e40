package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

// Logging writes one line per request once it finishes, keyed by the chi
// route so the versioned and unversioned aliases group together. Health
// checks and scrapes log at debug; server errors at warn.
func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			ctx := logg.WithFields(r.Context(), map[string]any{
				"method":      r.Method,
				"route":       strings.TrimPrefix(route, "/api/v1"),
				"status":      rec.code(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			switch {
			case rec.code() >= http.StatusInternalServerError:
				logg.Warn(ctx, "http request failed")
			case strings.HasPrefix(route, "/health") || route == "/metrics":
				logg.Debug(ctx, "http request")
			default:
				logg.Info(ctx, "http request")
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
