package host

import (
	"fmt"
	"net/http"
	"time"

	"hotforge/internal/logging"
)

// Middleware wraps a module route.
type Middleware func(http.Handler) http.Handler

// middleware holds the names a descriptor may list under endpoint.middleware.
var middleware = map[string]Middleware{
	"logging": logRequests,
	"recover": recoverPanics,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Get(logging.CategoryHost).StructuredLog("info", "request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.HostWarn("panic serving %s %s: %v", r.Method, r.URL.Path, v)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": fmt.Sprint(v)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
