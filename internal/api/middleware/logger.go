package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func record(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

// Logger writes one structured line per request. Queue conflicts (409) are
// routine between operators and log at Info; other client errors at Warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)

		ev := log.WithLevel(requestLevel(r.Method, rec.status))
		if id := chimw.GetReqID(r.Context()); id != "" {
			ev = ev.Str("request_id", id)
		}
		if customer := chi.URLParam(r, "customerId"); customer != "" {
			ev = ev.Str("customer", customer)
		}
		ev.Str("method", r.Method).
			Str("route", routePattern(r)).
			Str("tenant", GetTenantID(r.Context())).
			Int("status", rec.status).
			Int("bytes", rec.size).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func requestLevel(method string, status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status == http.StatusConflict:
		return zerolog.InfoLevel
	case status >= 400:
		return zerolog.WarnLevel
	case method == http.MethodGet:
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// routePattern is the matched chi pattern, which keeps path parameters out of
// span names and metric labels.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
