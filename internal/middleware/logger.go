package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger attaches a request-scoped logger to the context and writes
// one access line per request.
func RequestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			if reqID == "" {
				reqID = "unknown"
			}

			requestLog := log.With().
				Str("request_id", reqID).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			r = r.WithContext(requestLog.WithContext(r.Context()))

			defer func() {
				event := requestLog.Info()
				if ww.Status() >= http.StatusInternalServerError {
					event = requestLog.Warn()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("ip", r.RemoteAddr).
					Str("user_agent", r.UserAgent()).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// LoggerFromContext returns the request logger, or fallback outside a request.
func LoggerFromContext(r *http.Request, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}
