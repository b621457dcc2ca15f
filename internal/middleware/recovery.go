package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

func Recovery(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil && rvr != http.ErrAbortHandler {
					log.Error().
						Interface("recover", rvr).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("ip", r.RemoteAddr).
						Bytes("stack", debug.Stack()).
						Msg("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"Internal Server Error","message":"Internal server error"}`))
				}
			}()

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// Timeout bounds request handling. It must not wrap routes that hijack the
// connection, such as the WebSocket endpoint.
func Timeout(timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, `{"error":"Service Unavailable","message":"Request timeout"}`)
	}
}
