package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
)

// TokenVerifier turns a bearer token into a principal.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Authenticate requires a valid bearer token and stores the principal in the
// request context. Browsers cannot set headers on a WebSocket handshake, so
// the token is also accepted as the "token" query parameter.
func Authenticate(verifier TokenVerifier, log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			principal, err := verifier.Verify(bearerToken(r))
			if err != nil {
				reqLog := LoggerFromContext(r, log)
				reqLog.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected request")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="enrichment"`)
				w.WriteHeader(http.StatusUnauthorized)
				message := auth.ErrInvalidToken.Error()
				if errors.Is(err, auth.ErrMissingToken) {
					message = auth.ErrMissingToken.Error()
				}
				_, _ = w.Write([]byte(`{"error":"Unauthorized","message":"` + message + `"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		}
		return http.HandlerFunc(fn)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
