package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

const operatorRealm = `Bearer realm="policycache-operator"`

// operatorGuard protects the operator routes (/stats and /admin/*) with the
// configured bearer token. Only those routes are registered through it;
// proxied traffic is decided by policy and never sees the token check.
type operatorGuard struct {
	token  []byte
	logger *slog.Logger
}

// newOperatorGuard returns a guard for token. An empty token leaves operator
// routes open.
func newOperatorGuard(token string, logger *slog.Logger) operatorGuard {
	g := operatorGuard{logger: logger}
	if token != "" {
		g.token = []byte(token)
	}
	return g
}

// operator wraps an operator route handler.
func (g operatorGuard) operator(h http.HandlerFunc) http.Handler {
	if g.token == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.allowed(r) {
			g.logger.Debug("operator request rejected", "method", r.Method, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", operatorRealm)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		h(w, r)
	})
}

func (g operatorGuard) allowed(r *http.Request) bool {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	return ok && subtle.ConstantTimeCompare([]byte(token), g.token) == 1
}

// bearerToken extracts the credentials of a Bearer authorization header.
// The scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
