package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/stephnangue/secretbroker/audit"
)

// TokenHeader is accepted in place of an Authorization bearer token.
const TokenHeader = "X-Secretbroker-Token"

// requireToken rejects requests without the configured API token. The
// salted token identifies the caller in the audit trail.
func (h *handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := h.props.APIToken
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := requestToken(r)
		if got == "" {
			respondError(w, http.StatusUnauthorized, "missing API token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			respondError(w, http.StatusForbidden, "permission denied")
			return
		}

		if id := h.props.HMACer.ClientID(r.Context(), got); id != "" {
			r = r.WithContext(audit.WithClient(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
