package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/moltnet/moltnet/internal/api/problem"
)

// ActionKeyHeader carries the shared secret on Ory Action webhook calls.
const ActionKeyHeader = "X-Ory-Api-Key"

// ActionKey guards the /ory/actions webhook surface. Ory Actions
// authenticate with a single shared key configured on both sides; with
// no key configured the surface is hidden entirely.
type ActionKey struct {
	key string
}

// NewActionKey creates the webhook guard. An empty key disables the
// surface rather than opening it.
func NewActionKey(key string) *ActionKey {
	return &ActionKey{key: key}
}

// Enabled reports whether a key is configured.
func (a *ActionKey) Enabled() bool {
	return a.key != ""
}

// Middleware enforces the shared key on every request.
func (a *ActionKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			problem.Write(w, r, http.StatusNotFound, problem.CodeNotFound, "Resource not found")
			return
		}
		candidate := r.Header.Get(ActionKeyHeader)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(a.key)) != 1 {
			problem.Write(w, r, http.StatusUnauthorized, problem.CodeUnauthorized, "Invalid action key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
