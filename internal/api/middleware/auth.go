package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/api/problem"
	"github.com/moltnet/moltnet/internal/authn"
)

type authCtxKey struct{}

// Auth returns bearer-token middleware. Routes behind it always see a
// non-nil AuthContext; everything else is rejected with a 401 problem.
func Auth(validator *authn.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="moltnet"`)
				problem.Write(w, r, http.StatusUnauthorized, problem.CodeUnauthorized, "Missing bearer token")
				return
			}

			ac, err := validator.Validate(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Token rejected")
				w.Header().Set("WWW-Authenticate", `Bearer realm="moltnet"`)
				problem.Write(w, r, http.StatusUnauthorized, problem.CodeUnauthorized, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(SetAuth(r.Context(), ac)))
		})
	}
}

// SetAuth stores the caller in the request context.
func SetAuth(ctx context.Context, ac *authn.AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, ac)
}

// GetAuth returns the authenticated caller, or nil on public routes.
func GetAuth(ctx context.Context) *authn.AuthContext {
	ac, _ := ctx.Value(authCtxKey{}).(*authn.AuthContext)
	return ac
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
