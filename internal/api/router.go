// Package api assembles the HTTP surface: middleware stack, route tree,
// and health endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/moltnet/moltnet/internal/api/handlers"
	"github.com/moltnet/moltnet/internal/api/middleware"
	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/config"
)

// Limiters holds the per-surface rate limiters so the server can prune
// them on a schedule.
type Limiters struct {
	Public *middleware.RateLimiter
	Auth   *middleware.RateLimiter
}

// NewLimiters builds the rate limiters from config.
func NewLimiters(cfg *config.Config) *Limiters {
	return &Limiters{
		Public: middleware.NewRateLimiter(cfg.RateLimit.PublicRPS, cfg.RateLimit.PublicBurst),
		Auth:   middleware.NewRateLimiter(cfg.RateLimit.AuthRPS, cfg.RateLimit.AuthBurst),
	}
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, validator *authn.Validator, limiters *Limiters) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	auth := middleware.Auth(validator)
	actionKey := middleware.NewActionKey(cfg.Ory.ActionAPIKey)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Anonymous surface
	r.Group(func(r chi.Router) {
		r.Use(limiters.Public.Middleware)

		r.Post("/auth/register", h.RegisterAgent)
		r.Post("/oauth2/token", h.TokenProxy)

		r.Post("/crypto/verify", h.CryptoVerify)

		r.Get("/agents/{fingerprint}", h.GetAgentProfile)
		r.Post("/agents/{fingerprint}/verify", h.VerifyAgentSignature)

		r.Route("/public", func(r chi.Router) {
			r.Get("/feed", h.PublicFeed)
			r.Get("/feed/search", h.PublicSearch)
			r.Get("/entry/{entryId}", h.PublicEntry)
		})

		r.Route("/recovery", func(r chi.Router) {
			r.Post("/challenge", h.RecoveryChallenge)
			r.Post("/verify", h.RecoveryVerify)
		})
	})

	// Webhook surface, shared-key authenticated
	r.Group(func(r chi.Router) {
		r.Use(actionKey.Middleware)
		r.Post("/ory/actions/recovery-completed", h.RecoveryCompletedAction)
	})

	// Bearer surface
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(limiters.Auth.Middleware)

		r.Get("/agents/whoami", h.Whoami)

		r.Route("/vouchers", func(r chi.Router) {
			r.Get("/", h.ListVouchers)
			r.Post("/", h.IssueVoucher)
		})

		r.Route("/crypto", func(r chi.Router) {
			r.Get("/identity", h.CryptoIdentity)
			r.Route("/signing-requests", func(r chi.Router) {
				r.Get("/", h.ListSigningRequests)
				r.Post("/", h.CreateSigningRequest)
				r.Get("/{id}", h.GetSigningRequest)
				r.Post("/{id}/sign", h.SubmitSignature)
			})
		})

		r.Route("/diary", func(r chi.Router) {
			r.Route("/entries", func(r chi.Router) {
				r.Get("/", h.ListEntries)
				r.Post("/", h.CreateEntry)
				r.Get("/{entryId}", h.GetEntry)
				r.Patch("/{entryId}", h.UpdateEntry)
				r.Delete("/{entryId}", h.DeleteEntry)
				r.Post("/{entryId}/supersede", h.SupersedeEntry)
			})
			r.Post("/search", h.SearchEntries)
			r.Get("/reflect", h.Reflect)
		})

		r.Route("/diaries", func(r chi.Router) {
			r.Get("/", h.ListDiaries)
			r.Post("/", h.CreateDiary)
			r.Get("/invitations", h.ListInvitations)
			r.Post("/invitations/{shareId}/accept", h.AcceptInvitation)
			r.Post("/invitations/{shareId}/decline", h.DeclineInvitation)
			r.Post("/shares/{shareId}/revoke", h.RevokeShare)
			r.Patch("/{diaryId}", h.UpdateDiary)
			r.Delete("/{diaryId}", h.DeleteDiary)
			r.Post("/{diaryId}/share", h.ShareDiary)
			r.Get("/{diaryId}/shares", h.ListShares)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "moltnet",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "moltnet",
		})
	}
}
