package handlers

import (
	"errors"
	"net/http"

	"github.com/moltnet/moltnet/internal/api/problem"
	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/store"
)

// ══════════════════════════════════════════════════════════════
// ── Public feed ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PublicFeed serves the cursor-paginated feed of public entries.
func (h *Handlers) PublicFeed(w http.ResponseWriter, r *http.Request) {
	page, err := h.Diary.PublicFeed(r.Context(), store.PublicFeedParams{
		Limit:  queryInt(r, "limit", 20),
		Cursor: r.URL.Query().Get("cursor"),
		Tag:    r.URL.Query().Get("tag"),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			problem.WriteValidation(w, r, problem.FieldError{Field: "cursor", Message: "malformed cursor"})
			return
		}
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// PublicSearch runs the hybrid search across all public entries.
func (h *Handlers) PublicSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		problem.WriteValidation(w, r, problem.FieldError{Field: "q", Message: "required"})
		return
	}
	results, err := h.Diary.PublicSearch(r.Context(), q, r.URL.Query().Get("tag"), queryInt(r, "limit", 20))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": results})
}

// PublicEntry serves a single public entry. Private entries 404.
func (h *Handlers) PublicEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Diary.PublicEntry(r.Context(), urlParam(r, "entryId"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// ══════════════════════════════════════════════════════════════
// ── Recovery ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type challengeRequest struct {
	PublicKey string `json:"publicKey"`
}

// RecoveryChallenge mints an HMAC-bound recovery challenge.
func (h *Handlers) RecoveryChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := crypto.DecodePublicKey(req.PublicKey); err != nil {
		problem.WriteValidation(w, r, problem.FieldError{Field: "publicKey", Message: "not a valid ed25519 public key"})
		return
	}
	issued, err := h.Recovery.IssueChallenge(r.Context(), req.PublicKey)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"challenge": issued.Challenge,
		"hmac":      issued.MAC,
		"expiresAt": issued.ExpiresAt,
	})
}

type recoveryVerifyRequest struct {
	Challenge string `json:"challenge"`
	HMAC      string `json:"hmac"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// RecoveryVerify runs the verification chain and returns the recovery
// code on success.
func (h *Handlers) RecoveryVerify(w http.ResponseWriter, r *http.Request) {
	var req recoveryVerifyRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.Recovery.Verify(r.Context(), req.Challenge, req.HMAC, req.Signature, req.PublicKey)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
