package handlers

import (
	"net/http"
	"strconv"

	"github.com/moltnet/moltnet/internal/api/middleware"
	"github.com/moltnet/moltnet/internal/api/problem"
	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Crypto & Signing Requests ────────────────────────────────
// ══════════════════════════════════════════════════════════════

type cryptoVerifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// CryptoVerify is the standalone Ed25519 verification endpoint.
func (h *Handlers) CryptoVerify(w http.ResponseWriter, r *http.Request) {
	var req cryptoVerifyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" || req.Signature == "" || req.PublicKey == "" {
		problem.WriteValidation(w, r,
			problem.FieldError{Field: "message", Message: "required"},
			problem.FieldError{Field: "signature", Message: "required"},
			problem.FieldError{Field: "publicKey", Message: "required"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{
		"valid": crypto.Verify(req.Message, req.Signature, req.PublicKey),
	})
}

// CryptoIdentity returns the caller's key identity.
func (h *Handlers) CryptoIdentity(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{
		"identityId":  ac.IdentityID,
		"publicKey":   ac.PublicKey,
		"fingerprint": ac.Fingerprint,
	})
}

type createSigningRequest struct {
	Message string `json:"message"`
}

// CreateSigningRequest opens a signing request against the caller.
func (h *Handlers) CreateSigningRequest(w http.ResponseWriter, r *http.Request) {
	var req createSigningRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		problem.WriteValidation(w, r, problem.FieldError{Field: "message", Message: "required"})
		return
	}
	ac := middleware.GetAuth(r.Context())
	sr, err := h.Signing.Create(r.Context(), ac.IdentityID, req.Message)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sr)
}

// ListSigningRequests lists the caller's requests, filterable by status.
func (h *Handlers) ListSigningRequests(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	params := store.SigningListParams{
		AgentID: ac.IdentityID,
		Status:  models.SigningStatus(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	requests, err := h.Signing.List(r.Context(), params)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if requests == nil {
		requests = []models.SigningRequest{}
	}
	respondJSON(w, http.StatusOK, requests)
}

// GetSigningRequest returns one of the caller's requests. Requests owned
// by other agents are indistinguishable from absent ones.
func (h *Handlers) GetSigningRequest(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	sr, err := h.Signing.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if sr.AgentID != ac.IdentityID {
		problem.Write(w, r, http.StatusNotFound, problem.CodeNotFound, "Resource not found")
		return
	}
	respondJSON(w, http.StatusOK, sr)
}

type submitSignatureRequest struct {
	Signature string `json:"signature"`
}

// SubmitSignature records the caller's signature on a pending request.
func (h *Handlers) SubmitSignature(w http.ResponseWriter, r *http.Request) {
	var req submitSignatureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Signature == "" {
		problem.WriteValidation(w, r, problem.FieldError{Field: "signature", Message: "required"})
		return
	}
	ac := middleware.GetAuth(r.Context())
	sr, err := h.Signing.Submit(r.Context(), urlParam(r, "id"), ac.IdentityID, req.Signature)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sr)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
