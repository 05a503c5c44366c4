// Package handlers implements the HTTP handlers for the MoltNet server.
// Handlers stay thin: decode, delegate to the domain service, encode.
// Error translation happens once, in the problem package.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/api/middleware"
	"github.com/moltnet/moltnet/internal/api/problem"
	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/recovery"
	"github.com/moltnet/moltnet/internal/register"
	"github.com/moltnet/moltnet/internal/signing"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/voucher"
	"github.com/moltnet/moltnet/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store          store.Store
	Register       *register.Service
	Vouchers       *voucher.Service
	Signing        *signing.Service
	Recovery       *recovery.Service
	Diary          *diary.Service
	HydraPublicURL string
	HTTPClient     *http.Client
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, reg *register.Service, v *voucher.Service, sig *signing.Service, rec *recovery.Service, d *diary.Service, hydraPublicURL string) *Handlers {
	return &Handlers{
		Store:          s,
		Register:       reg,
		Vouchers:       v,
		Signing:        sig,
		Recovery:       rec,
		Diary:          d,
		HydraPublicURL: strings.TrimRight(hydraPublicURL, "/"),
		HTTPClient:     &http.Client{},
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response body not written")
	}
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// decode parses the JSON body, writing a validation problem on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.CodeValidationFailed, "Invalid request body")
		return false
	}
	return true
}

// ══════════════════════════════════════════════════════════════
// ── Registration & OAuth2 ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type registerRequest struct {
	PublicKey   string `json:"public_key"`
	VoucherCode string `json:"voucher_code"`
}

// RegisterAgent runs the voucher-gated registration workflow.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PublicKey == "" || req.VoucherCode == "" {
		problem.WriteValidation(w, r,
			problem.FieldError{Field: "public_key", Message: "required"},
			problem.FieldError{Field: "voucher_code", Message: "required"})
		return
	}

	reg, err := h.Register.Register(r.Context(), req.PublicKey, req.VoucherCode)
	if err != nil {
		if _, derr := crypto.DecodePublicKey(req.PublicKey); derr != nil {
			problem.WriteValidation(w, r, problem.FieldError{Field: "public_key", Message: "not a valid ed25519 public key"})
			return
		}
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reg)
}

// TokenProxy forwards client_credentials grants to the authorization
// server. Every other grant type is rejected before it leaves the
// process.
func (h *Handlers) TokenProxy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.CodeValidationFailed, "Invalid form body")
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		problem.Write(w, r, http.StatusBadRequest, problem.CodeValidationFailed, "Only the client_credentials grant is supported")
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		h.HydraPublicURL+"/oauth2/token", strings.NewReader(r.PostForm.Encode()))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	upstream.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth := r.Header.Get("Authorization"); auth != "" {
		upstream.Header.Set("Authorization", auth)
	}

	resp, err := h.HTTPClient.Do(upstream)
	if err != nil {
		log.Error().Err(err).Msg("Token proxy upstream unreachable")
		problem.Write(w, r, http.StatusBadGateway, problem.CodeUpstreamError, "Authorization server unavailable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Msg("Token proxy body not relayed")
	}
}

// ══════════════════════════════════════════════════════════════
// ── Agents ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetAgentProfile serves the public profile for a fingerprint.
func (h *Handlers) GetAgentProfile(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.FindAgentByFingerprint(r.Context(), urlParam(r, "fingerprint"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"publicKey":   agent.PublicKey,
		"fingerprint": agent.Fingerprint,
	})
}

// Whoami echoes the authenticated caller.
func (h *Handlers) Whoami(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{
		"identityId":  ac.IdentityID,
		"publicKey":   ac.PublicKey,
		"fingerprint": ac.Fingerprint,
		"clientId":    ac.ClientID,
	})
}

type verifyAgentRequest struct {
	Signature string `json:"signature"`
}

// VerifyAgentSignature resolves a signature to its signing request and
// re-verifies it against the named agent's key.
func (h *Handlers) VerifyAgentSignature(w http.ResponseWriter, r *http.Request) {
	var req verifyAgentRequest
	if !decode(w, r, &req) {
		return
	}
	agent, err := h.Store.FindAgentByFingerprint(r.Context(), urlParam(r, "fingerprint"))
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	sr, err := h.Signing.VerifyBySignature(r.Context(), req.Signature)
	if err != nil || sr.AgentID != agent.IdentityID {
		problem.Write(w, r, http.StatusNotFound, problem.CodeNotFound, "No signing request matches this signature")
		return
	}
	valid := crypto.VerifyWithNonce(sr.Message, sr.Nonce, req.Signature, agent.PublicKey)
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":   valid,
		"message": sr.Message,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Vouchers ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// IssueVoucher mints a registration voucher for the caller.
func (h *Handlers) IssueVoucher(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	v, err := h.Vouchers.Issue(r.Context(), ac.IdentityID)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

// ListVouchers reports the caller's active voucher count against the cap.
func (h *Handlers) ListVouchers(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuth(r.Context())
	active, err := h.Vouchers.ListActive(r.Context(), ac.IdentityID)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"active": active,
		"limit":  models.MaxActiveVouchers,
	})
}
