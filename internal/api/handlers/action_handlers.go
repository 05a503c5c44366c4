package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/store"
)

// ══════════════════════════════════════════════════════════════
// ── Ory Action webhooks ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type recoveryCompletedAction struct {
	IdentityID string `json:"identity_id"`
}

// RecoveryCompletedAction handles the after-recovery webhook from the
// identity server. It stamps the agent row so recovery shows up in its
// timeline. Always answers 200: a bookkeeping failure here must not
// abort the agent's recovery flow.
func (h *Handlers) RecoveryCompletedAction(w http.ResponseWriter, r *http.Request) {
	var req recoveryCompletedAction
	if !decode(w, r, &req) {
		return
	}

	agent, err := h.Store.FindAgentByIdentityID(r.Context(), req.IdentityID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Warn().Str("identity_id", req.IdentityID).Msg("Recovery webhook for unknown agent")
		} else {
			log.Error().Err(err).Str("identity_id", req.IdentityID).Msg("Recovery webhook lookup failed")
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	agent.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpsertAgent(r.Context(), agent); err != nil {
		log.Error().Err(err).Str("identity_id", req.IdentityID).Msg("Recovery webhook update failed")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	log.Info().
		Str("identity_id", agent.IdentityID).
		Str("fingerprint", agent.Fingerprint).
		Msg("Agent completed account recovery")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
