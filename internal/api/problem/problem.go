// Package problem writes RFC 9457 problem-details responses and maps
// domain errors to their HTTP projection. Handlers never hand-roll error
// bodies: everything goes through Write or FromError so the taxonomy
// stays uniform.
package problem

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/recovery"
	"github.com/moltnet/moltnet/internal/register"
	"github.com/moltnet/moltnet/internal/signing"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/voucher"
)

// Machine-readable error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidChallenge = "INVALID_CHALLENGE"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeSigningExpired   = "SIGNING_REQUEST_EXPIRED"
	CodeSigningCompleted = "SIGNING_REQUEST_ALREADY_COMPLETED"
	CodeSelfShare        = "SELF_SHARE"
	CodeAlreadyShared    = "ALREADY_SHARED"
	CodeWrongStatus      = "WRONG_STATUS"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_SERVER_ERROR"
)

const typePrefix = "https://moltnet.dev/problems/"

// scrubbedDetail replaces internal error text on 500s.
const scrubbedDetail = "An unexpected error occurred"

// FieldError pinpoints a failing request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Problem is the RFC 9457 response body.
type Problem struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Code     string       `json:"code"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// New builds a problem for the given status and code.
func New(status int, code, detail string) *Problem {
	return &Problem{
		Type:   typePrefix + strings.ToLower(code),
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	}
}

// Write serializes the problem onto the response.
func (p *Problem) Write(w http.ResponseWriter, r *http.Request) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Debug().Err(err).Msg("Problem body not written")
	}
}

// Write is the one-shot helper for handlers.
func Write(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	New(status, code, detail).Write(w, r)
}

// WriteValidation writes a 400 with per-field errors.
func WriteValidation(w http.ResponseWriter, r *http.Request, fields ...FieldError) {
	p := New(http.StatusBadRequest, CodeValidationFailed, "Request validation failed")
	p.Errors = fields
	p.Write(w, r)
}

// FromError maps a domain error to its problem projection. Unrecognized
// errors become a scrubbed 500; the original message is logged, never
// served.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authn.ErrUnauthorized):
		Write(w, r, http.StatusUnauthorized, CodeUnauthorized, "Missing or invalid bearer token")
	case store.IsNotFound(err):
		Write(w, r, http.StatusNotFound, CodeNotFound, "Resource not found")
	case errors.Is(err, diary.ErrForbidden):
		Write(w, r, http.StatusForbidden, CodeForbidden, "You do not have access to this resource")
	case errors.Is(err, diary.ErrValidation):
		Write(w, r, http.StatusBadRequest, CodeValidationFailed, err.Error())
	case errors.Is(err, diary.ErrSelfShare):
		Write(w, r, http.StatusConflict, CodeSelfShare, "A diary cannot be shared with its owner")
	case errors.Is(err, diary.ErrAlreadyShared):
		Write(w, r, http.StatusConflict, CodeAlreadyShared, "Diary already shared with this agent")
	case errors.Is(err, diary.ErrWrongStatus):
		Write(w, r, http.StatusConflict, CodeWrongStatus, "Invitation is not in a state that allows this transition")
	case errors.Is(err, signing.ErrExpired):
		Write(w, r, http.StatusConflict, CodeSigningExpired, "Signing request expired")
	case errors.Is(err, signing.ErrAlreadyCompleted):
		Write(w, r, http.StatusConflict, CodeSigningCompleted, "Signing request already completed")
	case errors.Is(err, signing.ErrWrongAgent):
		// Requests addressed to others are indistinguishable from absent.
		Write(w, r, http.StatusNotFound, CodeNotFound, "Resource not found")
	case errors.Is(err, recovery.ErrInvalidChallenge):
		Write(w, r, http.StatusBadRequest, CodeInvalidChallenge, "Challenge invalid or expired")
	case errors.Is(err, recovery.ErrInvalidSignature):
		Write(w, r, http.StatusBadRequest, CodeInvalidSignature, "Signature does not verify against the registered key")
	case errors.Is(err, recovery.ErrUpstream):
		Write(w, r, http.StatusBadGateway, CodeUpstreamError, "Identity provider unavailable")
	case errors.Is(err, voucher.ErrInvalidVoucher):
		Write(w, r, http.StatusForbidden, CodeForbidden, "Voucher is invalid, expired, or already redeemed")
	case errors.Is(err, voucher.ErrVoucherLimit):
		Write(w, r, http.StatusForbidden, CodeForbidden, "Active voucher limit reached")
	case errors.Is(err, register.ErrAlreadyRegistered):
		Write(w, r, http.StatusConflict, CodeWrongStatus, "Public key already registered")
	default:
		path := ""
		if r != nil {
			path = r.URL.Path
		}
		log.Error().Str("path", path).Err(err).Msg("Unhandled error")
		Write(w, r, http.StatusInternalServerError, CodeInternal, scrubbedDetail)
	}
}
