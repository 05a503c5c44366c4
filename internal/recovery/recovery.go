// Package recovery implements key-loss account recovery. The server
// hands out an HMAC-bound challenge; the agent proves possession of its
// registered key by signing it; a fully verified submission mints a
// Kratos recovery code. Each verification step is ordered so that cheap,
// attacker-visible failures come before anything touching state.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/crypto"
	"github.com/moltnet/moltnet/internal/ory"
	"github.com/moltnet/moltnet/internal/store"
)

var (
	// ErrInvalidChallenge covers every challenge defect: malformed,
	// wrong key, bad MAC, expired, or replayed nonce. Deliberately one
	// error so responses do not leak which check failed.
	ErrInvalidChallenge = errors.New("invalid recovery challenge")

	// ErrInvalidSignature is returned when the challenge verifies but the
	// signature does not.
	ErrInvalidSignature = errors.New("invalid recovery signature")

	// ErrUpstream is returned when Kratos cannot mint the recovery code.
	ErrUpstream = errors.New("identity provider unavailable")
)

// IssuedChallenge is what the issue endpoint returns.
type IssuedChallenge struct {
	Challenge string    `json:"challenge"`
	MAC       string    `json:"mac"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Result is a successful recovery: the Kratos code plus the agent it
// belongs to.
type Result struct {
	IdentityID      string    `json:"identityId"`
	Fingerprint     string    `json:"fingerprint"`
	RecoveryCode    string    `json:"recoveryCode"`
	RecoveryFlowURL string    `json:"recoveryFlowUrl,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
}

// Service issues and verifies recovery challenges.
type Service struct {
	store    store.Store
	identity ory.IdentityAdmin
	secret   string
}

// NewService creates the recovery service. The secret keys the challenge
// HMAC and must be at least 16 bytes.
func NewService(s store.Store, identity ory.IdentityAdmin, secret string) (*Service, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("recovery challenge secret must be at least 16 bytes, got %d", len(secret))
	}
	return &Service{store: s, identity: identity, secret: secret}, nil
}

// IssueChallenge mints a challenge bound to the registered public key.
// Unknown keys get a not-found error so callers cannot mint challenges
// for arbitrary strings.
func (s *Service) IssueChallenge(ctx context.Context, publicKey string) (*IssuedChallenge, error) {
	raw, err := crypto.DecodePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	canonical := crypto.EncodePublicKey(raw)
	if _, err := s.store.FindAgentByPublicKey(ctx, canonical); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ch, err := crypto.NewChallenge(canonical, now)
	if err != nil {
		return nil, fmt.Errorf("build challenge: %w", err)
	}
	log.Info().Str("fingerprint", crypto.Fingerprint(raw)).Msg("Recovery challenge issued")
	return &IssuedChallenge{
		Challenge: ch.Raw,
		MAC:       ch.MAC(s.secret),
		ExpiresAt: now.Add(crypto.ChallengeTTL),
	}, nil
}

// Verify runs the full checking chain over a submitted challenge. Order
// matters: parse, key match, MAC, freshness, nonce consumption, then the
// signature, and only then the upstream call. The nonce is consumed
// before the signature check so a replayed challenge is dead even if its
// signature was valid the first time.
func (s *Service) Verify(ctx context.Context, challenge, mac, signature, publicKey string) (*Result, error) {
	ch, err := crypto.ParseChallenge(challenge)
	if err != nil {
		return nil, ErrInvalidChallenge
	}

	// The caller names the key it is recovering; a challenge minted for
	// any other key is rejected before the MAC is even looked at.
	raw, err := crypto.DecodePublicKey(publicKey)
	if err != nil || crypto.EncodePublicKey(raw) != ch.PublicKey {
		return nil, ErrInvalidChallenge
	}

	agent, err := s.store.FindAgentByPublicKey(ctx, ch.PublicKey)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrInvalidChallenge
		}
		return nil, err
	}

	if !crypto.HMACEqual(ch.MAC(s.secret), mac) {
		return nil, ErrInvalidChallenge
	}

	now := time.Now().UTC()
	if ch.Expired(now) {
		return nil, ErrInvalidChallenge
	}

	ok, err := s.store.ConsumeNonce(ctx, ch.Nonce, crypto.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("consume nonce: %w", err)
	}
	if !ok {
		log.Warn().Str("fingerprint", agent.Fingerprint).Msg("Recovery challenge replay rejected")
		return nil, ErrInvalidChallenge
	}

	if !crypto.Verify(ch.Raw, signature, agent.PublicKey) {
		return nil, ErrInvalidSignature
	}

	code, err := s.identity.CreateRecoveryCode(ctx, agent.IdentityID)
	if err != nil {
		log.Error().Str("identity", agent.IdentityID).Err(err).Msg("Recovery code minting failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	log.Info().Str("identity", agent.IdentityID).Str("fingerprint", agent.Fingerprint).Msg("Account recovery verified")
	return &Result{
		IdentityID:      agent.IdentityID,
		Fingerprint:     agent.Fingerprint,
		RecoveryCode:    code.Code,
		RecoveryFlowURL: code.Link,
		ExpiresAt:       code.ExpiresAt,
	}, nil
}

// PruneNonces drops consumed nonces past their window. Run from cron.
func (s *Service) PruneNonces(ctx context.Context) (int, error) {
	return s.store.PruneNonces(ctx, time.Now().UTC())
}
