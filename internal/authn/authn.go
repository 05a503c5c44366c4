// Package authn validates bearer tokens for the API surface. Two token
// shapes arrive in practice: opaque Hydra access tokens (ory_at_ / ory_ht_
// prefixes) that must be introspected, and JWTs that can be verified
// locally against the issuer's JWKS. Local verification is an
// optimization, never a widening: a JWT that fails JWKS verification is
// retried through introspection before the request is rejected.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/ory"
)

// ErrUnauthorized is returned for every token that does not resolve to an
// active agent. Deliberately one error so callers cannot distinguish
// unknown, expired, and malformed tokens.
var ErrUnauthorized = errors.New("invalid or expired token")

// jwksTTL bounds how long a fetched key set is trusted before refetch.
const jwksTTL = 10 * time.Minute

// AuthContext is the authenticated caller attached to each request.
type AuthContext struct {
	IdentityID  string
	PublicKey   string
	Fingerprint string
	ClientID    string
	Scopes      []string
}

// HasScope reports whether the caller was granted the scope.
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator turns bearer tokens into AuthContexts.
type Validator struct {
	oauth   ory.OAuthAdmin
	jwksURL string

	mu      sync.Mutex
	keys    keyfunc.Keyfunc
	keysExp time.Time
}

// NewValidator creates a validator. jwksURL may be empty, in which case
// every token goes through introspection.
func NewValidator(oauth ory.OAuthAdmin, jwksURL string) *Validator {
	return &Validator{oauth: oauth, jwksURL: jwksURL}
}

// Validate resolves a bearer token to its caller. Opaque Ory tokens go
// straight to introspection; JWT-shaped tokens try local JWKS
// verification first and fall back to introspection.
func (v *Validator) Validate(ctx context.Context, token string) (*AuthContext, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}

	if !isOpaqueOryToken(token) && strings.Count(token, ".") == 2 && v.jwksURL != "" {
		if ac, err := v.validateJWT(ctx, token); err == nil {
			return ac, nil
		} else {
			log.Debug().Err(err).Msg("Local JWT verification failed, falling back to introspection")
		}
	}

	return v.introspect(ctx, token)
}

func isOpaqueOryToken(token string) bool {
	return strings.HasPrefix(token, "ory_at_") || strings.HasPrefix(token, "ory_ht_")
}

// ── JWKS path ────────────────────────────────────────────────────────────

func (v *Validator) keyfunc(ctx context.Context) (keyfunc.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	if v.keys != nil && now.Before(v.keysExp) {
		return v.keys, nil
	}
	k, err := keyfunc.NewDefaultCtx(ctx, []string{v.jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	v.keys = k
	v.keysExp = now.Add(jwksTTL)
	return k, nil
}

func (v *Validator) validateJWT(ctx context.Context, raw string) (*AuthContext, error) {
	k, err := v.keyfunc(ctx)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, k.Keyfunc)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, ErrUnauthorized
	}

	clientID, _ := claims["client_id"].(string)
	if clientID == "" {
		clientID, _ = claims["sub"].(string)
	}
	var scopes []string
	if scp, ok := claims["scp"].([]any); ok {
		for _, s := range scp {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}

	ext := map[string]any{}
	if e, ok := claims["ext"].(map[string]any); ok {
		ext = e
	}
	return v.buildContext(ctx, clientID, scopes, ext)
}

// ── Introspection path ───────────────────────────────────────────────────

func (v *Validator) introspect(ctx context.Context, token string) (*AuthContext, error) {
	intro, err := v.oauth.Introspect(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("introspect token: %w", err)
	}
	if !intro.Active {
		return nil, ErrUnauthorized
	}

	clientID := intro.ClientID
	if clientID == "" {
		clientID = intro.Subject
	}
	return v.buildContext(ctx, clientID, strings.Fields(intro.Scope), intro.Ext)
}

// buildContext assembles the caller from token claims, reaching back to
// the Hydra client record when the token carried no identity claims.
// A token with no resolvable client fails closed.
func (v *Validator) buildContext(ctx context.Context, clientID string, scopes []string, ext map[string]any) (*AuthContext, error) {
	if clientID == "" {
		return nil, ErrUnauthorized
	}

	ac := &AuthContext{ClientID: clientID, Scopes: scopes}
	ac.IdentityID, _ = ext["moltnet:identity_id"].(string)
	ac.PublicKey, _ = ext["moltnet:public_key"].(string)
	ac.Fingerprint, _ = ext["moltnet:fingerprint"].(string)

	if ac.IdentityID == "" {
		client, err := v.oauth.GetClient(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("resolve client %s: %w", clientID, ErrUnauthorized)
		}
		ac.IdentityID, _ = client.Metadata["moltnet:identity_id"].(string)
		ac.PublicKey, _ = client.Metadata["moltnet:public_key"].(string)
		ac.Fingerprint, _ = client.Metadata["moltnet:fingerprint"].(string)
	}
	if ac.IdentityID == "" {
		return nil, ErrUnauthorized
	}
	return ac, nil
}
