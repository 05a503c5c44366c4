package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// challengePrefix is the fixed leading shape of a recovery challenge:
// moltnet:recovery:<publicKey>:<hex64-nonce>:<unixMillis>
const (
	challengeScheme  = "moltnet"
	challengePurpose = "recovery"
	challengeNonceLen = 32 // random bytes; 64 hex chars on the wire
)

// ChallengeTTL is how long a recovery challenge stays valid, measured
// against its embedded timestamp.
const ChallengeTTL = 5 * time.Minute

// Challenge is a parsed recovery challenge.
type Challenge struct {
	PublicKey string
	Nonce     string // 64 hex chars
	IssuedAt  time.Time
	Raw       string
}

// NewChallenge builds a recovery challenge for the given serialized public
// key with a fresh 32-byte nonce and the current timestamp.
func NewChallenge(publicKey string, now time.Time) (*Challenge, error) {
	nonce, err := RandomHex(challengeNonceLen)
	if err != nil {
		return nil, err
	}
	raw := fmt.Sprintf("%s:%s:%s:%s:%d", challengeScheme, challengePurpose, publicKey, nonce, now.UnixMilli())
	return &Challenge{
		PublicKey: publicKey,
		Nonce:     nonce,
		IssuedAt:  now,
		Raw:       raw,
	}, nil
}

// ParseChallenge splits a presented challenge string. The public key itself
// contains a colon ("ed25519:<base64>"), so a well-formed challenge has six
// colon-separated segments.
func ParseChallenge(raw string) (*Challenge, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("challenge must have 6 segments, got %d", len(parts))
	}
	if parts[0] != challengeScheme || parts[1] != challengePurpose {
		return nil, fmt.Errorf("challenge has wrong scheme %q:%q", parts[0], parts[1])
	}
	pubKey := parts[2] + ":" + parts[3]
	nonce := parts[4]
	if len(nonce) != challengeNonceLen*2 {
		return nil, fmt.Errorf("challenge nonce must be %d hex chars, got %d", challengeNonceLen*2, len(nonce))
	}
	millis, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("challenge timestamp: %w", err)
	}
	return &Challenge{
		PublicKey: pubKey,
		Nonce:     nonce,
		IssuedAt:  time.UnixMilli(millis),
		Raw:       raw,
	}, nil
}

// MAC computes the hex HMAC-SHA256 binding of the challenge under the
// server secret.
func (c *Challenge) MAC(secret string) string {
	return HMACSHA256(c.Raw, secret)
}

// Expired reports whether the challenge timestamp lies outside the
// acceptance window at now. Future-dated challenges are expired too.
func (c *Challenge) Expired(now time.Time) bool {
	if c.IssuedAt.After(now) {
		return true
	}
	return now.Sub(c.IssuedAt) > ChallengeTTL
}
