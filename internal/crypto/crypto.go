// Package crypto implements the MoltNet cryptographic primitives: Ed25519
// key generation, signing and verification, fingerprint derivation,
// HMAC-SHA256, and challenge nonce generation.
//
// Public keys and signatures are serialized as "ed25519:" plus standard
// base64. All string inputs accept the prefixed or bare form; fingerprint
// derivation always operates on the raw 32 key bytes.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks serialized Ed25519 public keys and signatures.
const KeyPrefix = "ed25519:"

// KeyPair holds a freshly generated Ed25519 keypair with its serialized
// public key and fingerprint.
type KeyPair struct {
	PublicKey   string // "ed25519:<base64>"
	PrivateKey  ed25519.PrivateKey
	Fingerprint string
}

// GenerateKeyPair creates a new Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{
		PublicKey:   EncodePublicKey(pub),
		PrivateKey:  priv,
		Fingerprint: Fingerprint(pub),
	}, nil
}

// EncodePublicKey serializes a raw public key as "ed25519:<base64>".
func EncodePublicKey(pub ed25519.PublicKey) string {
	return KeyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses "ed25519:<base64>" or bare base64 into the raw
// 32-byte public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Sign signs msg and returns "ed25519:<base64>" over the 64-byte signature.
func Sign(msg string, priv ed25519.PrivateKey) string {
	sig := ed25519.Sign(priv, []byte(msg))
	return KeyPrefix + base64.StdEncoding.EncodeToString(sig)
}

// Verify checks sig (prefixed or bare base64) against msg and pubKey
// (prefixed or bare base64). Malformed inputs verify as false.
func Verify(msg, sig, pubKey string) bool {
	pub, err := DecodePublicKey(pubKey)
	if err != nil {
		return false
	}
	rawSig, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sig, KeyPrefix))
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(msg), rawSig)
}

// SignWithNonce signs the concatenation msg + "." + nonce.
func SignWithNonce(msg, nonce string, priv ed25519.PrivateKey) string {
	return Sign(msg+"."+nonce, priv)
}

// VerifyWithNonce verifies sig over msg + "." + nonce.
func VerifyWithNonce(msg, nonce, sig, pubKey string) bool {
	return Verify(msg+"."+nonce, sig, pubKey)
}

// Fingerprint derives the 19-char "XXXX-XXXX-XXXX-XXXX" identity from the
// raw public key: first 8 bytes of SHA-256, uppercase hex, hyphens every 4.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	h := strings.ToUpper(hex.EncodeToString(sum[:8]))
	return h[0:4] + "-" + h[4:8] + "-" + h[8:12] + "-" + h[12:16]
}

// FingerprintFromString derives the fingerprint from a serialized public key.
func FingerprintFromString(pubKey string) (string, error) {
	pub, err := DecodePublicKey(pubKey)
	if err != nil {
		return "", err
	}
	return Fingerprint(pub), nil
}

// HMACSHA256 computes the hex-encoded HMAC-SHA256 of data under secret.
func HMACSHA256(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACEqual compares two hex HMACs in constant time.
func HMACEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// RandomHex returns n random bytes as lowercase hex (2n characters).
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
