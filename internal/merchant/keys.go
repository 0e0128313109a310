package merchant

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	apiKeyPrefix        = "kg_live_"
	webhookSecretPrefix = "whsec_"
	tokenBytes          = 24
)

// NewAPIKey mints a merchant API key: kg_live_ + 24 random bytes, base64url.
func NewAPIKey() (string, error) {
	t, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("merchant: mint api key: %w", err)
	}
	return apiKeyPrefix + t, nil
}

// NewWebhookSecret mints a webhook signing secret: whsec_ + 24 random bytes.
func NewWebhookSecret() (string, error) {
	t, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("merchant: mint webhook secret: %w", err)
	}
	return webhookSecretPrefix + t, nil
}

// NewSubscriptionToken mints an opaque per-session subscription token.
func NewSubscriptionToken() (string, error) {
	return randomToken()
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyDigest returns the SHA-256 hex digest under which a key is stored and
// looked up. The plaintext never needs to be at rest for verification.
func KeyDigest(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// WellFormedAPIKey is a cheap shape check applied before any store access,
// so obviously bogus keys never touch the database.
func WellFormedAPIKey(key string) bool {
	return strings.HasPrefix(key, apiKeyPrefix) && len(key) > len(apiKeyPrefix)
}

// SignPayload computes the hex HMAC-SHA256 of body under secret. This is the
// value carried in the X-KasGate-Signature header.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC over the raw body and compares in
// constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
