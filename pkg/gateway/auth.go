package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const maxAuthAttempts = 3

// AuthHandler runs HMAC-SHA256 challenge-response authentication. With an
// empty secret every client is accepted.
type AuthHandler struct {
	secret string
}

func NewAuthHandler(secret string) *AuthHandler {
	return &AuthHandler{secret: secret}
}

// Enabled reports whether a shared secret is configured.
func (a *AuthHandler) Enabled() bool { return a.secret != "" }

// Challenge returns 32 random bytes, hex encoded.
func (a *AuthHandler) Challenge() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Sign computes the signature a client must send for challenge.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify compares signature against the expected HMAC in constant time.
func (a *AuthHandler) Verify(challenge, signature string) bool {
	expected := Sign(a.secret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifyHeader checks the shared secret sent by HTTP callers.
func (a *AuthHandler) VerifyHeader(value string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.secret), []byte(value)) == 1
}

// Respond checks a client's answer to its pending challenge and updates the
// client's state.
func (a *AuthHandler) Respond(c *Client, signature string) AuthResult {
	if c.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "no challenge pending"}
	}
	if !a.Verify(c.Challenge, signature) {
		c.AuthAttempts++
		if c.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "invalid signature"}
	}

	c.Challenge = ""
	c.AuthAttempts = 0
	c.setState(StateAuthenticated)
	return AuthResult{Event: "auth.success", Success: true}
}
