// Package oauth implements the provider-linking flow: PKCE material,
// provider registry with strict endpoint host validation, the token and
// userinfo HTTP client, and the one-time exchange-code cache that hands
// minted credentials to the browser exactly once.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const verifierSize = 32

// PKCE holds one authorization attempt's proof-key pair. The verifier
// stays server-side with the state; only the challenge travels in the
// authorization URL.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates an S256 verifier/challenge pair.
func NewPKCE() (PKCE, error) {
	raw := make([]byte, verifierSize)
	if _, err := rand.Read(raw); err != nil {
		return PKCE{}, err
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))

	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// NewState generates the opaque CSRF state parameter.
func NewState() (string, error) {
	raw := make([]byte, verifierSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
