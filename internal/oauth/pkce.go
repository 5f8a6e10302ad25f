// Package oauth implements the Authorization Server building blocks:
// PKCE, the scope vocabulary, access token signing, client registration
// and client metadata document resolution.
package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// CodeChallengeMethodS256 is the only PKCE method accepted. "plain" is refused.
const CodeChallengeMethodS256 = "S256"

// ComputeChallenge returns BASE64URL(SHA256(verifier)) without padding.
func ComputeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// ConstantTimeEqual compares a and b without leaking timing information
// about where they differ. Strings of different length are never equal.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyPKCE recomputes the challenge from verifier and compares it to the
// stored challenge.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return ConstantTimeEqual(ComputeChallenge(verifier), challenge)
}
