package provider

import "golang.org/x/oauth2"

// NewPKCE generates a verifier/challenge pair (S256).
func NewPKCE() *PKCE {
	verifier := oauth2.GenerateVerifier()
	return &PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}
