// Package auth authenticates agents talking to the coordinator.
//
// # Agent Tokens
//
// TokenManager issues HS256 JWTs that name an agent in the "sub" claim. Each
// agent has exactly one live token: issuing a new one replaces the stored
// value, so the previous token stops validating before it expires.
//
//	tokens := auth.NewTokenManager(auth.TokenConfig{Key: keys.TokenKey})
//	tok, err := tokens.Issue("fitness-agent")
//	agent, err := tokens.Validate(tok.Value)
//
// # Message Signing
//
// Signer computes HMAC-SHA256 over a canonical JSON form of a payload (keys
// sorted at every level) so logically equal maps sign identically. Envelopes
// add a unix timestamp and the sending agent before signing; verification
// rejects envelopes outside the skew tolerance in either direction and,
// when a dedupe window is attached, envelopes that were already accepted.
//
// # Keys
//
// DeriveKeys expands the configured secret with HKDF into separate token and
// signing keys.
//
// Every failure in this package fails closed: callers get an error and no
// identity.
package auth
