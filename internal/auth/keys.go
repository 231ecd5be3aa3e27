// ABOUTME: Derives independent token and signing keys from the configured secret
// ABOUTME: Uses HKDF-SHA256 so one secret never serves two purposes directly

package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest secret DeriveKeys accepts.
const MinSecretLength = 16

const keySize = 32

// ErrWeakSecret is returned when the configured secret is too short.
var ErrWeakSecret = errors.New("auth secret too short")

// Keys holds the derived key material.
type Keys struct {
	TokenKey   []byte
	SigningKey []byte
}

// DeriveKeys expands secret into a token key and a message-signing key.
func DeriveKeys(secret []byte) (Keys, error) {
	if len(secret) < MinSecretLength {
		return Keys{}, fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, MinSecretLength)
	}

	tokenKey, err := expand(secret, "coven-coordinator agent tokens")
	if err != nil {
		return Keys{}, err
	}
	signingKey, err := expand(secret, "coven-coordinator a2a signing")
	if err != nil {
		return Keys{}, err
	}
	return Keys{TokenKey: tokenKey, SigningKey: signingKey}, nil
}

func expand(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}
