// Package jwt adapts dex's server/jwt.go StorageKeySet to this module's
// actor-based KeyManager: a go-jose-compatible oidc.KeySet that verifies a
// JWS against the currently active signing key plus any key still inside
// its post-rotation verification window (spec §4.1.6), instead of dex's
// storage.Storage-backed key list.
package jwt

import (
	"context"
	"errors"

	"github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/internal/actor"
)

// ErrFailedVerify is returned when no known key validates the JWS.
var ErrFailedVerify = errors.New("failed to verify signature against any known key")

// KeySet implements the oidc.KeySet interface (its sole method,
// VerifySignature) against this module's KeyManager actor, so a third
// party's id_token_hint or a DID-bound self-issued JWT can be checked the
// same way dex's StorageKeySet checked against storage.Storage.
type KeySet struct {
	Keys *actor.KeyManager
}

// NewKeySet constructs a KeySet bound to manager.
func NewKeySet(manager *actor.KeyManager) *KeySet {
	return &KeySet{Keys: manager}
}

// VerifySignature parses jwt as a compact JWS, restricted to the algorithms
// this provider signs with, and tries the currently valid verification
// keys (active plus not-yet-expired demoted keys) until one validates.
// When the JWS header names a kid, only keys with that kid are tried.
func (s *KeySet) VerifySignature(ctx context.Context, jwt string) (payload []byte, err error) {
	jws, err := jose.ParseSigned(jwt, []jose.SignatureAlgorithm{jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512})
	if err != nil {
		return nil, err
	}

	keyID := ""
	for _, sig := range jws.Signatures {
		keyID = sig.Header.KeyID
		break
	}

	keys, err := s.Keys.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if keyID == "" || key.KeyID == keyID {
			if payload, err := jws.Verify(key); err == nil {
				return payload, nil
			}
		}
	}

	return nil, ErrFailedVerify
}
