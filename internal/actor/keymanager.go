package actor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// RotationStrategy mirrors dex's server/rotation.go rotationStrategy: how
// often to rotate, and how long a demoted key stays valid for signature
// verification afterward.
type RotationStrategy struct {
	RotationFrequency time.Duration
	VerifyValidFor    time.Duration
}

// DefaultRotationStrategy rotates every 6 hours, keeping demoted keys valid
// for 24 hours so in-flight ID tokens they signed still verify.
func DefaultRotationStrategy() RotationStrategy {
	return RotationStrategy{RotationFrequency: 6 * time.Hour, VerifyValidFor: 24 * time.Hour}
}

type keySet struct {
	signingPriv      *jose.JSONWebKey
	signingPub       *jose.JSONWebKey
	verificationKeys []model.SigningKey // demoted keys, public only, with Expiry set
	nextRotation     time.Time
}

// KeyManager is the single global key-manager actor ("default-v3", spec
// §4.1.6). It owns the active RSA signing key, rotates it on a schedule, and
// exports the JWKS of currently-valid verification keys. Grounded on dex's
// keyRotator.rotate(), adapted from a storage.UpdateKeys transaction into a
// self-contained actor with its own mutex.
type KeyManager struct {
	mu       sync.Mutex
	keys     keySet
	strategy RotationStrategy
	now      func() time.Time
}

// NewKeyManager constructs a KeyManager with no active key; the first call
// to RotateKeysWithPrivate or GetActiveKeyWithPrivate mints
// one, matching dex's "rotate-or-at-first-use" lifecycle (spec §3).
func NewKeyManager(strategy RotationStrategy) *KeyManager {
	return &KeyManager{strategy: strategy, now: time.Now}
}

// ActiveKey is what GetActiveKeyWithPrivate returns.
type ActiveKey struct {
	KeyID      string
	PrivateKey *jose.JSONWebKey
	PublicJWK  *jose.JSONWebKey
}

// GetActiveKeyWithPrivate returns the current signing key, rotating first if
// none exists or the rotation interval has elapsed (spec §4.1.6).
func (k *KeyManager) GetActiveKeyWithPrivate(_ context.Context) (ActiveKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.keys.signingPriv == nil || k.now().After(k.keys.nextRotation) {
		if err := k.rotateLocked(); err != nil {
			return ActiveKey{}, err
		}
	}
	return ActiveKey{
		KeyID:      k.keys.signingPriv.KeyID,
		PrivateKey: k.keys.signingPriv,
		PublicJWK:  k.keys.signingPub,
	}, nil
}

// RotateKeysWithPrivate forces rotation, idempotent within one rotation
// interval: calling it again before NextRotation elapses returns the
// existing key unchanged, mirroring dex's errAlreadyRotated short-circuit.
func (k *KeyManager) RotateKeysWithPrivate(_ context.Context) (ActiveKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.keys.signingPriv != nil && k.now().Before(k.keys.nextRotation) {
		return ActiveKey{
			KeyID:      k.keys.signingPriv.KeyID,
			PrivateKey: k.keys.signingPriv,
			PublicJWK:  k.keys.signingPub,
		}, nil
	}
	if err := k.rotateLocked(); err != nil {
		return ActiveKey{}, err
	}
	return ActiveKey{
		KeyID:      k.keys.signingPriv.KeyID,
		PrivateKey: k.keys.signingPriv,
		PublicJWK:  k.keys.signingPub,
	}, nil
}

func (k *KeyManager) rotateLocked() error {
	kid, err := randomKeyID()
	if err != nil {
		return fmt.Errorf("actor: generating key id: %w", err)
	}
	priv, pub, err := icrypto.GenerateRSASigningKey(kid)
	if err != nil {
		return fmt.Errorf("actor: generating signing key: %w", err)
	}

	now := k.now()
	// Prune verification keys that have aged out, then demote the current
	// signing key (if any) to a verification-only entry good until its
	// ID-token validity window closes.
	live := k.keys.verificationKeys[:0]
	for _, vk := range k.keys.verificationKeys {
		if now.Before(vk.Expiry) {
			live = append(live, vk)
		}
	}
	k.keys.verificationKeys = live

	if k.keys.signingPub != nil {
		pubJWK, err := k.keys.signingPub.MarshalJSON()
		if err != nil {
			return fmt.Errorf("actor: marshaling demoted public key: %w", err)
		}
		k.keys.verificationKeys = append(k.keys.verificationKeys, model.SigningKey{
			KeyID:     k.keys.signingPub.KeyID,
			PublicJWK: pubJWK,
			Expiry:    now.Add(k.strategy.VerifyValidFor),
		})
	}

	k.keys.signingPriv = priv
	k.keys.signingPub = pub
	k.keys.nextRotation = now.Add(k.strategy.RotationFrequency)
	return nil
}

// GetAllPublicKeys returns the JWKS backing the /jwks discovery endpoint:
// the active signing key's public half plus every unexpired verification
// key (spec §4.1.6).
func (k *KeyManager) GetAllPublicKeys(_ context.Context) (jose.JSONWebKeySet, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var set jose.JSONWebKeySet
	if k.keys.signingPub != nil {
		set.Keys = append(set.Keys, *k.keys.signingPub)
	}
	now := k.now()
	for _, vk := range k.keys.verificationKeys {
		if now.After(vk.Expiry) {
			continue
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(vk.PublicJWK); err != nil {
			return jose.JSONWebKeySet{}, fmt.Errorf("actor: unmarshaling verification key %s: %w", vk.KeyID, err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// VerificationKeys returns the current set of JWKs (signing + verification)
// usable to verify a signature, for internal/crypto.VerifySignature callers
// that need *jose.JSONWebKey values rather than the marshaled JWKS.
func (k *KeyManager) VerificationKeys(_ context.Context) ([]*jose.JSONWebKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var keys []*jose.JSONWebKey
	if k.keys.signingPub != nil {
		keys = append(keys, k.keys.signingPub)
	}
	now := k.now()
	for _, vk := range k.keys.verificationKeys {
		if now.After(vk.Expiry) {
			continue
		}
		jwk := &jose.JSONWebKey{}
		if err := jwk.UnmarshalJSON(vk.PublicJWK); err != nil {
			return nil, fmt.Errorf("actor: unmarshaling verification key %s: %w", vk.KeyID, err)
		}
		keys = append(keys, jwk)
	}
	return keys, nil
}

func randomKeyID() (string, error) {
	b := make([]byte, 10)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
