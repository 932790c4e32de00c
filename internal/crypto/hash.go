package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"

	jose "github.com/go-jose/go-jose/v4"
)

// hashForSigAlg mirrors dex's server/oauth2.go table: the hash algorithm
// used for at_hash/c_hash/ds_hash is determined by the ID token's signing
// algorithm, per the OIDC core spec.
var hashForSigAlg = map[jose.SignatureAlgorithm]func() hash.Hash{
	jose.RS256: sha256.New,
	jose.RS384: sha512.New384,
	jose.RS512: sha512.New,
	jose.PS256: sha256.New,
	jose.PS384: sha512.New384,
	jose.PS512: sha512.New,
	jose.ES256: sha256.New,
	jose.ES384: sha512.New384,
	jose.ES512: sha512.New,
}

// TokenHash computes at_hash / c_hash / ds_hash as specified in §3 of the
// invariants: base64url(left-half(SHA-d(ascii(token)))), where d is chosen
// by the signing algorithm of the artifact the hash is embedded in.
func TokenHash(alg jose.SignatureAlgorithm, token string) (string, error) {
	newHash, ok := hashForSigAlg[alg]
	if !ok {
		return "", fmt.Errorf("crypto: unsupported signature algorithm for hash claim: %s", alg)
	}
	h := newHash()
	if _, err := h.Write([]byte(token)); err != nil {
		return "", fmt.Errorf("crypto: computing hash: %w", err)
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// SHA256Hash returns the full base64url-encoded SHA-256 digest, used for
// DPoP's "ath" claim (hash of the bound access token).
func SHA256Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two secrets in constant time, for
// client_secret and admin-token comparisons (spec §5).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HMACSHA256 computes HMAC-SHA256(key, data), used to hash email-OTP codes
// before they are stored (spec §4.5, invariant 5 in §8: the stored secret
// is the HMAC hash, never the cleartext).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual performs a constant-time comparison of two HMAC digests.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
