package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// SignatureAlgorithm determines the JWS algorithm for a signing key, mirroring
// dex's server/oauth2.go signatureAlgorithm: RSA keys always sign RS256 (the
// mandatory-to-implement OIDC algorithm), ECDSA keys sign the curve-matched
// ES256/384/512.
func SignatureAlgorithm(jwk *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	if jwk == nil || jwk.Key == nil {
		return "", errors.New("crypto: no signing key")
	}
	switch key := jwk.Key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch key.Params() {
		case elliptic.P256().Params():
			return jose.ES256, nil
		case elliptic.P384().Params():
			return jose.ES384, nil
		case elliptic.P521().Params():
			return jose.ES512, nil
		default:
			return "", errors.New("crypto: unsupported ecdsa curve")
		}
	default:
		return "", fmt.Errorf("crypto: unsupported signing key type %T", key)
	}
}

// GenerateRSASigningKey produces a fresh RSA-2048 JSONWebKey pair with the
// given kid, as the KeyManager actor does on rotation.
func GenerateRSASigningKey(kid string) (priv *jose.JSONWebKey, pub *jose.JSONWebKey, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generating RSA key: %w", err)
	}
	priv = &jose.JSONWebKey{
		Key:       key,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	pub = &jose.JSONWebKey{
		Key:       key.Public(),
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	return priv, pub, nil
}

// SignPayload signs payload as a compact JWS using key/alg. Grounded on dex's
// server/oauth2.go signPayload.
func SignPayload(key *jose.JSONWebKey, alg jose.SignatureAlgorithm, payload []byte) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Key: key, Algorithm: alg}, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("crypto: new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("crypto: signing payload: %w", err)
	}
	return sig.CompactSerialize()
}

// SignPayloadWithHeaders signs payload adding extra protected JWS headers,
// used for JARM response objects and DID-auth proof JWS.
func SignPayloadWithHeaders(key *jose.JSONWebKey, alg jose.SignatureAlgorithm, payload []byte, extraHeaders map[string]any) (string, error) {
	opts := &jose.SignerOptions{}
	for k, v := range extraHeaders {
		opts = opts.WithHeader(jose.HeaderKey(k), v)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Key: key, Algorithm: alg}, opts)
	if err != nil {
		return "", fmt.Errorf("crypto: new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("crypto: signing payload: %w", err)
	}
	return sig.CompactSerialize()
}

// VerifySignature verifies a compact JWS against the supplied candidate keys,
// trying each key in order until one verifies (the JWS kid header is not
// consulted), as dex's storageKeySet.VerifySignature does against the
// active and grace-period verification keys.
func VerifySignature(jwt string, keys []*jose.JSONWebKey) (payload []byte, key *jose.JSONWebKey, err error) {
	jws, err := jose.ParseSigned(jwt, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.PS256, jose.PS384, jose.PS512,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: parsing signed jwt: %w", err)
	}
	for _, k := range keys {
		if k == nil {
			continue
		}
		payload, err = jws.Verify(k)
		if err == nil {
			return payload, k, nil
		}
	}
	return nil, nil, errors.New("crypto: no matching verification key found")
}
