package crypto

import (
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

func TestTokenHashUsesHalfOfDigestByAlg(t *testing.T) {
	h256, err := TokenHash(jose.RS256, "access-token-value")
	require.NoError(t, err)
	require.NotEmpty(t, h256)
	require.Len(t, h256, 22) // 16 of SHA-256's 32 bytes, unpadded base64url

	h384, err := TokenHash(jose.RS384, "access-token-value")
	require.NoError(t, err)
	require.NotEqual(t, h256, h384)
	require.Len(t, h384, 32) // 24 of SHA-384's 48 bytes, unpadded base64url

	_, err = TokenHash(jose.SignatureAlgorithm("none"), "x")
	require.Error(t, err)
}

func TestTokenHashDeterministic(t *testing.T) {
	a, err := TokenHash(jose.RS256, "same-input")
	require.NoError(t, err)
	b, err := TokenHash(jose.RS256, "same-input")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSHA256Hash(t *testing.T) {
	require.Equal(t, SHA256Hash("abc"), SHA256Hash("abc"))
	require.NotEqual(t, SHA256Hash("abc"), SHA256Hash("abd"))
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("secret", "secret"))
	require.False(t, ConstantTimeEqual("secret", "other"))
	require.False(t, ConstantTimeEqual("secret", "secretlonger"))
}

func TestHMACSHA256AndHMACEqual(t *testing.T) {
	key := []byte("hmac-key")
	a := HMACSHA256(key, []byte("123456"))
	b := HMACSHA256(key, []byte("123456"))
	c := HMACSHA256(key, []byte("654321"))

	require.True(t, HMACEqual(a, b))
	require.False(t, HMACEqual(a, c))
}

func TestGenerateRSASigningKeyRoundTripsSignature(t *testing.T) {
	priv, pub, err := GenerateRSASigningKey("kid-1")
	require.NoError(t, err)
	require.Equal(t, "kid-1", priv.KeyID)
	require.Equal(t, "kid-1", pub.KeyID)

	alg, err := SignatureAlgorithm(priv)
	require.NoError(t, err)
	require.Equal(t, jose.RS256, alg)

	token, err := SignPayload(priv, jose.RS256, []byte(`{"sub":"u1"}`))
	require.NoError(t, err)

	payload, key, err := VerifySignature(token, []*jose.JSONWebKey{pub})
	require.NoError(t, err)
	require.JSONEq(t, `{"sub":"u1"}`, string(payload))
	require.Equal(t, "kid-1", key.KeyID)
}

func TestVerifySignatureFailsWithWrongKey(t *testing.T) {
	priv, _, err := GenerateRSASigningKey("kid-1")
	require.NoError(t, err)
	_, otherPub, err := GenerateRSASigningKey("kid-2")
	require.NoError(t, err)

	token, err := SignPayload(priv, jose.RS256, []byte(`{"sub":"u1"}`))
	require.NoError(t, err)

	_, _, err = VerifySignature(token, []*jose.JSONWebKey{otherPub})
	require.Error(t, err)
}

func TestSignPayloadWithHeadersAddsExtraHeader(t *testing.T) {
	priv, pub, err := GenerateRSASigningKey("kid-1")
	require.NoError(t, err)

	token, err := SignPayloadWithHeaders(priv, jose.RS256, []byte(`{"sub":"u1"}`), map[string]any{"typ": "JWT"})
	require.NoError(t, err)

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	require.Equal(t, "JWT", jws.Signatures[0].Header.ExtraHeaders[jose.HeaderKey("typ")])

	_, _, err = VerifySignature(token, []*jose.JSONWebKey{pub})
	require.NoError(t, err)
}

func TestEncryptDecryptJWERoundTrips(t *testing.T) {
	// RSA-OAEP-256 needs an RSA key; reuse the RSA signing keypair's public
	// key for encryption and private key for decryption.
	priv, pub, err := GenerateRSASigningKey("kid-enc")
	require.NoError(t, err)

	ciphertext, err := EncryptJWE(pub, jose.RSA_OAEP_256, jose.A256GCM, []byte("top secret"))
	require.NoError(t, err)

	plaintext, err := DecryptJWE(priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "top secret", string(plaintext))
}

func TestNewIDIsURLSafeAndUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)
	for _, r := range a {
		require.True(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}
}

func TestNewDeviceSecretLongerThanID(t *testing.T) {
	require.Greater(t, len(NewDeviceSecret()), len(NewID()))
}

func TestNewOTPCodeHasRequestedDigitCount(t *testing.T) {
	code, err := NewOTPCode(6)
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, r := range code {
		require.True(t, r >= '0' && r <= '9')
	}
}

func TestIsFreshWithinWindow(t *testing.T) {
	now := time.Now()
	require.True(t, IsFresh(now, now))
	require.True(t, IsFresh(now.Add(-30*time.Second), now))
	require.True(t, IsFresh(now.Add(30*time.Second), now))
	require.False(t, IsFresh(now.Add(-90*time.Second), now))
	require.False(t, IsFresh(now.Add(90*time.Second), now))
}

func TestVerifyDPoPProofValidatesEmbeddedJWKSignature(t *testing.T) {
	priv, _, err := GenerateRSASigningKey("dpop-kid")
	require.NoError(t, err)

	pub := priv.Public()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, (&jose.SignerOptions{}).
		WithType("dpop+jwt").
		WithHeader("jwk", &pub))
	require.NoError(t, err)

	claims := `{"jti":"proof-1","htm":"POST","htu":"https://as.example/token","iat":1700000000}`
	jws, err := signer.Sign([]byte(claims))
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)

	result, err := VerifyDPoPProof(compact)
	require.NoError(t, err)
	require.Equal(t, "proof-1", result.Claims.JTI)
	require.Equal(t, "POST", result.Claims.HTM)
	require.NotEmpty(t, result.JKT)
}

func TestVerifyDPoPProofRejectsMissingTyp(t *testing.T) {
	priv, _, err := GenerateRSASigningKey("dpop-kid")
	require.NoError(t, err)

	pub := priv.Public()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, (&jose.SignerOptions{}).
		WithHeader("jwk", &pub))
	require.NoError(t, err)

	jws, err := signer.Sign([]byte(`{"jti":"x","htm":"POST","htu":"https://as.example/token","iat":1700000000}`))
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)

	_, err = VerifyDPoPProof(compact)
	require.Error(t, err)
}

func TestVerifyDPoPProofRejectsMissingEmbeddedJWK(t *testing.T) {
	priv, _, err := GenerateRSASigningKey("dpop-kid")
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, (&jose.SignerOptions{}).
		WithType("dpop+jwt"))
	require.NoError(t, err)

	jws, err := signer.Sign([]byte(`{"jti":"x","htm":"POST","htu":"https://as.example/token","iat":1700000000}`))
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)

	_, err = VerifyDPoPProof(compact)
	require.Error(t, err)
}
