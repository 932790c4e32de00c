package crypto

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// DPoPProofClaims are the registered claims of a DPoP proof JWT, RFC 9449 §4.2.
type DPoPProofClaims struct {
	JTI    string `json:"jti"`
	HTM    string `json:"htm"`
	HTU    string `json:"htu"`
	IAT    int64  `json:"iat"`
	ATHash string `json:"ath,omitempty"`
}

// DPoPResult is the outcome of validating a DPoP proof: the bound JWK thumbprint
// and the parsed claims, for the caller to check jti replay and freshness.
type DPoPResult struct {
	JKT    string
	Claims DPoPProofClaims
}

const dpopTyp = "dpop+jwt"

// VerifyDPoPProof validates a DPoP proof JWT per RFC 9449 §4.3: the JWS must
// carry an embedded "jwk" header (not a kid reference), "typ" must be
// "dpop+jwt", and the signature must verify against that embedded key. The
// caller is responsible for checking htm/htu match the request, iat freshness,
// and jti replay against the RateLimiter/ChallengeStore-style actor.
func VerifyDPoPProof(proof string) (*DPoPResult, error) {
	jws, err := jose.ParseSigned(proof, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.PS256, jose.PS384, jose.PS512,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing dpop proof: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.New("crypto: dpop proof must have exactly one signature")
	}
	header := jws.Signatures[0].Header
	if header.ExtraHeaders[jose.HeaderKey("typ")] != dpopTyp {
		return nil, errors.New("crypto: dpop proof missing typ=dpop+jwt header")
	}
	jwk := header.JSONWebKey
	if jwk == nil || jwk.Key == nil {
		return nil, errors.New("crypto: dpop proof missing embedded jwk header")
	}
	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, fmt.Errorf("crypto: dpop proof signature invalid: %w", err)
	}
	var claims DPoPProofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("crypto: dpop proof claims: %w", err)
	}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("crypto: computing jwk thumbprint: %w", err)
	}
	return &DPoPResult{
		JKT:    base64.RawURLEncoding.EncodeToString(thumb),
		Claims: claims,
	}, nil
}

// FreshnessWindow bounds how old/new a DPoP proof's iat may be relative to
// the server clock, per spec §4.4.
const FreshnessWindow = 60 * time.Second

// IsFresh reports whether iat falls within FreshnessWindow of now.
func IsFresh(iat time.Time, now time.Time) bool {
	delta := now.Sub(iat)
	if delta < 0 {
		delta = -delta
	}
	return delta <= FreshnessWindow
}
