// Package didauth implements did:web and did:key proof-of-control
// authentication (spec §4.5): resolve the DID document, issue a
// single-use challenge, and verify a signed JWS whose header identifies
// the verification method, using go-jose against the document's
// registered JWKs for the signature check.
package didauth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// ChallengeTTL bounds how long a DID challenge stays live.
const ChallengeTTL = 300 * time.Second

// allowedAlgs are the only signature algorithms didauth accepts; "none" is
// always rejected regardless of what a document's verification method
// claims to support.
var allowedAlgs = map[jose.SignatureAlgorithm]bool{
	jose.ES256: true,
	jose.ES384: true,
	jose.ES512: true,
	jose.EdDSA: true,
}

// VerificationMethod is one entry from a resolved DID document's
// verificationMethod array, narrowed to what JWS verification needs.
type VerificationMethod struct {
	ID         string
	Controller string
	JWK        *jose.JSONWebKey
}

// Document is a resolved DID document.
type Document struct {
	ID                 string
	VerificationMethods []VerificationMethod
}

// Resolver resolves a DID to its document; HTTPResolver fetches
// https://{domain}/.well-known/did.json (or a path-based variant) for
// did:web, KeyResolver derives the document from a did:key identifier with
// no network call, and MethodResolver dispatches between registered
// resolvers by the DID's method segment.
type Resolver interface {
	Resolve(ctx context.Context, did string) (Document, error)
}

// IdentityLinker maps a verified DID to a local user id, or creates the
// link the first time a DID is used for registration.
type IdentityLinker interface {
	LookupByDID(ctx context.Context, did string) (userID string, ok bool, err error)
	LinkDID(ctx context.Context, userID, did string) error
}

// Verifier drives the challenge/verify pair.
type Verifier struct {
	Challenges *actor.ChallengeStore
	Resolver   Resolver
	Identities IdentityLinker
	IssuerURL  string

	Now func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Challenge resolves did's document, rejecting one with no usable
// verification methods, and parks a did_authentication (or
// did_registration) Challenge carrying a fresh nonce and the DID. No keys
// are stored with the Challenge; Verify re-resolves the document.
func (v *Verifier) Challenge(ctx context.Context, challengeID, did string, register bool) (Document, error) {
	doc, err := v.Resolver.Resolve(ctx, did)
	if err != nil {
		return Document{}, fmt.Errorf("didauth: resolving %s: %w", did, err)
	}
	if len(doc.VerificationMethods) == 0 {
		return Document{}, fmt.Errorf("didauth: %s has no usable verification methods", did)
	}

	typ := model.ChallengeDIDAuthentication
	if register {
		typ = model.ChallengeDIDRegistration
	}
	ch := model.Challenge{
		ID:     challengeID,
		Type:   typ,
		Secret: icrypto.NewID(),
		Email:  did, // reused as the opaque subject-identifier field
		Expiry: v.now().Add(ChallengeTTL),
	}
	if err := v.Challenges.StoreChallenge(ctx, ch); err != nil {
		return Document{}, fmt.Errorf("didauth: storing challenge: %w", err)
	}
	return doc, nil
}

// Verify consumes the challenge, decodes the proof JWS header to find the
// verification method id, looks it up in a freshly re-resolved document
// (the document may rotate keys between challenge and verify), checks
// iss/aud/nonce, and verifies the signature. On success it looks up (or,
// for a registration flow, creates) the linked user id and returns it.
func (v *Verifier) Verify(ctx context.Context, challengeID, proofJWS string, register bool, linkUserID string) (userID string, err *apperror.AuthError) {
	wantType := model.ChallengeDIDAuthentication
	if register {
		wantType = model.ChallengeDIDRegistration
	}
	ch, cerr := v.Challenges.ConsumeChallenge(ctx, challengeID, wantType)
	if cerr != nil {
		return "", apperror.ChallengeInvalid()
	}
	did := ch.Email

	jws, perr := jose.ParseSigned(proofJWS, allowedAlgList())
	if perr != nil {
		return "", apperror.ChallengeInvalid()
	}
	if len(jws.Signatures) != 1 {
		return "", apperror.ChallengeInvalid()
	}
	header := jws.Signatures[0].Header
	if !allowedAlgs[jose.SignatureAlgorithm(header.Algorithm)] {
		return "", apperror.ChallengeInvalid()
	}
	kid := header.KeyID
	if kid == "" {
		return "", apperror.ChallengeInvalid()
	}

	doc, derr := v.Resolver.Resolve(ctx, did)
	if derr != nil {
		return "", apperror.ChallengeInvalid()
	}
	vm, ok := findMethod(doc, kid)
	if !ok || vm.JWK == nil {
		return "", apperror.ChallengeInvalid()
	}

	payload, verr := jws.Verify(vm.JWK)
	if verr != nil {
		return "", apperror.ChallengeInvalid()
	}

	var claims struct {
		Iss   string `json:"iss"`
		Aud   string `json:"aud"`
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", apperror.ChallengeInvalid()
	}
	if claims.Iss != did || claims.Aud != v.IssuerURL || claims.Nonce != ch.Secret {
		return "", apperror.ChallengeInvalid()
	}

	if register {
		if linkUserID == "" {
			return "", apperror.Validation(apperror.CodeInvalidRequest, "no authenticated user to link this DID to.")
		}
		if err := v.Identities.LinkDID(ctx, linkUserID, did); err != nil {
			return "", apperror.Internal()
		}
		return linkUserID, nil
	}

	id, ok, lerr := v.Identities.LookupByDID(ctx, did)
	if lerr != nil {
		return "", apperror.Internal()
	}
	if !ok {
		return "", apperror.ChallengeInvalid()
	}
	return id, nil
}

func findMethod(doc Document, id string) (VerificationMethod, bool) {
	for _, vm := range doc.VerificationMethods {
		if vm.ID == id || strings.HasSuffix(vm.ID, "#"+lastFragment(id)) {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

func lastFragment(id string) string {
	if i := strings.LastIndexByte(id, '#'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func allowedAlgList() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.ES512, jose.EdDSA}
}
