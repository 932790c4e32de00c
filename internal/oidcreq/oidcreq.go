// Package oidcreq parses and validates an incoming authorization request
// from the union of form/query, PAR, and JAR sources (spec §4.2), grounded
// on dex's server/oauth2.go parseAuthorizationRequest: the same
// "accumulate invalid/unrecognized items, then return one aggregated
// error" style, generalized with the PAR/JAR/RAR branches dex doesn't have.
package oidcreq

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// supportedResponseTypes is the server-wide set from spec §4.2.
var supportedResponseTypes = map[string]bool{
	"code":                 true,
	"id_token":             true,
	"token":                true,
	"code id_token":        true,
	"code token":           true,
	"id_token token":       true,
	"code id_token token":  true,
	"none":                 true,
}

var codeChallengeRE = regexp.MustCompile(`^[A-Za-z0-9_-]{43,128}$`)

// PARConsumer abstracts internal/actor.PARRequestStore.ConsumeRequest.
type PARConsumer interface {
	ConsumeRequest(ctx context.Context, requestURI, clientID string) (model.PARRequest, error)
}

// ClientLookup abstracts internal/registry.Registry.GetClient.
type ClientLookup interface {
	GetClient(ctx context.Context, clientID string) (model.Client, error)
	GetTenantProfile(ctx context.Context, tenantID string) (model.TenantProfile, error)
}

// JWKSFetcher resolves a client's verification keys, either from its
// inline JWKS or by fetching jwks_uri under an SSRF guard. Left abstract so
// internal/httpapi can supply a size-capped, timeout-bounded, domain-aware
// implementation (spec §4.2/§5); oidcreq itself does no network I/O.
type JWKSFetcher interface {
	FetchJWKS(ctx context.Context, client model.Client) ([]*jose.JSONWebKey, error)
}

// Options configures policy knobs the spec leaves to server config.
type Options struct {
	IssuerURL           string
	AllowHTTPRedirect    bool // allow non-HTTPS redirect_uri (default false)
	RequireState         bool // require state unconditionally, not just for response_type=none
	AllowAlgNone         bool // allow alg=none JAR (default false; always rejected in production)
	FAPI2               bool // tightens PKCE/PAR requirements
}

// Parser merges and validates authorization request parameters.
type Parser struct {
	opts    Options
	clients ClientLookup
	par     PARConsumer
	jwks    JWKSFetcher
}

// New constructs a Parser.
func New(opts Options, clients ClientLookup, par PARConsumer, jwks JWKSFetcher) *Parser {
	return &Parser{opts: opts, clients: clients, par: par, jwks: jwks}
}

// RawParams is the unvalidated union of query-string/form values, as the
// HTTP layer collects them before any PAR/JAR resolution.
type RawParams map[string][]string

func (p RawParams) get(key string) string {
	if v := p[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Parse merges sources (form/query, then PAR, then JAR — later overrides
// earlier per spec §4.2) and returns fully validated AuthParams, or an
// *apperror.AuthError describing why the request was rejected.
func (p *Parser) Parse(ctx context.Context, raw RawParams) (model.AuthParams, *apperror.AuthError) {
	merged := raw

	if requestURI := raw.get("request_uri"); requestURI != "" {
		if strings.HasPrefix(requestURI, "urn:ietf:params:oauth:request_uri:") {
			stored, err := p.par.ConsumeRequest(ctx, requestURI, raw.get("client_id"))
			if err != nil {
				return model.AuthParams{}, apperror.RequestURIError(apperror.CodeInvalidRequestURI, "The request_uri is invalid, expired, or already used.")
			}
			merged = paramsFromAuthParams(stored.Params)
			if cid := raw.get("client_id"); cid != "" && cid != stored.ClientID {
				return model.AuthParams{}, apperror.RequestURIError(apperror.CodeInvalidRequestURI, "client_id does not match the pushed request.")
			}
		} else {
			// HTTPS Request-Object-by-Reference form, disabled by default
			// (spec §4.2): no outbound fetch is performed here; the HTTP
			// layer must pre-resolve and hand the content in as "request".
			return model.AuthParams{}, apperror.RequestURIError(apperror.CodeRequestURINotSupported, "request_uri-by-reference is not enabled.")
		}
	}

	if jar := merged.get("request"); jar != "" {
		client, aerr := p.lookupClient(ctx, merged.get("client_id"))
		if aerr != nil {
			return model.AuthParams{}, aerr
		}
		jarParams, aerr := p.resolveJAR(ctx, jar, client)
		if aerr != nil {
			return model.AuthParams{}, aerr
		}
		merged = overlay(merged, jarParams)
	}

	return p.validate(ctx, merged)
}

func (p *Parser) lookupClient(ctx context.Context, clientID string) (model.Client, *apperror.AuthError) {
	if clientID == "" {
		return model.Client{}, apperror.Displayed("Missing client_id.")
	}
	client, err := p.clients.GetClient(ctx, clientID)
	if err != nil {
		return model.Client{}, apperror.Displayed("Invalid client_id (%q).", clientID)
	}
	return client, nil
}

// resolveJAR detects JWE vs JWS, verifies a JWS against the client's JWKS,
// and enforces iss/aud per spec §4.2. An encrypted (JWE) request object is
// rejected; it is not decrypted.
func (p *Parser) resolveJAR(ctx context.Context, request string, client model.Client) (RawParams, *apperror.AuthError) {
	payload := []byte(request)
	parts := strings.Split(request, ".")
	if len(parts) == 5 {
		// JWE has 5 compact segments. No caller decrypts a request object
		// before this point, so a JWE is rejected with
		// invalid_request_object. Plain JWS (3 segments) is verified below.
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "encrypted request objects must be decrypted before parsing.")
	}
	if len(parts) != 3 {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "malformed request object.")
	}

	keys, aerr := p.resolveClientKeys(ctx, client)
	if aerr != nil {
		return nil, aerr
	}

	header, err := peekJWSHeader(request)
	if err != nil {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "malformed request object header.")
	}
	if header.Algorithm == "none" && !p.opts.AllowAlgNone {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "alg=none is not permitted.")
	}

	claims, _, err := icrypto.VerifySignature(request, keys)
	if err != nil {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "request object signature verification failed.")
	}

	var body map[string]any
	if err := json.Unmarshal(claims, &body); err != nil {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "request object payload is not a JSON object.")
	}
	if iss, _ := body["iss"].(string); iss != client.ID {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "request object iss must equal client_id.")
	}
	if aud, _ := body["aud"].(string); aud != "" && aud != p.opts.IssuerURL {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "request object aud must equal the issuer URL.")
	}

	out := RawParams{}
	for k, v := range body {
		out[k] = []string{fmt.Sprint(v)}
	}
	return out, nil
}

func (p *Parser) resolveClientKeys(ctx context.Context, client model.Client) ([]*jose.JSONWebKey, *apperror.AuthError) {
	if p.jwks == nil {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "server is not configured to verify request objects.")
	}
	keys, err := p.jwks.FetchJWKS(ctx, client)
	if err != nil || len(keys) == 0 {
		return nil, apperror.RequestURIError(apperror.CodeInvalidRequestObject, "unable to resolve client signing keys.")
	}
	return keys, nil
}

func peekJWSHeader(jws string) (jose.Header, error) {
	parsed, err := jose.ParseSigned(jws, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512, jose.PS256, jose.PS384, jose.PS512, "none",
	})
	if err != nil {
		return jose.Header{}, err
	}
	if len(parsed.Signatures) == 0 {
		return jose.Header{}, fmt.Errorf("oidcreq: no signatures")
	}
	return parsed.Signatures[0].Header, nil
}

func overlay(base, over RawParams) RawParams {
	out := make(RawParams, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func paramsFromAuthParams(a model.AuthParams) RawParams {
	out := RawParams{
		"client_id":             {a.ClientID},
		"response_type":         {a.ResponseType},
		"redirect_uri":          {a.RedirectURI},
		"scope":                 {strings.Join(a.Scope, " ")},
		"state":                 {a.State},
		"nonce":                 {a.Nonce},
		"response_mode":         {a.ResponseMode},
		"code_challenge":        {a.CodeChallenge},
		"code_challenge_method": {a.CodeChallengeMethod},
	}
	if a.MaxAge != nil {
		out["max_age"] = []string{strconv.FormatInt(*a.MaxAge, 10)}
	}
	if len(a.Prompt) > 0 {
		out["prompt"] = []string{strings.Join(a.Prompt, " ")}
	}
	if a.IDTokenHint != "" {
		out["id_token_hint"] = []string{a.IDTokenHint}
	}
	if len(a.ACRValues) > 0 {
		out["acr_values"] = []string{strings.Join(a.ACRValues, " ")}
	}
	if a.Claims != nil {
		if b, err := json.Marshal(a.Claims); err == nil {
			out["claims"] = []string{string(b)}
		}
	}
	if len(a.AuthorizationDetails) > 0 {
		if b, err := json.Marshal(a.AuthorizationDetails); err == nil {
			out["authorization_details"] = []string{string(b)}
		}
	}
	return out
}
