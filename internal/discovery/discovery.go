// Package discovery builds the `.well-known/openid-configuration` document
// and the `/jwks` JWK Set, generalizing dex's server/handlers.go
// discoveryHandler/keysHandler with the extra metadata fields spec §6 and
// the dc4eu-vc-grounded AuthorizationServerMetadata struct add: PAR,
// DPoP, JARM, and RAR support advertisements.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sgrastar/authrim/internal/actor"
)

// Metadata is the OpenID Provider / OAuth Authorization Server metadata
// document, field-for-field extended from dex's `discovery` struct plus
// the PAR/DPoP/JARM/RAR fields the GUNET-derived struct in the pack
// carries.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	CheckSessionIframe    string   `json:"check_session_iframe,omitempty"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint string   `json:"introspection_endpoint,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`

	// PAR (RFC 9126).
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`
	RequirePushedAuthorizationRequests bool   `json:"require_pushed_authorization_requests,omitempty"`

	// JAR (RFC 9101).
	RequestParameterSupported     bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported  bool     `json:"request_uri_parameter_supported"`
	RequestObjectSigningAlgValuesSupported []string `json:"request_object_signing_alg_values_supported,omitempty"`

	// DPoP (RFC 9449).
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported,omitempty"`

	// JARM.
	AuthorizationSigningAlgValuesSupported []string `json:"authorization_signing_alg_values_supported,omitempty"`
	AuthorizationEncryptionAlgValuesSupported []string `json:"authorization_encryption_alg_values_supported,omitempty"`

	// RAR (RFC 9396).
	AuthorizationDetailsTypesSupported []string `json:"authorization_details_types_supported,omitempty"`

	// Front- and back-channel logout.
	BackChannelLogoutSupported        bool `json:"backchannel_logout_supported"`
	BackChannelLogoutSessionSupported bool `json:"backchannel_logout_session_supported"`
	FrontChannelLogoutSupported        bool `json:"frontchannel_logout_supported"`
	FrontChannelLogoutSessionSupported bool `json:"frontchannel_logout_session_supported"`
}

// Endpoints carries the absolute URLs this provider was configured with;
// Builder composes them with the static capability lists into a Metadata.
type Endpoints struct {
	IssuerURL                     string
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	JWKSURI                       string
	UserInfoEndpoint              string
	EndSessionEndpoint            string
	CheckSessionIframe            string
	PushedAuthorizationRequestEndpoint string
	RequirePAR                    bool
}

// Build assembles the discovery document from static capability lists and
// the server's configured endpoints.
func Build(e Endpoints) Metadata {
	return Metadata{
		Issuer:                e.IssuerURL,
		AuthorizationEndpoint:  e.AuthorizationEndpoint,
		TokenEndpoint:          e.TokenEndpoint,
		JWKSURI:                e.JWKSURI,
		UserInfoEndpoint:       e.UserInfoEndpoint,
		EndSessionEndpoint:     e.EndSessionEndpoint,
		CheckSessionIframe:     e.CheckSessionIframe,

		ScopesSupported:        []string{"openid", "profile", "email", "phone", "address", "offline_access"},
		ResponseTypesSupported: []string{"code", "token", "id_token", "id_token token", "code id_token", "code token", "code id_token token", "none"},
		ResponseModesSupported: []string{"query", "fragment", "form_post", "query.jwt", "fragment.jwt", "form_post.jwt", "jwt"},
		GrantTypesSupported:    []string{"authorization_code", "implicit", "urn:ietf:params:oauth:grant-type:token-exchange"},
		SubjectTypesSupported:  []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256", "ES256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "private_key_jwt", "none"},
		ClaimsSupported: []string{
			"iss", "sub", "aud", "iat", "exp", "auth_time", "nonce", "acr", "amr", "sid",
			"email", "email_verified", "name", "given_name", "family_name",
			"preferred_username", "picture", "phone_number", "phone_number_verified", "address", "groups",
		},
		CodeChallengeMethodsSupported: []string{"S256"},

		PushedAuthorizationRequestEndpoint: e.PushedAuthorizationRequestEndpoint,
		RequirePushedAuthorizationRequests: e.RequirePAR,

		RequestParameterSupported:    true,
		RequestURIParameterSupported: true,
		RequestObjectSigningAlgValuesSupported: []string{"RS256", "ES256", "none"},

		DPoPSigningAlgValuesSupported: []string{"RS256", "ES256", "ES384", "ES512", "PS256"},

		AuthorizationSigningAlgValuesSupported:    []string{"RS256", "ES256"},
		AuthorizationEncryptionAlgValuesSupported: []string{"RSA-OAEP-256"},

		AuthorizationDetailsTypesSupported: []string{},

		BackChannelLogoutSupported:        true,
		BackChannelLogoutSessionSupported: true,
		FrontChannelLogoutSupported:        true,
		FrontChannelLogoutSessionSupported: true,
	}
}

// MarshalIndent renders the document the way dex's discoveryHandler does,
// pretty-printed for operator readability.
func (m Metadata) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("discovery: marshaling metadata: %w", err)
	}
	return data, nil
}

// JWKSDocument builds the /jwks response: every currently-valid
// verification key (active plus grace-period) as a public JWK Set.
func JWKSDocument(ctx context.Context, keys *actor.KeyManager) ([]byte, error) {
	set, err := keys.GetAllPublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: loading public keys: %w", err)
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("discovery: marshaling jwks: %w", err)
	}
	return data, nil
}
