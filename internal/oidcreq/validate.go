package oidcreq

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/sgrastar/authrim/internal/apperror"
	"github.com/sgrastar/authrim/internal/model"
)

func (p *Parser) validate(ctx context.Context, raw RawParams) (model.AuthParams, *apperror.AuthError) {
	clientID := raw.get("client_id")
	client, aerr := p.lookupClient(ctx, clientID)
	if aerr != nil {
		return model.AuthParams{}, aerr
	}

	redirectURI := raw.get("redirect_uri")
	if !p.validRedirectURI(client, redirectURI) {
		return model.AuthParams{}, apperror.Displayed("Unregistered redirect_uri (%q).", redirectURI)
	}

	state := raw.get("state")
	responseMode := raw.get("response_mode")

	redirect := func(code apperror.Code, format string, args ...any) *apperror.AuthError {
		return apperror.Validation(code, format, args...).WithRedirect(redirectURI, state, responseMode)
	}

	responseType := strings.TrimSpace(raw.get("response_type"))
	if responseType == "" {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "response_type is required.")
	}
	if !supportedResponseTypes[responseType] {
		return model.AuthParams{}, redirect(apperror.CodeUnsupportedResponseType, "Unsupported response_type %q.", responseType)
	}
	if responseType == "none" && strings.Contains(responseType, " ") {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "response_type=none must not be combined.")
	}

	tenant, err := p.clients.GetTenantProfile(ctx, client.TenantID)
	if err != nil {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "Unable to resolve tenant profile.")
	}
	if !tenant.AllowedResponseType(responseType) {
		return model.AuthParams{}, redirect(apperror.CodeUnsupportedResponseType, "response_type %q is not permitted for this tenant profile.", responseType)
	}
	if len(client.ResponseTypes) > 0 && !containsStr(client.ResponseTypes, responseType) {
		return model.AuthParams{}, redirect(apperror.CodeUnsupportedResponseType, "response_type %q is not permitted for this client.", responseType)
	}

	scopes := strings.Fields(raw.get("scope"))
	if len(scopes) == 0 {
		return model.AuthParams{}, redirect(apperror.CodeInvalidScope, "scope is required.")
	}
	if !containsStr(scopes, "openid") {
		return model.AuthParams{}, redirect(apperror.CodeInvalidScope, `Missing required scope(s) ["openid"].`)
	}
	if len(client.RequestableScopes) > 0 {
		var invalid []string
		for _, s := range scopes {
			if !containsStr(client.RequestableScopes, s) {
				invalid = append(invalid, s)
			}
		}
		if len(invalid) > 0 {
			return model.AuthParams{}, redirect(apperror.CodeInvalidScope, "Client can't request scope(s) %q.", invalid)
		}
	}

	if p.opts.RequireState && state == "" {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "state is required.")
	}
	if responseType == "none" && state == "" {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "state is required when response_type=none.")
	}

	nonce := raw.get("nonce")
	if strings.Contains(responseType, "id_token") && nonce == "" {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "nonce is required when response_type includes id_token.")
	}

	if responseMode != "" && !validResponseMode(responseMode) {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "Unsupported response_mode %q.", responseMode)
	}
	if responseMode == "fragment" && responseType == "code" {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "response_mode=fragment is incompatible with response_type=code.")
	}

	codeChallenge := raw.get("code_challenge")
	codeChallengeMethod := raw.get("code_challenge_method")
	if p.opts.FAPI2 && responseType != "none" && codeChallenge == "" {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "PKCE is mandatory under FAPI 2.0.")
	}
	if codeChallenge != "" {
		if codeChallengeMethod != "S256" {
			return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "Unsupported code_challenge_method (%q); only S256 is accepted.", codeChallengeMethod)
		}
		if !codeChallengeRE.MatchString(codeChallenge) {
			return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "Malformed code_challenge.")
		}
	}

	var claimsReq *model.ClaimsRequest
	if raw := raw.get("claims"); raw != "" {
		var c model.ClaimsRequest
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "Malformed claims parameter.")
		}
		claimsReq = &c
	}

	var authzDetails []model.AuthorizationDetail
	if raw := raw.get("authorization_details"); raw != "" {
		if !tenant.RARenabled {
			return model.AuthParams{}, redirect(apperror.CodeInvalidAuthDetails, "authorization_details is not enabled for this tenant.")
		}
		if err := json.Unmarshal([]byte(raw), &authzDetails); err != nil {
			return model.AuthParams{}, redirect(apperror.CodeInvalidAuthDetails, "Malformed authorization_details.")
		}
		for _, d := range authzDetails {
			if len(tenant.AllowedAuthzDetailTypes) > 0 && !containsStr(tenant.AllowedAuthzDetailTypes, d.Type) {
				return model.AuthParams{}, redirect(apperror.CodeInvalidAuthDetails, "authorization_details type %q is not allowed.", d.Type)
			}
		}
	}

	var maxAge *int64
	if raw := raw.get("max_age"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "max_age must be a non-negative integer.")
		}
		maxAge = &v
	}

	prompt := strings.Fields(raw.get("prompt"))
	if containsStr(prompt, "none") && len(prompt) > 1 {
		return model.AuthParams{}, redirect(apperror.CodeInvalidRequest, "prompt=none must not be combined with other values.")
	}

	return model.AuthParams{
		ClientID:             client.ID,
		ResponseType:         responseType,
		RedirectURI:          redirectURI,
		Scope:                scopes,
		State:                state,
		Nonce:                nonce,
		ResponseMode:         responseMode,
		CodeChallenge:        codeChallenge,
		CodeChallengeMethod:  codeChallengeMethod,
		Claims:               claimsReq,
		AuthorizationDetails: authzDetails,
		MaxAge:               maxAge,
		Prompt:               prompt,
		IDTokenHint:          raw.get("id_token_hint"),
		ACRValues:            strings.Fields(raw.get("acr_values")),
		RequestURI:           raw.get("request_uri"),
		Request:              raw.get("request"),
	}, nil
}

func (p *Parser) validRedirectURI(client model.Client, redirectURI string) bool {
	normalized, err := normalizeURL(redirectURI)
	if err != nil {
		return false
	}
	if !p.opts.AllowHTTPRedirect {
		u, _ := url.Parse(redirectURI)
		if u == nil || u.Scheme != "https" {
			return false
		}
	}
	for _, registered := range client.RedirectURIs {
		n, err := normalizeURL(registered)
		if err == nil && n == normalized {
			return true
		}
	}
	for _, suffix := range client.AllowedRedirectOriginSuffix {
		u, err := url.Parse(redirectURI)
		if err == nil && strings.HasSuffix(u.Hostname(), suffix) {
			return true
		}
	}
	return false
}

// normalizeURL implements spec §3's redirect_uri comparison rule: lowercase
// scheme/host, default-port stripped, trailing-slash neutral. Normalized
// URLs are compared exactly; the one other rule validRedirectURI applies is
// the client's AllowedRedirectOriginSuffix hostname-suffix match.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func validResponseMode(mode string) bool {
	switch mode {
	case "query", "fragment", "form_post", "jwt",
		"query.jwt", "fragment.jwt", "form_post.jwt":
		return true
	}
	return false
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
