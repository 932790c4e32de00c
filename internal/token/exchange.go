package token

import (
	"fmt"

	"github.com/sgrastar/authrim/internal/apperror"
)

// Token-type URNs for the native SSO device-secret token exchange, spec §4.4.
const (
	SubjectTokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	ActorTokenTypeDeviceSecret   = "device-secret"
	DeviceSecretTokenTypeURN     = "urn:openid:params:token-type:device-secret"
)

// DefaultMaxAudiences bounds the resource/audience parameter count per
// spec §4.4 ("default 10, configurable 1-100").
const DefaultMaxAudiences = 10

// ExchangeRequest is the token-exchange form (RFC 8693) as narrowed by
// spec §4.4's native-SSO detection rule.
type ExchangeRequest struct {
	SubjectToken     string
	SubjectTokenType string
	ActorTokenType   string
	RequestedScope   []string
	Resources        []string
	Audiences        []string
	MaxAudiences     int
}

// IsNativeSSOExchange reports whether a request matches the detection rule:
// subject_token_type = id_token AND actor_token_type = device-secret.
func (r ExchangeRequest) IsNativeSSOExchange() bool {
	return r.SubjectTokenType == SubjectTokenTypeIDToken && r.ActorTokenType == ActorTokenTypeDeviceSecret
}

// SubjectTokenInfo is what the caller has already extracted from verifying
// the subject id_token (internal/token does no JWS verification itself).
type SubjectTokenInfo struct {
	UserID               string
	Scope                []string
	Audience             []string
	SubjectClientID      string // the client the subject token was issued to
}

// RequestingClient is the client presenting the exchange request.
type RequestingClient struct {
	ClientID                 string
	AllowedScopes             []string
	AllowedSubjectTokenClients []string // empty != "allow all", per spec §4.4
}

// ResolveScope computes requested ∩ subject ∩ client.allowed, per spec
// §4.4's scope-downgrade rule.
func ResolveScope(requested, subjectScope, clientAllowed []string) []string {
	subjectSet := toSet(subjectScope)
	var clientSet map[string]bool
	if len(clientAllowed) > 0 {
		clientSet = toSet(clientAllowed)
	}
	var out []string
	for _, s := range requested {
		if !subjectSet[s] {
			continue
		}
		if clientSet != nil && !clientSet[s] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ValidateAudience enforces spec §4.4's dual-path rule: the requesting
// client must appear in the subject token's audience, OR the subject
// token's issuing client must appear in the requester's
// allowed_subject_token_clients (an empty list means "allow none", not
// "allow all").
func ValidateAudience(requester RequestingClient, subject SubjectTokenInfo) *apperror.AuthError {
	for _, a := range subject.Audience {
		if a == requester.ClientID {
			return nil
		}
	}
	for _, c := range requester.AllowedSubjectTokenClients {
		if c == subject.SubjectClientID {
			return nil
		}
	}
	return apperror.Validation(apperror.CodeInvalidRequest, "requesting client is not authorized to exchange this subject token.")
}

// GatherAudiences merges the resource and audience parameters into one aud
// array, bounded by maxAudiences (default DefaultMaxAudiences, valid range
// 1-100 per spec §4.4).
func GatherAudiences(resources, audiences []string, maxAudiences int) ([]string, error) {
	if maxAudiences <= 0 {
		maxAudiences = DefaultMaxAudiences
	}
	if maxAudiences < 1 || maxAudiences > 100 {
		return nil, fmt.Errorf("token: maxAudiences must be in [1,100], got %d", maxAudiences)
	}
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{resources, audiences} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
			if len(out) > maxAudiences {
				return nil, fmt.Errorf("token: too many resource/audience values (max %d)", maxAudiences)
			}
		}
	}
	return out, nil
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
