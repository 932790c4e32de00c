// Package logout coordinates RP-initiated logout (spec §4.6): front-channel
// iframe fan-out, back-channel Logout Token delivery, session destruction,
// and cookie clearing. Grounded on dex's server/oauth2.go signed-JWT
// issuance pattern, generalized to the Logout Token claim set (RFC
// backchannel-logout) and to enumerating every RP a session touched via
// internal/actor.AssociationStore.
package logout

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"time"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
	"github.com/sgrastar/authrim/internal/model"
)

// LogoutTokenTTL bounds the lifetime of a back-channel Logout Token.
const LogoutTokenTTL = 2 * time.Minute

// RPClient is the subset of client registration the logout coordinator
// needs to notify one relying party.
type RPClient struct {
	ClientID             string
	FrontChannelLogoutURI string
	BackChannelLogoutURI  string
}

// ClientLookup resolves a client id to its logout notification endpoints.
type ClientLookup interface {
	GetRPClient(ctx context.Context, clientID string) (RPClient, error)
}

// Notifier delivers a back-channel Logout Token POST; the concrete HTTP
// implementation is cmd/authrimd's httpNotifier.
type Notifier interface {
	NotifyBackChannel(ctx context.Context, uri, logoutToken string) error
}

// Coordinator drives one RP-initiated or session-ended logout.
type Coordinator struct {
	Sessions     *actor.SessionStore
	Associations *actor.AssociationStore
	Keys         *actor.KeyManager
	Clients      ClientLookup
	Notify       Notifier
	IssuerURL    string

	Now func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// FrontChannelIframe is one RP's notification target, with its logout URI
// fully composed (iss and sid query parameters attached).
type FrontChannelIframe struct {
	ClientID string
	URL      string
}

// Plan is the result of Logout: what the httpapi layer must render
// (front-channel iframes) and which back-channel deliveries to fire.
type Plan struct {
	SessionID        string
	FrontChannel     []FrontChannelIframe
	BackChannelSent  []string // client ids successfully notified
	BackChannelFailed []string // client ids whose delivery failed (recorded, not fatal)
}

// Logout destroys sessionID, notifies every associated RP via front- and
// back-channel, and returns the front-channel iframe list for rendering.
// Back-channel delivery failures are recorded but never abort the logout:
// spec §4.6 requires the session to be destroyed regardless.
func (c *Coordinator) Logout(ctx context.Context, sessionID string) (Plan, error) {
	clientIDs := c.Associations.ListClients(ctx, sessionID)

	plan := Plan{SessionID: sessionID}
	for _, clientID := range clientIDs {
		rp, err := c.Clients.GetRPClient(ctx, clientID)
		if err != nil {
			continue
		}
		if rp.FrontChannelLogoutURI != "" {
			plan.FrontChannel = append(plan.FrontChannel, FrontChannelIframe{
				ClientID: clientID,
				URL:      composeFrontChannelURL(rp.FrontChannelLogoutURI, c.IssuerURL, sessionID),
			})
		}
		if rp.BackChannelLogoutURI != "" {
			tok, sub, err := c.logoutTokenFor(ctx, clientID, sessionID)
			if err != nil {
				plan.BackChannelFailed = append(plan.BackChannelFailed, clientID)
				continue
			}
			_ = sub
			if err := c.Notify.NotifyBackChannel(ctx, rp.BackChannelLogoutURI, tok); err != nil {
				plan.BackChannelFailed = append(plan.BackChannelFailed, clientID)
			} else {
				plan.BackChannelSent = append(plan.BackChannelSent, clientID)
			}
		}
	}

	c.Sessions.DeleteSession(ctx, sessionID)
	c.Associations.DeleteSession(ctx, sessionID)
	return plan, nil
}

func composeFrontChannelURL(base, issuerURL, sid string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("iss", issuerURL)
	q.Set("sid", sid)
	u.RawQuery = q.Encode()
	return u.String()
}

// logoutTokenClaims is the Logout Token body, per the backchannel-logout
// event claim spec §4.6 names explicitly.
type logoutTokenClaims struct {
	Issuer   string         `json:"iss"`
	Subject  string         `json:"sub,omitempty"`
	Audience string         `json:"aud"`
	IssuedAt int64          `json:"iat"`
	JTI      string         `json:"jti"`
	Events   map[string]any `json:"events"`
	SID      string         `json:"sid"`
}

func (c *Coordinator) logoutTokenFor(ctx context.Context, clientID, sessionID string) (token string, sub string, err error) {
	active, err := c.Keys.GetActiveKeyWithPrivate(ctx)
	if err != nil {
		return "", "", fmt.Errorf("logout: loading signing key: %w", err)
	}
	alg, err := icrypto.SignatureAlgorithm(active.PrivateKey)
	if err != nil {
		return "", "", err
	}

	claims := logoutTokenClaims{
		Issuer:   c.IssuerURL,
		Audience: clientID,
		IssuedAt: c.now().Unix(),
		JTI:      icrypto.NewID(),
		Events:   map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
		SID:      sessionID,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("logout: marshaling logout token: %w", err)
	}
	token, err = icrypto.SignPayload(active.PrivateKey, alg, payload)
	if err != nil {
		return "", "", fmt.Errorf("logout: signing logout token: %w", err)
	}
	return token, "", nil
}

// RenderFrontChannelPage builds the minimal HTML page embedding one hidden
// iframe per FrontChannelIframe entry, per spec §4.6.
func RenderFrontChannelPage(iframes []FrontChannelIframe) string {
	body := "<!DOCTYPE html><html><head><title>Logout</title></head><body>"
	for _, f := range iframes {
		body += fmt.Sprintf(`<iframe src="%s" style="display:none" width="0" height="0"></iframe>`, html.EscapeString(f.URL))
	}
	body += "</body></html>"
	return body
}

// ValidateLogoutRequest reports whether postLogoutRedirectURI is empty or
// exactly equals one of client's registered redirect URIs. It checks only
// post_logout_redirect_uri; id_token_hint is not examined.
func ValidateLogoutRequest(client model.Client, postLogoutRedirectURI string) bool {
	if postLogoutRedirectURI == "" {
		return true
	}
	for _, u := range client.RedirectURIs {
		if u == postLogoutRedirectURI {
			return true
		}
	}
	return false
}

// GenericLogoutError is the page shown when post_logout_redirect_uri
// validation or the logout itself fails, deliberately generic per spec §7.
func GenericLogoutError() *apperror.AuthError {
	return apperror.Displayed("Unable to process the logout request.")
}
