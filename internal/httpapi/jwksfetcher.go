package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/internal/model"
)

// jwksMaxBody bounds the size of a fetched JWKS document; a malicious or
// misconfigured jwks_uri cannot exhaust memory.
const jwksMaxBody = 64 * 1024

// jwksFetchTimeout bounds one jwks_uri round trip.
const jwksFetchTimeout = 3 * time.Second

// JWKSFetcher implements oidcreq.JWKSFetcher: prefer a client's inline
// JWKS, falling back to an HTTPS-only, private-network-blocked,
// size-capped GET of jwks_uri (spec §4.2/§5's SSRF guard).
type JWKSFetcher struct {
	Client *http.Client
}

// NewJWKSFetcher builds a fetcher with the dial-time private-network guard
// installed, so redirects or DNS rebinding can't be used to reach internal
// services via a registered client's jwks_uri.
func NewJWKSFetcher() *JWKSFetcher {
	dialer := &net.Dialer{Timeout: jwksFetchTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if isDisallowedIP(ip) {
					return nil, fmt.Errorf("httpapi: jwks_uri resolves to a disallowed address")
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
	}
	return &JWKSFetcher{Client: &http.Client{
		Transport: transport,
		Timeout:   jwksFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("httpapi: too many redirects fetching jwks_uri")
			}
			if req.URL.Scheme != "https" {
				return fmt.Errorf("httpapi: jwks_uri redirect left HTTPS")
			}
			return nil
		},
	}}
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// FetchJWKS returns client.JWKS parsed inline if present, else fetches
// client.JWKSURL.
func (f *JWKSFetcher) FetchJWKS(ctx context.Context, client model.Client) ([]*jose.JSONWebKey, error) {
	if len(client.JWKS) > 0 {
		return parseJWKS(client.JWKS)
	}
	if client.JWKSURL == "" {
		return nil, fmt.Errorf("httpapi: client has neither jwks nor jwks_uri")
	}
	u, err := url.Parse(client.JWKSURL)
	if err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("httpapi: jwks_uri must be an https URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpapi: fetching jwks_uri: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpapi: jwks_uri returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxBody+1))
	if err != nil {
		return nil, fmt.Errorf("httpapi: reading jwks_uri body: %w", err)
	}
	if len(body) > jwksMaxBody {
		return nil, fmt.Errorf("httpapi: jwks_uri body exceeds size limit")
	}
	return parseJWKS(body)
}

func parseJWKS(raw []byte) ([]*jose.JSONWebKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("httpapi: parsing jwks: %w", err)
	}
	keys := make([]*jose.JSONWebKey, 0, len(set.Keys))
	for i := range set.Keys {
		keys = append(keys, &set.Keys[i])
	}
	return keys, nil
}
