package httpapi

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/model"
)

func TestIsDisallowedIP(t *testing.T) {
	disallowed := []string{"127.0.0.1", "10.0.0.5", "172.16.0.1", "192.168.1.1", "169.254.1.1", "0.0.0.0", "::1"}
	for _, s := range disallowed {
		require.True(t, isDisallowedIP(net.ParseIP(s)), "%s should be disallowed", s)
	}

	allowed := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34"}
	for _, s := range allowed {
		require.False(t, isDisallowedIP(net.ParseIP(s)), "%s should be allowed", s)
	}
}

func TestParseJWKS(t *testing.T) {
	raw := []byte(`{"keys":[{"kty":"RSA","kid":"k1","n":"AQAB","e":"AQAB"}]}`)
	keys, err := parseJWKS(raw)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "k1", keys[0].KeyID)
}

func TestParseJWKSRejectsMalformedJSON(t *testing.T) {
	_, err := parseJWKS([]byte("not json"))
	require.Error(t, err)
}

func TestFetchJWKSPrefersInlineJWKS(t *testing.T) {
	f := NewJWKSFetcher()
	client := model.Client{JWKS: []byte(`{"keys":[{"kty":"RSA","kid":"inline","n":"AQAB","e":"AQAB"}]}`)}

	keys, err := f.FetchJWKS(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "inline", keys[0].KeyID)
}

func TestFetchJWKSRejectsNonHTTPSURI(t *testing.T) {
	f := NewJWKSFetcher()
	client := model.Client{JWKSURL: "http://jwks.example.com/keys"}

	_, err := f.FetchJWKS(context.Background(), client)
	require.ErrorContains(t, err, "must be an https URL")
}

func TestFetchJWKSRejectsClientWithNoKeySource(t *testing.T) {
	f := NewJWKSFetcher()
	_, err := f.FetchJWKS(context.Background(), model.Client{})
	require.ErrorContains(t, err, "neither jwks nor jwks_uri")
}
