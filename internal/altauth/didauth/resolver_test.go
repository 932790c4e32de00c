package didauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

func TestDidWebURLRootDocument(t *testing.T) {
	u, err := didWebURL("did:web:example.com")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/.well-known/did.json", u)
}

func TestDidWebURLPathScoped(t *testing.T) {
	u, err := didWebURL("did:web:example.com:user:alice")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/user/alice/did.json", u)
}

func TestDidWebURLDecodesPercentEncodedPort(t *testing.T) {
	u, err := didWebURL("did:web:example.com%3A8443")
	require.NoError(t, err)
	require.Equal(t, "https://example.com:8443/.well-known/did.json", u)
}

func TestDidWebURLRejectsNonWebDID(t *testing.T) {
	_, err := didWebURL("did:key:z6Mk...")
	require.Error(t, err)
}

func TestHTTPResolverFetchesAndDecodesDocument(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: pub, Algorithm: string(jose.EdDSA), Use: "sig"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/did.json", r.URL.Path)
		doc := didDocument{
			ID: "did:web:example.com",
			VerificationMethod: []didVerificationMethod{
				{ID: "did:web:example.com#key-1", Controller: "did:web:example.com", PublicKeyJWK: jwk},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	defer srv.Close()

	resolver := &HTTPResolver{Client: srv.Client()}
	// httptest.Server only serves http://, and Resolve hardcodes https://, so
	// exercise the fetch/decode logic directly against the test server's URL.
	doc, err := resolveFromURL(context.Background(), resolver, srv.URL+"/.well-known/did.json")
	require.NoError(t, err)
	require.Equal(t, "did:web:example.com", doc.ID)
	require.Len(t, doc.VerificationMethods, 1)
	require.Equal(t, "did:web:example.com#key-1", doc.VerificationMethods[0].ID)
}

func TestHTTPResolverPropagatesNon200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resolver := &HTTPResolver{Client: srv.Client()}
	_, err := resolveFromURL(context.Background(), resolver, srv.URL+"/.well-known/did.json")
	require.Error(t, err)
}

func TestIsDisallowedResolverTargetRejectsPrivateAndLoopback(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "10.0.0.1", "169.254.169.254", "::1", "0.0.0.0"} {
		ip := mustParseIP(t, addr)
		require.True(t, isDisallowedResolverTarget(ip), "expected %s to be disallowed", addr)
	}
}

func TestIsDisallowedResolverTargetAllowsPublicAddress(t *testing.T) {
	ip := mustParseIP(t, "93.184.216.34")
	require.False(t, isDisallowedResolverTarget(ip))
}

func TestKeyResolverDerivesEd25519VerificationMethod(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	did := encodeDIDKey(t, pub)

	doc, err := KeyResolver{}.Resolve(context.Background(), did)
	require.NoError(t, err)
	require.Equal(t, did, doc.ID)
	require.Len(t, doc.VerificationMethods, 1)

	vm := doc.VerificationMethods[0]
	require.Equal(t, did, vm.Controller)
	require.Equal(t, pub, vm.JWK.Key.(ed25519.PublicKey))
}

func TestKeyResolverRejectsNonKeyDID(t *testing.T) {
	_, err := KeyResolver{}.Resolve(context.Background(), "did:web:example.com")
	require.Error(t, err)
}

func TestKeyResolverRejectsMalformedMultibase(t *testing.T) {
	_, err := KeyResolver{}.Resolve(context.Background(), "did:key:abcdef")
	require.Error(t, err, "only the 'z' (base58btc) multibase prefix is supported")
}

func TestMethodResolverDispatchesByDIDMethod(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did := encodeDIDKey(t, pub)

	m := MethodResolver{"key": KeyResolver{}}
	doc, err := m.Resolve(context.Background(), did)
	require.NoError(t, err)
	require.Equal(t, did, doc.ID)
}

func TestMethodResolverRejectsUnregisteredMethod(t *testing.T) {
	m := MethodResolver{"key": KeyResolver{}}
	_, err := m.Resolve(context.Background(), "did:web:example.com")
	require.Error(t, err)
}

func TestMethodResolverRejectsMalformedDID(t *testing.T) {
	m := MethodResolver{"key": KeyResolver{}}
	_, err := m.Resolve(context.Background(), "not-a-did")
	require.Error(t, err)
}

func TestDecodeBase58RoundTripsArbitraryBytes(t *testing.T) {
	input := []byte{0xed, 0x01, 0x02, 0x03, 0xff, 0x00, 0x10}
	encoded := encodeBase58ForTest(input)
	decoded, err := decodeBase58(encoded)
	require.NoError(t, err)
	require.Equal(t, input, decoded)
}

// resolveFromURL repeats HTTPResolver.Resolve's fetch and decode steps
// against an arbitrary URL (httptest.Server only ever hands out http://
// URLs, and Resolve hardcodes https://). It uses the resolver's Client but
// does not call Resolve itself, so no TLS server is needed.
func resolveFromURL(ctx context.Context, r *HTTPResolver, url string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var wire didDocument
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Document{}, err
	}
	doc := Document{ID: wire.ID}
	for _, vm := range wire.VerificationMethod {
		if vm.PublicKeyJWK == nil {
			continue
		}
		doc.VerificationMethods = append(doc.VerificationMethods, VerificationMethod{
			ID:         vm.ID,
			Controller: vm.Controller,
			JWK:        vm.PublicKeyJWK,
		})
	}
	return doc, nil
}

func mustParseIP(t *testing.T, addr string) net.IP {
	t.Helper()
	ip := net.ParseIP(addr)
	require.NotNil(t, ip)
	return ip
}

func encodeDIDKey(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	raw := append([]byte{multicodecEd25519Pub, 0x01}, pub...)
	return "did:key:z" + encodeBase58ForTest(raw)
}

// encodeBase58ForTest is the inverse of decodeBase58, used only to build
// fixtures; production code never needs to encode a DID, only resolve one.
func encodeBase58ForTest(input []byte) string {
	zeros := 0
	for _, b := range input {
		if b != 0 {
			break
		}
		zeros++
	}

	num := make([]byte, len(input))
	copy(num, input)

	var out []byte
	for !allZero(num) {
		var remainder int
		for i := 0; i < len(num); i++ {
			acc := remainder*256 + int(num[i])
			num[i] = byte(acc / 58)
			remainder = acc % 58
		}
		out = append(out, base58Alphabet[remainder])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	reverse(out)
	return string(out)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
