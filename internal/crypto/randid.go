package crypto

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
)

// idEncoding mirrors dex's storage.encoding: lowercase-only so generated IDs
// are safe in URLs, headers, and log lines without escaping.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random opaque identifier suitable for PAR request URIs,
// challenge IDs, session IDs, and authorization codes. Grounded on dex's
// storage.NewID/newSecureID.
func NewID() string {
	return newSecureID(20)
}

// NewDeviceSecret returns a longer random string for device-bound secrets
// (e.g. the PKCE-like device_secret exchanged in the native SSO flow).
func NewDeviceSecret() string {
	return newSecureID(32)
}

func newSecureID(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	// avoid a leading digit so the ID is safe to use unescaped as a path
	// segment or cookie-value prefix, and trim the encoder's "=" padding.
	return string(buf[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buf[1:]), "=")
}

// NewOTPCode returns a numeric one-time code for email-based authentication,
// drawn uniformly from [0, 10^digits).
func NewOTPCode(digits int) (string, error) {
	max := int64(1)
	for i := 0; i < digits; i++ {
		max *= 10
	}
	n, err := randInt63n(max)
	if err != nil {
		return "", err
	}
	out := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		out[i] = byte('0' + n%10)
		n /= 10
	}
	return string(out), nil
}
