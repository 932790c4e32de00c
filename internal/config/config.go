// Package config is the YAML configuration format for authrimd, grounded
// on dex's cmd/dex/config.go Config struct and its "fast field-by-field
// Validate()" idiom, generalized with the sharding, DPoP, SAML-bridge, and
// cookie-policy knobs this provider's spec adds in place of dex's
// connector/static-client/static-password fields.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level config file format.
type Config struct {
	Issuer string `json:"issuer"`

	Web       Web       `json:"web"`
	Telemetry Telemetry `json:"telemetry"`
	Logger    Logger    `json:"logger"`

	Sharding       Sharding       `json:"sharding"`
	SessionBackend SessionBackend `json:"sessionBackend"`
	Cookies        Cookies        `json:"cookies"`
	Conformance    Conformance    `json:"conformance"`
	KeyRotation    KeyRotation    `json:"keyRotation"`

	SAML     SAML     `json:"saml"`
	DID      DID      `json:"did"`
	Passkey  Passkey  `json:"passkey"`
	EmailOTP EmailOTP `json:"emailOtp"`

	// BackChannelLogout configures the outbound TLS trust used to deliver
	// RP-initiated back-channel Logout Tokens (spec §4.6).
	BackChannelLogout BackChannelLogout `json:"backChannelLogout"`

	// StaticClients lets an operator seed the client registry from the
	// config file rather than a relational store, mirroring dex's
	// StaticClients; write operations against these entries fail.
	StaticClients []StaticClient `json:"staticClients"`
}

// Web mirrors dex's Web config: listen addresses, TLS material, and the
// CORS allowlist for the public discovery/JWKS/session endpoints.
type Web struct {
	HTTP          string `json:"http"`
	HTTPS         string `json:"https"`
	TLSCert       string `json:"tlsCert"`
	TLSKey        string `json:"tlsKey"`
	TLSMinVersion string `json:"tlsMinVersion"`
	TLSMaxVersion string `json:"tlsMaxVersion"`

	// AllowedOrigins/AllowedHeaders configure CORS on the
	// discovery/jwks/session-check endpoints, mirroring dex's
	// Web.AllowedOrigins/AllowedHeaders; left empty, no CORS headers are
	// added (same-origin browser requests only).
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`
}

// Telemetry exposes a Prometheus /metrics endpoint, per dex's Telemetry.
type Telemetry struct {
	HTTP string `json:"http"`
}

// Logger configures the structured logger, per dex's Logger config.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Sharding configures the actor router (spec §4.1/§9).
type Sharding struct {
	ShardCount int    `json:"shardCount"`
	Region     string `json:"region"`
}

// BackChannelLogout lets a deployment trust an internal CA for RP
// back-channel logout endpoints, instead of requiring every RP to carry a
// publicly-trusted certificate.
type BackChannelLogout struct {
	RootCAs            []string `json:"rootCAs"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify"`
}

// SessionBackend optionally gives actor.SessionStore a durable backend, so a
// restarted or rescheduled session shard recovers in-flight sessions
// instead of starting empty. Driver is "" (in-memory only), "etcd", or
// "redis"; Prefix namespaces keys within the shared cluster (recommended:
// include Sharding.Region).
type SessionBackend struct {
	Driver string     `json:"driver"`
	Prefix string     `json:"prefix"`
	Etcd   EtcdConfig  `json:"etcd"`
	Redis  RedisConfig `json:"redis"`
}

// EtcdConfig dials the etcd cluster backing internal/actor/etcdshard.
type EtcdConfig struct {
	Endpoints []string `json:"endpoints"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
}

// RedisConfig dials the Redis cluster backing internal/actor/redisshard.
type RedisConfig struct {
	Addrs            []string `json:"addrs"`
	Password         string   `json:"password"`
	SentinelPassword string   `json:"sentinelPassword"`
	MasterName       string   `json:"masterName"`
}

// Cookies configures the three cookies spec §"Cookies" names.
type Cookies struct {
	SameSite         string `json:"sameSite"` // "Lax" or "None"
	Secure           bool   `json:"secure"`
	Domain           string `json:"domain"`
	BrowserStateSalt string `json:"browserStateSalt"`
}

// Conformance toggles the builtin login/consent UI vs. delegating to an
// external LoginURL/ConsentURL (spec §4.3.5).
type Conformance struct {
	Enabled    bool   `json:"enabled"`
	LoginURL   string `json:"loginUrl"`
	ConsentURL string `json:"consentUrl"`
}

// KeyRotation configures the KeyManager actor's rotation schedule (spec
// §4.1.6), mirroring dex's server/rotation.go RotationStrategy knobs.
type KeyRotation struct {
	Frequency      time.Duration `json:"frequency"`
	VerifyValidFor time.Duration `json:"verifyValidFor"`
}

// SAML configures the SP assertion consumer and IdP bridge (spec §4.5).
type SAML struct {
	SPEntityID string          `json:"spEntityId"`
	ACSURL     string          `json:"acsUrl"`
	IdPs       []TrustedIdP    `json:"trustedIdps"`
	IdPBridge  *IdPBridgeConfig `json:"idpBridge,omitempty"`
}

// TrustedIdP is one upstream SAML IdP this SP accepts assertions from.
type TrustedIdP struct {
	EntityID           string   `json:"entityId"`
	CertificatePEMs    []string `json:"certificatePems"`
	StrictInResponseTo bool     `json:"strictInResponseTo"`
}

// IdPBridgeConfig enables the SAML IdP-side bridge (spec §3: "SAML 2.0
// SP/IdP bridging"): this provider signs assertions for downstream SPs
// using the same key material it signs ID tokens with.
type IdPBridgeConfig struct {
	EntityID string              `json:"entityId"`
	SPs      []RegisteredSPConfig `json:"serviceProviders"`
}

// RegisteredSPConfig is one downstream SP this IdP bridge can assert to.
type RegisteredSPConfig struct {
	EntityID string `json:"entityId"`
	ACSURL   string `json:"acsUrl"`
}

// DID enables the did:web/did:key proof-of-control login flow (spec
// §4.5): off by default, since unlike SAML there's no upstream metadata
// an operator must supply, just this provider's own issuer identity.
type DID struct {
	Enabled bool `json:"enabled"`
}

// Passkey enables the WebAuthn/FIDO2 passkey registration and login flow
// (spec §4.5). RPID is the relying party id (usually the issuer's
// hostname); RPOrigins lists the browser origins allowed to complete a
// ceremony, mirroring go-webauthn's webauthn.Config.
type Passkey struct {
	Enabled       bool     `json:"enabled"`
	RPID          string   `json:"rpId"`
	RPDisplayName string   `json:"rpDisplayName"`
	RPOrigins     []string `json:"rpOrigins"`
}

// EmailOTP enables the email one-time-code login flow (spec §4.5), sending
// through an SMTP relay the way dex's email.SmtpEmailerConfig does.
type EmailOTP struct {
	Enabled  bool   `json:"enabled"`
	FromAddr string `json:"from"`
	SMTPHost string `json:"smtpHost"`
	SMTPPort int    `json:"smtpPort"`
	Username string `json:"username"`
	Password string `json:"password"`
	// HMACKeyHex is the hex-encoded key used to hash codes at rest; the
	// plaintext code is never stored, only sent (spec §4.5).
	HMACKeyHex string `json:"hmacKeyHex"`
}

// StaticClient seeds the client registry without a relational store.
type StaticClient struct {
	ID                string   `json:"id"`
	Secret            string   `json:"secret"`
	Public            bool     `json:"public"`
	RedirectURIs      []string `json:"redirectURIs"`
	RequestableScopes []string `json:"requestableScopes"`
	DPoPBound         bool     `json:"dpopBound"`
	SkipConsent       bool     `json:"skipConsent"`
	TenantID          string   `json:"tenantID"`
}

// Validate performs the fast field-by-field checks dex's Config.Validate
// does, before anything touches the network or a storage backend.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config file"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply an HTTP/HTTPS address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for HTTPS"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for HTTPS"},
		{c.Sharding.ShardCount < 0, "shardCount cannot be negative"},
		{c.Cookies.SameSite != "" && c.Cookies.SameSite != "Lax" && c.Cookies.SameSite != "None", "cookies.sameSite must be Lax or None"},
		{c.Cookies.SameSite == "None" && !c.Cookies.Secure, "cookies.sameSite=None requires cookies.secure=true"},
		{!c.Conformance.Enabled && c.Conformance.LoginURL == "", "conformance.loginUrl is required when conformance.enabled is false"},
		{!c.Conformance.Enabled && c.Conformance.ConsentURL == "", "conformance.consentUrl is required when conformance.enabled is false"},
		{c.SAML.IdPBridge != nil && c.SAML.IdPBridge.EntityID == "", "saml.idpBridge.entityId is required when idpBridge is configured"},
		{c.Passkey.Enabled && c.Passkey.RPID == "", "passkey.rpId is required when passkey.enabled is true"},
		{c.Passkey.Enabled && len(c.Passkey.RPOrigins) == 0, "passkey.rpOrigins must list at least one allowed origin when passkey.enabled is true"},
		{c.EmailOTP.Enabled && c.EmailOTP.SMTPHost == "", "emailOtp.smtpHost is required when emailOtp.enabled is true"},
		{c.EmailOTP.Enabled && c.EmailOTP.FromAddr == "", "emailOtp.from is required when emailOtp.enabled is true"},
		{c.EmailOTP.Enabled && c.EmailOTP.HMACKeyHex == "", "emailOtp.hmacKeyHex is required when emailOtp.enabled is true"},
		{c.SessionBackend.Driver != "" && c.SessionBackend.Driver != "etcd" && c.SessionBackend.Driver != "redis", "sessionBackend.driver must be \"etcd\" or \"redis\""},
		{c.SessionBackend.Driver == "etcd" && len(c.SessionBackend.Etcd.Endpoints) == 0, "sessionBackend.etcd.endpoints must list at least one endpoint"},
		{c.SessionBackend.Driver == "redis" && len(c.SessionBackend.Redis.Addrs) == 0, "sessionBackend.redis.addrs must list at least one address"},
	}

	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}
