// Grounded on dex's cmd/dex/serve.go: a commandServe cobra command that
// loads the YAML config, builds the server's dependency graph, and runs it
// under an oklog/run group so the HTTP listener, telemetry listener, and
// background GC loop shut down together on the first failure or signal.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/actor/etcdshard"
	"github.com/sgrastar/authrim/internal/actor/redisshard"
	"github.com/sgrastar/authrim/internal/altauth/didauth"
	"github.com/sgrastar/authrim/internal/altauth/emailotp"
	"github.com/sgrastar/authrim/internal/altauth/passkey"
	"github.com/sgrastar/authrim/internal/altauth/samlsp"
	"github.com/sgrastar/authrim/internal/authzfsm"
	"github.com/sgrastar/authrim/internal/config"
	"github.com/sgrastar/authrim/internal/discovery"
	"github.com/sgrastar/authrim/internal/httpapi"
	authlog "github.com/sgrastar/authrim/internal/log"
	"github.com/sgrastar/authrim/internal/logout"
	"github.com/sgrastar/authrim/internal/oidcreq"
	"github.com/sgrastar/authrim/internal/registry"
	"github.com/sgrastar/authrim/internal/shard"
	"github.com/sgrastar/authrim/internal/token"
	"github.com/sgrastar/authrim/internal/transport"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch authrimd",
		Example: "authrimd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

func runServe(options serveOptions) error {
	raw, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", options.config, err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", options.config, err)
	}
	if err := replaceEnvKeys(&cfg, os.Getenv); err != nil {
		return fmt.Errorf("substituting env vars in config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := authlog.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	deps, err := buildDependencies(cfg)
	if err != nil {
		return fmt.Errorf("building server dependencies: %w", err)
	}
	if err := deps.sessions.Restore(context.Background()); err != nil {
		return fmt.Errorf("restoring sessions from durable backend: %w", err)
	}

	router := httpapi.NewRouter(deps.httpapi)

	var g run.Group

	// Signal handling: first interrupt begins graceful shutdown.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) { cancel() })
	}

	if cfg.Web.HTTP != "" {
		srv := &http.Server{Addr: cfg.Web.HTTP, Handler: router}
		g.Add(func() error {
			logger.Infof("listening (http) on %s", cfg.Web.HTTP)
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}

	if cfg.Web.HTTPS != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Web.TLSCert, cfg.Web.TLSKey)
		if err != nil {
			return fmt.Errorf("loading TLS cert/key: %w", err)
		}
		srv := &http.Server{
			Addr:      cfg.Web.HTTPS,
			Handler:   router,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
		ln, err := net.Listen("tcp", cfg.Web.HTTPS)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Web.HTTPS, err)
		}
		g.Add(func() error {
			logger.Infof("listening (https) on %s", cfg.Web.HTTPS)
			return srv.ServeTLS(ln, "", "")
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}

	if cfg.Telemetry.HTTP != "" {
		healthChecker := gosundheit.New()
		healthChecker.RegisterCheck(&gosundheit.Config{
			Check: &checks.CustomCheck{
				CheckName: "signing-key",
				CheckFunc: actor.NewKeyManagerHealthCheckFunc(deps.keys),
			},
			ExecutionPeriod:  15 * time.Second,
			InitiallyPassing: true,
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
		healthHandler := gosundheithttp.HandleHealthJSON(healthChecker)
		mux.Handle("/healthz", healthHandler)
		mux.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/healthz/ready", healthHandler)

		srv := &http.Server{Addr: cfg.Telemetry.HTTP, Handler: mux}
		g.Add(func() error {
			logger.Infof("listening (telemetry) on %s", cfg.Telemetry.HTTP)
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}

	// Background garbage collection across every ephemeral-state actor
	// shard, per spec §4.1's "each actor also runs its own TTL sweep".
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					now := time.Now()
					deps.sessions.GarbageCollect(ctx, now)
					deps.challenges.GarbageCollect(ctx, now)
					deps.authCodes.GarbageCollect(ctx, now)
					deps.dpopJti.GarbageCollect(ctx, now)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) { cancel() })
	}

	return g.Run()
}

// serverDeps bundles the constructed actor graph alongside the
// httpapi.Dependencies it feeds, so runServe's background loops can reach
// the actors directly for GC without threading them through the router.
type serverDeps struct {
	httpapi    httpapi.Dependencies
	sessions   *actor.SessionStore
	challenges *actor.ChallengeStore
	authCodes  *actor.AuthCodeShard
	dpopJti    *actor.DPoPJtiStore
	keys       *actor.KeyManager
}

func buildDependencies(cfg config.Config) (*serverDeps, error) {
	router := shard.NewRouter(cfg.Sharding.ShardCount)

	sessions := actor.NewSessionStore()
	durable, err := buildSessionBackend(cfg)
	if err != nil {
		return nil, err
	}
	sessions.Durable = durable

	challenges := actor.NewChallengeStore()
	authCodes := actor.NewAuthCodeShard(actor.DefaultAuthCodeConfig())
	dpopJti := actor.NewDPoPJtiStore()
	associations := actor.NewAssociationStore()
	parStore := actor.NewPARRequestStore()

	rotation := actor.DefaultRotationStrategy()
	if cfg.KeyRotation.Frequency > 0 {
		rotation.RotationFrequency = cfg.KeyRotation.Frequency
	}
	if cfg.KeyRotation.VerifyValidFor > 0 {
		rotation.VerifyValidFor = cfg.KeyRotation.VerifyValidFor
	}
	keys := actor.NewKeyManager(rotation)

	backend, err := newStaticBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("building static client backend: %w", err)
	}
	reg := registry.New(backend, 0)

	jwksFetcher := httpapi.NewJWKSFetcher()
	parser := oidcreq.New(oidcreq.Options{IssuerURL: cfg.Issuer}, reg, parStore, jwksFetcher)

	issuer := token.NewIssuer(keys)

	sameSite := http.SameSiteLaxMode
	if cfg.Cookies.SameSite == "None" {
		sameSite = http.SameSiteNoneMode
	}
	policy := httpapi.CookiePolicy{SameSite: sameSite, Secure: cfg.Cookies.Secure, Domain: cfg.Cookies.Domain}

	authzDeps := authzfsm.Deps{
		Sessions:         sessions,
		AuthCodes:        authCodes,
		Challenges:       challenges,
		DPoPJti:          dpopJti,
		Associations:     associations,
		Keys:             keys,
		Issuer:           issuer,
		Router:           router,
		Consent:          noopConsentChecker{},
		IssuerURL:        cfg.Issuer,
		ConformanceMode:  cfg.Conformance.Enabled,
		LoginURL:         cfg.Conformance.LoginURL,
		ConsentURL:       cfg.Conformance.ConsentURL,
		BrowserStateSalt: cfg.Cookies.BrowserStateSalt,
	}

	notifyClient, err := transport.NewHTTPClient(
		cfg.BackChannelLogout.RootCAs,
		cfg.BackChannelLogout.InsecureSkipVerify,
		3*time.Second,
	)
	if err != nil {
		return nil, fmt.Errorf("configuring back-channel logout client: %w", err)
	}

	logoutCoord := &logout.Coordinator{
		Sessions:     sessions,
		Associations: associations,
		Keys:         keys,
		Clients:      staticRPClientLookup{backend: backend},
		Notify:       httpNotifier{client: notifyClient},
		IssuerURL:    cfg.Issuer,
	}

	endpoints := discovery.Endpoints{
		IssuerURL:             cfg.Issuer,
		AuthorizationEndpoint: cfg.Issuer + "/authorize",
		TokenEndpoint:         cfg.Issuer + "/token",
		JWKSURI:               cfg.Issuer + "/jwks",
		UserInfoEndpoint:      cfg.Issuer + "/userinfo",
		EndSessionEndpoint:    cfg.Issuer + "/logout",
	}

	sessionIssuer := &httpapi.SessionIssuer{Sessions: sessions, Router: router, Policy: policy}

	samlConsumer, resolveSAMLUser, err := buildSAMLConsumer(cfg, dpopJti)
	if err != nil {
		return nil, fmt.Errorf("configuring saml: %w", err)
	}

	idpBridge, idpSPs, err := buildSAMLIdPBridge(cfg, keys)
	if err != nil {
		return nil, fmt.Errorf("configuring saml idp bridge: %w", err)
	}

	var didVerifier *didauth.Verifier
	if cfg.DID.Enabled {
		didVerifier = &didauth.Verifier{
			Challenges: challenges,
			Resolver:   didauth.NewMethodResolver(),
			Identities: actor.NewDIDLinkStore(),
			IssuerURL:  cfg.Issuer,
		}
	}

	passkeyManager, passkeyStore, err := buildPasskeyManager(cfg, challenges)
	if err != nil {
		return nil, fmt.Errorf("configuring passkey: %w", err)
	}

	emailSender, emailVerifier, err := buildEmailOTP(cfg, challenges)
	if err != nil {
		return nil, fmt.Errorf("configuring email-otp: %w", err)
	}

	httpDeps := httpapi.Dependencies{
		Parser:           parser,
		Clients:          reg,
		AuthzDeps:        authzDeps,
		Keys:             keys,
		Endpoints:        endpoints,
		Logout:           logoutCoord,
		SAML:             samlConsumer,
		SessionIssuer:    sessionIssuer,
		ResolveSAMLUser:  resolveSAMLUser,
		IdPBridge:        idpBridge,
		IdPSPs:           idpSPs,
		Sessions:         sessions,
		DIDVerifier:      didVerifier,
		Passkey:          passkeyManager,
		PasskeyStore:     passkeyStore,
		ParStore:         parStore,
		Region:           cfg.Sharding.Region,
		PARRateLimiter:   actor.NewRateLimiter(),
		EmailOTPSender:   emailSender,
		EmailOTPVerifier: emailVerifier,
		BrowserStateSalt: cfg.Cookies.BrowserStateSalt,
		Policy:           policy,
		AllowedOrigins:   cfg.Web.AllowedOrigins,
		AllowedHeaders:   cfg.Web.AllowedHeaders,
	}

	return &serverDeps{
		httpapi:    httpDeps,
		sessions:   sessions,
		challenges: challenges,
		authCodes:  authCodes,
		dpopJti:    dpopJti,
		keys:       keys,
	}, nil
}

// buildSAMLConsumer constructs the SP assertion consumer from
// config.SAML, or returns a nil Consumer when no SAML section is
// configured (the /saml/sp/acs route is then left unregistered). There is
// no relational user store yet (spec §1 leaves it external), so the
// resolver maps a validated assertion straight onto its NameID, the same
// placeholder posture noopConsentChecker takes for consent.
func buildSAMLConsumer(cfg config.Config, replay *actor.DPoPJtiStore) (*samlsp.Consumer, func(samlsp.Identity) (string, error), error) {
	if cfg.SAML.SPEntityID == "" {
		return nil, nil, nil
	}

	idps := make(map[string]samlsp.IdentityProvider, len(cfg.SAML.IdPs))
	for _, tidp := range cfg.SAML.IdPs {
		var certs []*x509.Certificate
		for _, pemStr := range tidp.CertificatePEMs {
			block, _ := pem.Decode([]byte(pemStr))
			if block == nil {
				return nil, nil, fmt.Errorf("trusted idp %s: invalid certificate PEM", tidp.EntityID)
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("trusted idp %s: parsing certificate: %w", tidp.EntityID, err)
			}
			certs = append(certs, cert)
		}
		idps[tidp.EntityID] = samlsp.IdentityProvider{
			EntityID:           tidp.EntityID,
			Certificates:       certs,
			StrictInResponseTo: tidp.StrictInResponseTo,
		}
	}

	consumer := &samlsp.Consumer{
		SP:         samlsp.ServiceProvider{EntityID: cfg.SAML.SPEntityID, ACSURL: cfg.SAML.ACSURL},
		IdPs:       idps,
		Replay:     replay,
		EmailAttr:  "email",
		NameAttr:   "name",
		GroupsAttr: "groups",
	}

	resolveUserID := func(identity samlsp.Identity) (string, error) {
		if identity.NameID == "" {
			return "", fmt.Errorf("saml assertion carries no NameID")
		}
		return identity.NameID, nil
	}

	return consumer, resolveUserID, nil
}

// buildSAMLIdPBridge constructs the outbound assertion issuer from
// config.SAML.IdPBridge, or returns a nil bridge when this deployment
// doesn't bridge to any downstream SP (the `/saml/idp/sso` route is then
// left unregistered). The bridge signs with the same RSA key the OIDC
// token issuer uses, wrapped in a self-signed certificate generated once
// at startup: goxmldsig's X509KeyStore needs a DER certificate to embed in
// the signature's KeyInfo, but this key's only other consumer (the JWKS
// endpoint) only ever needs the raw public key, so no certificate existed
// for it before now.
func buildSAMLIdPBridge(cfg config.Config, keys *actor.KeyManager) (*samlsp.IdPBridge, map[string]samlsp.RegisteredSP, error) {
	if cfg.SAML.IdPBridge == nil {
		return nil, nil, nil
	}

	active, err := keys.GetActiveKeyWithPrivate(context.Background())
	if err != nil {
		return nil, nil, fmt.Errorf("loading signing key for saml idp bridge: %w", err)
	}
	rsaPriv, ok := active.PrivateKey.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("saml idp bridge requires an RSA signing key, got %T", active.PrivateKey.Key)
	}

	der, err := selfSignedCertDER(rsaPriv, cfg.SAML.IdPBridge.EntityID)
	if err != nil {
		return nil, nil, fmt.Errorf("generating saml idp bridge certificate: %w", err)
	}

	bridge := &samlsp.IdPBridge{
		EntityID: cfg.SAML.IdPBridge.EntityID,
		Key:      samlsp.IssuerKey{PrivateKey: rsaPriv, CertificateDER: der},
	}

	sps := make(map[string]samlsp.RegisteredSP, len(cfg.SAML.IdPBridge.SPs))
	for _, sp := range cfg.SAML.IdPBridge.SPs {
		sps[sp.EntityID] = samlsp.RegisteredSP{EntityID: sp.EntityID, ACSURL: sp.ACSURL}
	}

	return bridge, sps, nil
}

// buildPasskeyManager constructs the WebAuthn ceremony manager from
// config.Passkey, or returns a nil Manager when passkeys aren't enabled
// (the `/api/auth/passkeys/*` routes are then left unregistered).
func buildPasskeyManager(cfg config.Config, challenges *actor.ChallengeStore) (*passkey.Manager, *passkey.MemoryStore, error) {
	if !cfg.Passkey.Enabled {
		return nil, nil, nil
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.Passkey.RPID,
		RPDisplayName: cfg.Passkey.RPDisplayName,
		RPOrigins:     cfg.Passkey.RPOrigins,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building webauthn relying party: %w", err)
	}

	store := passkey.NewMemoryStore()
	manager := &passkey.Manager{WebAuthn: wa, Challenges: challenges, Store: store}
	return manager, store, nil
}

// buildEmailOTP constructs the email one-time-code Sender/Verifier pair from
// config.EmailOTP, or returns nils when email-OTP isn't enabled (the
// `/api/auth/email-codes/*` routes are then left unregistered), mirroring
// buildPasskeyManager's posture.
func buildEmailOTP(cfg config.Config, challenges *actor.ChallengeStore) (*emailotp.Sender, *emailotp.Verifier, error) {
	if !cfg.EmailOTP.Enabled {
		return nil, nil, nil
	}

	key, err := hex.DecodeString(cfg.EmailOTP.HMACKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("emailOtp.hmacKeyHex is not valid hex: %w", err)
	}

	mailer, err := emailotp.NewSMTPMailer(cfg.EmailOTP.SMTPHost, cfg.EmailOTP.SMTPPort, cfg.EmailOTP.Username, cfg.EmailOTP.Password, cfg.EmailOTP.FromAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring smtp mailer: %w", err)
	}

	sender := &emailotp.Sender{
		Challenges: challenges,
		Limiter:    actor.NewRateLimiter(),
		Mail:       mailer,
		HMACKey:    key,
	}
	verifier := &emailotp.Verifier{Challenges: challenges, HMACKey: key}
	return sender, verifier, nil
}

// buildSessionBackend wires actor.SessionStore's optional durable backend
// from config.SessionBackend, or returns a nil DurableBackend when no
// driver is configured (the store then stays purely in-memory, matching
// the posture before durability existed).
func buildSessionBackend(cfg config.Config) (actor.DurableBackend, error) {
	prefix := cfg.SessionBackend.Prefix
	if prefix == "" {
		prefix = "authrim/session/" + cfg.Sharding.Region + "/"
	}

	switch cfg.SessionBackend.Driver {
	case "":
		return nil, nil
	case "etcd":
		store, err := etcdshard.Open(etcdshard.Config{
			Endpoints: cfg.SessionBackend.Etcd.Endpoints,
			Username:  cfg.SessionBackend.Etcd.Username,
			Password:  cfg.SessionBackend.Etcd.Password,
		}, prefix)
		if err != nil {
			return nil, fmt.Errorf("dialing etcd session backend: %w", err)
		}
		return store, nil
	case "redis":
		return redisshard.Open(redisshard.Config{
			Addrs:            cfg.SessionBackend.Redis.Addrs,
			Password:         cfg.SessionBackend.Redis.Password,
			SentinelPassword: cfg.SessionBackend.Redis.SentinelPassword,
			MasterName:       cfg.SessionBackend.Redis.MasterName,
		}, prefix), nil
	default:
		return nil, fmt.Errorf("sessionBackend: unknown driver %q", cfg.SessionBackend.Driver)
	}
}

// selfSignedCertDER wraps priv in a minimal self-signed certificate for use
// as goxmldsig's embedded KeyInfo; downstream SPs trust the bridge's entity
// id and certificate out of band (the same posture dex's connector/saml
// takes for its own assertion-signing certs), not the public CA chain.
func selfSignedCertDER(priv *rsa.PrivateKey, entityID string) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: entityID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	return x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
}

// noopConsentChecker always denies consent, a safe default until a
// relational consent store is wired in (spec §1).
type noopConsentChecker struct{}

func (noopConsentChecker) HasConsent(context.Context, string, string, []string) (bool, error) {
	return false, nil
}
func (noopConsentChecker) RecordConsent(context.Context, string, string, []string) error { return nil }

// staticRPClientLookup adapts staticBackend to logout.ClientLookup; none of
// the config-seeded clients register logout URIs yet, so this returns an
// empty RPClient rather than an error (a client with no logout endpoints
// configured is a normal, not exceptional, case).
type staticRPClientLookup struct {
	backend *staticBackend
}

func (s staticRPClientLookup) GetRPClient(ctx context.Context, clientID string) (logout.RPClient, error) {
	if _, err := s.backend.GetClient(ctx, clientID); err != nil {
		return logout.RPClient{}, err
	}
	return logout.RPClient{ClientID: clientID}, nil
}

// httpNotifier delivers back-channel Logout Tokens with a short, bounded
// timeout; failures are non-fatal to the logout flow (spec §4.6). client is
// built by internal/transport with the deployment's BackChannelLogout TLS
// trust settings, falling back to a bare http.Client in tests that
// construct the zero value directly.
type httpNotifier struct {
	client *http.Client
}

func (n httpNotifier) NotifyBackChannel(ctx context.Context, uri, logoutToken string) error {
	client := n.client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = io.NopCloser(strings.NewReader("logout_token=" + url.QueryEscape(logoutToken)))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("back-channel logout endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
