package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/apperror"
	"github.com/sgrastar/authrim/internal/model"
	"github.com/sgrastar/authrim/internal/oidcreq"
	"github.com/sgrastar/authrim/internal/shard"
)

// PARTTL bounds how long a pushed request_uri stays redeemable (spec §6:
// RFC 9126 Pushed Authorization, expires_in 600).
const PARTTL = 600 * time.Second

// parGeneration tags every request_uri this deployment mints; it has no
// reader yet (shard.PARAddressFromRequestURI parses-but-discards it) and
// exists for a future resharding migration, per shard.ids.go's scheme.
const parGeneration = 1

// PARRateLimit bounds /par pushes per client_id (spec §5: "RateLimiter actor
// guards /authorize, /par, and each alternative-authenticator flow").
var PARRateLimit = actor.RateLimitParams{WindowSeconds: 60, MaxRequests: 30}

// PARHandler serves `POST /par` (spec §6), RFC 9126 Pushed Authorization
// Requests: the client pushes its full parameter set out of band and gets
// back an opaque request_uri to reference from `/authorize`, instead of
// putting every parameter on the front-channel redirect. Grounded on
// internal/httpapi/did.go's begin-step shape (parse, validate, store,
// return an opaque id) generalized to oidcreq's own parameter validation.
type PARHandler struct {
	Parser  *oidcreq.Parser
	Store   *actor.PARRequestStore
	Router  *shard.Router
	Region  string
	Limiter *actor.RateLimiter // nil disables rate limiting
	Now     func() time.Time
}

func (h *PARHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

func (h *PARHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writePARError(w, apperror.RequestURIError(apperror.CodeInvalidRequest, "malformed request body."))
		return
	}
	raw := oidcreq.RawParams(r.Form)

	clientID := r.Form.Get("client_id")
	if h.Limiter != nil {
		if res := h.Limiter.Increment(r.Context(), clientID, PARRateLimit); !res.Allowed {
			writePARError(w, apperror.RateLimited(int(res.RetryAfter.Seconds())))
			return
		}
	}

	// RFC 9126 §2.1: "request_uri parameters must not be included" in a
	// pushed request; this prevents chaining one PAR entry to another.
	if r.Form.Get("request_uri") != "" {
		writePARError(w, apperror.RequestURIError(apperror.CodeInvalidRequest, "request_uri must not be present in a pushed authorization request."))
		return
	}

	params, aerr := h.Parser.Parse(r.Context(), raw)
	if aerr != nil {
		writePARError(w, aerr)
		return
	}

	region := h.Region
	if region == "" {
		region = "default"
	}
	idx := h.Router.ParIndexFor(params.ClientID)
	requestURI := shard.NewPARRequestURI(parGeneration, region, idx)

	rec := model.PARRequest{
		RequestURI: requestURI,
		ClientID:   params.ClientID,
		Params:     params,
		DPoPJKT:    params.DPoPJKT,
		Expiry:     h.now().Add(PARTTL),
	}
	if err := h.Store.StoreRequest(r.Context(), rec); err != nil {
		writePARError(w, apperror.Internal())
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(parResponse{RequestURI: requestURI, ExpiresIn: int(PARTTL.Seconds())})
}

// writePARError always renders JSON (RFC 9126 §2.3: a PAR response is
// either 201+request_uri or a JSON error body; unlike /authorize there is
// no user agent here to redirect, so WriteAuthError's redirect branch would
// be the wrong conversion for a KindValidation error that happens to carry
// a RedirectURI).
func writePARError(w http.ResponseWriter, err *apperror.AuthError) {
	status := http.StatusBadRequest
	switch err.Kind {
	case apperror.KindClientAuth:
		status = http.StatusUnauthorized
	case apperror.KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
		status = http.StatusTooManyRequests
	case apperror.KindInternal, apperror.KindConfig:
		status = http.StatusInternalServerError
	}
	writeJSONError(w, status, err)
}
