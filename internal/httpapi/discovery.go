package httpapi

import (
	"net/http"

	"github.com/sgrastar/authrim/internal/actor"
	"github.com/sgrastar/authrim/internal/discovery"
)

// DiscoveryHandler serves `.well-known/openid-configuration`, generalizing
// dex's discoveryHandler (server/handlers.go) to this module's metadata
// struct.
type DiscoveryHandler struct {
	Endpoints discovery.Endpoints
}

func (h *DiscoveryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	meta := discovery.Build(h.Endpoints)
	data, err := meta.MarshalIndent()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(data)
}

// JWKSHandler serves /jwks, generalizing dex's keysHandler.
type JWKSHandler struct {
	Keys *actor.KeyManager
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := discovery.JWKSDocument(r.Context(), h.Keys)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "max-age=60")
	w.Write(data)
}
