package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sgrastar/authrim/internal/actor"
	icrypto "github.com/sgrastar/authrim/internal/crypto"
)

// JARMTTL matches spec §4.3.11: "exp = now+600".
const JARMTTL = 600 * time.Second

// SignJARMResponse wraps the authorization response parameters in a signed
// JWT per spec §4.3.11 (response_mode=*.jwt / jwt), sharing the same signer
// newIDToken uses.
func SignJARMResponse(ctx context.Context, keys *actor.KeyManager, issuerURL, clientID string, params map[string]string) (string, error) {
	active, err := keys.GetActiveKeyWithPrivate(ctx)
	if err != nil {
		return "", fmt.Errorf("token: loading signing key: %w", err)
	}
	alg, err := icrypto.SignatureAlgorithm(active.PrivateKey)
	if err != nil {
		return "", err
	}

	now := time.Now()
	body := make(map[string]any, len(params)+3)
	for k, v := range params {
		body[k] = v
	}
	body["iss"] = issuerURL
	body["aud"] = clientID
	body["exp"] = now.Add(JARMTTL).Unix()

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("token: marshaling jarm payload: %w", err)
	}
	return icrypto.SignPayload(active.PrivateKey, alg, payload)
}
