package actor

import (
	"context"
	"fmt"
)

// NewKeyManagerHealthCheckFunc returns a go-sundheit CustomCheck func that
// verifies the KeyManager actor can still produce an active signing key,
// grounded on dex's storage.NewCustomHealthCheckFunc (round-trip a cheap
// operation against the dependency under test rather than just pinging it).
func NewKeyManagerHealthCheckFunc(keys *KeyManager) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		active, err := keys.GetActiveKeyWithPrivate(ctx)
		if err != nil {
			return nil, fmt.Errorf("get active signing key: %w", err)
		}
		if active.KeyID == "" {
			return nil, fmt.Errorf("key manager returned an empty key id")
		}
		return nil, nil
	}
}
