// Package keyring provides encrypted storage for service tokens.
package keyring

import (
	"context"
	"errors"
	"fmt"
)

// Provider stores secrets by key.
type Provider interface {
	// Set stores a secret for the given key.
	Set(ctx context.Context, key, secret string) error

	// Get retrieves the secret for the given key. Returns *ErrNotFound if
	// the key is not stored.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes the secret for the given key. Returns *ErrNotFound if
	// the key is not stored.
	Delete(ctx context.Context, key string) error

	// Available checks if the provider can store secrets.
	Available(ctx context.Context) bool
}

// ErrNotFound is returned when a key is not found in the keyring.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// IsNotFound checks if an error is ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// TokenKey returns the keyring key of the token for a proxy.
func TokenKey(proxy string) string {
	return "token:" + proxy
}
