// Package credential finds the service token of a launch.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/whhaicheng/QTBench/internal/infra/keyring"
)

// ErrTokenNotFound is returned when no source provides a token.
var ErrTokenNotFound = errors.New("token is not specified")

// Source names where a token came from.
type Source string

const (
	SourceExplicit Source = "explicit" // --token flag or YT_TOKEN
	SourceFile     Source = "file"     // ~/.yt/token
	SourceKeyring  Source = "keyring"  // Encrypted token store
)

// TokenFile returns the token file under home.
func TokenFile(home string) string {
	return filepath.Join(home, ".yt", "token")
}

// Resolver walks the token sources in order: the explicit token, the token
// file in the home directory, then the keyring entry of the proxy.
type Resolver struct {
	home  string
	store keyring.Provider // Optional
}

// NewResolver creates a resolver. store may be nil.
func NewResolver(home string, store keyring.Provider) *Resolver {
	return &Resolver{home: home, store: store}
}

// Resolve returns the token and where it came from.
func (r *Resolver) Resolve(ctx context.Context, explicit, proxy string) (string, Source, error) {
	if token := strings.TrimSpace(explicit); token != "" {
		return token, SourceExplicit, nil
	}

	if r.home != "" {
		path := TokenFile(r.home)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if token := strings.TrimSpace(string(data)); token != "" {
				return token, SourceFile, nil
			}
			slog.WarnContext(ctx, "Credential: token file is empty", "path", path)
		case !errors.Is(err, os.ErrNotExist):
			return "", "", fmt.Errorf("read token file: %w", err)
		}
	}

	if r.store != nil && proxy != "" {
		token, err := r.store.Get(ctx, keyring.TokenKey(proxy))
		switch {
		case err == nil && token != "":
			return token, SourceKeyring, nil
		case err != nil && !keyring.IsNotFound(err):
			return "", "", fmt.Errorf("read keyring: %w", err)
		}
	}

	return "", "", fmt.Errorf("%w: use --token, YT_TOKEN, %s or 'qtbench token set'",
		ErrTokenNotFound, TokenFile("~"))
}
