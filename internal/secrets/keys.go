package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/rendis/genchain/pkg/schema"
)

// KeyResolver looks up a named credential in the vault first and the
// process environment second.
type KeyResolver struct {
	vault  Vault
	getenv func(string) string
	logger *slog.Logger
}

// NewKeyResolver creates a resolver. vault may be nil for env-only lookup.
func NewKeyResolver(vault Vault, logger *slog.Logger) *KeyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyResolver{vault: vault, getenv: os.Getenv, logger: logger}
}

// WithGetenv replaces the environment lookup. Used by tests.
func (r *KeyResolver) WithGetenv(fn func(string) string) *KeyResolver {
	r.getenv = fn
	return r
}

// Lookup returns the credential stored under name, or found=false when
// neither source has it. Vault failures other than not-found are errors.
func (r *KeyResolver) Lookup(ctx context.Context, name string) (value string, found bool, err error) {
	if name == "" {
		return "", false, nil
	}
	if r.vault != nil {
		raw, err := r.vault.Resolve(ctx, name)
		switch {
		case err == nil:
			return strings.TrimSpace(string(raw)), true, nil
		case !schema.HasCode(err, schema.ErrCodeNotFound):
			return "", false, err
		}
	}
	if v := strings.TrimSpace(r.getenv(name)); v != "" {
		return v, true, nil
	}
	r.logger.DebugContext(ctx, "credential not configured", "name", name)
	return "", false, nil
}
