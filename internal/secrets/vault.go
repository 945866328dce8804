// Package secrets keeps provider API keys and webhook signing secrets
// encrypted at rest and resolves them by name.
package secrets

import "context"

// Vault stores and resolves named secrets.
type Vault interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence the vault writes ciphertext to.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
