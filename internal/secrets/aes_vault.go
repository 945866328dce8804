package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rendis/genchain/pkg/schema"
)

// VaultConfig selects the AES key. MasterKey (32 raw bytes, or 64 hex
// characters via MasterKeyHex) wins over Passphrase + Salt.
type VaultConfig struct {
	MasterKey    []byte `mapstructure:"-"`
	MasterKeyHex string `mapstructure:"master_key"`
	Passphrase   string `mapstructure:"passphrase"`
	Salt         string `mapstructure:"salt"`
	Iterations   int    `mapstructure:"iterations"`
}

// Configured reports whether any key material was supplied.
func (c VaultConfig) Configured() bool {
	return len(c.MasterKey) > 0 || c.MasterKeyHex != "" || c.Passphrase != ""
}

// AESVault seals each secret with AES-256-GCM. The secret name is bound as
// additional data, so a ciphertext copied under another name fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault writing ciphertext to s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	master := cfg.MasterKey
	if len(master) == 0 && cfg.MasterKeyHex != "" {
		decoded, err := hex.DecodeString(strings.TrimSpace(cfg.MasterKeyHex))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeVault, "master key is not valid hex").WithCause(err)
		}
		master = decoded
	}
	if len(master) > 0 {
		if len(master) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(master))
		}
		return master, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if cfg.Salt == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, []byte(cfg.Salt), iterations, 32)
}

func (v *AESVault) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func (v *AESVault) open(name string, sealed []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: ciphertext too short", name)
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: decrypt failed", name).WithCause(err)
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, name string, value []byte) error {
	sealed, err := v.seal(name, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, name, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.open(name, sealed)
}

func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
