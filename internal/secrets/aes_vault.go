package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"fmt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/conveyorci/conveyor/pkg/schema"
)

const (
	keyLen            = 32
	defaultIterations = 100_000
)

// VaultConfig selects the vault key. MasterKey wins when set; otherwise the
// key is derived from Passphrase and Salt with PBKDF2-SHA256.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

func (cfg VaultConfig) key() ([]byte, error) {
	switch {
	case len(cfg.MasterKey) == keyLen:
		return cfg.MasterKey, nil
	case len(cfg.MasterKey) > 0:
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"master key must be %d bytes, got %d", keyLen, len(cfg.MasterKey))
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iters := cfg.Iterations
	if iters <= 0 {
		iters = defaultIterations
	}
	return pbkdf2.Key([]byte(cfg.Passphrase), cfg.Salt, iters, keyLen, sha256.New), nil
}

// AESVault stores secret values AES-256-GCM encrypted, one random nonce per
// write, nonce prefixed to the ciphertext.
type AESVault struct {
	backend SecretStore
	aead    cipher.AEAD
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
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
	return &AESVault{backend: s, aead: aead}, nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, value, nil)
	return v.backend.StoreSecret(ctx, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.backend.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plain, nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.backend.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.backend.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
