// Package vault owns the master key. It is the only place bucket secrets are
// encrypted or decrypted, and it issues the short-lived capability tokens that
// gate the upload broker.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/arencloud/hermes-upload/internal/models"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	ciphertextVersion = "v1."

	// DefaultCapabilityTTL is the lifetime of a capability token.
	DefaultCapabilityTTL = 5 * time.Minute
)

var (
	// ErrDecryption means a stored secret is malformed or was sealed under a
	// different master key. It is a configuration error and must not be retried.
	ErrDecryption = errors.New("vault: failed to decrypt secret")

	// ErrInvalidCapability covers expired, tampered and mis-scoped capability tokens.
	ErrInvalidCapability = errors.New("vault: invalid capability")
)

// Vault is process-wide immutable state built once at startup.
type Vault struct {
	secretAEAD    cipher.AEAD
	capabilityKey []byte
	capabilityTTL time.Duration
	now           func() time.Time
}

type Option func(*Vault)

// WithCapabilityTTL overrides the capability lifetime.
func WithCapabilityTTL(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.capabilityTTL = d
		}
	}
}

// WithClock is used by tests to move time.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// New derives the secret and capability sub-keys from a 256-bit master key.
func New(masterKey []byte, opts ...Option) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes (AES-256), got %d", KeySize, len(masterKey))
	}
	secretKey, err := deriveKey(masterKey, "hermes secret v1")
	if err != nil {
		return nil, err
	}
	capKey, err := deriveKey(masterKey, "hermes capability v1")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(secretKey)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	v := &Vault{
		secretAEAD:    aead,
		capabilityKey: capKey,
		capabilityTTL: DefaultCapabilityTTL,
		now:           time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("vault: derive %q: %w", info, err)
	}
	return out, nil
}

// EncryptSecret seals plaintext with AES-256-GCM. The result is
// "v1." + base64url(nonce || ciphertext).
func (v *Vault) EncryptSecret(plaintext string) (string, error) {
	nonce := make([]byte, v.secretAEAD.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.secretAEAD.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextVersion + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret. Every failure is ErrDecryption.
func (v *Vault) DecryptSecret(ciphertext string) (string, error) {
	body, ok := strings.CutPrefix(ciphertext, ciphertextVersion)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrDecryption)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrDecryption)
	}
	ns := v.secretAEAD.NonceSize()
	if len(raw) < ns+v.secretAEAD.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plain, err := v.secretAEAD.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plain), nil
}

// DecryptCredentials opens both secrets of a bucket row. The result must
// live only for the duration of one storage operation.
func (v *Vault) DecryptCredentials(b models.BucketConfig) (Credentials, error) {
	ak, err := v.DecryptSecret(b.AccessKeyEncrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("bucket %d access key: %w", b.ID, err)
	}
	sk, err := v.DecryptSecret(b.SecretKeyEncrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("bucket %d secret key: %w", b.ID, err)
	}
	if ak == "" || sk == "" {
		return Credentials{}, fmt.Errorf("bucket %d: %w: empty key", b.ID, ErrDecryption)
	}
	return Credentials{AccessKeyID: ak, SecretAccessKey: sk}, nil
}
