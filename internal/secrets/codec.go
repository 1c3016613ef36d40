// Package secrets encrypts provider credentials before they reach the store.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

const tokenPrefix = "v1:"

// Codec seals and opens secret tokens with XChaCha20-Poly1305.
type Codec struct {
	key    []byte
	keyErr error
}

// NewCodec builds a codec from a base64-encoded 32 byte key. A missing or malformed
// key does not fail here; Encrypt and Decrypt report it on first use.
func NewCodec(encodedKey string) *Codec {
	if encodedKey == "" {
		return &Codec{keyErr: fmt.Errorf("%w: SECRETS_KEY is not set", models.ErrConfiguration)}
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return &Codec{keyErr: fmt.Errorf("%w: SECRETS_KEY is not valid base64", models.ErrConfiguration)}
	}
	if len(key) != chacha20poly1305.KeySize {
		return &Codec{keyErr: fmt.Errorf("%w: SECRETS_KEY must decode to %d bytes", models.ErrConfiguration, chacha20poly1305.KeySize)}
	}
	return &Codec{key: key}
}

// Encrypt seals plaintext and returns a printable token.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if c.keyErr != nil {
		return "", c.keyErr
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *Codec) Decrypt(token string) (string, error) {
	if c.keyErr != nil {
		return "", c.keyErr
	}
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", fmt.Errorf("decrypt secret: unknown token format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("decrypt secret: token too short")
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}
