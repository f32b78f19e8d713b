// Package cryptox implements the two ciphers protecting PHI at rest:
// FieldCipher for individual database values and FileCipher for audio
// files on disk, plus the key loading shared by both.
package cryptox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/logging"
)

// KeySize is the length of every application key (AES-256).
const KeySize = 32

// Unavailable is shown in place of a field that could not be decrypted.
const Unavailable = "value unavailable"

// FieldCipher encrypts short text values with AES-256-GCM. The stored form is
// base64(nonce || ciphertext || tag), so every value is authenticated and two
// encryptions of the same plaintext differ.
//
// A FieldCipher is safe for concurrent use.
type FieldCipher struct {
	aead cipher.AEAD
}

func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("field cipher: key must be %d bytes, got %d: %w", KeySize, len(key), common.ErrInvalidKey)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns its text-safe encoding.
func (c *FieldCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("field cipher: nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *FieldCipher) EncryptString(s string) (string, error) {
	return c.Encrypt([]byte(s))
}

// EncryptNullable passes absence through: nil in, nil out.
func (c *FieldCipher) EncryptNullable(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	enc, err := c.EncryptString(*s)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

// DecryptBytes reverses Encrypt. Malformed, truncated, tampered or
// foreign-key values all fail with common.ErrDecryption.
func (c *FieldCipher) DecryptBytes(value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("field cipher: decode: %w", common.ErrDecryption)
	}

	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("field cipher: value too short: %w", common.ErrDecryption)
	}

	plaintext, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("field cipher: open: %w", common.ErrDecryption)
	}
	return plaintext, nil
}

func (c *FieldCipher) Decrypt(value string) (string, error) {
	b, err := c.DecryptBytes(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *FieldCipher) DecryptNullable(value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	dec, err := c.Decrypt(*value)
	if err != nil {
		return nil, err
	}
	return &dec, nil
}

// EncryptJSON serializes v to JSON and encrypts the result.
func (c *FieldCipher) EncryptJSON(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("field cipher: marshal: %w", err)
	}
	defer common.WipeByteArray(plaintext)
	return c.Encrypt(plaintext)
}

// DecryptJSON decrypts value and unmarshals the JSON into v.
func (c *FieldCipher) DecryptJSON(value string, v any) error {
	plaintext, err := c.DecryptBytes(value)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("field cipher: unmarshal: %w", common.ErrDecryption)
	}
	return nil
}

// Reveal decrypts value for display. On failure it logs the event and
// returns Unavailable with ok=false; it never returns the ciphertext.
func (c *FieldCipher) Reveal(ctx context.Context, log logging.Logger, field, value string) (string, bool) {
	dec, err := c.Decrypt(value)
	if err != nil {
		log.Warn(ctx, "field decryption failed", "field", field, "err", err)
		return Unavailable, false
	}
	return dec, true
}
