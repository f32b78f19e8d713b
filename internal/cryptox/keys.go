package cryptox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/logging"
	"golang.org/x/crypto/hkdf"
)

// minPassphraseLen is the shortest non-base64 key string accepted for derivation.
const minPassphraseLen = 16

// KeySource describes where one application key comes from.
type KeySource struct {
	// Name identifies the key in logs and names the generated key file.
	Name string
	// Value is the configured key: base64 of 32 bytes, or a passphrase that
	// is stretched with HKDF-SHA256.
	Value string
	// Generate allows creating a key when none is configured or persisted.
	Generate bool
	// Dir holds generated key files.
	Dir string
}

// GenerateKey returns a new random key in the base64 form accepted by ParseKey.
func GenerateKey() (string, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", err
	}
	defer common.WipeByteArray(k)
	return base64.StdEncoding.EncodeToString(k), nil
}

// ParseKey turns a configured key string into key material. Base64 (standard
// or URL alphabet) or hex of exactly 32 bytes is used as is; any other string of at
// least 16 characters is derived with HKDF-SHA256 using name as info, so the
// field and file keys differ even if an operator reuses a passphrase.
func ParseKey(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("key %s: %w", name, common.ErrMissingKey)
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if raw, err := enc.DecodeString(value); err == nil && len(raw) == KeySize {
			return raw, nil
		}
	}
	if raw, err := hex.DecodeString(value); err == nil && len(raw) == KeySize {
		return raw, nil
	}

	if len(value) < minPassphraseLen {
		return nil, fmt.Errorf("key %s: passphrase shorter than %d characters: %w", name, minPassphraseLen, common.ErrInvalidKey)
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(value), nil, []byte("cognisync/"+name))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key %s: derive: %w", name, err)
	}
	return key, nil
}

// LoadKey resolves a key in order: configured value, previously generated key
// file, newly generated key. Generation only happens when src.Generate is set;
// the new key is persisted with 0600 permissions and a warning names the file,
// since losing it makes every value encrypted under it unrecoverable.
func LoadKey(ctx context.Context, log logging.Logger, src KeySource) ([]byte, error) {
	if strings.TrimSpace(src.Value) != "" {
		return ParseKey(src.Name, src.Value)
	}

	path := keyFilePath(src)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			log.Info(ctx, "loaded generated key from file", "key", src.Name, "file", path)
			return ParseKey(src.Name, string(data))
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("key %s: read %s: %w: %v", src.Name, path, common.ErrFileIO, err)
		}
	}

	if !src.Generate {
		return nil, fmt.Errorf("key %s: %w", src.Name, common.ErrMissingKey)
	}
	if path == "" {
		return nil, fmt.Errorf("key %s: generation requires a key directory: %w", src.Name, common.ErrMissingKey)
	}

	encoded, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("key %s: generate: %w", src.Name, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("key %s: %w: %v", src.Name, common.ErrFileIO, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("key %s: create %s: %w: %v", src.Name, path, common.ErrFileIO, err)
	}
	if _, err := f.WriteString(encoded + "\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("key %s: write: %w: %v", src.Name, common.ErrFileIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("key %s: sync: %w: %v", src.Name, common.ErrFileIO, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("key %s: close: %w: %v", src.Name, common.ErrFileIO, err)
	}

	log.Warn(ctx, "GENERATED NEW ENCRYPTION KEY: back up this file, data encrypted with it is unrecoverable without it",
		"key", src.Name, "file", path)

	return ParseKey(src.Name, encoded)
}

func keyFilePath(src KeySource) string {
	if src.Dir == "" {
		return ""
	}
	return filepath.Join(src.Dir, strings.ToLower(src.Name)+".key")
}
