package cryptox

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/filex"
)

// EncryptedSuffix is appended to the default output of EncryptFile.
const EncryptedSuffix = ".encrypted"

const chunkSize = 64 * 1024 // multiple of aes.BlockSize

// Shredder overwrites file content before it is released.
type Shredder interface {
	SecureDelete(ctx context.Context, path string) (bool, error)
	Shred(ctx context.Context, f *os.File) error
}

// FileCipher encrypts whole files with AES-256-CBC. The on-disk layout is a
// random 16-byte IV followed by the PKCS7-padded ciphertext. Content is
// streamed; files are never loaded into memory whole.
type FileCipher struct {
	key      []byte
	shredder Shredder
}

func NewFileCipher(key []byte, shredder Shredder) (*FileCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("file cipher: key must be %d bytes, got %d: %w", KeySize, len(key), common.ErrInvalidKey)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &FileCipher{key: k, shredder: shredder}, nil
}

// EncryptFile writes the encrypted form of src to dst (src+".encrypted"
// when dst is empty) and returns the output path. The output appears
// atomically; src is left untouched.
func (c *FileCipher) EncryptFile(ctx context.Context, src, dst string) (string, error) {
	if dst == "" {
		dst = src + EncryptedSuffix
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w: %v", src, common.ErrFileIO, err)
	}
	defer in.Close()

	tmp, err := filex.CreateTempSibling(dst)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w: %v", src, common.ErrFileIO, err)
	}

	if err := c.encryptTo(ctx, tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("encrypt %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("encrypt %s: %w: %v", src, common.ErrFileIO, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("encrypt %s: %w: %v", src, common.ErrFileIO, err)
	}
	_ = filex.SyncDir(filepath.Dir(dst))

	return dst, nil
}

// DecryptFile writes the plaintext of src to dst and returns the output
// path. With an empty dst the ".encrypted" suffix is stripped, or
// ".decrypted" appended when there is none. A partially written plaintext is
// securely erased when decryption fails.
func (c *FileCipher) DecryptFile(ctx context.Context, src, dst string) (string, error) {
	if dst == "" {
		if strings.HasSuffix(src, EncryptedSuffix) {
			dst = strings.TrimSuffix(src, EncryptedSuffix)
		} else {
			dst = src + ".decrypted"
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w: %v", src, common.ErrFileIO, err)
	}
	defer in.Close()

	tmp, err := filex.CreateTempSibling(dst)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w: %v", src, common.ErrFileIO, err)
	}

	discard := func() {
		_ = tmp.Close()
		if c.shredder != nil {
			_, _ = c.shredder.SecureDelete(context.WithoutCancel(ctx), tmp.Name())
			return
		}
		_ = os.Remove(tmp.Name())
	}

	if err := c.decryptTo(ctx, tmp, in); err != nil {
		discard()
		return "", fmt.Errorf("decrypt %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return "", fmt.Errorf("decrypt %s: %w: %v", src, common.ErrFileIO, err)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return "", fmt.Errorf("decrypt %s: %w: %v", src, common.ErrFileIO, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		discard()
		return "", fmt.Errorf("decrypt %s: %w: %v", src, common.ErrFileIO, err)
	}

	return dst, nil
}

// EncryptAndReplace replaces the plaintext at path with its ciphertext.
// Either path ends up holding the complete ciphertext or it is left
// untouched. After the swap the old plaintext is overwritten through a
// handle that still references it.
func (c *FileCipher) EncryptAndReplace(ctx context.Context, path string) error {
	orig, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("encrypt in place %s: %w: %v", path, common.ErrFileIO, err)
	}
	defer orig.Close()

	tmp, err := filex.CreateTempSibling(path)
	if err != nil {
		return fmt.Errorf("encrypt in place %s: %w: %v", path, common.ErrFileIO, err)
	}

	if err := c.encryptTo(ctx, tmp, orig); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encrypt in place %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encrypt in place %s: %w: %v", path, common.ErrFileIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encrypt in place %s: %w: %v", path, common.ErrFileIO, err)
	}
	_ = filex.SyncDir(filepath.Dir(path))

	if c.shredder == nil {
		return nil
	}
	if err := c.shredder.Shred(context.WithoutCancel(ctx), orig); err != nil {
		return fmt.Errorf("encrypt in place %s: plaintext remnant: %w", path, err)
	}
	return nil
}

// encryptTo streams IV || CBC(PKCS7(src)) into dst and fsyncs it.
func (c *FileCipher) encryptTo(ctx context.Context, dst *os.File, src io.Reader) error {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("iv: %w", err)
	}
	if _, err := dst.Write(iv); err != nil {
		return fmt.Errorf("%w: %v", common.ErrFileIO, err)
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	buf := make([]byte, chunkSize)
	defer common.WipeByteArray(buf)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(src, buf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			last := pkcs7Pad(buf[:n])
			mode.CryptBlocks(last, last)
			if _, err := dst.Write(last); err != nil {
				return fmt.Errorf("%w: %v", common.ErrFileIO, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrFileIO, err)
		}

		mode.CryptBlocks(buf, buf)
		if _, err := dst.Write(buf); err != nil {
			return fmt.Errorf("%w: %v", common.ErrFileIO, err)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrFileIO, err)
	}
	return nil
}

// decryptTo streams the plaintext of src into dst. The last decrypted chunk
// is held back until EOF so its padding can be checked and stripped.
func (c *FileCipher) decryptTo(ctx context.Context, dst io.Writer, src io.Reader) error {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("missing iv: %w", common.ErrDecryption)
		}
		return fmt.Errorf("%w: %v", common.ErrFileIO, err)
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	buf := make([]byte, chunkSize)
	var pending []byte
	defer func() {
		common.WipeByteArray(buf)
		common.WipeByteArray(pending)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return fmt.Errorf("ciphertext length not a multiple of block size: %w", common.ErrDecryption)
			}
			if len(pending) > 0 {
				if _, werr := dst.Write(pending); werr != nil {
					return fmt.Errorf("%w: %v", common.ErrFileIO, werr)
				}
			}
			mode.CryptBlocks(buf[:n], buf[:n])
			pending = append(pending[:0], buf[:n]...)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrFileIO, err)
		}
	}

	if len(pending) == 0 {
		return fmt.Errorf("empty ciphertext: %w", common.ErrDecryption)
	}

	plain, err := pkcs7Unpad(pending)
	if err != nil {
		return err
	}
	if _, err := dst.Write(plain); err != nil {
		return fmt.Errorf("%w: %v", common.ErrFileIO, err)
	}
	return nil
}

func pkcs7Pad(b []byte) []byte {
	p := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b), len(b)+p)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(p)}, p)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("bad padded length: %w", common.ErrDecryption)
	}
	p := int(b[len(b)-1])
	if p == 0 || p > aes.BlockSize {
		return nil, fmt.Errorf("bad padding: %w", common.ErrDecryption)
	}
	for _, v := range b[len(b)-p:] {
		if int(v) != p {
			return nil, fmt.Errorf("bad padding: %w", common.ErrDecryption)
		}
	}
	return b[:len(b)-p], nil
}
