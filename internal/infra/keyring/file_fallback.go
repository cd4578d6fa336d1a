package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	saltFile = ".salt"
	saltSize = 16

	// DefaultMasterPassword is used when no master password is configured.
	// Files are then only protected by their permissions.
	DefaultMasterPassword = "qtbench-default-key"
)

// FileFallback stores secrets as AES-GCM encrypted files, one per key.
type FileFallback struct {
	dataDir string
	secret  []byte // Derived encryption key
}

// NewFileFallback creates a file keyring in dataDir. The encryption key is
// derived from masterPassword and a per-directory random salt.
func NewFileFallback(dataDir, masterPassword string) (*FileFallback, error) {
	if dataDir == "" {
		return nil, errors.New("data directory is required")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if masterPassword == "" {
		masterPassword = DefaultMasterPassword
	}

	salt, err := loadOrCreateSalt(filepath.Join(dataDir, saltFile))
	if err != nil {
		return nil, err
	}

	return &FileFallback{
		dataDir: dataDir,
		secret:  deriveKey(masterPassword, salt),
	}, nil
}

// deriveKey derives a 32-byte AES key with Argon2id.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("corrupt salt file %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// Set stores an encrypted secret for the given key.
func (f *FileFallback) Set(ctx context.Context, key, secret string) error {
	encrypted, err := f.encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	if err := os.WriteFile(f.secretPath(key), encrypted, 0o600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	return nil
}

// Get retrieves and decrypts the secret for the given key.
func (f *FileFallback) Get(ctx context.Context, key string) (string, error) {
	encrypted, err := os.ReadFile(f.secretPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &ErrNotFound{Key: key}
		}
		return "", fmt.Errorf("read secret file: %w", err)
	}

	secret, err := f.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return secret, nil
}

// Delete removes the secret file for the given key.
func (f *FileFallback) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.secretPath(key)); err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Key: key}
		}
		return fmt.Errorf("delete secret file: %w", err)
	}
	return nil
}

// Available checks that the data directory is writable.
func (f *FileFallback) Available(ctx context.Context) bool {
	testFile := filepath.Join(f.dataDir, ".available-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return false
	}
	os.Remove(testFile)
	return true
}

// secretPath returns the file of a key. Keys are hex encoded to be safe file
// names.
func (f *FileFallback) secretPath(key string) string {
	return filepath.Join(f.dataDir, hex.EncodeToString([]byte(key))+".enc")
}

// encrypt encrypts plaintext using AES-GCM. The nonce is prepended.
func (f *FileFallback) encrypt(plaintext string) ([]byte, error) {
	gcm, err := f.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// decrypt decrypts ciphertext produced by encrypt.
func (f *FileFallback) decrypt(ciphertext []byte) (string, error) {
	gcm, err := f.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (f *FileFallback) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(f.secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
