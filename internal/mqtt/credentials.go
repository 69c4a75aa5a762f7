package mqtt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// EncryptionKeyEnv names the environment variable holding the key used to
// decrypt broker passwords.
const EncryptionKeyEnv = "ARCSTREAM_ENCRYPTION_KEY"

var (
	// ErrNoEncryptionKey is returned when a password needs encrypting or
	// decrypting but no key is configured.
	ErrNoEncryptionKey = errors.New("encryption key not configured: set " + EncryptionKeyEnv)
	errShortCiphertext = errors.New("ciphertext too short")
)

// PasswordEncryptor seals and opens broker passwords stored in configuration.
type PasswordEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NewPasswordEncryptor returns an AES-256-GCM encryptor for a 32-byte key, or an
// encryptor that always fails with ErrNoEncryptionKey when key is empty.
func NewPasswordEncryptor(key []byte) (PasswordEncryptor, error) {
	if len(key) == 0 {
		return noKey{}, nil
	}
	return newSealer(key)
}

// sealer stores passwords as base64(nonce || AES-GCM ciphertext).
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &sealer{gcm: gcm}, nil
}

func (s *sealer) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	n := s.gcm.NonceSize()
	if len(raw) < n {
		return "", errShortCiphertext
	}
	plain, err := s.gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt password: %w", err)
	}
	return string(plain), nil
}

type noKey struct{}

func (noKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return "", ErrNoEncryptionKey
}

func (noKey) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return "", ErrNoEncryptionKey
}

// ParseEncryptionKey accepts a 32-byte key as 64 hex characters or as base64.
func ParseEncryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("encryption key must be 64 hex characters or base64")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// GenerateEncryptionKey returns a random key encoded for EncryptionKeyEnv.
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// EncryptorFromEnv builds a PasswordEncryptor from EncryptionKeyEnv.
func EncryptorFromEnv() (PasswordEncryptor, error) {
	key, err := ParseEncryptionKey(os.Getenv(EncryptionKeyEnv))
	if err != nil {
		return nil, err
	}
	return NewPasswordEncryptor(key)
}
