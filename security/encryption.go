package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/giantswarm/mcp-auth/instrumentation"
)

// KeySize is the AES-256 key length.
const KeySize = 32

const hkdfInfo = "mcp-auth account token encryption"

// Encryptor seals account tokens and state payloads at rest with
// AES-256-GCM. A nil or disabled Encryptor passes values through.
type Encryptor struct {
	aead    cipher.AEAD
	metrics *instrumentation.Metrics
}

// NewEncryptor returns a disabled Encryptor for an empty key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// NewEncryptorFromSecret derives the key from the instance secret with
// HKDF-SHA256. An empty secret disables encryption.
func NewEncryptorFromSecret(secret string) (*Encryptor, error) {
	if secret == "" {
		return NewEncryptor(nil)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return NewEncryptor(key)
}

// SetInstrumentation records encrypt and decrypt durations.
func (e *Encryptor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if e == nil || inst == nil {
		return
	}
	e.metrics = inst.Metrics()
}

func (e *Encryptor) observe(operation string, start time.Time) {
	e.metrics.RecordEncryptionOperation(context.Background(), operation, float64(time.Since(start).Microseconds())/1000)
}

// IsEnabled reports whether values are actually encrypted.
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}
	defer e.observe("encrypt", time.Now())

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if !e.IsEnabled() {
		return encoded, nil
	}
	defer e.observe("decrypt", time.Now())

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
