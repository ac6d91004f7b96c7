package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
)

const (
	versionPrefix = "v1:"
	keyInfo       = "smriti/user-text/v1"
)

// Cipher encrypts text at rest with AES-256-GCM under a per-user key derived
// from one master key with HKDF-SHA256. Ciphertext is "v1:" + base64(nonce||sealed).
type Cipher struct {
	master []byte

	mu    sync.RWMutex
	aeads map[uuid.UUID]cipher.AEAD
}

// NewCipher takes a base64-encoded 32-byte master key.
func NewCipher(masterKeyB64 string) (*Cipher, error) {
	raw := strings.TrimSpace(masterKeyB64)
	if raw == "" {
		return nil, fmt.Errorf("encryption master key: %w", apperr.ErrMissingConfig)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("encryption master key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption master key must be 32 bytes, got %d", len(key))
	}
	return &Cipher{master: key, aeads: map[uuid.UUID]cipher.AEAD{}}, nil
}

func (c *Cipher) aead(userID uuid.UUID) (cipher.AEAD, error) {
	c.mu.RLock()
	a, ok := c.aeads[userID]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, userID[:], []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	a, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	c.mu.Lock()
	c.aeads[userID] = a
	c.mu.Unlock()
	return a, nil
}

func (c *Cipher) Encrypt(_ context.Context, userID uuid.UUID, plaintext string) (string, error) {
	a, err := c.aead(userID)
	if err != nil {
		return "", apperr.Encryption("encrypt", err)
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperr.Encryption("encrypt", fmt.Errorf("generate nonce: %w", err))
	}
	// user id as AAD binds the ciphertext to its owner
	sealed := a.Seal(nonce, nonce, []byte(plaintext), userID[:])
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(_ context.Context, userID uuid.UUID, ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, versionPrefix) {
		return "", apperr.Encryption("decrypt", fmt.Errorf("unknown ciphertext version"))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, versionPrefix))
	if err != nil {
		return "", apperr.Encryption("decrypt", fmt.Errorf("decode: %w", err))
	}
	a, err := c.aead(userID)
	if err != nil {
		return "", apperr.Encryption("decrypt", err)
	}
	if len(raw) < a.NonceSize() {
		return "", apperr.Encryption("decrypt", fmt.Errorf("ciphertext too short"))
	}
	nonce, data := raw[:a.NonceSize()], raw[a.NonceSize():]
	plain, err := a.Open(nil, nonce, data, userID[:])
	if err != nil {
		return "", apperr.Encryption("decrypt", fmt.Errorf("open: %w", err))
	}
	return string(plain), nil
}

// GenerateMasterKey returns a fresh base64 master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
