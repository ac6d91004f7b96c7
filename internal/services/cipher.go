package services

import (
	"context"

	"github.com/google/uuid"
)

// Cipher protects user text at rest. Failures are EncryptionErrors.
type Cipher interface {
	Encrypt(ctx context.Context, userID uuid.UUID, plaintext string) (string, error)
	Decrypt(ctx context.Context, userID uuid.UUID, ciphertext string) (string, error)
}
