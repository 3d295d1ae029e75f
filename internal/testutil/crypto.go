package testutil

import (
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// NewTestVault returns a single-key vault with a deterministic key.
func NewTestVault(t *testing.T) *crypto.Vault {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	vault, err := crypto.NewVault(map[int][]byte{1: key}, 1)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	return vault
}

// MustEncrypt encrypts plaintext or fails the test.
func MustEncrypt(t *testing.T, cipher crypto.SecretCipher, plaintext string) string {
	t.Helper()

	secret, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	return secret
}
