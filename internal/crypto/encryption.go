package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/vdavid/mailsync/internal/mailerr"
	"golang.org/x/crypto/hkdf"
)

// SecretCipher encrypts and decrypts the secrets stored on integrations.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(secret string) (string, error)
}

const keySize = 32

// Vault encrypts secrets with AES-256-GCM under a versioned keyring.
// New secrets are written as "v<version>:<hex nonce>:<hex ciphertext>" under the
// primary version. Any version in the keyring can decrypt, so keys can be rotated
// without a flag day. Two-part "<hex nonce>:<hex ciphertext>" secrets written
// before versioning are decrypted with the legacy key, if one is configured.
type Vault struct {
	keys    map[int][]byte
	primary int
	legacy  []byte
}

// NewVault creates a Vault that encrypts under the primary version.
func NewVault(keys map[int][]byte, primary int) (*Vault, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one encryption key is required")
	}
	if _, ok := keys[primary]; !ok {
		return nil, fmt.Errorf("primary key version %d is not in the keyring", primary)
	}
	copied := make(map[int][]byte, len(keys))
	for version, key := range keys {
		if version <= 0 {
			return nil, fmt.Errorf("key version must be positive, got %d", version)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("encryption key v%d must be 32 bytes (256 bits), got %d bytes", version, len(key))
		}
		copied[version] = append([]byte(nil), key...)
	}
	return &Vault{keys: copied, primary: primary}, nil
}

// WithLegacyKey returns a copy of the vault that can also read unversioned secrets.
func (v *Vault) WithLegacyKey(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("legacy key must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	clone := *v
	clone.legacy = append([]byte(nil), key...)
	return &clone, nil
}

// PrimaryVersion returns the key version used for new secrets.
func (v *Vault) PrimaryVersion() int {
	return v.primary
}

// Versions returns the key versions in the keyring, ascending.
func (v *Vault) Versions() []int {
	versions := make([]int, 0, len(v.keys))
	for version := range v.keys {
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions
}

// Encrypt seals plaintext under the primary key with a fresh random nonce, so the
// same plaintext never produces the same secret twice.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(v.keys[v.primary])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("v%d:%s:%s", v.primary, hex.EncodeToString(nonce), hex.EncodeToString(ciphertext)), nil
}

// Decrypt opens a secret written by Encrypt or a legacy two-part secret.
// Every failure is reported as a *mailerr.CredentialError.
func (v *Vault) Decrypt(secret string) (string, error) {
	key, nonceHex, ctHex, err := v.split(secret)
	if err != nil {
		return "", err
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", &mailerr.CredentialError{Reason: "invalid nonce encoding", Err: err}
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", &mailerr.CredentialError{Reason: "invalid ciphertext encoding", Err: err}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", &mailerr.CredentialError{Reason: "cipher setup failed", Err: err}
	}
	if len(nonce) != gcm.NonceSize() {
		return "", &mailerr.CredentialError{Reason: fmt.Sprintf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))}
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &mailerr.CredentialError{Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether secret is not encrypted under the primary version.
func (v *Vault) NeedsRotation(secret string) bool {
	version, ok := secretVersion(secret)
	return !ok || version != v.primary
}

// Rotate re-encrypts secret under the primary key. The second return value is
// false when the secret was already current and is returned unchanged.
func (v *Vault) Rotate(secret string) (string, bool, error) {
	if !v.NeedsRotation(secret) {
		return secret, false, nil
	}
	plaintext, err := v.Decrypt(secret)
	if err != nil {
		return "", false, err
	}
	rotated, err := v.Encrypt(plaintext)
	if err != nil {
		return "", false, err
	}
	return rotated, true, nil
}

func (v *Vault) split(secret string) (key []byte, nonceHex, ctHex string, err error) {
	if secret == "" {
		return nil, "", "", &mailerr.CredentialError{Reason: "empty secret"}
	}
	parts := strings.Split(secret, ":")
	switch len(parts) {
	case 3:
		version, ok := parseVersion(parts[0])
		if !ok {
			return nil, "", "", &mailerr.CredentialError{Reason: "invalid key version prefix"}
		}
		k, found := v.keys[version]
		if !found {
			return nil, "", "", &mailerr.CredentialError{Reason: fmt.Sprintf("unknown key version %d", version)}
		}
		return k, parts[1], parts[2], nil
	case 2:
		if v.legacy == nil {
			return nil, "", "", &mailerr.CredentialError{Reason: "unversioned secret and no legacy key configured"}
		}
		return v.legacy, parts[0], parts[1], nil
	case 1:
		return nil, "", "", &mailerr.CredentialError{Reason: "missing separator"}
	default:
		return nil, "", "", &mailerr.CredentialError{Reason: "too many separators"}
	}
}

func secretVersion(secret string) (int, bool) {
	prefix, _, found := strings.Cut(secret, ":")
	if !found {
		return 0, false
	}
	return parseVersion(prefix)
}

func parseVersion(prefix string) (int, bool) {
	if !strings.HasPrefix(prefix, "v") {
		return 0, false
	}
	version, err := strconv.Atoi(prefix[1:])
	if err != nil || version <= 0 {
		return 0, false
	}
	return version, true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// DecodeKey decodes a base64 encoded 256-bit key.
func DecodeKey(base64Key string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

// ParseKeyring parses "1:<base64>,2:<base64>". A single value without a version
// prefix is taken as version 1.
func ParseKeyring(raw string) (map[int][]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("keyring is empty")
	}

	keys := make(map[int][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		versionStr, encoded, found := strings.Cut(entry, ":")
		if !found {
			if len(keys) > 0 || strings.Contains(raw, ",") {
				return nil, fmt.Errorf("keyring entry %q has no version", entry)
			}
			key, err := DecodeKey(entry)
			if err != nil {
				return nil, err
			}
			keys[1] = key
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(versionStr), "v"))
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid key version %q", versionStr)
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("duplicate key version %d", version)
		}
		key, err := DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		keys[version] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}
	return keys, nil
}

// DeriveLegacyKey stretches a general purpose secret into a 256-bit key with HKDF-SHA256.
func DeriveLegacyKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("legacy secret is empty")
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("mailsync credential vault"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive legacy key: %w", err)
	}
	return key, nil
}
