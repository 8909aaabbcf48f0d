// Package secrets protects key material at rest with age encryption.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for encryption.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when no private key is configured for decryption.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Headers that identify age ciphertext.
var (
	binaryHeader  = []byte("age-encryption.org/v1")
	armoredHeader = []byte(armor.Header)
)

// Config holds age keys. Either may be empty.
type Config struct {
	// AgePublicKey encrypts. Format: age1...
	AgePublicKey string
	// AgePrivateKey decrypts. Format: AGE-SECRET-KEY-1...
	AgePrivateKey string
}

// KeyVault encrypts and decrypts key material such as SSH private keys.
type KeyVault struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// NewKeyVault parses the configured keys.
func NewKeyVault(cfg *Config, logger *slog.Logger) (*KeyVault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := &KeyVault{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		v.recipient = recipient
	}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.AgePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		v.identity = identity
		if v.recipient == nil {
			v.recipient = identity.Recipient()
		}
	}

	return v, nil
}

// Encrypt returns ASCII-armored age ciphertext for plaintext.
func (v *KeyVault) Encrypt(plaintext []byte) ([]byte, error) {
	if v.recipient == nil {
		return nil, ErrNoPublicKey
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, v.recipient)
	if err != nil {
		v.logger.Error("failed to create age encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return buf.Bytes(), nil
}

// Decrypt accepts binary or armored age ciphertext.
func (v *KeyVault) Decrypt(ciphertext []byte) ([]byte, error) {
	if v.identity == nil {
		return nil, ErrNoPrivateKey
	}

	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), armoredHeader) {
		src = armor.NewReader(bufio.NewReader(bytes.NewReader(bytes.TrimSpace(ciphertext))))
	}

	r, err := age.Decrypt(src, v.identity)
	if err != nil {
		v.logger.Error("failed to create age decryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ReadKeyFile returns the contents of path, decrypting it first when it is
// age ciphertext. Plain files are returned unchanged.
func (v *KeyVault) ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if !IsEncrypted(data) {
		return data, nil
	}

	v.logger.Debug("decrypting key file", "path", path)
	plain, err := v.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return plain, nil
}

// CanEncrypt returns true if the vault is configured for encryption.
func (v *KeyVault) CanEncrypt() bool {
	return v.recipient != nil
}

// CanDecrypt returns true if the vault is configured for decryption.
func (v *KeyVault) CanDecrypt() bool {
	return v.identity != nil
}

// IsEncrypted reports whether data looks like age ciphertext.
func IsEncrypted(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.HasPrefix(trimmed, binaryHeader) || bytes.HasPrefix(trimmed, armoredHeader)
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
