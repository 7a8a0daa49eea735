package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// fieldKey is the package-level AES-256 key used by EncryptedString.
// It must be initialized once at startup via InitEncryption before any
// database operation involving encrypted fields.
var fieldKey []byte

// InitEncryption sets the AES-256 key used to encrypt and decrypt sensitive
// columns at rest (webhook signing secrets, provider credentials). key must
// be exactly 32 bytes. Call once during startup, before opening the database.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	fieldKey = make([]byte, 32)
	copy(fieldKey, key)
	return nil
}

// EncryptedString is a string column transparently encrypted with AES-256-GCM
// before being written and decrypted after being read. The stored value is
// base64(nonce || gcm_output). An empty value is stored as an empty string.
//
// Secret-engine values do NOT use this type; they go through
// internal/secrets, which owns its own envelope and versioning. This type is
// for incidental sensitive columns only.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if fieldKey == nil {
		return nil, errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}

	block, err := aes.NewCipher(fieldKey)
	if err != nil {
		return nil, fmt.Errorf("db: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: creating GCM: %w", err)
	}

	// GCM must never see the same nonce twice under one key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: generating nonce: %w", err)
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(e), nil)), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if fieldKey == nil {
		return errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: decoding base64: %w", err)
	}

	block, err := aes.NewCipher(fieldKey)
	if err != nil {
		return fmt.Errorf("db: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: creating GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return errors.New("db: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: decrypting value: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
