package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/platform-io/platform/internal/platerr"
)

// Ciphertext layout: nonce (12 bytes, fresh per encrypt) || GCM output.
const nonceSize = 12

// cryptor seals and opens secret values under the 32-byte master key.
type cryptor struct {
	gcm cipher.AEAD
}

func newCryptor(masterKey []byte) (*cryptor, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("secrets: master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return &cryptor{gcm: gcm}, nil
}

func (c *cryptor) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt rejects envelopes shorter than the nonce and any authentication
// failure. Detail stays out of the returned error; the kind is enough for
// the API surface and the cause is logged by callers.
func (c *cryptor) decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < nonceSize {
		return nil, platerr.New(platerr.KindCrypto, "ciphertext too short")
	}
	plaintext, err := c.gcm.Open(nil, envelope[:nonceSize], envelope[nonceSize:], nil)
	if err != nil {
		return nil, platerr.Wrap(platerr.KindCrypto, "ciphertext authentication failed", err)
	}
	return plaintext, nil
}
