package store

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/edgebridge/relay/internal/model"
)

// Codec AEAD-encrypts/decrypts the blob column of every table in this
// store, keyed from C1. Grounded on ghjramos-aistore's go.mod, which
// carries golang.org/x/crypto for exactly this kind of payload sealing.
type Codec struct {
	aead chacha20poly1305.AEAD
}

func NewCodec(key []byte) (*Codec, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init AEAD: %v", model.ErrSecret, err)
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext, prefixing the ciphertext with a fresh nonce.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", model.ErrStorageCorrupt, err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob previously produced by Seal.
func (c *Codec) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: sealed blob too short", model.ErrStorageCorrupt)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", model.ErrStorageCorrupt, err)
	}
	return plaintext, nil
}
