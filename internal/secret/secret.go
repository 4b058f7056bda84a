// Package secret implements C1, deriving and retrieving the local
// database encryption key from the OS keychain.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/edgebridge/relay/internal/model"
)

const keyLength = 32 // 256-bit AEAD key

// Store derives/retrieves the local AEAD key, per §4.1.
type Store interface {
	EnsureKey() ([]byte, error)
}

type keychainStore struct {
	service string
	account string
}

// New returns a Store backed by the OS keychain under the given
// service/account (security.keychain_service / security.keychain_account).
func New(service, account string) Store {
	return &keychainStore{service: service, account: account}
}

// EnsureKey returns a 256-bit AEAD key: on first call it generates one
// and stores it; on subsequent calls it reads the stored value. Fails
// with model.ErrSecret ("KeychainUnavailable") when the keychain cannot
// be opened.
func (s *keychainStore) EnsureKey() ([]byte, error) {
	encoded, err := keyring.Get(s.service, s.account)
	switch {
	case err == nil:
		key, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil || len(key) != keyLength {
			return nil, fmt.Errorf("%w: stored key is corrupt", model.ErrSecret)
		}
		return key, nil

	case err == keyring.ErrNotFound:
		key := make([]byte, keyLength)
		if _, randErr := rand.Read(key); randErr != nil {
			return nil, fmt.Errorf("%w: generate key: %v", model.ErrSecret, randErr)
		}
		encoded := base64.StdEncoding.EncodeToString(key)
		if setErr := keyring.Set(s.service, s.account, encoded); setErr != nil {
			return nil, fmt.Errorf("%w: store key: %v", model.ErrSecret, setErr)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("%w: keychain unavailable: %v", model.ErrSecret, err)
	}
}
