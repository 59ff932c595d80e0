// Package keyring stores the gateway API key in the OS credential store.
package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "inferd"
	apiKeyItem  = "gateway-api-key"
)

// ErrNotFound is returned when no API key is stored.
var ErrNotFound = errors.New("no API key stored in keyring")

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error

	// openKeyring is replaced in tests with an in-memory keyring.
	openKeyring = func() (keyring.Keyring, error) {
		return keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.KWalletBackend,
				keyring.PassBackend, // Pass (password-store.org)
			},
		})
	}
)

func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = openKeyring()
	})
	return ring, ringErr
}

// SetAPIKey stores the key callers must present to the gateway
func SetAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key must not be empty")
	}
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	return kr.Set(keyring.Item{
		Key:         apiKeyItem,
		Data:        []byte(key),
		Label:       "inferd gateway API key",
		Description: "Bearer token required by the local inference gateway",
	})
}

// GetAPIKey retrieves the stored key. It returns ErrNotFound when the
// keyring holds none.
func GetAPIKey() (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(apiKeyItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve API key: %w", err)
	}
	return string(item.Data), nil
}

// DeleteAPIKey removes the stored key
func DeleteAPIKey() error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	// Not every backend reports a missing item on Remove
	if _, err := kr.Get(apiKeyItem); errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	err = kr.Remove(apiKeyItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// HasAPIKey checks if a key is stored
func HasAPIKey() bool {
	kr, err := initKeyring()
	if err != nil {
		return false
	}

	_, err = kr.Get(apiKeyItem)
	return err == nil
}
