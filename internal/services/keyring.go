package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keyring keeps the API credential in the operating system's credential store (Keychain, Secret Service,
// Windows Credential Manager).
type Keyring struct {
	service string
	user    string
}

// NewKeyring creates a Keyring storing the credential under service and user.
func NewKeyring(service, user string) Keyring {
	return Keyring{
		service: service,
		user:    user,
	}
}

// Credential returns the stored credential, or an empty string if none is stored.
func (k Keyring) Credential(context.Context) (string, error) {
	secret, err := keyring.Get(k.service, k.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return secret, nil
}

// SetCredential stores credential. An empty credential removes the stored one.
func (k Keyring) SetCredential(_ context.Context, credential string) error {
	if credential == "" {
		if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to delete keyring entry: %w", err)
		}
		return nil
	}
	if err := keyring.Set(k.service, k.user, credential); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}
