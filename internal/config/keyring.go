package config

import (
	stderrors "errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService   = "lms-sync"
	githubTokenItem  = "github-token"
	availabilityItem = "availability-check"
)

// KeyringManager keeps secrets in the OS keychain under the lms-sync service
type KeyringManager struct {
	service string
}

func NewKeyringManager() *KeyringManager {
	return &KeyringManager{service: keyringService}
}

// get returns "" for an item that was never stored
func (km *KeyringManager) get(item string) (string, error) {
	secret, err := keyring.Get(km.service, item)
	switch {
	case stderrors.Is(err, keyring.ErrNotFound):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("keychain read %s/%s: %w", km.service, item, err)
	}
	return secret, nil
}

func (km *KeyringManager) GetGitHubToken() (string, error) {
	return km.get(githubTokenItem)
}

func (km *KeyringManager) SetGitHubToken(token string) error {
	if token == "" {
		return fmt.Errorf("github token cannot be empty")
	}
	if err := keyring.Set(km.service, githubTokenItem, token); err != nil {
		return fmt.Errorf("keychain write %s/%s: %w", km.service, githubTokenItem, err)
	}
	return nil
}

// DeleteGitHubToken is a no-op when nothing is stored
func (km *KeyringManager) DeleteGitHubToken() error {
	err := keyring.Delete(km.service, githubTokenItem)
	if err != nil && !stderrors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain delete %s/%s: %w", km.service, githubTokenItem, err)
	}
	return nil
}

// IsAvailable checks the keychain. Headless hosts without a secret service report false.
func (km *KeyringManager) IsAvailable() bool {
	_, err := keyring.Get(km.service, availabilityItem)
	return err == nil || stderrors.Is(err, keyring.ErrNotFound)
}

// MaskToken keeps the first and last four characters of a token
func MaskToken(token string) string {
	switch {
	case token == "":
		return "(not set)"
	case len(token) < 12:
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
