package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/RomanDovgii/testing-lms/internal/errors"
)

// TokenSource names where a GitHub token was found
type TokenSource string

const (
	SourceNone     TokenSource = "none"
	SourceEnv      TokenSource = "environment"
	SourceKeychain TokenSource = "keychain"
	SourceFile     TokenSource = "credentials file"
)

// Credentials is the on-disk credentials file
type Credentials struct {
	GitHubToken string `yaml:"github_token"`
}

// CredentialManager resolves the GitHub token from the environment, then the
// OS keychain, then ~/.config/lms-sync/credentials.yaml.
type CredentialManager struct {
	keyring *KeyringManager
	path    string
}

func NewCredentialManager() *CredentialManager {
	home, _ := os.UserHomeDir()
	return NewCredentialManagerAt(filepath.Join(home, ".config", "lms-sync", "credentials.yaml"))
}

// NewCredentialManagerAt reads and writes the credentials file at path
func NewCredentialManagerAt(path string) *CredentialManager {
	return &CredentialManager{keyring: NewKeyringManager(), path: path}
}

// Lookup returns the first token found and where it came from
func (cm *CredentialManager) Lookup() (string, TokenSource) {
	if token := firstEnv("GITHUB_TOKEN", "GH_TOKEN"); token != "" {
		return token, SourceEnv
	}
	if cm.keyring.IsAvailable() {
		if token, err := cm.keyring.GetGitHubToken(); err == nil && token != "" {
			return token, SourceKeychain
		}
	}
	if creds, err := readCredentials(cm.path); err == nil && creds.GitHubToken != "" {
		return creds.GitHubToken, SourceFile
	}
	return "", SourceNone
}

// GetGitHubToken returns "" without error when no token is configured; the
// token only raises rate limits for profile lookups.
func (cm *CredentialManager) GetGitHubToken() (string, error) {
	token, _ := cm.Lookup()
	return token, nil
}

// SaveCredentials stores the token in the keychain when there is one, else in
// the credentials file, and reports which.
func (cm *CredentialManager) SaveCredentials(creds Credentials) (string, error) {
	if creds.GitHubToken == "" {
		return "", errors.ConfigError("github token cannot be empty")
	}

	if cm.keyring.IsAvailable() {
		if err := cm.keyring.SetGitHubToken(creds.GitHubToken); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeConfig, errors.SeverityHigh, "save token to keychain")
		}
		return string(SourceKeychain), nil
	}

	if err := writeCredentials(cm.path, creds); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, errors.SeverityHigh, "save credentials file")
	}
	return cm.path, nil
}

// PromptGitHubToken asks for a token on the terminal without echo. Piped
// stdin is read as one line.
func (cm *CredentialManager) PromptGitHubToken(out io.Writer) (string, error) {
	fmt.Fprintln(out, "Used for: contributor profile lookups, higher GitHub rate limits")
	fmt.Fprintln(out, "Create one at: https://github.com/settings/tokens")
	fmt.Fprint(out, "GitHub token: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetConfigPath is the credentials file used when no keychain is available
func (cm *CredentialManager) GetConfigPath() string {
	return cm.path
}

func readCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	creds := &Credentials{}
	if err := yaml.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return creds, nil
}

// writeCredentials keeps the file readable by the owner only
func writeCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
