package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Credential is the stored secret material for one pool identity.
// Secret is an opaque blob (password, cookie jar, token bundle) that the
// pool never parses; only the platform collaborator interprets it.
type Credential struct {
	Label        string    `json:"label"`
	Platform     string    `json:"platform,omitempty"`
	Secret       []byte    `json:"secret"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the interface for persisting credentials
type Store interface {
	// Store saves a credential under its label
	Store(cred *Credential) error

	// Retrieve gets the credential for a label
	Retrieve(label string) (*Credential, error)

	// List returns all stored credentials
	List() ([]*Credential, error)

	// Delete removes the credential for a label
	Delete(label string) error

	// Exists checks if a credential exists for a label
	Exists(label string) bool
}

// Errors
var (
	ErrNotFound          = errors.New("credential not found")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Manager layers credential stores with fallback: system keychain when
// available, encrypted file otherwise.
type Manager struct {
	stores []Store
}

// NewManager creates a credential manager with the default backends
func NewManager() (*Manager, error) {
	var stores []Store

	if keyringStore, err := NewKeyringStore(); err == nil {
		stores = append(stores, keyringStore)
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "credentials.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a manager over explicit backends
func NewManagerWithStores(stores ...Store) *Manager {
	return &Manager{stores: stores}
}

// Store saves a credential using the first backend that accepts it
func (m *Manager) Store(cred *Credential) error {
	if cred == nil || cred.Label == "" {
		return ErrInvalidCredential
	}
	if len(cred.Secret) == 0 {
		return ErrInvalidCredential
	}

	cred.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		if err := store.Store(cred); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store credential: %w", lastErr)
	}
	return errors.New("no available credential stores")
}

// Retrieve gets a credential from the first backend that has it
func (m *Manager) Retrieve(label string) (*Credential, error) {
	for _, store := range m.stores {
		if cred, err := store.Retrieve(label); err == nil && cred != nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
}

// List returns all stored credentials across backends, most recent
// version winning on duplicates
func (m *Manager) List() ([]*Credential, error) {
	credMap := make(map[string]*Credential)

	for _, store := range m.stores {
		creds, err := store.List()
		if err != nil {
			continue
		}
		for _, cred := range creds {
			if existing, ok := credMap[cred.Label]; !ok || cred.LastModified.After(existing.LastModified) {
				credMap[cred.Label] = cred
			}
		}
	}

	var result []*Credential
	for _, cred := range credMap {
		result = append(result, cred)
	}
	return result, nil
}

// Delete removes a credential from every backend that has it
func (m *Manager) Delete(label string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(label); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete credential: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	return nil
}

// getConfigDir returns the configuration directory path
func getConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "scrapepool")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "scrapepool")
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "scrapepool")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "scrapepool")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// Redacted returns a copy of the credential safe for logs and CLI output
func Redacted(cred *Credential) *Credential {
	if cred == nil {
		return nil
	}
	return &Credential{
		Label:        cred.Label,
		Platform:     cred.Platform,
		Secret:       []byte("********"),
		LastModified: cred.LastModified,
	}
}
