package credstore

import "sync"

// MockStore is an in-memory Store for testing
type MockStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential

	// Error injection for tests
	StoreErr    error
	RetrieveErr error
	ListErr     error
	DeleteErr   error
}

// NewMockStore creates a new mock credential store
func NewMockStore() *MockStore {
	return &MockStore{creds: make(map[string]*Credential)}
}

// Store saves a credential in memory
func (m *MockStore) Store(cred *Credential) error {
	if m.StoreErr != nil {
		return m.StoreErr
	}
	if cred == nil || cred.Label == "" {
		return ErrInvalidCredential
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cred
	m.creds[cred.Label] = &c
	return nil
}

// Retrieve gets a credential from memory
func (m *MockStore) Retrieve(label string) (*Credential, error) {
	if m.RetrieveErr != nil {
		return nil, m.RetrieveErr
	}
	if label == "" {
		return nil, ErrInvalidCredential
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[label]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cred
	return &c, nil
}

// List returns all stored credentials
func (m *MockStore) List() ([]*Credential, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Credential, 0, len(m.creds))
	for _, cred := range m.creds {
		c := *cred
		result = append(result, &c)
	}
	return result, nil
}

// Delete removes a credential from memory
func (m *MockStore) Delete(label string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if label == "" {
		return ErrInvalidCredential
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[label]; !ok {
		return ErrNotFound
	}
	delete(m.creds, label)
	return nil
}

// Exists checks if a credential exists in memory
func (m *MockStore) Exists(label string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.creds[label]
	return ok
}
