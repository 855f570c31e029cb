package session

import "sync"

// InMemoryCredentialStore holds the credential in memory only. Used by tests
// and by deployments that must never persist the token.
type InMemoryCredentialStore struct {
	mu   sync.Mutex
	cred *Credential
}

func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{}
}

func (s *InMemoryCredentialStore) Load() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	clone := *s.cred
	return &clone, nil
}

func (s *InMemoryCredentialStore) Save(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *InMemoryCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *InMemoryCredentialStore) Close() error { return nil }
