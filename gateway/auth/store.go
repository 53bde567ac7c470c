package auth

import (
	"strings"
	"sync"
)

// MemoryCredentialStore keeps issued credentials in memory. Suitable for
// tests and single-process deployments without durability requirements.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]Credential)}
}

// Save stores the credential, rejecting duplicate API keys.
func (s *MemoryCredentialStore) Save(cred Credential) error {
	key := strings.TrimSpace(cred.APIKey)
	if key == "" {
		return ErrCredentialNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[key]; exists {
		return ErrDuplicateAPIKey
	}
	s.creds[key] = cred
	return nil
}

// Lookup fetches the credential for the API key.
func (s *MemoryCredentialStore) Lookup(apiKey string) (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[strings.TrimSpace(apiKey)]
	return cred, ok, nil
}
