package oauth

import "sync"

// MemoryStore keeps credentials in memory for the lifetime of the session.
// This is the default for the interactive client: tokens vanish on exit and
// the next session authorizes again.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential // keyed by server URL
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
	}
}

// Get retrieves credentials for a server by URL.
func (s *MemoryStore) Get(serverURL string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[serverURL]
	if !ok {
		return nil, nil
	}
	copied := *cred
	return &copied, nil
}

// Put stores credentials for a server.
func (s *MemoryStore) Put(cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *cred
	s.creds[cred.ServerURL] = &copied
	return nil
}

// Delete removes credentials for a server.
func (s *MemoryStore) Delete(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, serverURL)
	return nil
}

// List returns all stored credentials.
func (s *MemoryStore) List() ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Credential, 0, len(s.creds))
	for _, cred := range s.creds {
		copied := *cred
		out = append(out, &copied)
	}
	return out, nil
}
