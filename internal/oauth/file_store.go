package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const defaultCredentialsPath = ".config/mcpgate/.credentials.json"

// FileStore persists credentials as a JSON object keyed by server URL.
// Every write lands in a temp file first and is renamed into place.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore places the store at the default path under the user's
// home directory.
func NewFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return &FileStore{path: filepath.Join(home, defaultCredentialsPath)}, nil
}

// NewFileStoreAt pins the store to an explicit path.
func NewFileStoreAt(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the credential for serverURL, or nil when none is stored.
func (s *FileStore) Get(serverURL string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return nil, err
	}
	return creds[serverURL], nil
}

// Put stores a credential, replacing any existing entry for its server.
func (s *FileStore) Put(cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	creds[cred.ServerURL] = cred
	return s.write(creds)
}

// Delete removes the credential for serverURL.
func (s *FileStore) Delete(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	delete(creds, serverURL)
	return s.write(creds)
}

// List returns all stored credentials in no particular order.
func (s *FileStore) List() ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, c)
	}
	return out, nil
}

func (s *FileStore) read() (map[string]*Credential, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]*Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	creds := map[string]*Credential{}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// write replaces the file. Tokens stay owner-readable only: 0700 on the
// directory, 0600 on the file.
func (s *FileStore) write(creds map[string]*Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}
