package ig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SessionStore persists sessions between runs so short-lived tools can
// reuse header tokens instead of logging in on every invocation.
type SessionStore interface {
	Save(name string, session *Session) error
	Load(name string) (*Session, error)
	Delete(name string) error
}

// FileSessionStore keeps sessions as JSON files with owner-only
// permissions.
type FileSessionStore struct {
	basePath string
}

// NewFileSessionStore creates the store under basePath, defaulting to
// the data/ directory.
func NewFileSessionStore(basePath string) (*FileSessionStore, error) {
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create session store dir: %w", err)
	}
	return &FileSessionStore{basePath: basePath}, nil
}

func (f *FileSessionStore) Save(name string, session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.basePath, name), data, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (f *FileSessionStore) Load(name string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session file not found: %s", name)
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (f *FileSessionStore) Delete(name string) error {
	if err := os.Remove(filepath.Join(f.basePath, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}
