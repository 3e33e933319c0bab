// Package session persists the credential bundle produced by the portal
// login flow.
package session

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"esfcal/internal/config"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// ErrNoSession is returned by Get when no usable credentials are stored.
var ErrNoSession = errors.New("session: not authenticated")

// Provider supplies the current credentials and forgets them on logout.
type Provider interface {
	Get(ctx context.Context) (model.SessionCredentials, error)
	Clear(ctx context.Context) error
}

// FileStore keeps the session in a 0600 YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore backed by path. The file need not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Get reads the stored credentials. A missing file, or one lacking either
// field, yields ErrNoSession.
func (s *FileStore) Get(ctx context.Context) (model.SessionCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.SessionCredentials{}, ErrNoSession
		}
		return model.SessionCredentials{}, err
	}

	var creds model.SessionCredentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return model.SessionCredentials{}, err
	}
	if creds.Identity == "" || creds.SessionToken == "" {
		return model.SessionCredentials{}, ErrNoSession
	}
	return creds, nil
}

// Exists reports whether Get would currently succeed.
func (s *FileStore) Exists(ctx context.Context) bool {
	_, err := s.Get(ctx)
	return err == nil
}

// Save stores creds, replacing any previous session.
func (s *FileStore) Save(ctx context.Context, creds model.SessionCredentials) error {
	creds.Identity = strings.TrimSpace(creds.Identity)
	creds.SessionToken = strings.TrimSpace(creds.SessionToken)
	if creds.Identity == "" {
		return errors.New("session: identity is empty")
	}
	if creds.SessionToken == "" {
		return errors.New("session: session token is empty")
	}

	data, err := yaml.Marshal(&creds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := config.WriteFileAtomic(s.path, data); err != nil {
		return err
	}
	appLog.Info("session saved", "identity", creds.Identity)
	return nil
}

// Clear removes the stored session. Clearing an absent session is not an
// error.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	appLog.Info("session cleared")
	return nil
}
