// file: internal/identity/tokenstore/file.go
package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dkoosis/chargeauth/internal/logging"
)

// FileStore keeps the refresh token in a mode-0600 file. It is the fallback
// for hosts without an accessible OS keyring.
type FileStore struct {
	path   string
	logger logging.Logger
	mu     sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store at path, creating the parent
// directory if needed.
func NewFileStore(path string, logger logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create token directory")
	}

	return &FileStore{
		path:   path,
		logger: logger.WithField("component", "file_token_store"),
	}, nil
}

// Save persists the refresh token to the file with owner-only permissions.
func (s *FileStore) Save(refreshToken, uid, provider string) error {
	if refreshToken == "" {
		return errors.New("cannot save an empty refresh token")
	}

	payload, err := encodeTokenData(refreshToken, uid, provider)
	if err != nil {
		return errors.Wrap(err, "failed to encode token data")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path, payload, 0o600); err != nil {
		return errors.Wrap(err, "failed to write token file")
	}
	s.logger.Debug("Refresh token saved to file.", "uid", uid)
	return nil
}

// Load returns the stored refresh token, or "" when the file does not exist.
func (s *FileStore) Load() (string, error) {
	data, err := s.Data()
	if err != nil || data == nil {
		return "", err
	}
	return data.RefreshToken, nil
}

// Data returns the full stored record, or nil when the file does not exist.
// A corrupted file is deleted and reported as empty.
func (s *FileStore) Data() (*TokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read token file")
	}

	var data TokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Error("Token file is corrupted, deleting it.", "error", err)
		_ = os.Remove(s.path)
		return nil, errors.Wrap(err, "failed to parse token file")
	}
	return &data, nil
}

// Delete removes the token file if it exists.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete token file")
	}
	return nil
}
