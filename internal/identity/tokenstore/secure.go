// file: internal/identity/tokenstore/secure.go
package tokenstore

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/zalando/go-keyring"

	"github.com/dkoosis/chargeauth/internal/logging"
)

const (
	keyringService = "ChargeAuth"
	keyringAccount = "IdentityRefreshToken"
)

// SecureStore keeps the refresh token in the OS keychain.
type SecureStore struct {
	logger logging.Logger
}

var _ Store = (*SecureStore)(nil)

// NewSecureStore creates a keyring-backed store.
func NewSecureStore(logger logging.Logger) *SecureStore {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &SecureStore{
		logger: logger.WithField("component", "secure_token_store"),
	}
}

// IsAvailable checks whether the OS keyring service is accessible. A missing
// entry still counts as available; it is the normal first-use state.
func (s *SecureStore) IsAvailable() bool {
	_, err := keyring.Get(keyringService, keyringAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return true
		}
		s.logger.Warn("Keyring service is inaccessible.", "error", err)
		return false
	}
	return true
}

// Save persists the refresh token to the keyring.
func (s *SecureStore) Save(refreshToken, uid, provider string) error {
	if refreshToken == "" {
		return errors.New("cannot save an empty refresh token")
	}

	payload, err := encodeTokenData(refreshToken, uid, provider)
	if err != nil {
		return errors.Wrap(err, "failed to encode token data")
	}
	if err := keyring.Set(keyringService, keyringAccount, string(payload)); err != nil {
		return errors.Wrap(err, "failed to save token to system keyring")
	}
	s.logger.Debug("Refresh token saved to system keyring.", "uid", uid)
	return nil
}

// Load returns the stored refresh token, or "" when the keyring holds none.
// A corrupted entry is deleted and reported as empty.
func (s *SecureStore) Load() (string, error) {
	data, err := s.Data()
	if err != nil || data == nil {
		return "", err
	}
	return data.RefreshToken, nil
}

// Data returns the full stored record, or nil when the keyring holds none.
func (s *SecureStore) Data() (*TokenData, error) {
	raw, err := keyring.Get(keyringService, keyringAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load token from system keyring")
	}

	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		s.logger.Error("Token data in keyring is corrupted, deleting it.", "error", err)
		_ = s.Delete()
		return nil, errors.Wrap(err, "failed to parse token data from keyring")
	}
	return &data, nil
}

// Delete removes the keyring entry if one exists.
func (s *SecureStore) Delete() error {
	err := keyring.Delete(keyringService, keyringAccount)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return errors.Wrap(err, "failed to delete token from system keyring")
	}
	return nil
}
