// Package tokenstore persists the identity backend's refresh token between
// process runs. "Remember last session" is the backend adapter's concern,
// not the authentication core's; the core owns no persisted state. The OS
// keyring is used when available, with file-based storage as the fallback.
package tokenstore

// file: internal/identity/tokenstore/store.go

import (
	"encoding/json"
	"time"

	"github.com/dkoosis/chargeauth/internal/logging"
)

// TokenData is the persisted shape: the refresh token plus enough context to
// tell whose session it restores.
type TokenData struct {
	RefreshToken string    `json:"refreshToken"`
	UID          string    `json:"uid"`
	Provider     string    `json:"provider"`
	SavedAt      time.Time `json:"savedAt"`
}

// Store defines refresh-token persistence. Load returns ("", nil) when
// nothing is stored; that is not an error.
type Store interface {
	// Save persists the refresh token with its user context.
	Save(refreshToken, uid, provider string) error

	// Load returns the stored refresh token, or "" when none exists.
	Load() (string, error)

	// Data returns the full stored record, or nil when none exists.
	Data() (*TokenData, error)

	// Delete removes any stored token. Deleting nothing is not an error.
	Delete() error
}

// NewStore creates the most appropriate store: the OS keyring when it is
// accessible, otherwise file-based storage at fallbackPath.
func NewStore(fallbackPath string, logger logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}

	secure := NewSecureStore(logger)
	if secure.IsAvailable() {
		logger.Info("Using secure token storage (OS keyring).")
		return secure, nil
	}

	logger.Info("Secure token storage unavailable, falling back to file storage.",
		"path", fallbackPath)
	return NewFileStore(fallbackPath, logger)
}

func encodeTokenData(refreshToken, uid, provider string) ([]byte, error) {
	return json.Marshal(TokenData{
		RefreshToken: refreshToken,
		UID:          uid,
		Provider:     provider,
		SavedAt:      time.Now().UTC(),
	})
}
