// Package profilestore defines the boundary to the remote profile store: the
// editable record of application-specific user fields, distinct from the
// identity backend's session data. The package provides the store interface,
// a REST client implementation, an in-memory implementation, and schema
// validation for records written to the store.
package profilestore

// file: internal/profilestore/store.go

import (
	"context"
	"time"
)

// Record is the remote profile document as read and written by this
// application. Fields outside this set are owned by other systems and are
// not modeled here.
type Record struct {
	UID                  string    `json:"uid"`
	Email                string    `json:"email,omitempty"`
	DisplayName          string    `json:"displayName"`
	RealName             string    `json:"realName,omitempty"`
	PhotoURL             string    `json:"photoURL,omitempty"`
	Provider             string    `json:"provider"`
	KakaoID              string    `json:"kakaoId,omitempty"`
	GoogleID             string    `json:"googleId,omitempty"`
	AppleID              string    `json:"appleId,omitempty"`
	RegistrationComplete bool      `json:"registrationComplete"`
	UpdatedAt            time.Time `json:"updatedAt,omitempty"`
}

// Store is the remote profile store boundary. GetProfile returns (nil, nil)
// when no record exists for the uid; that is not an error.
type Store interface {
	GetProfile(ctx context.Context, uid string) (*Record, error)
	UpsertProfile(ctx context.Context, uid string, record Record) error
}
