// Package session owns the authentication lifecycle: the persisted
// credential, the authenticated identity, and the state transitions that
// drive the realtime channel and the store.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSuperseded is returned to a BeginSession caller whose in-flight
	// attempt was overtaken by a later one. The later attempt's identity
	// wins; the stale completion is discarded.
	ErrSuperseded = errors.New("session attempt superseded")
)

// DefaultCredentialTTL is how long a persisted credential stays restorable.
const DefaultCredentialTTL = 7 * 24 * time.Hour

// Credential is the opaque bearer token plus its persistence expiry.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CredentialStore persists a single named credential across process
// restarts. Load returns nil with no error when nothing is persisted.
type CredentialStore interface {
	Load() (*Credential, error)
	Save(cred Credential) error
	Clear() error
	Close() error
}
