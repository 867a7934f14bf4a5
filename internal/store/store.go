package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device identity overrides
	SaveIdentity(id *Identity) error
	GetIdentity() (*Identity, error)

	// UpdateIdentity atomically reads, modifies, and saves the identity in a
	// single transaction. A missing identity starts out empty.
	UpdateIdentity(fn func(id *Identity) error) error

	// Writable tunnelling features
	SaveFeatures(f *Features) error
	GetFeatures() (*Features, error)

	// Session audit log
	AppendSession(s *Session) error
	ListSessions(limit int) ([]*Session, error)
	PruneSessions(keep int) (int, error)

	// Close the store
	Close() error
}
