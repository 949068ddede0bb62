package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no valid session record exists for an
// identity. Expired records are reported as not found, forcing
// re-authentication upstream.
var ErrNotFound = errors.New("session record not found")

// Record is a serializable snapshot of an identity's authenticated
// session. The blob is opaque: the pool never inspects its contents,
// only the metadata around it.
type Record struct {
	Blob      []byte    `json:"blob"`
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record has passed its expiry. Records
// without an explicit expiry never expire here; the store's own TTL
// may still apply.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists session records keyed by identity. It is the sole
// place session blobs are read or written.
type Store interface {
	// Load returns the record for an identity, or ErrNotFound when none
	// exists or the stored record has expired
	Load(identityID string) (*Record, error)

	// Save persists a record, stamping SavedAt
	Save(identityID string, rec *Record) error

	// Invalidate removes the record for an identity. Removing a missing
	// record is not an error.
	Invalidate(identityID string) error
}
