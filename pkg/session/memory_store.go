package session

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps session records in process memory with a TTL.
// Suited to short-lived runs and tests; nothing survives a restart.
type MemoryStore struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
}

// NewMemoryStore creates an in-memory store. Records without an explicit
// expiry are evicted after defaultTTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		cache:      gocache.New(defaultTTL, 10*time.Minute),
		defaultTTL: defaultTTL,
	}
}

// Load returns the record for an identity, or ErrNotFound
func (s *MemoryStore) Load(identityID string) (*Record, error) {
	v, ok := s.cache.Get(identityID)
	if !ok {
		return nil, ErrNotFound
	}

	rec := v.(*Record)
	if rec.Expired(time.Now()) {
		s.cache.Delete(identityID)
		return nil, ErrNotFound
	}
	return rec, nil
}

// Save persists a record, using its expiry as the cache TTL when set
func (s *MemoryStore) Save(identityID string, rec *Record) error {
	rec.SavedAt = time.Now()

	ttl := s.defaultTTL
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
	}
	s.cache.Set(identityID, rec, ttl)
	return nil
}

// Invalidate removes the record for an identity
func (s *MemoryStore) Invalidate(identityID string) error {
	s.cache.Delete(identityID)
	return nil
}
