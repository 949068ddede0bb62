package pool

import (
	"time"

	"scrapepool/pkg/ratelimit"
)

// State is the lifecycle position of an identity in the pool
type State string

const (
	// StateFresh marks an identity that has not carried traffic yet, or
	// has been reset after re-authentication
	StateFresh State = "fresh"

	// StateActive marks an identity in normal rotation
	StateActive State = "active"

	// StateRateLimited marks an identity sitting out a cooldown after the
	// platform pushed back
	StateRateLimited State = "rate_limited"

	// StateQuarantined marks an identity excluded pending
	// re-authentication
	StateQuarantined State = "quarantined"

	// StateSuspended marks an identity permanently excluded after a ban
	StateSuspended State = "suspended"
)

func (s State) valid() bool {
	switch s {
	case StateFresh, StateActive, StateRateLimited, StateQuarantined, StateSuspended:
		return true
	}
	return false
}

// Identity is a read-only snapshot of one pooled account. The credential
// material itself never appears in snapshots.
type Identity struct {
	ID                 string    `json:"id"`
	State              State     `json:"state"`
	Leased             bool      `json:"leased"`
	LastUsedAt         time.Time `json:"last_used_at,omitempty"`
	RequestsThisWindow int       `json:"requests_this_window"`
	RemainingQuota     int       `json:"remaining_quota"`
	AssignedProxyID    string    `json:"assigned_proxy_id,omitempty"`
	CooldownUntil      time.Time `json:"cooldown_until,omitempty"`
}

// identity is the scheduler's internal mutable record for one account.
// All fields except the limiter are guarded by the scheduler lock; the
// limiter synchronizes itself.
type identity struct {
	id              string
	secret          []byte
	state           State
	leased          bool
	lastUsedAt      time.Time
	cooldownUntil   time.Time
	assignedProxyID string
	limiter         *ratelimit.IdentityLimiter
}

// snapshot builds the exported view. Caller must hold the scheduler lock.
func (i *identity) snapshot() Identity {
	return Identity{
		ID:                 i.id,
		State:              i.state,
		Leased:             i.leased,
		LastUsedAt:         i.lastUsedAt,
		RequestsThisWindow: i.limiter.CountInWindow(),
		RemainingQuota:     i.limiter.Remaining(),
		AssignedProxyID:    i.assignedProxyID,
		CooldownUntil:      i.cooldownUntil,
	}
}
