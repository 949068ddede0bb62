package pool

import (
	"time"

	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/proxy"
	"scrapepool/pkg/session"
)

// Lease is an exclusive temporary claim on one identity. While a lease
// is held no other caller can be granted the same identity. A lease must
// always be released, with OutcomeCancelled if the work never ran.
type Lease struct {
	s          *Scheduler
	identityID string
	secret     []byte
	ident      Identity
	px         proxy.Proxy
	hasProxy   bool
	priorState State
	grantedAt  time.Time

	// released is guarded by the scheduler lock
	released bool
}

// Identity returns a snapshot of the leased identity taken at grant time
func (l *Lease) Identity() Identity {
	return l.ident
}

// IdentityID returns the leased identity's id
func (l *Lease) IdentityID() string {
	return l.identityID
}

// Secret returns the identity's opaque credential material. The pool
// never interprets it; the platform collaborator does.
func (l *Lease) Secret() []byte {
	return l.secret
}

// Proxy returns the egress endpoint paired with this lease. The second
// return is false when the pool runs without proxies.
func (l *Lease) Proxy() (proxy.Proxy, bool) {
	return l.px, l.hasProxy
}

// Session loads the identity's persisted session record. Expired or
// missing records surface as session.ErrNotFound, signalling that the
// caller must authenticate before issuing requests.
func (l *Lease) Session() (*session.Record, error) {
	return l.s.sessions.Load(l.identityID)
}

// SaveSession persists a refreshed session record for the identity
func (l *Lease) SaveSession(rec *session.Record) error {
	return l.s.sessions.Save(l.identityID, rec)
}

// Release returns the identity to the pool and applies the state
// transition for the reported outcome. Releasing twice is a no-op.
func (l *Lease) Release(outcome errs.Outcome) {
	l.s.release(l, outcome)
}
