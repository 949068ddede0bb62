package pool

import (
	"context"
	goerrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"scrapepool/pkg/config"
	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/health"
	"scrapepool/pkg/logger"
	"scrapepool/pkg/proxy"
	"scrapepool/pkg/ratelimit"
	"scrapepool/pkg/retry"
	"scrapepool/pkg/session"
)

const reauthTimeout = 2 * time.Minute

// Reauthenticator re-establishes a quarantined identity's session. It is
// invoked asynchronously so a single degraded identity cannot stall the
// scheduler. A nil record with a nil error means the platform
// collaborator refreshed state elsewhere; the identity is still reset.
type Reauthenticator func(ctx context.Context, identityID string, secret []byte) (*session.Record, error)

// Fetcher is the caller-supplied unit of work executed under a lease.
// It performs the actual platform request and returns a classified error
// on failure.
type Fetcher func(ctx context.Context, lease *Lease) error

// Snapshot is a read-only view of the pool for observability surfaces
type Snapshot struct {
	TakenAt    time.Time       `json:"taken_at"`
	Identities []Identity      `json:"identities"`
	Proxies    []proxy.Proxy   `json:"proxies"`
	Health     health.Snapshot `json:"health"`
}

// Scheduler owns the identity pool. It selects an eligible identity and
// proxy for each unit of work, enforces at most one concurrent lease per
// identity, and applies state transitions when leases are released. All
// identity mutation passes through it; there are no ambient globals.
type Scheduler struct {
	cfg    *config.Config
	logger logger.Logger

	mu         sync.Mutex
	identities map[string]*identity
	// waitCh is closed and replaced whenever pool state changes, waking
	// every blocked Acquire
	waitCh chan struct{}

	rotator  *proxy.Rotator
	sessions session.Store
	monitor  *health.Monitor
	retrier  *retry.Engine
	global   *rate.Limiter
	reauth   Reauthenticator
}

// New creates a scheduler and its collaborators from configuration.
// Proxy endpoints listed in the config are loaded into the rotator.
func New(cfg *config.Config, log logger.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.GetLogger()
	}

	rotator := proxy.NewRotator(proxy.Config{
		DegradedThreshold: cfg.Proxy.DegradedThreshold,
		DeadThreshold:     cfg.Proxy.DeadThreshold,
		ProbeCooldown:     cfg.Proxy.ProbeCooldown,
	}, log)
	for _, endpoint := range cfg.Proxy.Endpoints {
		if _, err := rotator.Add(endpoint); err != nil {
			return nil, fmt.Errorf("failed to add proxy %q: %w", endpoint, err)
		}
	}

	var sessions session.Store
	if cfg.Session.Directory != "" {
		fileStore, err := session.NewFileStore(cfg.Session.Directory, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
		sessions = fileStore
	} else {
		sessions = session.NewMemoryStore(cfg.Session.TTL)
	}

	var global *rate.Limiter
	if cfg.Pool.GlobalRequestsPerSecond > 0 {
		burst := cfg.Pool.GlobalBurst
		if burst < 1 {
			burst = 1
		}
		global = rate.NewLimiter(rate.Limit(cfg.Pool.GlobalRequestsPerSecond), burst)
	}

	policy := retry.Policy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         cfg.Retry.BaseDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		JitterRatio:       cfg.Retry.JitterRatio,
		MaxDelay:          cfg.Retry.MaxDelay,
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     log,
		identities: make(map[string]*identity),
		waitCh:     make(chan struct{}),
		rotator:    rotator,
		sessions:   sessions,
		monitor:    health.NewMonitor(cfg.Pool.HealthWindow),
		retrier:    retry.NewEngine(policy, log),
		global:     global,
	}, nil
}

// SetReauthenticator installs the asynchronous re-authentication hook
// invoked when an identity is quarantined
func (s *Scheduler) SetReauthenticator(fn Reauthenticator) {
	s.mu.Lock()
	s.reauth = fn
	s.mu.Unlock()
}

// SetSessionStore replaces the session store. Intended for wiring a
// custom backend before the pool starts carrying traffic.
func (s *Scheduler) SetSessionStore(store session.Store) {
	s.mu.Lock()
	s.sessions = store
	s.mu.Unlock()
}

// Rotator exposes the proxy rotator for probe loops and admin surfaces
func (s *Scheduler) Rotator() *proxy.Rotator {
	return s.rotator
}

// Monitor exposes the health monitor
func (s *Scheduler) Monitor() *health.Monitor {
	return s.monitor
}

// Sessions exposes the session store
func (s *Scheduler) Sessions() session.Store {
	return s.sessions
}

// AddIdentity registers an account with the pool. An empty id is
// assigned one. The secret is opaque credential material the pool stores
// but never parses.
func (s *Scheduler) AddIdentity(id string, secret []byte, initial State) (Identity, error) {
	if len(secret) == 0 {
		return Identity{}, fmt.Errorf("identity requires credential material")
	}
	if initial == "" {
		initial = StateFresh
	}
	if !initial.valid() {
		return Identity{}, fmt.Errorf("invalid initial state: %s", initial)
	}
	if id == "" {
		id = uuid.NewString()
	}

	ident := &identity{
		id:     id,
		secret: secret,
		state:  initial,
		limiter: ratelimit.New(ratelimit.Config{
			MaxPerWindow: s.cfg.RateLimit.MaxPerWindow,
			Window:       s.cfg.RateLimit.Window,
			MinDelay:     s.cfg.RateLimit.MinDelay,
			MaxDelay:     s.cfg.RateLimit.MaxDelay,
		}),
	}

	s.mu.Lock()
	if _, exists := s.identities[id]; exists {
		s.mu.Unlock()
		return Identity{}, fmt.Errorf("identity already exists: %s", id)
	}
	s.identities[id] = ident
	snap := ident.snapshot()
	s.wakeAll()
	s.mu.Unlock()

	s.logger.InfoWithFields("identity added", map[string]interface{}{
		"identity_id": id,
		"state":       string(initial),
	})
	return snap, nil
}

// RemoveIdentity takes an account out of the pool. A lease already out
// for the identity stays valid; its release is a no-op against the pool.
func (s *Scheduler) RemoveIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[id]; !ok {
		return fmt.Errorf("unknown identity: %s", id)
	}
	delete(s.identities, id)
	s.logger.InfoWithFields("identity removed", map[string]interface{}{
		"identity_id": id,
	})
	return nil
}

// AddProxy registers a new egress endpoint
func (s *Scheduler) AddProxy(endpointURI string) (proxy.Proxy, error) {
	p, err := s.rotator.Add(endpointURI)
	if err != nil {
		return proxy.Proxy{}, err
	}
	s.mu.Lock()
	s.wakeAll()
	s.mu.Unlock()
	return p, nil
}

// RemoveProxy takes an egress endpoint out of the pool
func (s *Scheduler) RemoveProxy(id string) error {
	return s.rotator.Remove(id)
}

// ResetIdentity returns an identity to Fresh, clearing any cooldown.
// This is the external recovery path for quarantined identities after
// their session has been refreshed.
func (s *Scheduler) ResetIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("unknown identity: %s", id)
	}
	if ident.leased {
		return fmt.Errorf("identity is leased: %s", id)
	}
	ident.state = StateFresh
	ident.cooldownUntil = time.Time{}
	s.wakeAll()

	s.logger.InfoWithFields("identity reset", map[string]interface{}{
		"identity_id": id,
	})
	return nil
}

// Acquire grants an exclusive lease on the least-recently-used eligible
// identity, paired with a usable proxy when the pool has any. In
// blocking mode it waits, through the identity's randomized
// inter-request delay included, until a lease can be granted or ctx is
// done. In non-blocking mode it fails fast with a no-eligible-identity
// error the workload layer should treat as a throttle signal.
func (s *Scheduler) Acquire(ctx context.Context) (*Lease, error) {
	blocking := s.cfg.Pool.AcquireBlocks

	if s.global != nil {
		if blocking {
			if err := s.global.Wait(ctx); err != nil {
				return nil, errs.Wrap(errs.ErrorTypeCancelled, "acquire cancelled", err)
			}
		} else if !s.global.Allow() {
			return nil, errs.New(errs.ErrorTypeRateExceeded, "global dispatch rate exceeded")
		}
	}

	if !blocking {
		return s.tryAcquire()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrorTypeCancelled, "acquire cancelled", err)
		}

		s.mu.Lock()
		now := time.Now()
		s.refresh(now)

		if cand := s.pickEligible(); cand != nil {
			prior := cand.state
			cand.leased = true
			cand.state = StateActive
			s.mu.Unlock()

			// The mandatory randomized inter-request delay is served here,
			// inside the grant, so the caller receives a lease that is
			// immediately usable.
			if err := cand.limiter.CheckAndReserve(ctx); err != nil {
				s.ungrant(cand, prior)
				if errs.TypeOf(err) == errs.ErrorTypeCancelled {
					return nil, err
				}
				// The window filled while we waited; go back to selection.
				continue
			}
			return s.finishGrant(cand, prior)
		}

		ch := s.waitCh
		timerC, stop := s.nextWake(now)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-timerC:
		case <-ctx.Done():
			stop()
			return nil, errs.Wrap(errs.ErrorTypeCancelled, "acquire cancelled", ctx.Err())
		}
		stop()
	}
}

// tryAcquire is the non-blocking path: candidates are tried in
// least-recently-used order and the first one whose limiter accepts a
// reservation wins.
func (s *Scheduler) tryAcquire() (*Lease, error) {
	s.mu.Lock()
	now := time.Now()
	s.refresh(now)

	for _, cand := range s.eligible() {
		if err := cand.limiter.TryReserve(); err != nil {
			continue
		}
		prior := cand.state
		cand.leased = true
		cand.state = StateActive
		s.mu.Unlock()
		return s.finishGrant(cand, prior)
	}
	s.mu.Unlock()

	return nil, errs.New(errs.ErrorTypeNoEligibleIdentity, "no identity is eligible right now")
}

// finishGrant pairs the granted identity with a proxy and builds the
// lease. The limiter reservation has already been made.
func (s *Scheduler) finishGrant(ident *identity, prior State) (*Lease, error) {
	s.mu.Lock()
	px, hasProxy, err := s.assignProxy(ident)
	if err != nil {
		ident.leased = false
		ident.state = prior
		s.wakeAll()
		s.mu.Unlock()
		var perr *errs.Error
		if goerrors.As(err, &perr) {
			return nil, perr.WithIdentity(ident.id)
		}
		return nil, err
	}
	snap := ident.snapshot()
	s.mu.Unlock()

	lease := &Lease{
		s:          s,
		identityID: ident.id,
		secret:     ident.secret,
		ident:      snap,
		px:         px,
		hasProxy:   hasProxy,
		priorState: prior,
		grantedAt:  time.Now(),
	}

	s.logger.DebugWithFields("lease granted", map[string]interface{}{
		"identity_id": ident.id,
		"proxy_id":    px.ID,
	})
	return lease, nil
}

// ungrant rolls back a lease grant whose reservation never completed
func (s *Scheduler) ungrant(ident *identity, prior State) {
	s.mu.Lock()
	ident.leased = false
	ident.state = prior
	s.wakeAll()
	s.mu.Unlock()
}

// release applies the outcome's state transition and returns the
// identity to rotation
func (s *Scheduler) release(l *Lease, outcome errs.Outcome) {
	s.mu.Lock()
	if l.released {
		s.mu.Unlock()
		return
	}
	l.released = true

	now := time.Now()
	latency := now.Sub(l.grantedAt)

	if ident, ok := s.identities[l.identityID]; ok {
		ident.leased = false
		switch outcome {
		case errs.OutcomeSuccess:
			ident.state = StateActive
			ident.lastUsedAt = now
		case errs.OutcomeTransientError:
			ident.state = StateActive
			ident.lastUsedAt = now
			// Sticky proxy pairing is re-evaluated after a failure
			ident.assignedProxyID = ""
		case errs.OutcomeRateLimited:
			ident.state = StateRateLimited
			ident.lastUsedAt = now
			if reset, ok := ident.limiter.WindowResetAt(); ok {
				ident.cooldownUntil = reset
			} else {
				ident.cooldownUntil = now.Add(s.cfg.RateLimit.Window)
			}
		case errs.OutcomeAuthFailure:
			ident.state = StateQuarantined
			ident.lastUsedAt = now
		case errs.OutcomeBanned:
			ident.state = StateSuspended
			ident.lastUsedAt = now
		case errs.OutcomeCancelled:
			// The work never ran; put the identity back where it was
			ident.state = l.priorState
		}
	}
	s.wakeAll()
	s.mu.Unlock()

	if l.hasProxy {
		switch outcome {
		case errs.OutcomeSuccess:
			s.rotator.ReportOutcome(l.px.ID, true)
		case errs.OutcomeTransientError:
			s.rotator.ReportOutcome(l.px.ID, false)
		}
	}

	if outcome == errs.OutcomeAuthFailure {
		if err := s.sessions.Invalidate(l.identityID); err != nil {
			s.logger.WithError(err).WithField("identity_id", l.identityID).
				Warn("failed to invalidate session")
		}
		s.scheduleReauth(l.identityID, l.secret)
	}

	if outcome != errs.OutcomeCancelled {
		sample := health.Sample{
			IdentityID: l.identityID,
			Outcome:    outcome,
			Latency:    latency,
		}
		if l.hasProxy {
			sample.ProxyID = l.px.ID
		}
		s.monitor.Record(sample)
	}

	s.logger.DebugWithFields("lease released", map[string]interface{}{
		"identity_id": l.identityID,
		"outcome":     string(outcome),
		"latency_ms":  latency.Milliseconds(),
	})
}

// scheduleReauth kicks off the asynchronous re-authentication path for a
// quarantined identity. Re-login is never attempted inside Acquire.
func (s *Scheduler) scheduleReauth(id string, secret []byte) {
	s.mu.Lock()
	reauth := s.reauth
	s.mu.Unlock()
	if reauth == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reauthTimeout)
		defer cancel()

		rec, err := reauth(ctx, id, secret)
		if err != nil {
			s.logger.WithError(err).WithField("identity_id", id).
				Warn("re-authentication failed, identity stays quarantined")
			return
		}
		if rec != nil {
			if err := s.sessions.Save(id, rec); err != nil {
				s.logger.WithError(err).WithField("identity_id", id).
					Warn("failed to save refreshed session")
				return
			}
		}
		if err := s.ResetIdentity(id); err != nil {
			s.logger.WithError(err).WithField("identity_id", id).
				Warn("failed to reset identity after re-authentication")
			return
		}
		s.logger.InfoWithFields("identity re-authenticated", map[string]interface{}{
			"identity_id": id,
		})
	}()
}

// WithLease acquires a lease, runs fetch under the retry policy, and
// releases the lease with the classified outcome. Only transient and
// rate-limit failures are retried; auth failures and bans surface
// immediately. Errors returned to the caller always carry the identity
// and proxy involved.
func (s *Scheduler) WithLease(ctx context.Context, fetch Fetcher) error {
	lease, err := s.Acquire(ctx)
	if err != nil {
		return err
	}

	err = s.retrier.Execute(ctx, func(ctx context.Context) error {
		return fetch(ctx, lease)
	})

	outcome := errs.ClassifyOutcome(err)
	// When the retry budget is exhausted, the identity transition should
	// reflect what actually kept failing, not the exhaustion wrapper.
	var perr *errs.Error
	if goerrors.As(err, &perr) && perr.Type == errs.ErrorTypeExhaustedRetries && perr.Err != nil {
		outcome = errs.ClassifyOutcome(perr.Err)
	}
	lease.Release(outcome)

	if err != nil {
		return s.annotate(err, lease)
	}
	return nil
}

// WithLeaseResult runs a fetch that produces a value under the full
// lease and retry lifecycle
func WithLeaseResult[T any](ctx context.Context, s *Scheduler, fetch func(ctx context.Context, lease *Lease) (T, error)) (T, error) {
	var result T
	err := s.WithLease(ctx, func(ctx context.Context, lease *Lease) error {
		var ferr error
		result, ferr = fetch(ctx, lease)
		return ferr
	})
	return result, err
}

// annotate guarantees the returned error names the identity and proxy
// involved
func (s *Scheduler) annotate(err error, l *Lease) error {
	var perr *errs.Error
	if goerrors.As(err, &perr) {
		out := perr
		if out.IdentityID == "" {
			out = out.WithIdentity(l.identityID)
		}
		if out.ProxyID == "" && l.hasProxy {
			out = out.WithProxy(l.px.ID)
		}
		return out
	}
	out := errs.Wrap(errs.TypeOf(err), "fetch failed", err).WithIdentity(l.identityID)
	if l.hasProxy {
		out = out.WithProxy(l.px.ID)
	}
	return out
}

// Snapshot returns a read-only view of pool, proxy and health state for
// CLI and observability surfaces
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	ids := make([]Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		ids = append(ids, ident.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })

	return Snapshot{
		TakenAt:    time.Now(),
		Identities: ids,
		Proxies:    s.rotator.List(),
		Health:     s.monitor.Snapshot(),
	}
}

// refresh applies time-based transitions before selection. Caller must
// hold the lock.
func (s *Scheduler) refresh(now time.Time) {
	for _, ident := range s.identities {
		if ident.state == StateRateLimited && !ident.cooldownUntil.After(now) {
			ident.state = StateActive
			ident.cooldownUntil = time.Time{}
			s.logger.InfoWithFields("identity cooldown elapsed", map[string]interface{}{
				"identity_id": ident.id,
			})
		}
		if ident.assignedProxyID != "" && !s.rotator.IsUsable(ident.assignedProxyID) {
			ident.assignedProxyID = ""
		}
	}
}

// eligible returns identities that may carry the next request, oldest
// lastUsedAt first. Caller must hold the lock.
func (s *Scheduler) eligible() []*identity {
	out := make([]*identity, 0, len(s.identities))
	for _, ident := range s.identities {
		if ident.leased {
			continue
		}
		if ident.state != StateFresh && ident.state != StateActive {
			continue
		}
		if ident.limiter.Remaining() <= 0 {
			continue
		}
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].lastUsedAt.Before(out[j].lastUsedAt)
	})
	return out
}

// pickEligible returns the least-recently-used eligible identity, or nil.
// Caller must hold the lock.
func (s *Scheduler) pickEligible() *identity {
	var pick *identity
	for _, ident := range s.identities {
		if ident.leased {
			continue
		}
		if ident.state != StateFresh && ident.state != StateActive {
			continue
		}
		if ident.limiter.Remaining() <= 0 {
			continue
		}
		if pick == nil || ident.lastUsedAt.Before(pick.lastUsedAt) {
			pick = ident
		}
	}
	return pick
}

// assignProxy pairs the identity with an egress endpoint. The sticky
// assignment is kept while the proxy stays usable; a pool with no
// proxies at all runs direct. Caller must hold the lock.
func (s *Scheduler) assignProxy(ident *identity) (proxy.Proxy, bool, error) {
	if s.rotator.Len() == 0 {
		ident.assignedProxyID = ""
		return proxy.Proxy{}, false, nil
	}

	if ident.assignedProxyID != "" {
		if px, ok := s.rotator.Get(ident.assignedProxyID); ok && px.Health != proxy.Dead {
			return px, true, nil
		}
		ident.assignedProxyID = ""
	}

	px, err := s.rotator.Select(nil)
	if err != nil {
		return proxy.Proxy{}, false, err
	}
	ident.assignedProxyID = px.ID
	return px, true, nil
}

// nextWake returns a timer channel for the earliest time-based
// eligibility change: a cooldown expiring or a full window sliding. A nil
// channel blocks forever in the caller's select. Caller must hold the
// lock.
func (s *Scheduler) nextWake(now time.Time) (<-chan time.Time, func()) {
	var at time.Time
	for _, ident := range s.identities {
		switch {
		case ident.state == StateRateLimited:
			if at.IsZero() || ident.cooldownUntil.Before(at) {
				at = ident.cooldownUntil
			}
		case !ident.leased && (ident.state == StateFresh || ident.state == StateActive):
			if ident.limiter.Remaining() <= 0 {
				if reset, ok := ident.limiter.WindowResetAt(); ok && (at.IsZero() || reset.Before(at)) {
					at = reset
				}
			}
		}
	}

	if at.IsZero() {
		return nil, func() {}
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// wakeAll wakes every blocked Acquire. Caller must hold the lock.
func (s *Scheduler) wakeAll() {
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}
