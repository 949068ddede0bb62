package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapepool/pkg/config"
	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/logger"
	"scrapepool/pkg/retry"
	"scrapepool/pkg/session"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pool.GlobalRequestsPerSecond = 0
	cfg.RateLimit.MinDelay = 0
	cfg.RateLimit.MaxDelay = 0
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	return cfg
}

func newTestScheduler(t *testing.T, cfg *config.Config) *Scheduler {
	t.Helper()
	s, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	return s
}

func TestAddIdentityValidation(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	_, err := s.AddIdentity("a", nil, "")
	assert.Error(t, err, "empty credential material must be rejected")

	_, err = s.AddIdentity("a", []byte("pw"), State("bogus"))
	assert.Error(t, err)

	_, err = s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)
	_, err = s.AddIdentity("a", []byte("pw"), "")
	assert.Error(t, err, "duplicate id must be rejected")

	// An empty id gets one assigned
	ident, err := s.AddIdentity("", []byte("pw"), StateFresh)
	require.NoError(t, err)
	assert.NotEmpty(t, ident.ID)
	assert.Equal(t, StateFresh, ident.State)
}

func TestAcquireReleaseSuccess(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", lease.IdentityID())
	assert.Equal(t, []byte("pw"), lease.Secret())

	snap := s.Snapshot()
	require.Len(t, snap.Identities, 1)
	assert.True(t, snap.Identities[0].Leased)
	assert.Equal(t, StateActive, snap.Identities[0].State)

	lease.Release(errs.OutcomeSuccess)

	snap = s.Snapshot()
	assert.False(t, snap.Identities[0].Leased)
	assert.Equal(t, StateActive, snap.Identities[0].State)
	assert.False(t, snap.Identities[0].LastUsedAt.IsZero())
	assert.Equal(t, 1, snap.Identities[0].RequestsThisWindow)
	assert.Equal(t, 1, snap.Health.Identities["a"].Successes)
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(errs.OutcomeSuccess)
	lease.Release(errs.OutcomeBanned)

	snap := s.Snapshot()
	assert.Equal(t, StateActive, snap.Identities[0].State,
		"second release must not apply another transition")
}

func TestAtMostOneLeasePerIdentity(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	var inFlight atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				lease, err := s.Acquire(context.Background())
				if err != nil {
					violations.Add(1)
					return
				}
				if inFlight.Add(1) > 1 {
					violations.Add(1)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				lease.Release(errs.OutcomeSuccess)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "an identity was leased twice concurrently")
}

func TestNonBlockingAcquireFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.AcquireBlocks = false
	s := newTestScheduler(t, cfg)

	_, err := s.Acquire(context.Background())
	assert.Equal(t, errs.ErrorTypeNoEligibleIdentity, errs.TypeOf(err))

	_, err = s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)

	// The only identity is leased, so a second acquire cannot wait
	_, err = s.Acquire(context.Background())
	assert.Equal(t, errs.ErrorTypeNoEligibleIdentity, errs.TypeOf(err))

	lease.Release(errs.OutcomeSuccess)
}

func TestLeastRecentlyUsedSelection(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)
	_, err = s.AddIdentity("b", []byte("pw"), "")
	require.NoError(t, err)

	l1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	first := l1.IdentityID()
	l1.Release(errs.OutcomeSuccess)

	l2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	second := l2.IdentityID()
	l2.Release(errs.OutcomeSuccess)

	assert.NotEqual(t, first, second, "selection must rotate to the idler identity")

	l3, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, l3.IdentityID())
	l3.Release(errs.OutcomeSuccess)
}

func TestCancelledReleaseRestoresPriorState(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), StateFresh)
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(errs.OutcomeCancelled)

	snap := s.Snapshot()
	assert.Equal(t, StateFresh, snap.Identities[0].State,
		"cancelled work must restore the identity's prior state")
	assert.False(t, snap.Identities[0].Leased)
	assert.Zero(t, s.Monitor().Count(), "cancelled leases produce no health sample")
}

func TestCancellationDuringBlockedAcquire(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	held, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	assert.Equal(t, errs.ErrorTypeCancelled, errs.TypeOf(err))

	// Pool state is untouched: the holder still owns the lease
	snap := s.Snapshot()
	assert.True(t, snap.Identities[0].Leased)

	held.Release(errs.OutcomeSuccess)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(errs.OutcomeSuccess)
}

func TestRateLimitedCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.AcquireBlocks = false
	cfg.RateLimit.Window = 80 * time.Millisecond
	s := newTestScheduler(t, cfg)
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(errs.OutcomeRateLimited)

	snap := s.Snapshot()
	assert.Equal(t, StateRateLimited, snap.Identities[0].State)
	assert.False(t, snap.Identities[0].CooldownUntil.IsZero())

	_, err = s.Acquire(context.Background())
	assert.Equal(t, errs.ErrorTypeNoEligibleIdentity, errs.TypeOf(err),
		"cooling identity must be excluded from selection")

	// The cooldown is tied to the rate window rolling over
	require.Eventually(t, func() bool {
		l, err := s.Acquire(context.Background())
		if err != nil {
			return false
		}
		l.Release(errs.OutcomeSuccess)
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthFailureQuarantinesAndInvalidatesSession(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)
	require.NoError(t, s.Sessions().Save("a", &session.Record{Blob: []byte("cookie")}))

	var attempts atomic.Int32
	err = s.WithLease(context.Background(), func(ctx context.Context, lease *Lease) error {
		attempts.Add(1)
		return errs.New(errs.ErrorTypeAuth, "login expired")
	})

	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeAuth, errs.TypeOf(err))
	assert.Equal(t, int32(1), attempts.Load(), "auth failures must not be retried")

	var perr *errs.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "a", perr.IdentityID)

	snap := s.Snapshot()
	assert.Equal(t, StateQuarantined, snap.Identities[0].State)

	_, err = s.Sessions().Load("a")
	assert.ErrorIs(t, err, session.ErrNotFound, "session must be invalidated")

	// Quarantined identities never come back on their own
	sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(sctx)
	assert.Equal(t, errs.ErrorTypeCancelled, errs.TypeOf(err))

	// External reset after a session refresh restores eligibility
	require.NoError(t, s.ResetIdentity("a"))
	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFresh, lease.Identity().State)
	lease.Release(errs.OutcomeSuccess)
}

func TestBannedSuspendsPermanently(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.AcquireBlocks = false
	s := newTestScheduler(t, cfg)
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	var attempts atomic.Int32
	err = s.WithLease(context.Background(), func(ctx context.Context, lease *Lease) error {
		attempts.Add(1)
		return errs.New(errs.ErrorTypeBanned, "account disabled")
	})

	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeBanned, errs.TypeOf(err))
	assert.Equal(t, int32(1), attempts.Load(), "bans must not be retried")

	snap := s.Snapshot()
	assert.Equal(t, StateSuspended, snap.Identities[0].State)
	assert.Equal(t, 1, snap.Health.Identities["a"].Banned)
	assert.False(t, snap.Health.Identities["a"].LastBanAt.IsZero())

	_, err = s.Acquire(context.Background())
	assert.Equal(t, errs.ErrorTypeNoEligibleIdentity, errs.TypeOf(err))
}

func TestReauthenticatorRestoresIdentity(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	s.SetReauthenticator(func(ctx context.Context, id string, secret []byte) (*session.Record, error) {
		return &session.Record{Blob: []byte("fresh-cookie")}, nil
	})

	err = s.WithLease(context.Background(), func(ctx context.Context, lease *Lease) error {
		return errs.New(errs.ErrorTypeAuth, "login expired")
	})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return s.Snapshot().Identities[0].State == StateFresh
	}, 2*time.Second, 10*time.Millisecond, "re-authentication should reset the identity")

	rec, err := s.Sessions().Load("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh-cookie"), rec.Blob)
}

func TestWithLeaseRetriesTransient(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	var attempts atomic.Int32
	err = s.WithLease(context.Background(), func(ctx context.Context, lease *Lease) error {
		if attempts.Add(1) < 3 {
			return errs.New(errs.ErrorTypeTransient, "connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	snap := s.Snapshot()
	assert.Equal(t, StateActive, snap.Identities[0].State)
	assert.Equal(t, 1, snap.Health.Identities["a"].Successes)
}

func TestWithLeaseExhaustionKeepsUnderlyingOutcome(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	s := newTestScheduler(t, cfg)
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	err = s.WithLease(context.Background(), func(ctx context.Context, lease *Lease) error {
		return errs.New(errs.ErrorTypeRateLimited, "429 from platform")
	})

	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))

	// The identity cools down because rate limiting is what kept failing,
	// not because the retry budget ran out
	snap := s.Snapshot()
	assert.Equal(t, StateRateLimited, snap.Identities[0].State)
}

func TestProxyPairingIsSticky(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	p1, err := s.AddProxy("http://proxy-1:8080")
	require.NoError(t, err)

	l1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	got, ok := l1.Proxy()
	require.True(t, ok)
	assert.Equal(t, p1.ID, got.ID)
	l1.Release(errs.OutcomeSuccess)

	p2, err := s.AddProxy("http://proxy-2:8080")
	require.NoError(t, err)

	// Success keeps the pairing even with a fresh proxy available
	l2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	got, _ = l2.Proxy()
	assert.Equal(t, p1.ID, got.ID)
	l2.Release(errs.OutcomeTransientError)

	// A failure drops the pairing; the idle proxy is picked next
	l3, err := s.Acquire(context.Background())
	require.NoError(t, err)
	got, _ = l3.Proxy()
	assert.Equal(t, p2.ID, got.ID)
	l3.Release(errs.OutcomeSuccess)
}

func TestNoProxiesMeansDirect(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	_, ok := lease.Proxy()
	assert.False(t, ok, "a pool without proxies runs direct")
	lease.Release(errs.OutcomeSuccess)
}

func TestAllProxiesDeadSurfacesNoHealthyProxy(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.AcquireBlocks = false
	s := newTestScheduler(t, cfg)
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	p, err := s.AddProxy("http://proxy-1:8080")
	require.NoError(t, err)
	for i := 0; i < cfg.Proxy.DeadThreshold; i++ {
		s.Rotator().ReportOutcome(p.ID, false)
	}

	_, err = s.Acquire(context.Background())
	assert.Equal(t, errs.ErrorTypeNoHealthyProxy, errs.TypeOf(err))
	var perr *errs.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "a", perr.IdentityID)

	// The failed grant must not leave the identity locked
	snap := s.Snapshot()
	assert.False(t, snap.Identities[0].Leased)
}

func TestWindowExhaustionScenario(t *testing.T) {
	// 3 identities with 2 requests each: of 10 concurrent fetches exactly
	// 6 succeed, the rest queue until cancelled.
	cfg := testConfig()
	cfg.RateLimit.MaxPerWindow = 2
	s := newTestScheduler(t, cfg)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.AddIdentity(id, []byte("pw"), "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var successes, cancelled atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLease(ctx, func(ctx context.Context, lease *Lease) error {
				return nil
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errs.TypeOf(err) == errs.ErrorTypeCancelled:
				cancelled.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		return successes.Load() == 6
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	assert.Equal(t, int32(6), successes.Load())
	assert.Equal(t, int32(4), cancelled.Load())

	snap := s.Snapshot()
	for _, ident := range snap.Identities {
		assert.Equal(t, 2, ident.RequestsThisWindow)
		assert.Zero(t, ident.RemainingQuota)
	}
}

func TestRemoveIdentityWhileLeased(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.RemoveIdentity("a"))

	// Releasing against a removed identity is harmless
	lease.Release(errs.OutcomeSuccess)
	assert.Empty(t, s.Snapshot().Identities)

	assert.Error(t, s.RemoveIdentity("a"))
}

func TestSnapshotContents(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	_, err := s.AddIdentity("b", []byte("pw"), "")
	require.NoError(t, err)
	_, err = s.AddIdentity("a", []byte("pw"), "")
	require.NoError(t, err)
	_, err = s.AddProxy("http://proxy-1:8080")
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Identities, 2)
	assert.Equal(t, "a", snap.Identities[0].ID, "snapshot identities are sorted")
	assert.Len(t, snap.Proxies, 1)
	assert.False(t, snap.TakenAt.IsZero())
}
