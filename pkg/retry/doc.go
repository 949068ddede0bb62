// Package retry provides bounded, jittered retry with exponential backoff
// for fetch operations issued through the pool.
//
// Classification matters: only transient and rate-limit failures consume
// retry budget. Auth failures and bans are surfaced immediately, since
// retrying a dead or banned credential wastes attempts and worsens
// suspicion on the platform side.
//
// Basic usage:
//
//	engine := retry.NewEngine(retry.Policy{
//		MaxAttempts:       3,
//		BaseDelay:         30 * time.Second,
//		BackoffMultiplier: 2.0,
//		JitterRatio:       0.1,
//		MaxDelay:          5 * time.Minute,
//	}, logger.GetLogger())
//
//	err := engine.Execute(ctx, func(ctx context.Context) error {
//		return fetchProfile(ctx, username)
//	})
//
// Exhausting the attempt budget yields a classified exhausted-retries
// error wrapping the last observed failure for diagnostics.
package retry
