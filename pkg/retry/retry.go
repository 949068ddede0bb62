package retry

import (
	"context"
	goerrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/logger"
)

// Operation is a fallible unit of work wrapped by the engine
type Operation func(ctx context.Context) error

// OperationWithResult is a fallible unit of work that returns a result
type OperationWithResult[T any] func(ctx context.Context) (T, error)

// Policy is an immutable retry configuration, applied per logical
// operation rather than per identity.
type Policy struct {
	// MaxAttempts is the total attempt budget, first try included
	MaxAttempts int
	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration
	// BackoffMultiplier is the factor by which delay grows per attempt
	BackoffMultiplier float64
	// JitterRatio randomizes each delay by ±ratio (0.0 to 1.0)
	JitterRatio float64
	// MaxDelay is the ceiling any single delay is clamped to
	MaxDelay time.Duration
}

// DefaultPolicy returns a policy with sensible defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterRatio:       0.1,
		MaxDelay:          5 * time.Minute,
	}
}

// Delay computes the backoff before retrying after attempt n (1-indexed):
// BaseDelay * BackoffMultiplier^(n-1) * (1 ± JitterRatio), clamped to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Jitter to avoid thundering herd
	if p.JitterRatio > 0 {
		jitter := delay * p.JitterRatio
		delay += (rand.Float64() * 2 * jitter) - jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Engine executes operations under a retry policy. Only transient and
// rate-limit failures consume retry budget; auth failures and bans are
// surfaced immediately.
type Engine struct {
	policy Policy
	logger logger.Logger
}

// NewEngine creates a retry engine with the given policy
func NewEngine(policy Policy, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{policy: policy, logger: log}
}

// Policy returns the engine's policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, fails terminally, or exhausts the
// attempt budget. Exhaustion yields a classified exhausted-retries error
// carrying the last observed failure.
func (e *Engine) Execute(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.ErrorTypeCancelled, "operation cancelled", err)
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return nil
		}
		lastErr = err

		errType := errs.TypeOf(err)
		if !errs.IsRetryable(errType) {
			e.logger.DebugWithFields("error is not retryable", map[string]interface{}{
				"error_type": string(errType),
				"error":      err.Error(),
			})
			return err
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		e.logger.WarnWithFields("retrying operation", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": e.policy.MaxAttempts,
			"error":        err.Error(),
			"delay_ms":     delay.Milliseconds(),
		})

		if err := Wait(ctx, delay); err != nil {
			return errs.Wrap(errs.ErrorTypeCancelled, "retry cancelled", err)
		}
	}

	e.logger.ErrorWithFields("retry attempts exhausted", map[string]interface{}{
		"attempts":   e.policy.MaxAttempts,
		"last_error": lastErr.Error(),
	})
	return errs.Wrap(errs.ErrorTypeExhaustedRetries,
		fmt.Sprintf("all %d attempts failed", e.policy.MaxAttempts), lastErr)
}

// ExecuteWithResult runs an operation that returns a result under the
// engine's retry policy
func ExecuteWithResult[T any](ctx context.Context, e *Engine, op OperationWithResult[T]) (T, error) {
	var result T

	err := e.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})

	return result, err
}

// Execute runs op under the given policy with the global logger
func Execute(ctx context.Context, op Operation, policy Policy) error {
	return NewEngine(policy, nil).Execute(ctx, op)
}

// IsExhausted reports whether err is an exhausted-retries error
func IsExhausted(err error) bool {
	var perr *errs.Error
	if goerrors.As(err, &perr) {
		return perr.Type == errs.ErrorTypeExhaustedRetries
	}
	return false
}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
