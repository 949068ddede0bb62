package pool_test

import (
	"context"
	"fmt"

	"scrapepool/pkg/config"
	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/pool"
)

func ExampleScheduler_WithLease() {
	cfg := config.DefaultConfig()
	cfg.Proxy.Endpoints = []string{"http://proxy-1:8080", "http://proxy-2:8080"}

	scheduler, err := pool.New(cfg, nil)
	if err != nil {
		fmt.Printf("Failed to build pool: %v\n", err)
		return
	}

	// Register the accounts the workload may use. The secret is whatever
	// blob your platform code needs; the pool never inspects it.
	if _, err := scheduler.AddIdentity("account-1", []byte("sessionid=..."), pool.StateFresh); err != nil {
		fmt.Printf("Failed to add identity: %v\n", err)
		return
	}

	// Each fetch runs under an exclusive lease: the scheduler picks the
	// identity and proxy, paces the request, and retries transient
	// failures with backoff.
	err = scheduler.WithLease(context.Background(), func(ctx context.Context, lease *pool.Lease) error {
		px, _ := lease.Proxy()
		fmt.Printf("fetching as %s via %s\n", lease.IdentityID(), px.EndpointURI)

		// Perform the platform request here, classifying failures:
		//   return errs.New(errs.ErrorTypeRateLimited, "429 from platform")
		return nil
	})
	if err != nil {
		if errs.TypeOf(err) == errs.ErrorTypeNoEligibleIdentity {
			// Capacity exhausted; the workload layer should throttle.
		}
		fmt.Printf("Fetch failed: %v\n", err)
	}
}
