// Package pool implements the credential pool scheduler: the central
// component that multiplexes many rate-limited, ban-prone identities and
// proxies across a concurrent scraping workload.
//
// A caller acquires an exclusive Lease on one identity, runs its fetch
// through that identity's credentials and paired proxy, and releases the
// lease with a classified outcome. The scheduler spreads load with
// least-recently-used selection, enforces per-identity pacing and window
// quotas, cools down rate-limited identities, quarantines auth failures
// pending asynchronous re-authentication, and permanently suspends
// banned identities.
//
// The scheduler is transport-agnostic: the actual platform request is a
// caller-supplied Fetcher, and credential blobs are never interpreted by
// the pool.
package pool
