// Package proxy maintains the pool of outbound egress endpoints and
// their health.
//
// Demotion policy: consecutive failures increment on failure and reset
// on success; at the first threshold a proxy goes Healthy -> Degraded,
// at the second Degraded -> Dead. Dead proxies follow a circuit breaker:
// after a cooldown one half-open probe is allowed, a single success
// closes the breaker, a probe failure reopens it immediately.
//
// Selection is least-recently-used among usable endpoints so load
// spreads evenly instead of concentrating on one exit.
package proxy
