package proxy

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/logger"
)

// Health is the rotation state of a proxy endpoint
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Dead     Health = "dead"
)

// Proxy is an outbound egress endpoint
type Proxy struct {
	ID                  string    `json:"id"`
	EndpointURI         string    `json:"endpoint_uri"`
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
}

// Config holds the health demotion policy
type Config struct {
	// DegradedThreshold demotes Healthy -> Degraded after this many
	// consecutive failures
	DegradedThreshold int
	// DeadThreshold demotes Degraded -> Dead and removes the proxy from
	// rotation
	DeadThreshold int
	// ProbeCooldown is how long a dead proxy waits before one half-open
	// probe is allowed
	ProbeCooldown time.Duration
}

// DefaultConfig returns the default demotion policy
func DefaultConfig() Config {
	return Config{
		DegradedThreshold: 3,
		DeadThreshold:     6,
		ProbeCooldown:     5 * time.Minute,
	}
}

// record is the rotator's internal mutable state for one proxy
type record struct {
	proxy     Proxy
	lastUsed  time.Time
	deadSince time.Time
	probing   bool
}

// ProbeFunc checks whether a proxy endpoint is reachable again
type ProbeFunc func(ctx context.Context, p Proxy) error

// Rotator maintains a set of egress endpoints and their health. Dead
// proxies follow a circuit-breaker pattern: half-open after a cooldown,
// closed after one probe success, open again immediately on probe failure.
type Rotator struct {
	cfg     Config
	proxies map[string]*record
	mu      sync.Mutex
	logger  logger.Logger
}

// NewRotator creates an empty rotator
func NewRotator(cfg Config, log logger.Logger) *Rotator {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 3
	}
	if cfg.DeadThreshold <= cfg.DegradedThreshold {
		cfg.DeadThreshold = cfg.DegradedThreshold * 2
	}
	if cfg.ProbeCooldown <= 0 {
		cfg.ProbeCooldown = 5 * time.Minute
	}
	return &Rotator{
		cfg:     cfg,
		proxies: make(map[string]*record),
		logger:  log,
	}
}

// Add registers a new endpoint and returns its assigned proxy
func (r *Rotator) Add(endpointURI string) (Proxy, error) {
	if _, err := url.Parse(endpointURI); err != nil {
		return Proxy{}, errs.Wrap(errs.ErrorTypeNoHealthyProxy, "invalid proxy endpoint", err)
	}

	p := Proxy{
		ID:          uuid.NewString(),
		EndpointURI: endpointURI,
		Health:      Healthy,
	}

	r.mu.Lock()
	r.proxies[p.ID] = &record{proxy: p}
	r.mu.Unlock()

	r.logger.InfoWithFields("proxy added", map[string]interface{}{
		"proxy_id": p.ID,
		"endpoint": endpointURI,
	})
	return p, nil
}

// Remove takes an endpoint out of the pool
func (r *Rotator) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.proxies[id]; !ok {
		return errs.New(errs.ErrorTypeNoHealthyProxy, "unknown proxy").WithProxy(id)
	}
	delete(r.proxies, id)
	return nil
}

// Get returns a snapshot of one proxy
func (r *Rotator) Get(id string) (Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.proxies[id]
	if !ok {
		return Proxy{}, false
	}
	return rec.proxy, true
}

// IsUsable reports whether a proxy may carry traffic right now
func (r *Rotator) IsUsable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.proxies[id]
	return ok && rec.proxy.Health != Dead
}

// Select returns the least-recently-used usable proxy, preferring healthy
// over degraded endpoints. When nothing else qualifies, a dead proxy whose
// cooldown has elapsed is handed out as a half-open probe. IDs in
// excluding are skipped.
func (r *Rotator) Select(excluding map[string]struct{}) (Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	pick := r.pickLRU(Healthy, excluding)
	if pick == nil {
		pick = r.pickLRU(Degraded, excluding)
	}
	if pick == nil {
		pick = r.pickHalfOpen(now, excluding)
	}
	if pick == nil {
		return Proxy{}, errs.New(errs.ErrorTypeNoHealthyProxy, "no usable proxy in pool")
	}

	pick.lastUsed = now
	return pick.proxy, nil
}

// pickLRU returns the least-recently-used record in the given health
// state. Caller must hold the lock.
func (r *Rotator) pickLRU(health Health, excluding map[string]struct{}) *record {
	var pick *record
	for id, rec := range r.proxies {
		if rec.proxy.Health != health {
			continue
		}
		if _, skip := excluding[id]; skip {
			continue
		}
		if pick == nil || rec.lastUsed.Before(pick.lastUsed) {
			pick = rec
		}
	}
	return pick
}

// pickHalfOpen returns one dead proxy whose cooldown has elapsed and that
// is not already out on a probe. Caller must hold the lock.
func (r *Rotator) pickHalfOpen(now time.Time, excluding map[string]struct{}) *record {
	for id, rec := range r.proxies {
		if rec.proxy.Health != Dead || rec.probing {
			continue
		}
		if _, skip := excluding[id]; skip {
			continue
		}
		if now.Sub(rec.deadSince) < r.cfg.ProbeCooldown {
			continue
		}
		rec.probing = true
		r.logger.InfoWithFields("proxy half-open, allowing one probe", map[string]interface{}{
			"proxy_id": id,
		})
		return rec
	}
	return nil
}

// ReportOutcome records the result of a request carried by a proxy.
// Consecutive failures reset on success and drive demotion on failure.
func (r *Rotator) ReportOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.proxies[id]
	if !ok {
		return
	}

	now := time.Now()
	rec.proxy.LastCheckedAt = now

	if success {
		prior := rec.proxy.Health
		rec.proxy.ConsecutiveFailures = 0
		rec.proxy.Health = Healthy
		rec.probing = false
		if prior != Healthy {
			r.logger.InfoWithFields("proxy recovered", map[string]interface{}{
				"proxy_id":     id,
				"prior_health": string(prior),
			})
		}
		return
	}

	rec.proxy.ConsecutiveFailures++

	// A half-open probe failure reopens the breaker immediately,
	// regardless of counters
	if rec.probing {
		rec.probing = false
		rec.proxy.Health = Dead
		rec.deadSince = now
		r.logger.WarnWithFields("proxy probe failed, breaker reopened", map[string]interface{}{
			"proxy_id": id,
		})
		return
	}

	switch {
	case rec.proxy.ConsecutiveFailures >= r.cfg.DeadThreshold:
		if rec.proxy.Health != Dead {
			rec.proxy.Health = Dead
			rec.deadSince = now
			r.logger.WarnWithFields("proxy marked dead", map[string]interface{}{
				"proxy_id": id,
				"failures": rec.proxy.ConsecutiveFailures,
			})
		}
	case rec.proxy.ConsecutiveFailures >= r.cfg.DegradedThreshold:
		if rec.proxy.Health == Healthy {
			rec.proxy.Health = Degraded
			r.logger.WarnWithFields("proxy degraded", map[string]interface{}{
				"proxy_id": id,
				"failures": rec.proxy.ConsecutiveFailures,
			})
		}
	}
}

// Len returns the number of proxies in the pool, dead ones included
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// List returns a snapshot of every proxy, ordered by endpoint for a
// stable view
func (r *Rotator) List() []Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Proxy, 0, len(r.proxies))
	for _, rec := range r.proxies {
		out = append(out, rec.proxy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndpointURI < out[j].EndpointURI
	})
	return out
}

// RunProbes re-checks every dead proxy whose cooldown has elapsed using
// the supplied probe. One success closes the breaker.
func (r *Rotator) RunProbes(ctx context.Context, probe ProbeFunc) {
	now := time.Now()

	r.mu.Lock()
	due := make([]Proxy, 0)
	for _, rec := range r.proxies {
		if rec.proxy.Health == Dead && !rec.probing && now.Sub(rec.deadSince) >= r.cfg.ProbeCooldown {
			rec.probing = true
			due = append(due, rec.proxy)
		}
	}
	r.mu.Unlock()

	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		err := probe(ctx, p)
		r.ReportOutcome(p.ID, err == nil)
	}
}

// StartProbeLoop runs RunProbes on a fixed interval until ctx is
// cancelled. Dead proxies are re-probed periodically, not continuously.
func (r *Rotator) StartProbeLoop(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.RunProbes(ctx, probe)
			case <-ctx.Done():
				r.logger.Debug("probe loop stopped")
				return
			}
		}
	}()
}
