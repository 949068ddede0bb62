package health

import (
	"sync"
	"time"

	errs "scrapepool/pkg/errors"
)

// Sample is one immutable request observation. Samples are append-only
// and never mutated after creation.
type Sample struct {
	IdentityID string        `json:"identity_id"`
	ProxyID    string        `json:"proxy_id,omitempty"`
	Outcome    errs.Outcome  `json:"outcome"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Stats aggregates samples for one identity or proxy over the rolling
// window
type Stats struct {
	Requests     int           `json:"requests"`
	Successes    int           `json:"successes"`
	RateLimited  int           `json:"rate_limited"`
	AuthFailures int           `json:"auth_failures"`
	Banned       int           `json:"banned"`
	Transient    int           `json:"transient"`
	SuccessRate  float64       `json:"success_rate"`
	MeanLatency  time.Duration `json:"mean_latency"`
	LastBanAt    time.Time     `json:"last_ban_at,omitempty"`
}

// Snapshot is a read-only aggregate view of the rolling window
type Snapshot struct {
	TakenAt    time.Time        `json:"taken_at"`
	Window     time.Duration    `json:"window"`
	Identities map[string]Stats `json:"identities"`
	Proxies    map[string]Stats `json:"proxies"`
}

// Monitor aggregates request outcomes for observability. It is purely
// observational: it never mutates identity or proxy state.
type Monitor struct {
	window  time.Duration
	samples []Sample
	mu      sync.Mutex
}

// NewMonitor creates a monitor with the given rolling window
func NewMonitor(window time.Duration) *Monitor {
	if window <= 0 {
		window = time.Hour
	}
	return &Monitor{window: window}
}

// Record appends a sample. Safe for concurrent writers.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.prune(time.Now())
	m.mu.Unlock()
}

// Snapshot aggregates the samples currently inside the rolling window
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.prune(now)

	snap := Snapshot{
		TakenAt:    now,
		Window:     m.window,
		Identities: make(map[string]Stats),
		Proxies:    make(map[string]Stats),
	}

	// latency sums kept separately so means are computed once at the end
	idLatency := make(map[string]time.Duration)
	pxLatency := make(map[string]time.Duration)

	for _, s := range m.samples {
		st := snap.Identities[s.IdentityID]
		accumulate(&st, s)
		idLatency[s.IdentityID] += s.Latency
		snap.Identities[s.IdentityID] = st

		if s.ProxyID != "" {
			pt := snap.Proxies[s.ProxyID]
			accumulate(&pt, s)
			pxLatency[s.ProxyID] += s.Latency
			snap.Proxies[s.ProxyID] = pt
		}
	}

	for id, st := range snap.Identities {
		finalize(&st, idLatency[id])
		snap.Identities[id] = st
	}
	for id, st := range snap.Proxies {
		finalize(&st, pxLatency[id])
		snap.Proxies[id] = st
	}

	return snap
}

// Count returns the number of samples inside the rolling window
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(time.Now())
	return len(m.samples)
}

func accumulate(st *Stats, s Sample) {
	st.Requests++
	switch s.Outcome {
	case errs.OutcomeSuccess:
		st.Successes++
	case errs.OutcomeRateLimited:
		st.RateLimited++
	case errs.OutcomeAuthFailure:
		st.AuthFailures++
	case errs.OutcomeBanned:
		st.Banned++
		if s.Timestamp.After(st.LastBanAt) {
			st.LastBanAt = s.Timestamp
		}
	default:
		st.Transient++
	}
}

func finalize(st *Stats, latencySum time.Duration) {
	if st.Requests > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Requests)
		st.MeanLatency = latencySum / time.Duration(st.Requests)
	}
}

// prune drops samples older than the window. Caller must hold the lock.
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-m.window)

	i := 0
	for i < len(m.samples) && m.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(m.samples, m.samples[i:])
		m.samples = m.samples[:len(m.samples)-i]
	}
}
