package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "scrapepool/pkg/errors"
	"scrapepool/pkg/logger"
)

func testRotator(t *testing.T, cooldown time.Duration) *Rotator {
	t.Helper()
	return NewRotator(Config{
		DegradedThreshold: 3,
		DeadThreshold:     6,
		ProbeCooldown:     cooldown,
	}, logger.Nop())
}

func TestAddAndSelect(t *testing.T) {
	r := testRotator(t, time.Minute)

	p, err := r.Add("socks5://10.0.0.1:1080")
	if err != nil {
		t.Fatalf("Expected add to succeed, got %v", err)
	}
	if p.Health != Healthy {
		t.Errorf("Expected new proxy to be healthy, got %s", p.Health)
	}

	got, err := r.Select(nil)
	if err != nil {
		t.Fatalf("Expected select to succeed, got %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("Expected proxy %s, got %s", p.ID, got.ID)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	r := testRotator(t, time.Minute)

	_, err := r.Select(nil)
	if errs.TypeOf(err) != errs.ErrorTypeNoHealthyProxy {
		t.Errorf("Expected no-healthy-proxy error, got %v", err)
	}
}

func TestSelectLeastRecentlyUsed(t *testing.T) {
	r := testRotator(t, time.Minute)

	a, _ := r.Add("http://10.0.0.1:8080")
	b, _ := r.Add("http://10.0.0.2:8080")

	first, err := r.Select(nil)
	if err != nil {
		t.Fatalf("Expected select to succeed, got %v", err)
	}

	// The untouched proxy is older in LRU order
	second, err := r.Select(nil)
	if err != nil {
		t.Fatalf("Expected select to succeed, got %v", err)
	}
	if second.ID == first.ID {
		t.Error("Expected rotation to alternate between proxies")
	}

	seen := map[string]bool{first.ID: true, second.ID: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Error("Expected both proxies to be selected once each")
	}
}

func TestSelectExcluding(t *testing.T) {
	r := testRotator(t, time.Minute)

	a, _ := r.Add("http://10.0.0.1:8080")
	b, _ := r.Add("http://10.0.0.2:8080")

	got, err := r.Select(map[string]struct{}{a.ID: {}})
	if err != nil {
		t.Fatalf("Expected select to succeed, got %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("Expected excluded proxy to be skipped, got %s", got.ID)
	}
}

func TestDemotionThresholds(t *testing.T) {
	r := testRotator(t, time.Minute)
	p, _ := r.Add("http://10.0.0.1:8080")

	for i := 0; i < 2; i++ {
		r.ReportOutcome(p.ID, false)
	}
	if got, _ := r.Get(p.ID); got.Health != Healthy {
		t.Errorf("Expected healthy below threshold, got %s", got.Health)
	}

	r.ReportOutcome(p.ID, false) // third consecutive failure
	if got, _ := r.Get(p.ID); got.Health != Degraded {
		t.Errorf("Expected degraded at threshold, got %s", got.Health)
	}

	for i := 0; i < 3; i++ {
		r.ReportOutcome(p.ID, false)
	}
	if got, _ := r.Get(p.ID); got.Health != Dead {
		t.Errorf("Expected dead at second threshold, got %s", got.Health)
	}
	if r.IsUsable(p.ID) {
		t.Error("Expected dead proxy to be unusable")
	}

	// Dead proxies are excluded from selection until the cooldown elapses
	if _, err := r.Select(nil); errs.TypeOf(err) != errs.ErrorTypeNoHealthyProxy {
		t.Errorf("Expected no-healthy-proxy while dead, got %v", err)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	r := testRotator(t, time.Minute)
	p, _ := r.Add("http://10.0.0.1:8080")

	r.ReportOutcome(p.ID, false)
	r.ReportOutcome(p.ID, false)
	r.ReportOutcome(p.ID, true)

	got, _ := r.Get(p.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("Expected failures reset on success, got %d", got.ConsecutiveFailures)
	}
	if got.Health != Healthy {
		t.Errorf("Expected healthy after success, got %s", got.Health)
	}
}

func TestHalfOpenProbeRecovery(t *testing.T) {
	r := testRotator(t, 50*time.Millisecond)
	p, _ := r.Add("http://10.0.0.1:8080")

	for i := 0; i < 6; i++ {
		r.ReportOutcome(p.ID, false)
	}
	if got, _ := r.Get(p.ID); got.Health != Dead {
		t.Fatalf("Expected dead proxy, got %s", got.Health)
	}

	time.Sleep(80 * time.Millisecond)

	// After the cooldown the dead proxy is handed out half-open
	got, err := r.Select(nil)
	if err != nil {
		t.Fatalf("Expected half-open selection after cooldown, got %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("Expected the dead proxy to be probed, got %s", got.ID)
	}

	// While the probe is out, no second half-open selection happens
	if _, err := r.Select(nil); err == nil {
		t.Error("Expected no second half-open selection while probe is out")
	}

	// One success closes the breaker
	r.ReportOutcome(p.ID, true)
	if got, _ := r.Get(p.ID); got.Health != Healthy {
		t.Errorf("Expected healthy after probe success, got %s", got.Health)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	r := testRotator(t, 50*time.Millisecond)
	p, _ := r.Add("http://10.0.0.1:8080")

	for i := 0; i < 6; i++ {
		r.ReportOutcome(p.ID, false)
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := r.Select(nil); err != nil {
		t.Fatalf("Expected half-open selection, got %v", err)
	}
	r.ReportOutcome(p.ID, false)

	// Breaker reopened with a fresh cooldown
	if got, _ := r.Get(p.ID); got.Health != Dead {
		t.Errorf("Expected dead after probe failure, got %s", got.Health)
	}
	if _, err := r.Select(nil); err == nil {
		t.Error("Expected fresh cooldown after probe failure")
	}
}

func TestRunProbes(t *testing.T) {
	r := testRotator(t, 10*time.Millisecond)
	p, _ := r.Add("http://10.0.0.1:8080")

	for i := 0; i < 6; i++ {
		r.ReportOutcome(p.ID, false)
	}
	time.Sleep(30 * time.Millisecond)

	probed := 0
	r.RunProbes(context.Background(), func(ctx context.Context, pr Proxy) error {
		probed++
		return nil
	})

	if probed != 1 {
		t.Errorf("Expected exactly one probe, got %d", probed)
	}
	if got, _ := r.Get(p.ID); got.Health != Healthy {
		t.Errorf("Expected healthy after probe success, got %s", got.Health)
	}

	// Healthy proxies are not probed
	r.RunProbes(context.Background(), func(ctx context.Context, pr Proxy) error {
		probed++
		return errors.New("unreachable")
	})
	if probed != 1 {
		t.Errorf("Expected no probes for healthy pool, got %d", probed)
	}
}

func TestRemove(t *testing.T) {
	r := testRotator(t, time.Minute)
	p, _ := r.Add("http://10.0.0.1:8080")

	if err := r.Remove(p.ID); err != nil {
		t.Errorf("Expected remove to succeed, got %v", err)
	}
	if err := r.Remove(p.ID); err == nil {
		t.Error("Expected error removing unknown proxy")
	}
	if len(r.List()) != 0 {
		t.Errorf("Expected empty pool, got %d proxies", len(r.List()))
	}
}
