package redpanda

import (
	"testing"
	"time"
)

func TestAdaptivePoller_SuccessAndFailureIntervals(t *testing.T) {
	base := 2 * time.Second
	p := NewAdaptivePoller(base)

	// Initial interval should be around base when no history
	iv := p.GetNextInterval()
	if iv < p.minInterval || iv > p.maxInterval {
		t.Fatalf("initial interval out of range: %v", iv)
	}

	// After several successes, interval should decrease but not below minInterval
	for i := 0; i < 3; i++ {
		p.RecordSuccess()
	}
	iv = p.GetNextInterval()
	if iv < p.minInterval || iv > base {
		t.Fatalf("success interval out of range: %v (min=%v, base=%v)", iv, p.minInterval, base)
	}
	if !p.IsHealthy() {
		t.Fatalf("poller should be healthy after successes")
	}

	// After several failures, interval should back off up to maxInterval
	for i := 0; i < 5; i++ {
		p.RecordFailure()
	}
	iv = p.GetNextInterval()
	if iv <= base || iv > p.maxInterval {
		t.Fatalf("failure backoff interval out of range: %v (base=%v, max=%v)", iv, base, p.maxInterval)
	}

	// Hit circuit breaker threshold
	for i := 0; i < 10; i++ {
		p.RecordFailure()
	}
	iv = p.GetNextInterval()
	if iv != p.maxInterval {
		t.Fatalf("expected circuit breaker interval %v, got %v", p.maxInterval, iv)
	}
	if p.IsHealthy() {
		t.Fatalf("poller should be unhealthy after many failures")
	}
}

func TestAdaptivePoller_GetStatsAndReset(t *testing.T) {
	p := NewAdaptivePoller(1 * time.Second)
	p.RecordSuccess()
	p.RecordFailure()

	stats := p.GetStats()
	if stats["total_polls"].(int) != 2 {
		t.Fatalf("expected total_polls=2, got %v", stats["total_polls"])
	}

	p.Reset()
	stats = p.GetStats()
	if stats["success_count"].(int) != 0 || stats["failure_count"].(int) != 0 {
		t.Fatalf("expected counters reset to 0, got %+v", stats)
	}
	if !p.IsHealthy() {
		t.Fatalf("poller should be healthy after reset")
	}
}

