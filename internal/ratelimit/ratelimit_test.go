package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestUnlimitedWhenZeroRate(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
}

func TestBurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("Allow within burst #%d: %v", i, err)
		}
	}
	if err := l.Allow("client"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
}

func TestClientsIsolated(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatalf("Allow a: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("a should be limited, got %v", err)
	}
	// b still has a full bucket.
	if err := l.Allow("b"); err != nil {
		t.Fatalf("Allow b: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 5})

	for i := 0; i < 5; i++ {
		if err := l.Allow("c"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
	if err := l.Allow("c"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
}

func TestRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("d"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	// Rewind the fill timestamp instead of sleeping.
	l.mu.Lock()
	l.clients["d"].lastFill = l.clients["d"].lastFill.Add(-2 * time.Second)
	l.mu.Unlock()

	if err := l.Allow("d"); err != nil {
		t.Fatalf("Allow after refill: %v", err)
	}
}
