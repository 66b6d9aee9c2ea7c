package middleware

import (
	"testing"
	"time"
)

func TestFixedWindowExactLimit(t *testing.T) {
	l := NewFixedWindowLimiter(5, time.Minute)

	// The limit-th request succeeds.
	for i := 0; i < 5; i++ {
		allowed, _, _ := l.Allow("ip:1.2.3.4")
		if !allowed {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}

	// The limit+1-th returns a denial with a retry hint.
	allowed, remaining, retryAfter := l.Allow("ip:1.2.3.4")
	if allowed {
		t.Error("Request beyond the limit should be denied")
	}
	if remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", remaining)
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("Expected retry-after within the window, got %v", retryAfter)
	}
}

func TestFixedWindowRemainingCountsDown(t *testing.T) {
	l := NewFixedWindowLimiter(3, time.Minute)
	expected := []int{2, 1, 0}
	for i, want := range expected {
		_, remaining, _ := l.Allow("conn:abc")
		if remaining != want {
			t.Errorf("Request %d: expected remaining %d, got %d", i+1, want, remaining)
		}
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	l := NewFixedWindowLimiter(1, time.Minute)
	if allowed, _, _ := l.Allow("ip:a"); !allowed {
		t.Fatal("First request for key a should pass")
	}
	if allowed, _, _ := l.Allow("ip:b"); !allowed {
		t.Error("First request for key b should pass despite key a being exhausted")
	}
	if allowed, _, _ := l.Allow("ip:a"); allowed {
		t.Error("Second request for key a should be denied")
	}
}

func TestFixedWindowResets(t *testing.T) {
	l := NewFixedWindowLimiter(1, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	if allowed, _, _ := l.Allow("ip:a"); !allowed {
		t.Fatal("First request should pass")
	}
	if allowed, _, _ := l.Allow("ip:a"); allowed {
		t.Fatal("Second request in the same window should be denied")
	}

	// A new window starts fresh.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if allowed, _, _ := l.Allow("ip:a"); !allowed {
		t.Error("Request in the next window should pass")
	}
}
