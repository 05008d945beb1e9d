package syncer

import (
	"testing"
	"time"
)

func TestBackoffDelayDoublesFromBase(t *testing.T) {
	base := 30 * time.Second
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{retryCount: 0, want: 30 * time.Second},
		{retryCount: 1, want: 30 * time.Second},
		{retryCount: 2, want: time.Minute},
		{retryCount: 3, want: 2 * time.Minute},
		{retryCount: 5, want: 8 * time.Minute},
		{retryCount: 7, want: 32 * time.Minute},
		{retryCount: 8, want: maxBackoff},
		{retryCount: 20, want: maxBackoff},
	}
	for _, c := range cases {
		if got := backoffDelay(base, c.retryCount); got != c.want {
			t.Fatalf("retry %d: expected %v, got %v", c.retryCount, c.want, got)
		}
	}
}

func TestBackoffDelayDefaultsBase(t *testing.T) {
	if got := backoffDelay(0, 1); got != 30*time.Second {
		t.Fatalf("expected default base, got %v", got)
	}
}

func TestBackoffDelayNeverExceedsCap(t *testing.T) {
	if got := backoffDelay(45*time.Minute, 2); got != maxBackoff {
		t.Fatalf("expected cap, got %v", got)
	}
}
