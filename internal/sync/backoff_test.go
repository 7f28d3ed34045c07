package sync

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 8*time.Second, 0)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
		{0, time.Second},     // clamped to first attempt
	}
	for _, tc := range cases {
		if got := b.NextDelay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := NewExponentialBackoff(time.Second, time.Hour, 0.2)

	b.rand = func() float64 { return 0 } // lowest jitter
	low := b.NextDelay(3)
	b.rand = func() float64 { return 0.999999 } // highest jitter
	high := b.NextDelay(3)

	base := 4 * time.Second
	if low < time.Duration(float64(base)*0.8) || low >= base {
		t.Fatalf("low jitter out of bounds: %v", low)
	}
	if high <= base || high > time.Duration(float64(base)*1.2) {
		t.Fatalf("high jitter out of bounds: %v", high)
	}
}
