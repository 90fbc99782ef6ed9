package outbox

import (
	"testing"
	"time"
)

func TestNextBackoffDoublesUpToMax(t *testing.T) {
	max := 10 * time.Second
	got := time.Second
	for _, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second} {
		got = nextBackoff(got, max)
		if got != want {
			t.Fatalf("nextBackoff = %v, want %v", got, want)
		}
	}
}

func TestNextBackoffHandlesZeroCurrent(t *testing.T) {
	if got := nextBackoff(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("nextBackoff(0, ...) = %v, want max", got)
	}
}
