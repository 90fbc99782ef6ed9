package collector

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRateLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := store.CheckRateLimit(ctx, "A1", time.Minute, 3)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !allowed {
			t.Fatalf("expected allowed at count %d", i)
		}
		if err := store.IncrementRate(ctx, "A1", time.Minute); err != nil {
			t.Fatalf("IncrementRate: %v", err)
		}
	}

	allowed, err := store.CheckRateLimit(ctx, "A1", time.Minute, 3)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if allowed {
		t.Fatal("expected rate limit exceeded after 3 increments against a cap of 3")
	}
}

func TestMemoryStoreSeenOrMark(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seen, err := store.SeenOrMark(ctx, "fp-1", time.Hour)
	if err != nil {
		t.Fatalf("SeenOrMark: %v", err)
	}
	if seen {
		t.Fatal("first SeenOrMark call should report not-seen")
	}

	seen, err = store.SeenOrMark(ctx, "fp-1", time.Hour)
	if err != nil {
		t.Fatalf("SeenOrMark: %v", err)
	}
	if !seen {
		t.Fatal("second SeenOrMark call should report seen")
	}
}
