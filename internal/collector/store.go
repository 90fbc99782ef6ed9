package collector

import (
	"context"
	"fmt"
	"time"
)

// Store is the shared dedup/rate-limit interface behind the in-memory and
// Redis implementations. Rate-limit windows are fixed, not sliding: callers
// bucket by floor(now / window).
type Store interface {
	// CheckRateLimit reports whether the affiliate's count for the current
	// fixed window is strictly less than limit, without mutating it. This is
	// the read-only validation step; IncrementRate is the mutation that
	// follows once every later validation has also passed.
	CheckRateLimit(ctx context.Context, affiliate string, window time.Duration, limit int) (allowed bool, err error)

	// IncrementRate atomically increments the affiliate's counter for the
	// current fixed window. Called only after every validation has passed.
	IncrementRate(ctx context.Context, affiliate string, window time.Duration) error

	// RateCount reports the affiliate's current count for the active fixed
	// window, for admin introspection.
	RateCount(ctx context.Context, affiliate string, window time.Duration) (count int64, err error)

	// SeenOrMark reports whether fingerprint has already been recorded; if
	// not, it records it with ttl and returns false.
	SeenOrMark(ctx context.Context, fingerprint string, ttl time.Duration) (seen bool, err error)
}

func bucketKey(affiliate string, window time.Duration, now time.Time) string {
	bucket := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("rate:%s:%d", affiliate, bucket)
}
