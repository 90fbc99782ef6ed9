// Package proxy implements the C7 failover reverse proxy: two campaign
// service upstreams (active/standby), a background health probe, and a
// hysteresis cutover rule that avoids flapping between them.
package proxy

import (
	"sync"
)

// upstream tracks one candidate's health and the consecutive-result
// counters the cutover rule and status endpoint read. Reset-on-opposite-
// event, increment-on-same-event mirrors infrastructure/resilience.
// CircuitBreaker's counting idiom; the state machine itself is simpler than
// a circuit breaker's open/half-open/closed cycle, since the cutover rule
// only gates on the active side's failure streak and the standby's
// reset-to-zero healthy state, not a timeout-gated half-open probe.
type upstream struct {
	mu sync.RWMutex

	name    string
	baseURL string

	healthy              bool
	consecutiveFailures  int
	consecutiveSuccesses int
}

func newUpstream(name, baseURL string) *upstream {
	return &upstream{name: name, baseURL: baseURL, healthy: true}
}

func (u *upstream) recordResult(ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if ok {
		u.consecutiveSuccesses++
		u.consecutiveFailures = 0
	} else {
		u.consecutiveFailures++
		u.consecutiveSuccesses = 0
	}
	u.healthy = ok
}

func (u *upstream) snapshot() (healthy bool, failures, successes int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.healthy, u.consecutiveFailures, u.consecutiveSuccesses
}

func (u *upstream) url() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.baseURL
}
