package proxy

import (
	"testing"

	"github.com/campaignforge/sagaflow/internal/config"
)

func newTestProber() *Prober {
	cfg := config.ProxyConfig{
		ConsecutiveFailureMax:  3,
		CampaignServiceActive:  "http://primary.test",
		CampaignServiceStandby: "http://replica.test",
	}
	return NewProber(cfg, nil)
}

func TestCutoverSwitchesWhenActiveFailsAndStandbyHealthy(t *testing.T) {
	p := newTestProber()
	for i := 0; i < 3; i++ {
		p.primary.recordResult(false)
	}
	p.replica.recordResult(true)

	p.applyCutoverRule()

	if p.Active() != p.replica {
		t.Fatal("expected cutover to replica")
	}
}

func TestCutoverStaysPutWhenStandbyAlsoDown(t *testing.T) {
	p := newTestProber()
	for i := 0; i < 3; i++ {
		p.primary.recordResult(false)
		p.replica.recordResult(false)
	}

	p.applyCutoverRule()

	if p.Active() != p.primary {
		t.Fatal("expected no cutover when standby is also down")
	}
}

func TestCutoverRequiresFullFailureThreshold(t *testing.T) {
	p := newTestProber()
	p.primary.recordResult(false)
	p.primary.recordResult(false) // only 2 of 3 required
	p.replica.recordResult(true)

	p.applyCutoverRule()

	if p.Active() != p.primary {
		t.Fatal("expected no cutover below failure threshold")
	}
}

func TestCutoverOnSingleStandbySuccessOnceFailureThresholdReached(t *testing.T) {
	p := newTestProber()
	for i := 0; i < 3; i++ {
		p.primary.recordResult(false)
	}
	p.replica.recordResult(true) // one probe is enough: standby's reset-to-zero state is "healthy"
	p.applyCutoverRule()

	if p.Active() != p.replica {
		t.Fatal("expected cutover on the failure threshold alone, once standby is healthy")
	}
}

func TestUpstreamRecordResultResetsOppositeCounter(t *testing.T) {
	u := newUpstream("x", "http://x.test")
	u.recordResult(false)
	u.recordResult(false)
	_, failures, successes := u.snapshot()
	if failures != 2 || successes != 0 {
		t.Fatalf("failures=%d successes=%d, want 2,0", failures, successes)
	}

	u.recordResult(true)
	_, failures, successes = u.snapshot()
	if failures != 0 || successes != 1 {
		t.Fatalf("failures=%d successes=%d, want 0,1", failures, successes)
	}
}
