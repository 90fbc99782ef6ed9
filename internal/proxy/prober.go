package proxy

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/config"
)

// defaultHealthPath is probed on every upstream when cfg.HealthPath is unset.
const defaultHealthPath = "/health"

// Prober is a system.Service that polls both upstreams on a fixed interval
// and applies the hysteresis cutover rule: switching away from the active
// upstream requires it to have failed consecutiveFailureMax times in a row
// while the other is currently healthy; there is no automatic failback
// beyond the same rule applied with roles swapped.
type Prober struct {
	cfg    config.ProxyConfig
	client *http.Client
	log    *logrus.Entry

	healthPath string

	primary *upstream
	replica *upstream
	active  atomic.Pointer[upstream]

	mu      sync.Mutex
	stopped chan struct{}
	cancel  context.CancelFunc
}

// NewProber wires a prober over the configured primary/standby pair,
// starting with the primary active.
func NewProber(cfg config.ProxyConfig, log *logrus.Entry) *Prober {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := cfg.HealthProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = defaultHealthPath
	}

	p := &Prober{
		cfg:        cfg,
		client:     &http.Client{Timeout: timeout},
		log:        log.WithField("component", "proxy.prober"),
		healthPath: healthPath,
		primary:    newUpstream("primary", cfg.CampaignServiceActive),
		replica:    newUpstream("replica", cfg.CampaignServiceStandby),
	}
	p.active.Store(p.primary)
	return p
}

// Name identifies this service instance to the system lifecycle manager.
func (p *Prober) Name() string { return "proxy-prober" }

// Descriptor advertises this prober's placement to documentation/ops tooling.
func (p *Prober) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         p.Name(),
		Domain:       "proxy",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"health-probe", "failover"},
	}
}

// Start launches the probe loop in the background and returns immediately.
func (p *Prober) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.stopped = make(chan struct{})
	p.mu.Unlock()

	go p.run(runCtx)
	return nil
}

// Stop signals the probe loop to exit and waits for its current pass to
// finish.
func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	stopped := p.stopped
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the currently active upstream's base URL.
func (p *Prober) Active() *upstream {
	return p.active.Load()
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.stopped)

	interval := p.cfg.HealthProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.probeOnce(ctx)
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.primary.recordResult(p.probe(ctx, p.primary)) }()
	go func() { defer wg.Done(); p.replica.recordResult(p.probe(ctx, p.replica)) }()
	wg.Wait()

	p.applyCutoverRule()
}

func (p *Prober) probe(ctx context.Context, u *upstream) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url()+p.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *Prober) applyCutoverRule() {
	failureMax := p.cfg.ConsecutiveFailureMax
	if failureMax <= 0 {
		failureMax = 3
	}

	active := p.active.Load()
	var standby *upstream
	if active == p.primary {
		standby = p.replica
	} else {
		standby = p.primary
	}

	_, activeFailures, _ := active.snapshot()
	standbyHealthy, _, _ := standby.snapshot()

	// "currently healthy" is the standby's reset-to-zero state: its last
	// probe succeeded, full stop. No separate success streak is required.
	if activeFailures >= failureMax && standbyHealthy {
		p.active.Store(standby)
		p.log.WithFields(logrus.Fields{"from": active.name, "to": standby.name}).
			Warn("proxy: cutover, active upstream unhealthy")
	}
}
