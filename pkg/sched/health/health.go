// Package health maintains per-provider rolling health metrics: latency
// (EWMA), error rate, consecutive failures, and a composite health score
// used by the load balancer's health-aware strategy.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is the point-in-time health record for one provider/instance.
type Snapshot struct {
	IsHealthy           bool
	LastProbe           time.Time
	RollingResponseTime time.Duration // EWMA, alpha=0.1
	ErrorRate           float64       // totalFailures / totalRequests, in [0,1]
	ConsecutiveFailures int
	TotalRequests       int64
	TotalFailures       int64
	AverageResponseTime time.Duration // arithmetic mean over TotalRequests
	LastUsed            time.Time
}

// Weights controls the composite health-score formula.
type Weights struct {
	ErrorRate           float64
	Latency             float64
	ConsecutiveFailures float64
	Liveness            float64
}

// DefaultWeights matches spec §4.1: error rate 40%, latency 30%,
// consecutive failures 20%, liveness 10%.
func DefaultWeights() Weights {
	return Weights{ErrorRate: 0.4, Latency: 0.3, ConsecutiveFailures: 0.2, Liveness: 0.1}
}

// Prober is implemented by anything the health tracker can periodically
// probe for liveness — the concrete shape of the "pipeline instance health
// probe" interface spec.md names but leaves out of scope.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Config tunes the tracker's scoring and probing behavior.
type Config struct {
	Weights                 Weights
	LatencyCeiling          time.Duration // normalization ceiling for the latency term, default 1000ms
	ConsecutiveFailureCap   int           // saturation point for the consecutive-failures term, default 10
	HealthCheckInterval     time.Duration // default 30s
	UnhealthyAfterFailures  int           // default 3
}

// DefaultConfig returns spec-default tuning.
func DefaultConfig() Config {
	return Config{
		Weights:                DefaultWeights(),
		LatencyCeiling:         1000 * time.Millisecond,
		ConsecutiveFailureCap:  10,
		HealthCheckInterval:    30 * time.Second,
		UnhealthyAfterFailures: 3,
	}
}

// Tracker owns a providerID -> Snapshot map and the background probe loop.
type Tracker struct {
	mu       sync.RWMutex
	snapshots map[string]*Snapshot
	cfg      Config
	logger   *slog.Logger

	probeMu sync.Mutex
	probers map[string]Prober

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. A nil logger discards all log output.
func New(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	return &Tracker{
		snapshots: make(map[string]*Snapshot),
		cfg:       cfg,
		logger:    logger,
		probers:   make(map[string]Prober),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// RegisterProber associates a provider ID with the prober used by the
// periodic health-check loop.
func (t *Tracker) RegisterProber(providerID string, p Prober) {
	t.probeMu.Lock()
	defer t.probeMu.Unlock()
	t.probers[providerID] = p
}

// UnregisterProber stops probeAll from calling providerID's prober. Callers
// destroying a pipeline must pair RegisterProber with this, or the probe
// loop keeps invoking a dead instance indefinitely.
func (t *Tracker) UnregisterProber(providerID string) {
	t.probeMu.Lock()
	delete(t.probers, providerID)
	t.probeMu.Unlock()

	t.mu.Lock()
	delete(t.snapshots, providerID)
	t.mu.Unlock()
}

// Record updates rolling metrics for one completed call.
func (t *Tracker) Record(providerID string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.snapshots[providerID]
	if !ok {
		s = &Snapshot{IsHealthy: true}
		t.snapshots[providerID] = s
	}

	s.LastUsed = time.Now()
	s.TotalRequests++

	const alpha = 0.1
	if s.RollingResponseTime == 0 {
		s.RollingResponseTime = latency
	} else {
		s.RollingResponseTime = time.Duration(alpha*float64(latency) + (1-alpha)*float64(s.RollingResponseTime))
	}

	// Arithmetic mean over all requests so far.
	prevTotal := float64(s.AverageResponseTime) * float64(s.TotalRequests-1)
	s.AverageResponseTime = time.Duration((prevTotal + float64(latency)) / float64(s.TotalRequests))

	if success {
		s.ConsecutiveFailures = 0
	} else {
		s.TotalFailures++
		s.ConsecutiveFailures++
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.TotalFailures) / float64(s.TotalRequests)
	}
}

// Snapshot returns a copy of the current snapshot for providerID, or the
// zero value (not healthy=false — see HealthScore) if never recorded.
func (t *Tracker) Snapshot(providerID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.snapshots[providerID]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// HealthScore returns a composite [0,1] score. An unknown provider is
// treated as healthy (returns 1.0), per spec §4.1.
func (t *Tracker) HealthScore(providerID string) float64 {
	t.mu.RLock()
	s, ok := t.snapshots[providerID]
	t.mu.RUnlock()
	if !ok {
		return 1.0
	}

	w := t.cfg.Weights
	ceiling := t.cfg.LatencyCeiling
	if ceiling <= 0 {
		ceiling = 1000 * time.Millisecond
	}
	cap := t.cfg.ConsecutiveFailureCap
	if cap <= 0 {
		cap = 10
	}

	errScore := 1 - clamp01(s.ErrorRate)
	latScore := 1 - clamp01(float64(s.RollingResponseTime)/float64(ceiling))
	consScore := 1 - clamp01(float64(s.ConsecutiveFailures)/float64(cap))
	liveScore := 0.0
	if s.IsHealthy {
		liveScore = 1.0
	}

	return w.ErrorRate*errScore + w.Latency*latScore + w.ConsecutiveFailures*consScore + w.Liveness*liveScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MarkUnhealthy forces isHealthy=false for providerID.
func (t *Tracker) MarkUnhealthy(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(providerID)
	s.IsHealthy = false
}

// MarkHealthy forces isHealthy=true for providerID.
func (t *Tracker) MarkHealthy(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(providerID)
	s.IsHealthy = true
}

func (t *Tracker) getOrCreateLocked(providerID string) *Snapshot {
	s, ok := t.snapshots[providerID]
	if !ok {
		s = &Snapshot{IsHealthy: true}
		t.snapshots[providerID] = s
	}
	return s
}

// IsHealthy reports the liveness flag for providerID (unknown = healthy).
func (t *Tracker) IsHealthy(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.snapshots[providerID]
	if !ok {
		return true
	}
	return s.IsHealthy
}

// Start launches the periodic probe loop. Stop cancels it.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	interval := t.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t.wg.Add(1)
	go t.probeLoop(ctx, interval)
}

func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) probeLoop(ctx context.Context, interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probeAll(ctx)
		}
	}
}

func (t *Tracker) probeAll(ctx context.Context) {
	t.probeMu.Lock()
	probers := make(map[string]Prober, len(t.probers))
	for k, v := range t.probers {
		probers[k] = v
	}
	t.probeMu.Unlock()

	threshold := t.cfg.UnhealthyAfterFailures
	if threshold <= 0 {
		threshold = 3
	}

	for providerID, p := range probers {
		ok := p.Probe(ctx)
		t.mu.Lock()
		s := t.getOrCreateLocked(providerID)
		s.LastProbe = time.Now()
		if ok {
			s.ConsecutiveFailures = 0
			s.IsHealthy = true
		} else {
			s.ConsecutiveFailures++
			if s.ConsecutiveFailures >= threshold {
				s.IsHealthy = false
				t.logger.Warn("provider marked unhealthy", "provider", providerID, "consecutive_failures", s.ConsecutiveFailures)
			}
		}
		t.mu.Unlock()
	}
}
