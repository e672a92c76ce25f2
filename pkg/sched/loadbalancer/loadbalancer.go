// Package loadbalancer selects one pipeline from a candidate set under a
// configurable strategy (spec §4.3), consulting health scores supplied by
// the caller. Grounded on the teacher's pkg/scheduler/loadbalancer
// (strategy-as-interface, registry-by-name) generalized to the exact
// strategy set and tie-break rules spec.md names, with canonical
// snake_case strategy identifiers resolving REDESIGN FLAG 4.
package loadbalancer

import (
	"errors"
	"math"
	"math/rand"
	"sync"
)

// ErrNoAvailablePipelines is returned when the candidate set is empty.
var ErrNoAvailablePipelines = errors.New("no available pipelines")

// Candidate is the selectable-pipeline view the load balancer scores
// against. All fields are caller-supplied snapshots; the balancer never
// mutates pipeline or health state itself.
type Candidate struct {
	PipelineID          string
	Weight              float64
	TotalRequests       int64
	AverageResponseTime float64 // nanoseconds, for easy arithmetic
	HealthScore         float64 // [0,1]
	InsertionOrder      int
}

// Strategy selects one candidate from a non-empty slice.
type Strategy interface {
	Name() string
	Select(candidates []Candidate) (Candidate, error)
}

// Canonical strategy names (spec REDESIGN FLAG: canonicalize on snake_case).
const (
	RoundRobin        = "round_robin"
	WeightedRandom    = "weighted_random"
	LeastConnections  = "least_connections"
	LeastLatency      = "least_latency"
	HealthAware       = "health_aware"
	Random            = "random"
)

// Balancer holds the registered strategies and per-selection-group
// round-robin counters.
type Balancer struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	rrCounters map[string]int // keyed by selection-group identity
}

// New registers the built-in strategies.
func New() *Balancer {
	b := &Balancer{
		strategies: make(map[string]Strategy),
		rrCounters: make(map[string]int),
	}
	b.Register(&roundRobinStrategy{b: b})
	b.Register(&weightedRandomStrategy{})
	b.Register(&leastConnectionsStrategy{})
	b.Register(&leastLatencyStrategy{})
	b.Register(&healthAwareStrategy{})
	b.Register(&randomStrategy{})
	return b
}

// Register adds or replaces a named strategy.
func (b *Balancer) Register(s Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategies[s.Name()] = s
}

// Select runs the named strategy (or its adaptive override, see
// SelectAdaptive) against candidates, honoring an optional preferred
// pipeline hint first.
func (b *Balancer) Select(strategyName string, candidates []Candidate, preferredPipelineID string) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}

	if preferredPipelineID != "" {
		for _, c := range candidates {
			if c.PipelineID == preferredPipelineID {
				return c, nil
			}
		}
	}

	b.mu.Lock()
	s, ok := b.strategies[strategyName]
	b.mu.Unlock()
	if !ok {
		s = b.strategies[RoundRobin]
	}
	return s.Select(candidates)
}

// SelectAdaptive implements spec §4.3's optional adaptive override:
// enableLoadBalancing=false -> round_robin; min healthScore < 0.5 ->
// health_aware; latency variance (max/min > 3) -> least_latency;
// otherwise the configured strategy.
func (b *Balancer) SelectAdaptive(configuredStrategy string, enableLoadBalancing bool, candidates []Candidate, preferredPipelineID string) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	strategy := configuredStrategy
	switch {
	case !enableLoadBalancing:
		strategy = RoundRobin
	case minHealthScore(candidates) < 0.5:
		strategy = HealthAware
	case latencyVarianceHigh(candidates):
		strategy = LeastLatency
	}
	return b.Select(strategy, candidates, preferredPipelineID)
}

func minHealthScore(candidates []Candidate) float64 {
	min := math.Inf(1)
	for _, c := range candidates {
		if c.HealthScore < min {
			min = c.HealthScore
		}
	}
	return min
}

func latencyVarianceHigh(candidates []Candidate) bool {
	if len(candidates) < 2 {
		return false
	}
	min, max := math.Inf(1), 0.0
	for _, c := range candidates {
		if c.AverageResponseTime < min {
			min = c.AverageResponseTime
		}
		if c.AverageResponseTime > max {
			max = c.AverageResponseTime
		}
	}
	if min <= 0 {
		return max > 0
	}
	return max/min > 3
}

// --- strategies ---

type roundRobinStrategy struct{ b *Balancer }

func (roundRobinStrategy) Name() string { return RoundRobin }

// groupKey builds a stable identity for a candidate-list so round-robin
// stays monotonic across calls with the same set (spec: "stable over
// candidate-list identity").
func groupKey(candidates []Candidate) string {
	key := ""
	for _, c := range candidates {
		key += c.PipelineID + "|"
	}
	return key
}

func (s *roundRobinStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	key := groupKey(candidates)

	s.b.mu.Lock()
	idx := s.b.rrCounters[key] % len(candidates)
	s.b.rrCounters[key]++
	s.b.mu.Unlock()

	return candidates[idx], nil
}

type weightedRandomStrategy struct{}

func (weightedRandomStrategy) Name() string { return WeightedRandom }

func (weightedRandomStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	var total float64
	for _, c := range candidates {
		total += c.Weight
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))], nil
	}
	target := rand.Float64() * total
	var cumulative float64
	for _, c := range candidates {
		cumulative += c.Weight
		if cumulative >= target {
			return c, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

type leastConnectionsStrategy struct{}

func (leastConnectionsStrategy) Name() string { return LeastConnections }

func (leastConnectionsStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.TotalRequests < best.TotalRequests ||
			(c.TotalRequests == best.TotalRequests && c.InsertionOrder < best.InsertionOrder) {
			best = c
		}
		// ties keep the lower insertion order (first-seen among equal orders)
	}
	return best, nil
}

type leastLatencyStrategy struct{}

func (leastLatencyStrategy) Name() string { return LeastLatency }

func (leastLatencyStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.AverageResponseTime < best.AverageResponseTime:
			best = c
		case c.AverageResponseTime == best.AverageResponseTime:
			if c.HealthScore > best.HealthScore ||
				(c.HealthScore == best.HealthScore && c.InsertionOrder < best.InsertionOrder) {
				best = c
			}
		}
	}
	return best, nil
}

type healthAwareStrategy struct{}

func (healthAwareStrategy) Name() string { return HealthAware }

func (healthAwareStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.HealthScore > best.HealthScore:
			best = c
		case c.HealthScore == best.HealthScore:
			if c.AverageResponseTime < best.AverageResponseTime ||
				(c.AverageResponseTime == best.AverageResponseTime && c.Weight > best.Weight) {
				best = c
			}
		}
	}
	return best, nil
}

type randomStrategy struct{}

func (randomStrategy) Name() string { return Random }

func (randomStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoAvailablePipelines
	}
	return candidates[rand.Intn(len(candidates))], nil
}
