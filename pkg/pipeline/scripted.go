package pipeline

import (
	"sync"
	"time"

	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// Step is one scripted response for a ScriptedResponder.
type Step struct {
	Output  []byte
	Err     *types.PipelineError
	Latency time.Duration
}

// ScriptedResponder replays a fixed sequence of Steps, repeating the
// last one once exhausted. Used by tests to script deterministic
// failure-then-success sequences (e.g. spec §8 scenario 2).
type ScriptedResponder struct {
	mu      sync.Mutex
	steps   []Step
	idx     int
	healthy bool
}

// NewScriptedResponder creates a responder that reports healthy by
// default.
func NewScriptedResponder(steps ...Step) *ScriptedResponder {
	return &ScriptedResponder{steps: steps, healthy: true}
}

func (r *ScriptedResponder) Respond(_ types.ExecutionContext) ([]byte, *types.PipelineError, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steps) == 0 {
		return nil, nil, 0
	}
	i := r.idx
	if i >= len(r.steps) {
		i = len(r.steps) - 1
	} else {
		r.idx++
	}
	s := r.steps[i]
	return s.Output, s.Err, s.Latency
}

func (r *ScriptedResponder) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// SetHealthy overrides the Healthy() report, e.g. to simulate a probe
// flapping.
func (r *ScriptedResponder) SetHealthy(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = v
}
