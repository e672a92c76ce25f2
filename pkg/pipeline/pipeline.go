// Package pipeline defines the PipelineInstance interface spec.md treats
// as an out-of-scope collaborator (the black box that actually executes a
// request) and ships a stub implementation so the scheduler is runnable
// and testable end-to-end. Real pipelines (protocol/transform/provider
// chains) are out of scope per spec §1's Non-goals.
package pipeline

import (
	"context"
	"time"

	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// Instance is the live handle for one PipelineDescriptor. It tracks its
// own lifecycle state per spec §3's state machine.
type Instance interface {
	ID() string
	Execute(ctx context.Context, ectx types.ExecutionContext) (types.ExecutionResult, *types.PipelineError)
	HealthProbe(ctx context.Context) bool
	State() types.InstanceState
	Init(ctx context.Context) error
	Disable(ctx context.Context) error
	Drain(ctx context.Context) error
}

// Factory builds a new Instance for a descriptor. The Scheduler's
// createPipeline operation uses a Factory to materialize instances;
// which factory to use per descriptor is a configuration-loader concern
// out of scope here.
type Factory func(descriptorID string) Instance

// StubInstance is a minimal, deterministic-enough Instance used by tests,
// demos, and the default cmd/pipelinectl wiring. Its behavior is driven
// entirely by the Responder it's given, so callers can script
// success/failure sequences.
type StubInstance struct {
	id       string
	responder Responder

	state types.InstanceState
}

// Responder scripts one StubInstance's responses to Execute/HealthProbe
// calls.
type Responder interface {
	Respond(ectx types.ExecutionContext) (output []byte, err *types.PipelineError, latency time.Duration)
	Healthy() bool
}

// NewStubInstance creates a StubInstance in the Uninitialized state.
func NewStubInstance(id string, responder Responder) *StubInstance {
	return &StubInstance{id: id, responder: responder, state: types.StateUninitialized}
}

func (s *StubInstance) ID() string { return s.id }

func (s *StubInstance) Init(ctx context.Context) error {
	s.state = types.StateReady
	return nil
}

func (s *StubInstance) Disable(ctx context.Context) error {
	s.state = types.StateDraining
	return nil
}

func (s *StubInstance) Drain(ctx context.Context) error {
	s.state = types.StateStopped
	return nil
}

func (s *StubInstance) State() types.InstanceState { return s.state }

// Execute honors ectx.Deadline cooperatively: if the responder's
// simulated latency would exceed the remaining budget, it returns an
// ExecutionTimeout error instead of sleeping past the deadline.
func (s *StubInstance) Execute(ctx context.Context, ectx types.ExecutionContext) (types.ExecutionResult, *types.PipelineError) {
	start := time.Now()
	output, perr, latency := s.responder.Respond(ectx)

	sleepCtx := ctx
	var cancel context.CancelFunc
	if !ectx.Deadline.IsZero() {
		sleepCtx, cancel = context.WithDeadline(ctx, ectx.Deadline)
		defer cancel()
	}

	timer := time.NewTimer(latency)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-sleepCtx.Done():
		return types.ExecutionResult{
			ExecutionID: ectx.ExecutionID,
			PipelineID:  ectx.PipelineID,
			InstanceID:  s.id,
			Status:      types.StatusTimedOut,
			StartTime:   start,
			EndTime:     time.Now(),
			Duration:    time.Since(start),
		}, &types.PipelineError{
			Code:           types.CodeExecutionTimeout,
			Category:       types.CategoryExecution,
			Severity:       types.SeverityMedium,
			Recoverability: types.Recoverable,
			Impact:         types.ImpactSingleModule,
			Source:         types.SourceModule,
			PipelineID:     ectx.PipelineID,
			InstanceID:     s.id,
			Timestamp:      time.Now(),
			Details:        "deadline exceeded before instance responded",
		}
	}

	end := time.Now()
	if perr != nil {
		if perr.PipelineID == "" {
			perr.PipelineID = ectx.PipelineID
		}
		if perr.InstanceID == "" {
			perr.InstanceID = s.id
		}
		if perr.Timestamp.IsZero() {
			perr.Timestamp = end
		}
		return types.ExecutionResult{
			ExecutionID: ectx.ExecutionID,
			PipelineID:  ectx.PipelineID,
			InstanceID:  s.id,
			Status:      types.StatusFailed,
			StartTime:   start,
			EndTime:     end,
			Duration:    end.Sub(start),
			Err:         perr,
		}, perr
	}

	return types.ExecutionResult{
		ExecutionID: ectx.ExecutionID,
		PipelineID:  ectx.PipelineID,
		InstanceID:  s.id,
		Status:      types.StatusCompleted,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		Output:      output,
	}, nil
}

func (s *StubInstance) HealthProbe(ctx context.Context) bool {
	return s.responder.Healthy()
}
