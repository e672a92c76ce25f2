package respcenter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schederrors "github.com/pipelinesched/pipelinesched/pkg/sched/errors"
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

func newTestCenter(executor ActionExecutor) *Center {
	policy := schederrors.NewPolicy(schederrors.DefaultPolicyConfig())
	return New(DefaultConfig(), policy, executor, nil, 0)
}

func TestHandleLocalSendFallsBackToPolicyWhenNoHandlerRegistered(t *testing.T) {
	c := newTestCenter(nil)
	resp := c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{ExecutionID: "e1"})

	require.NotNil(t, resp)
	assert.Equal(t, types.PhaseSend, resp.Phase)
	assert.Equal(t, 500, resp.HTTPStatus)
	assert.Equal(t, "e1", resp.ExecutionID)
	require.NotNil(t, resp.RecoveryAction)
	assert.Equal(t, types.ActionRetry, resp.RecoveryAction.Kind)
}

func TestRegisteredHandlerTakesPriorityOverFallback(t *testing.T) {
	c := newTestCenter(nil)
	called := false
	c.RegisterHandler(types.CodeExecutionFailed, 0, func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool) {
		called = true
		return &types.ErrorResponse{Success: true, HTTPStatus: 200}, true
	})

	resp := c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{})
	assert.True(t, called)
	assert.Equal(t, 200, resp.HTTPStatus)
	assert.True(t, resp.Success)
}

func TestHigherPriorityHandlerWinsOverLower(t *testing.T) {
	c := newTestCenter(nil)
	c.RegisterHandler(types.CodeExecutionFailed, 1, func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool) {
		return &types.ErrorResponse{HTTPStatus: 100}, true
	})
	c.RegisterHandler(types.CodeExecutionFailed, 10, func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool) {
		return &types.ErrorResponse{HTTPStatus: 200}, true
	})

	resp := c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{})
	assert.Equal(t, 200, resp.HTTPStatus)
}

func TestHandlerThatDeclinesFallsThroughToNext(t *testing.T) {
	c := newTestCenter(nil)
	c.RegisterHandler(types.CodeExecutionFailed, 10, func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool) {
		return nil, false
	})
	c.RegisterHandler(types.CodeExecutionFailed, 1, func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool) {
		return &types.ErrorResponse{HTTPStatus: 201}, true
	})

	resp := c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{})
	assert.Equal(t, 201, resp.HTTPStatus)
}

func TestPanickingHandlerFallsThroughWithoutCrashing(t *testing.T) {
	c := newTestCenter(nil)
	c.RegisterHandler(types.CodeExecutionFailed, 0, func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool) {
		panic("boom")
	})

	resp := c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{})
	require.NotNil(t, resp)
	assert.Equal(t, types.PhaseSend, resp.Phase)
}

func TestHandleServerUsesGivenHTTPStatus(t *testing.T) {
	c := newTestCenter(nil)
	resp := c.HandleServer(context.Background(), &types.PipelineError{Code: types.CodeRateLimited}, &types.ExecutionContext{}, 429)
	assert.Equal(t, 429, resp.HTTPStatus)
	assert.Equal(t, types.PhaseServer, resp.Phase)
}

func TestMetricsSnapshotCountsByCodeCategoryAndPhase(t *testing.T) {
	c := newTestCenter(nil)
	c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed, Category: types.CategoryExecution, PipelineID: "p1"}, &types.ExecutionContext{})
	c.HandleServer(context.Background(), &types.PipelineError{Code: types.CodeRateLimited, Category: types.CategoryExecution, PipelineID: "p1"}, &types.ExecutionContext{}, 429)

	snap := c.MetricsSnapshot()
	assert.EqualValues(t, 1, snap.ByCode[types.CodeExecutionFailed])
	assert.EqualValues(t, 1, snap.ByCode[types.CodeRateLimited])
	assert.EqualValues(t, 2, snap.ByCategory[types.CategoryExecution])
	assert.EqualValues(t, 2, snap.ByPipeline["p1"])
	assert.EqualValues(t, 1, snap.LocalErrors)
	assert.EqualValues(t, 1, snap.ServerErrors)
}

func TestHistoryIsTrimmedToMaxSize(t *testing.T) {
	policy := schederrors.NewPolicy(schederrors.DefaultPolicyConfig())
	c := New(Config{RecoveryActionTimeout: time.Second, MaxErrorHistorySize: 2, ErrorCleanupInterval: time.Minute}, policy, nil, nil, 0)

	for i := 0; i < 5; i++ {
		c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{})
	}
	assert.Len(t, c.history, 2)
}

func TestCleanupHistoryDropsOldEntries(t *testing.T) {
	c := newTestCenter(nil)
	c.history = []HistoryEntry{
		{Timestamp: time.Now().Add(-2 * time.Hour)},
		{Timestamp: time.Now()},
	}
	c.CleanupHistory(time.Hour)
	assert.Len(t, c.history, 1)
}

func TestEmitsTelemetryEventForRetryAction(t *testing.T) {
	c := newTestCenter(nil)
	c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeExecutionFailed}, &types.ExecutionContext{PipelineID: "p1", ExecutionID: "e1"})

	select {
	case evt := <-c.Events():
		assert.Equal(t, types.EventRetryRequested, evt.Kind)
		assert.Equal(t, "p1", evt.PipelineID)
	case <-time.After(time.Second):
		t.Fatal("expected telemetry event, got none")
	}
}

func TestNoTelemetryEventForIgnoreAction(t *testing.T) {
	c := newTestCenter(nil)
	c.HandleServer(context.Background(), &types.PipelineError{Code: types.CodeSystemOverload}, &types.ExecutionContext{}, 500)

	select {
	case evt := <-c.Events():
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecuteAsyncInvokesExecutorAndWaitBlocksUntilDone(t *testing.T) {
	executed := make(chan string, 1)
	executor := func(ctx context.Context, action types.RecoveryAction, pipelineID, instanceID string) error {
		executed <- pipelineID
		return nil
	}
	c := newTestCenter(executor)
	c.HandleLocalSend(context.Background(), &types.PipelineError{Code: types.CodeAuthenticationFailed}, &types.ExecutionContext{PipelineID: "p9"})

	c.Wait()
	select {
	case pid := <-executed:
		assert.Equal(t, "p9", pid)
	default:
		t.Fatal("executor was not invoked")
	}
}

func TestStartStopCleanupLoop(t *testing.T) {
	c := newTestCenter(nil)
	c.history = []HistoryEntry{{Timestamp: time.Now().Add(-48 * time.Hour)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.cfg.ErrorCleanupInterval = 5 * time.Millisecond
	c.StartCleanup(ctx)
	defer c.StopCleanup()

	require.Eventually(t, func() bool {
		c.metricsMu.Lock()
		defer c.metricsMu.Unlock()
		return len(c.history) == 0
	}, time.Second, 5*time.Millisecond)
}
