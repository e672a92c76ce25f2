// Package respcenter implements the EnhancedErrorResponseCenter of spec
// §4.6: custom handler dispatch, asynchronous recovery-action execution
// under a timeout, bounded error metrics, and telemetry messaging to the
// scheduler over an internal event channel. Grounded on the teacher's
// AdvancedLoadBalancerMetrics / FaultToleranceMetrics bookkeeping style
// (plain mutex-guarded counters, no metrics-exporter dependency — wiring
// one is explicitly out of scope per spec's Non-goals).
package respcenter

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	schederrors "github.com/pipelinesched/pipelinesched/pkg/sched/errors"
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// Handler is a custom error handler. It returns the authoritative
// response and whether it successfully handled the error; a false second
// return (or a panic recovered internally — see dispatch) falls through
// to the next handler or, if none remain, to RecoveryPolicy.
type Handler func(err *types.PipelineError, ctx *types.ExecutionContext) (*types.ErrorResponse, bool)

type registeredHandler struct {
	priority int
	handler  Handler
}

// Config tunes the response center.
type Config struct {
	RecoveryActionTimeout time.Duration // default 30s
	MaxErrorHistorySize   int           // default 1000
	ErrorCleanupInterval  time.Duration // default 5m (300000ms)
}

// DefaultConfig matches spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		RecoveryActionTimeout: 30 * time.Second,
		MaxErrorHistorySize:   1000,
		ErrorCleanupInterval:  5 * time.Minute,
	}
}

// ActionExecutor performs the side effect of a RecoveryAction outside the
// request path — e.g. telling the scheduler's blacklist manager to add an
// entry. The center executes the RecoveryAction of every response it
// returns, whether that action came from a custom handler or from the
// policy fallback; the scheduler still owns the authoritative
// retry/failover loop per spec §4.6's "telemetry messaging" design.
type ActionExecutor func(ctx context.Context, action types.RecoveryAction, pipelineID, instanceID string) error

// Center is the EnhancedErrorResponseCenter.
type Center struct {
	cfg      Config
	policy   *schederrors.Policy
	logger   *slog.Logger
	executor ActionExecutor

	mu       sync.Mutex
	handlers map[types.Code][]registeredHandler

	events chan types.SchedulerEvent

	metricsMu sync.Mutex
	metrics   *Metrics
	history   []HistoryEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Metrics tracks error counters, split of local vs server, per-action
// counters, and an EWMA of processing time.
type Metrics struct {
	ByCode           map[types.Code]int64
	ByCategory       map[types.ErrorCategory]int64
	ByPipeline       map[string]int64
	LocalErrors      int64
	ServerErrors     int64
	ByAction         map[types.RecoveryActionKind]int64
	EWMAProcessingNS float64
	LastErrorAt      time.Time
}

func newMetrics() *Metrics {
	return &Metrics{
		ByCode:     make(map[types.Code]int64),
		ByCategory: make(map[types.ErrorCategory]int64),
		ByPipeline: make(map[string]int64),
		ByAction:   make(map[types.RecoveryActionKind]int64),
	}
}

// HistoryEntry is one ring-buffer record of a handled error.
type HistoryEntry struct {
	Error     *types.PipelineError
	Response  *types.ErrorResponse
	Timestamp time.Time
}

// New creates a Center. eventBuffer sizes the internal telemetry channel;
// 0 uses a sensible default.
func New(cfg Config, policy *schederrors.Policy, executor ActionExecutor, logger *slog.Logger, eventBuffer int) *Center {
	if cfg.RecoveryActionTimeout <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Center{
		cfg:      cfg,
		policy:   policy,
		logger:   logger,
		executor: executor,
		handlers: make(map[types.Code][]registeredHandler),
		events:   make(chan types.SchedulerEvent, eventBuffer),
		metrics:  newMetrics(),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Events returns the channel the scheduler consumes recovery telemetry
// from. The center never calls the scheduler directly (spec §9's
// cycle-breaking re-architecture).
func (c *Center) Events() <-chan types.SchedulerEvent {
	return c.events
}

// RegisterHandler adds a custom handler for code at priority (higher
// first). Multiple handlers for the same code are tried in priority
// order until one succeeds.
func (c *Center) RegisterHandler(code types.Code, priority int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.handlers[code], registeredHandler{priority: priority, handler: h})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	c.handlers[code] = list
}

// HandleLocalSend handles an error already classified send-phase local.
func (c *Center) HandleLocalSend(ctx context.Context, err *types.PipelineError, ectx *types.ExecutionContext) *types.ErrorResponse {
	return c.handle(ctx, err, ectx, types.PhaseSend, 500)
}

// HandleLocalReceive handles an error already classified receive-phase local.
func (c *Center) HandleLocalReceive(ctx context.Context, err *types.PipelineError, ectx *types.ExecutionContext) *types.ErrorResponse {
	return c.handle(ctx, err, ectx, types.PhaseReceive, 501)
}

// HandleServer handles a server (upstream) error with the given mapped
// HTTP status.
func (c *Center) HandleServer(ctx context.Context, err *types.PipelineError, ectx *types.ExecutionContext, httpStatus int) *types.ErrorResponse {
	return c.handle(ctx, err, ectx, types.PhaseServer, httpStatus)
}

func (c *Center) handle(ctx context.Context, err *types.PipelineError, ectx *types.ExecutionContext, phase types.Phase, httpStatus int) *types.ErrorResponse {
	start := time.Now()
	resp := c.dispatchCustom(err, ectx)
	if resp == nil {
		resp = c.fallbackResponse(err, ectx, phase, httpStatus)
	}

	c.recordMetrics(err, phase, resp, time.Since(start))
	c.recordHistory(err, resp)

	if resp.RecoveryAction != nil {
		c.emitTelemetry(*resp.RecoveryAction, ectx)
		c.executeAsync(*resp.RecoveryAction, ectx)
	}

	return resp
}

// dispatchCustom tries registered handlers for err.Code in priority
// order; the first that succeeds wins. A handler that panics is treated
// as a failure and logged, per spec ("handler failures are logged and
// the next is tried").
func (c *Center) dispatchCustom(err *types.PipelineError, ectx *types.ExecutionContext) (resp *types.ErrorResponse) {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	list := append([]registeredHandler(nil), c.handlers[err.Code]...)
	c.mu.Unlock()

	for _, rh := range list {
		result, ok := c.invokeSafely(rh.handler, err, ectx)
		if ok && result != nil {
			return result
		}
	}
	return nil
}

func (c *Center) invokeSafely(h Handler, err *types.PipelineError, ectx *types.ExecutionContext) (resp *types.ErrorResponse, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("custom error handler panicked", "error_code", err.Code, "panic", r)
			resp, ok = nil, false
		}
	}()
	return h(err, ectx)
}

func (c *Center) fallbackResponse(err *types.PipelineError, ectx *types.ExecutionContext, phase types.Phase, httpStatus int) *types.ErrorResponse {
	decision := Decision{}
	consecutive := 0
	if err != nil {
		consecutive = err.Consecutive
	}
	if c.policy != nil {
		decision = Decision(c.policy.Decide(err, ectx, consecutive))
	}

	resp := &types.ErrorResponse{
		Success:        false,
		HTTPStatus:     httpStatus,
		Phase:          phase,
		Timestamp:      time.Now(),
		RecoveryAction: &decision.Action,
	}
	if err != nil {
		resp.Code = err.Code
		resp.Category = err.Category
		resp.Severity = err.Severity
		resp.Details = err.Details
		resp.Message = err.Error()
	}
	if ectx != nil {
		resp.ExecutionID = ectx.ExecutionID
	}
	return resp
}

// Decision mirrors schederrors.Decision to avoid a second import cycle
// concern when embedding the action pointer above.
type Decision schederrors.Decision

func (c *Center) recordMetrics(err *types.PipelineError, phase types.Phase, resp *types.ErrorResponse, elapsed time.Duration) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	if err != nil {
		c.metrics.ByCode[err.Code]++
		c.metrics.ByCategory[err.Category]++
		if err.PipelineID != "" {
			c.metrics.ByPipeline[err.PipelineID]++
		}
	}
	if phase == types.PhaseServer {
		c.metrics.ServerErrors++
	} else {
		c.metrics.LocalErrors++
	}
	if resp.RecoveryAction != nil {
		c.metrics.ByAction[resp.RecoveryAction.Kind]++
	}

	const alpha = 0.1
	if c.metrics.EWMAProcessingNS == 0 {
		c.metrics.EWMAProcessingNS = float64(elapsed)
	} else {
		c.metrics.EWMAProcessingNS = alpha*float64(elapsed) + (1-alpha)*c.metrics.EWMAProcessingNS
	}
	c.metrics.LastErrorAt = time.Now()
}

func (c *Center) recordHistory(err *types.PipelineError, resp *types.ErrorResponse) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	c.history = append(c.history, HistoryEntry{Error: err, Response: resp, Timestamp: time.Now()})
	max := c.cfg.MaxErrorHistorySize
	if max <= 0 {
		max = 1000
	}
	if len(c.history) > max {
		c.history = c.history[len(c.history)-max:]
	}
}

// CleanupHistory drops history entries older than olderThan. The loop
// StartCleanup launches calls it every ErrorCleanupInterval with a 24h
// cutoff; tests may call it directly.
func (c *Center) CleanupHistory(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	kept := c.history[:0]
	for _, h := range c.history {
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	c.history = kept
}

// MetricsSnapshot returns a copy of the current metrics.
func (c *Center) MetricsSnapshot() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	snap := Metrics{
		ByCode:     cloneCodeMap(c.metrics.ByCode),
		ByCategory: cloneCategoryMap(c.metrics.ByCategory),
		ByPipeline: clonePipelineMap(c.metrics.ByPipeline),
		ByAction:   cloneActionMap(c.metrics.ByAction),
		LocalErrors:      c.metrics.LocalErrors,
		ServerErrors:     c.metrics.ServerErrors,
		EWMAProcessingNS: c.metrics.EWMAProcessingNS,
		LastErrorAt:      c.metrics.LastErrorAt,
	}
	return snap
}

func cloneCodeMap(m map[types.Code]int64) map[types.Code]int64 {
	out := make(map[types.Code]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCategoryMap(m map[types.ErrorCategory]int64) map[types.ErrorCategory]int64 {
	out := make(map[types.ErrorCategory]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePipelineMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneActionMap(m map[types.RecoveryActionKind]int64) map[types.RecoveryActionKind]int64 {
	out := make(map[types.RecoveryActionKind]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Center) emitTelemetry(action types.RecoveryAction, ectx *types.ExecutionContext) {
	var kind types.SchedulerEventKind
	switch action.Kind {
	case types.ActionRetry:
		kind = types.EventRetryRequested
	case types.ActionFailover:
		kind = types.EventFailoverRequested
	case types.ActionEnterMaintenance:
		kind = types.EventMaintenanceRequested
	default:
		return
	}

	evt := types.SchedulerEvent{Kind: kind, Action: &action, OccurredAt: time.Now()}
	if ectx != nil {
		evt.PipelineID = ectx.PipelineID
		evt.InstanceID = ectx.InstanceID
		evt.ExecutionID = ectx.ExecutionID
	}

	select {
	case c.events <- evt:
	default:
		c.logger.Warn("scheduler event channel full, dropping event", "kind", kind)
	}
}

// executeAsync runs the action's side effect (via ActionExecutor) on a
// background goroutine under RecoveryActionTimeout. Failures are logged
// and counted but never block or replace the response already returned
// to the caller (spec §4.6/§7).
func (c *Center) executeAsync(action types.RecoveryAction, ectx *types.ExecutionContext) {
	if c.executor == nil {
		return
	}
	var pipelineID, instanceID string
	if ectx != nil {
		pipelineID, instanceID = ectx.PipelineID, ectx.InstanceID
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timeout := c.cfg.RecoveryActionTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := c.executor(ctx, action, pipelineID, instanceID); err != nil {
			c.logger.Error("recovery action execution failed", "action", action.Kind, "pipeline", pipelineID, "error", err)
		}
	}()
}

// Wait blocks until all in-flight async recovery-action executions have
// finished. It also waits for the cleanup loop StartCleanup launched,
// which exits only after StopCleanup or cancellation of its context.
// Intended for graceful shutdown and deterministic tests.
func (c *Center) Wait() {
	c.wg.Wait()
}

// StartCleanup launches the periodic history-cleanup sweep.
func (c *Center) StartCleanup(ctx context.Context) {
	interval := c.cfg.ErrorCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupHistory(24 * time.Hour)
			}
		}
	}()
}

// StopCleanup cancels the periodic cleanup sweep.
func (c *Center) StopCleanup() {
	if c.cancel != nil {
		c.cancel()
	}
}
