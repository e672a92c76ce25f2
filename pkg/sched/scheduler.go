// Package sched implements the Scheduler of spec §4.7: orchestrating
// selection, execution, retry, failover, lifecycle, and stats on top of
// the HealthTracker, CircuitBreaker registry, LoadBalancer,
// BlacklistManager, and EnhancedErrorResponseCenter. Grounded on the
// teacher's pkg/scheduler/scheduler_manager.go (component composition,
// background-worker wiring, RWMutex-guarded registry) generalized to
// spec.md's execution algorithm and recovery semantics.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/pipelinesched/pipelinesched/pkg/logging"
	"github.com/pipelinesched/pipelinesched/pkg/pipeline"
	"github.com/pipelinesched/pipelinesched/pkg/sched/blacklist"
	"github.com/pipelinesched/pipelinesched/pkg/sched/breaker"
	schederrors "github.com/pipelinesched/pipelinesched/pkg/sched/errors"
	"github.com/pipelinesched/pipelinesched/pkg/sched/health"
	"github.com/pipelinesched/pipelinesched/pkg/sched/loadbalancer"
	"github.com/pipelinesched/pipelinesched/pkg/sched/optimizer"
	"github.com/pipelinesched/pipelinesched/pkg/sched/respcenter"
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

var tracer = otel.Tracer("github.com/pipelinesched/pipelinesched/pkg/sched")

// ErrNotFound is returned by pipeline lifecycle operations referencing an
// unknown pipeline ID.
var ErrNotFound = errors.New("pipeline not found")

// Config is the subset of spec §6's recognized configuration options the
// Scheduler itself consumes directly; the load balancer, breaker, and
// response center each own their own Config structs, assembled here.
type Config struct {
	DefaultTimeout      time.Duration
	MaxRetries          int
	DefaultRetryDelay   time.Duration
	LoadBalancerStrategy string
	EnableLoadBalancing bool
	BlacklistCleanupInterval time.Duration
	HealthCfg   health.Config
	BreakerCfg  breaker.Config
	PolicyCfg   schederrors.PolicyConfig
	RespCenterCfg respcenter.Config
	OptimizerCfg  optimizer.Config
}

// DefaultConfig matches spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:           30 * time.Second,
		MaxRetries:               3,
		DefaultRetryDelay:        0,
		LoadBalancerStrategy:     loadbalancer.RoundRobin,
		EnableLoadBalancing:      true,
		BlacklistCleanupInterval: 60 * time.Second,
		HealthCfg:                health.DefaultConfig(),
		BreakerCfg:               breaker.DefaultConfig(),
		PolicyCfg:                schederrors.DefaultPolicyConfig(),
		RespCenterCfg:            respcenter.DefaultConfig(),
	}
}

// pipelineEntry is everything the Scheduler tracks about one registered
// pipeline.
type pipelineEntry struct {
	descriptor     types.PipelineDescriptor
	instance       pipeline.Instance
	enabled        bool
	maintenance    bool
	insertionOrder int // true registration order, for candidateSet's tie-breaks
}

// ExecuteOptions are the per-call overrides spec §4.7/§6 allow.
type ExecuteOptions struct {
	Timeout             time.Duration
	MaxRetries          int
	PreferredPipelineID string
	RetryDelay          time.Duration
	Metadata            map[string]string
}

// Scheduler is the top-level orchestrator (C7). It exclusively owns the
// pipeline registry and composes the health tracker, breaker registry,
// load balancer, blacklist manager, and response center for its lifetime
// (spec §3 Ownership).
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.RWMutex
	pipelines      map[string]*pipelineEntry
	nextInsertion  int

	health    *health.Tracker
	breakers  *breaker.Registry
	lb        *loadbalancer.Balancer
	blacklist *blacklist.Manager
	respCenter *respcenter.Center
	optimizer *optimizer.Optimizer

	shuttingDown bool
	shutdownMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// Stats is the snapshot getSchedulerStats returns.
type Stats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	RetriedRequests    int64
}

// New creates a Scheduler with cfg (zero value -> DefaultConfig) and
// logger (nil -> discard).
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxRetries == 0 && cfg.DefaultTimeout == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}

	s := &Scheduler{
		cfg:       cfg,
		logger:    logger,
		pipelines: make(map[string]*pipelineEntry),
		health:    health.New(cfg.HealthCfg, logger),
		breakers:  breaker.NewRegistry(cfg.BreakerCfg),
		lb:        loadbalancer.New(),
		blacklist: blacklist.New(logger),
		optimizer: optimizer.New(cfg.OptimizerCfg, optimizer.NewInMemoryCache()),
	}

	policy := schederrors.NewPolicy(cfg.PolicyCfg)
	s.respCenter = respcenter.New(cfg.RespCenterCfg, policy, s.executeRecoveryAction, logger, 0)

	return s
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Initialize starts the background workers (health probes, blacklist
// sweep, response-center cleanup, telemetry consumption). It is the
// concrete "initialize" operation of spec §6.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.health.Start(s.ctx)
	s.blacklist.Start(s.ctx, s.cfg.BlacklistCleanupInterval)
	s.respCenter.StartCleanup(s.ctx)

	s.wg.Add(1)
	go s.consumeTelemetry(s.ctx)

	return nil
}

// CreatePipeline registers descriptor with a live instance built by
// factory and returns its ID.
func (s *Scheduler) CreatePipeline(ctx context.Context, descriptor types.PipelineDescriptor, factory pipeline.Factory) (string, error) {
	if descriptor.ID == "" {
		descriptor.ID = uuid.NewString()
	}

	instance := factory(descriptor.ID)
	if err := instance.Init(ctx); err != nil {
		return "", fmt.Errorf("initializing pipeline instance: %w", err)
	}

	s.mu.Lock()
	order := s.nextInsertion
	s.nextInsertion++
	s.pipelines[descriptor.ID] = &pipelineEntry{descriptor: descriptor, instance: instance, enabled: descriptor.Enabled, insertionOrder: order}
	s.mu.Unlock()

	if prober, ok := instance.(health.Prober); ok {
		s.health.RegisterProber(descriptor.ID, prober)
	} else {
		s.health.RegisterProber(descriptor.ID, instanceProberAdapter{instance})
	}

	return descriptor.ID, nil
}

// instanceProberAdapter lets any pipeline.Instance serve as a health.Prober.
type instanceProberAdapter struct{ inst pipeline.Instance }

func (a instanceProberAdapter) Probe(ctx context.Context) bool { return a.inst.HealthProbe(ctx) }

// DestroyPipeline removes a pipeline from the registry.
func (s *Scheduler) DestroyPipeline(ctx context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pipelines[pipelineID]
	if !ok {
		return ErrNotFound
	}
	_ = entry.instance.Drain(ctx)
	delete(s.pipelines, pipelineID)
	s.health.UnregisterProber(pipelineID)
	return nil
}

// EnablePipeline marks pipelineID selectable.
func (s *Scheduler) EnablePipeline(pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pipelines[pipelineID]
	if !ok {
		return ErrNotFound
	}
	entry.enabled = true
	entry.maintenance = false
	return nil
}

// DisablePipeline excludes pipelineID from selection without destroying it.
func (s *Scheduler) DisablePipeline(pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pipelines[pipelineID]
	if !ok {
		return ErrNotFound
	}
	entry.enabled = false
	return nil
}

// SetPipelineMaintenance toggles maintenance mode: while true, the
// pipeline is excluded from selection (but not disabled outright).
func (s *Scheduler) SetPipelineMaintenance(pipelineID string, maintenance bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pipelines[pipelineID]
	if !ok {
		return ErrNotFound
	}
	entry.maintenance = maintenance
	return nil
}

// PipelineStatus is the snapshot getPipelineStatus returns.
type PipelineStatus struct {
	Descriptor  types.PipelineDescriptor
	Enabled     bool
	Maintenance bool
	State       types.InstanceState
	Health      health.Snapshot
	BreakerState breaker.State
	Blacklisted bool
}

// GetPipelineStatus returns a snapshot for pipelineID.
func (s *Scheduler) GetPipelineStatus(pipelineID string) (PipelineStatus, error) {
	s.mu.RLock()
	entry, ok := s.pipelines[pipelineID]
	s.mu.RUnlock()
	if !ok {
		return PipelineStatus{}, ErrNotFound
	}

	snap, _ := s.health.Snapshot(pipelineID)
	return PipelineStatus{
		Descriptor:   entry.descriptor,
		Enabled:      entry.enabled,
		Maintenance:  entry.maintenance,
		State:        entry.instance.State(),
		Health:       snap,
		BreakerState: s.breakers.Get(pipelineID).State(),
		Blacklisted:  s.blacklist.IsBlacklisted(pipelineID, entry.descriptor.ID),
	}, nil
}

// GetSchedulerStats returns a snapshot of aggregate counters.
func (s *Scheduler) GetSchedulerStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// HealthCheck reports whether all registered, enabled instances are
// currently healthy.
func (s *Scheduler) HealthCheck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.pipelines) == 0 {
		return true // spec §9: define the empty case as 1.0/healthy
	}
	for id, entry := range s.pipelines {
		if !entry.enabled {
			continue
		}
		if !s.health.IsHealthy(id) {
			return false
		}
	}
	return true
}

// Shutdown stops background workers. In-flight calls honor their own
// deadlines; Execute rejects new calls with a SchedulerShuttingDown error
// response immediately afterward.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.health.Stop()
	s.blacklist.Stop()
	s.respCenter.StopCleanup()
	s.respCenter.Wait()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) isShuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.shuttingDown
}

// consumeTelemetry drains the response center's event channel, applying
// the maintenance requests it carries. Retry and failover events are
// informational here, since Execute drives both synchronously; blacklist
// side effects never travel over the channel and are applied by
// executeRecoveryAction instead.
func (s *Scheduler) consumeTelemetry(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.respCenter.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case types.EventMaintenanceRequested:
				if err := s.SetPipelineMaintenance(evt.PipelineID, true); err != nil {
					s.logger.Warn("maintenance request for unknown pipeline", "pipeline", evt.PipelineID)
				}
			default:
				// retry_requested / failover_requested are informational
				// here; Execute already applies them synchronously.
			}
		}
	}
}

// executeRecoveryAction is the respcenter.ActionExecutor wired into the
// response center: it applies blacklist and maintenance side effects
// asynchronously, per spec §4.6.
func (s *Scheduler) executeRecoveryAction(ctx context.Context, action types.RecoveryAction, pipelineID, instanceID string) error {
	switch action.Kind {
	case types.ActionBlacklistTemporary:
		until := time.Now().Add(action.BlacklistFor)
		s.blacklist.Add(blacklist.Entry{Key: blacklist.Key{PipelineID: pipelineID, InstanceID: instanceID}, Until: until})
	case types.ActionBlacklistPermanent:
		s.blacklist.Add(blacklist.Entry{Key: blacklist.Key{PipelineID: pipelineID, InstanceID: instanceID}, Permanent: true})
	case types.ActionEnterMaintenance:
		return s.SetPipelineMaintenance(pipelineID, true)
	}
	return nil
}

// Execute runs the scheduling algorithm of spec §4.7: select, invoke,
// classify-and-recover, retry/failover until exhausted. Concurrent calls
// sharing the same payload fingerprint are coalesced into one underlying
// run of the algorithm (spec §2/§9's batch-coalescing optimizer feature),
// and each dispatch attempt is gated by the optimizer's concurrency
// limiter (spec §5), which can fail a call immediately with
// CodeSystemOverload once its queue high-watermark is exceeded.
func (s *Scheduler) Execute(ctx context.Context, payload types.Payload, opts ExecuteOptions) (types.ExecutionResult, *types.ErrorResponse) {
	if s.isShuttingDown() {
		return types.ExecutionResult{}, &types.ErrorResponse{
			Success: false, HTTPStatus: 503, Code: types.CodeSchedulerShuttingDown,
			Phase: types.PhaseServer, Timestamp: time.Now(),
		}
	}

	ctx, span := tracer.Start(ctx, "Scheduler.Execute")
	defer span.End()

	if cached, ok := s.optimizer.Lookup(ctx, payload); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}

	return s.optimizer.Coalesce(ctx, payload, func() (types.ExecutionResult, *types.ErrorResponse) {
		return s.runScheduled(ctx, span, payload, opts)
	})
}

// runScheduled is the actual scheduling algorithm; it runs once per
// Execute call that isn't coalesced into an in-flight sibling.
func (s *Scheduler) runScheduled(ctx context.Context, span oteltrace.Span, payload types.Payload, opts ExecuteOptions) (types.ExecutionResult, *types.ErrorResponse) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = s.cfg.DefaultRetryDelay
	}

	execID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, execID)
	log := logging.FromContext(ctx, s.logger)

	start := time.Now()
	deadline := start.Add(timeout)
	preferred := opts.PreferredPipelineID
	excluded := make(map[string]bool)

	var lastResult types.ExecutionResult
	var lastResp *types.ErrorResponse

	for attempt := 0; ; attempt++ {
		candidates := s.candidateSet(excluded)
		if len(candidates) == 0 && lastResp != nil {
			// Candidates ran out after a failed attempt: surface that error.
			s.recordTerminal(false)
			lastResult.Status = types.StatusFailed
			lastResult.ExecutionID = execID
			span.SetAttributes(attribute.String("outcome", "failed"), attribute.Int("retry_count", lastResult.RetryCount))
			log.Warn("execution failed terminally", "attempt", lastResult.RetryCount)
			return lastResult, lastResp
		}
		if len(candidates) == 0 {
			span.SetAttributes(attribute.String("outcome", "no_available_pipelines"))
			s.recordTerminal(false)
			return types.ExecutionResult{
				ExecutionID: execID, Status: types.StatusFailed, StartTime: start, EndTime: time.Now(), RetryCount: attempt,
			}, &types.ErrorResponse{
				Success: false, HTTPStatus: 500, Code: types.CodeNoAvailablePipelines,
				Phase: types.PhaseSend, Timestamp: time.Now(), ExecutionID: execID,
			}
		}

		chosen, selErr := s.lb.SelectAdaptive(s.cfg.LoadBalancerStrategy, s.cfg.EnableLoadBalancing, candidates, preferred)
		if selErr != nil {
			span.SetAttributes(attribute.String("outcome", "selection_failed"))
			s.recordTerminal(false)
			return types.ExecutionResult{ExecutionID: execID, Status: types.StatusFailed, StartTime: start, EndTime: time.Now(), RetryCount: attempt},
				&types.ErrorResponse{Success: false, HTTPStatus: 500, Code: types.CodePipelineSelectionFailed, Phase: types.PhaseSend, Timestamp: time.Now(), ExecutionID: execID}
		}
		preferred = "" // only honor the hint on the first attempt

		b := s.breakers.Get(chosen.PipelineID)
		if allowErr := b.Allow(); allowErr != nil {
			excluded[chosen.PipelineID] = true
			continue // re-select excluding the open breaker
		}

		s.mu.RLock()
		entry := s.pipelines[chosen.PipelineID]
		s.mu.RUnlock()
		if entry == nil {
			excluded[chosen.PipelineID] = true
			continue
		}

		ectx := types.ExecutionContext{
			ExecutionID: execID,
			PipelineID:  chosen.PipelineID,
			InstanceID:  entry.descriptor.ID,
			StartTime:   time.Now(),
			Deadline:    deadline,
			Payload:     payload,
			Metadata:    opts.Metadata,
			RetryCount:  attempt,
			MaxRetries:  maxRetries,
		}

		callCtx, cancel := context.WithDeadline(ctx, deadline)
		log.Debug("dispatching execution attempt", "pipeline", chosen.PipelineID, "attempt", attempt)

		var result types.ExecutionResult
		var perr *types.PipelineError

		release, acqErr := s.optimizer.Acquire(callCtx)
		if acqErr != nil {
			cancel()
			if errors.Is(acqErr, optimizer.ErrOverload) {
				// A scheduler-wide concurrency gate, not a fault of the
				// chosen pipeline itself: fail immediately, uncounted
				// against its breaker/health, and do not retry.
				classification := schederrors.Classify(&types.PipelineError{Code: types.CodeSystemOverload, Source: types.SourceModule})
				span.SetAttributes(attribute.String("outcome", "system_overload"))
				s.recordTerminal(false)
				return types.ExecutionResult{ExecutionID: execID, Status: types.StatusFailed, StartTime: start, EndTime: time.Now(), RetryCount: attempt},
					&types.ErrorResponse{Success: false, HTTPStatus: classification.HTTPStatus, Code: types.CodeSystemOverload, Phase: classification.Phase, Timestamp: time.Now(), ExecutionID: execID}
			}
			// Timed out (or caller cancelled) waiting for a concurrency
			// slot against this specific candidate: treat like any other
			// execution failure so the usual classify/recover/failover
			// path decides whether to retry against a different one.
			perr = &types.PipelineError{Code: types.CodeExecutionTimeout, Source: types.SourceModule, PipelineID: chosen.PipelineID, Details: acqErr.Error()}
			result = types.ExecutionResult{ExecutionID: execID, StartTime: time.Now(), EndTime: time.Now()}
		} else {
			result, perr = entry.instance.Execute(callCtx, ectx)
			release()
			cancel()
		}

		if perr == nil {
			b.Success()
			s.health.Record(chosen.PipelineID, true, result.Duration)
			s.recordTerminal(true)
			result.RetryCount = attempt
			s.optimizer.Store(ctx, payload, result)
			span.SetAttributes(attribute.String("outcome", "completed"), attribute.Int("retry_count", attempt))
			log.Debug("execution completed", "pipeline", chosen.PipelineID, "attempt", attempt)
			return result, nil
		}

		log.Warn("execution attempt failed", "pipeline", chosen.PipelineID, "attempt", attempt, "code", perr.Code)
		b.Failure(string(perr.Category))
		s.health.Record(chosen.PipelineID, false, result.Duration)
		lastResult, lastResult.RetryCount = result, attempt

		snap, _ := s.health.Snapshot(chosen.PipelineID)
		perr.Consecutive = snap.ConsecutiveFailures

		classification := schederrors.Classify(perr)
		var resp *types.ErrorResponse
		switch classification.Phase {
		case types.PhaseSend:
			resp = s.respCenter.HandleLocalSend(ctx, perr, &ectx)
		case types.PhaseReceive:
			resp = s.respCenter.HandleLocalReceive(ctx, perr, &ectx)
		default:
			resp = s.respCenter.HandleServer(ctx, perr, &ectx, classification.HTTPStatus)
		}
		lastResp = resp

		action := resp.RecoveryAction
		if action == nil {
			action = &types.RecoveryAction{Kind: types.ActionIgnore}
		}

		switch action.Kind {
		case types.ActionRetry:
			if attempt < maxRetries {
				s.recordRetry()
				delay := retryDelay
				if delay <= 0 {
					delay = action.RetryDelay
				}
				sleepOrDeadline(ctx, delay, deadline)
				continue
			}
		case types.ActionFailover, types.ActionBlacklistTemporary, types.ActionBlacklistPermanent, types.ActionEnterMaintenance:
			excluded[chosen.PipelineID] = true
			if action.Kind == types.ActionFailover && action.NextPipelineID != "" {
				preferred = action.NextPipelineID
			}
			if attempt < maxRetries {
				s.recordRetry()
				continue
			}
		case types.ActionIgnore:
			// fall through to terminal failure
		}

		s.recordTerminal(false)
		lastResult.Status = types.StatusFailed
		lastResult.ExecutionID = execID
		span.SetAttributes(attribute.String("outcome", "failed"), attribute.Int("retry_count", attempt))
		log.Warn("execution failed terminally", "attempt", attempt)
		return lastResult, lastResp
	}
}

// candidateSet builds the LoadBalancer candidate view from currently
// enabled, non-blacklisted, non-maintenance, non-excluded pipelines,
// sorted by pipeline ID so the resulting slice (and thus round-robin's
// groupKey and every InsertionOrder tie-break) is stable across calls
// with the same logical candidate set — map iteration order alone is
// randomized per Go's spec and would otherwise break spec §4.3's "stable
// over candidate-list identity" invariant.
func (s *Scheduler) candidateSet(excluded map[string]bool) []loadbalancer.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]loadbalancer.Candidate, 0, len(s.pipelines))
	for id, entry := range s.pipelines {
		if !entry.enabled || entry.maintenance || excluded[id] {
			continue
		}
		if s.blacklist.IsBlacklisted(id, entry.descriptor.ID) {
			continue
		}
		snap, _ := s.health.Snapshot(id)
		candidates = append(candidates, loadbalancer.Candidate{
			PipelineID:          id,
			Weight:              entry.descriptor.Weight,
			TotalRequests:       snap.TotalRequests,
			AverageResponseTime: float64(snap.AverageResponseTime),
			HealthScore:         s.health.HealthScore(id),
			InsertionOrder:      entry.insertionOrder,
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].PipelineID < candidates[j].PipelineID })
	return candidates
}

func (s *Scheduler) recordTerminal(success bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.TotalRequests++
	if success {
		s.stats.SuccessfulRequests++
	} else {
		s.stats.FailedRequests++
	}
}

func (s *Scheduler) recordRetry() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.RetriedRequests++
}

// sleepOrDeadline sleeps for delay, but returns early if ctx is
// cancelled or the overall execution deadline passes first.
func sleepOrDeadline(ctx context.Context, delay time.Duration, deadline time.Time) {
	if delay <= 0 {
		return
	}
	if remaining := time.Until(deadline); remaining < delay {
		delay = remaining
	}
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

