package errors

import (
	"math"
	"time"

	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// PolicyConfig tunes the RecoveryPolicy's thresholds and backoff curves.
type PolicyConfig struct {
	TransientBackoffBase time.Duration // default 1000ms, x2 per attempt, cap 30s
	TransientBackoffCap  time.Duration
	RateLimitBackoffBase time.Duration // default 2000ms, x2^attempt, cap 60s
	RateLimitBackoffCap  time.Duration
	BlacklistThreshold   int           // default 5 repeated failures on same instance
	BlacklistDuration    time.Duration // default 60s, see spec §9 (standardized here)
	ConnectionFailoverAfter int        // consecutive same-instance ConnectionFailed before Failover, default 2
}

// DefaultPolicyConfig matches spec §4.5 defaults. The blacklist duration
// discrepancy spec §9 flags (60s vs 60000ms) is standardized here on a
// single time.Duration value — 60 seconds.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		TransientBackoffBase:    1000 * time.Millisecond,
		TransientBackoffCap:     30 * time.Second,
		RateLimitBackoffBase:    2000 * time.Millisecond,
		RateLimitBackoffCap:     60 * time.Second,
		BlacklistThreshold:      5,
		BlacklistDuration:       60 * time.Second,
		ConnectionFailoverAfter: 2,
	}
}

// Decision is what the RecoveryPolicy returns for one error.
type Decision struct {
	Action      types.RecoveryAction
	ShouldRetry bool
}

// Policy implements spec §4.5's RecoveryPolicy, keyed by error code with
// category defaults.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy creates a Policy with cfg (zero value -> DefaultPolicyConfig).
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.TransientBackoffBase <= 0 {
		cfg = DefaultPolicyConfig()
	}
	return &Policy{cfg: cfg}
}

// Decide returns the recovery action for err observed during ctx's
// attempt. instanceConsecutiveFailures is the number of consecutive
// failures HealthTracker has recorded for the same (pipeline, instance)
// pair, used by the ConnectionFailed-failover and blacklist rules.
func (p *Policy) Decide(err *types.PipelineError, ctx *types.ExecutionContext, instanceConsecutiveFailures int) Decision {
	if err == nil {
		return Decision{Action: types.RecoveryAction{Kind: types.ActionIgnore}}
	}

	// Blacklist takes priority once an instance has failed repeatedly,
	// regardless of error code, per spec §4.5.
	if instanceConsecutiveFailures >= p.cfg.BlacklistThreshold {
		if err.Impact == types.ImpactSystemWide || err.Severity == types.SeverityCritical {
			return Decision{Action: types.RecoveryAction{Kind: types.ActionBlacklistPermanent}}
		}
		return Decision{Action: types.RecoveryAction{Kind: types.ActionBlacklistTemporary, BlacklistFor: p.cfg.BlacklistDuration}}
	}

	switch err.Code {
	case types.CodeAuthenticationFailed, types.CodeAuthorizationFailed:
		return Decision{Action: types.RecoveryAction{Kind: types.ActionEnterMaintenance}}

	case types.CodeConnectionFailed:
		if instanceConsecutiveFailures >= p.cfg.ConnectionFailoverAfter {
			return Decision{Action: types.RecoveryAction{Kind: types.ActionFailover}}
		}
		delay := p.transientBackoff(ctx.RetryCount)
		return Decision{
			ShouldRetry: true,
			Action:      types.RecoveryAction{Kind: types.ActionRetry, RetryDelay: delay},
		}

	case types.CodeRateLimited:
		delay := p.rateLimitBackoff(ctx.RetryCount)
		return Decision{
			ShouldRetry: true,
			Action:      types.RecoveryAction{Kind: types.ActionRetry, RetryDelay: delay},
		}

	case types.CodeExecutionFailed, types.CodeExecutionTimeout, types.CodeRequestTimeout,
		types.CodeResponseTimeout, types.CodeServerError, types.CodeServiceUnavailable,
		types.CodeTimeout, types.CodeInternalError:
		delay := p.transientBackoff(ctx.RetryCount)
		return Decision{
			ShouldRetry: true,
			Action:      types.RecoveryAction{Kind: types.ActionRetry, RetryDelay: delay},
		}

	case types.CodeSystemOverload, types.CodeCircuitOpen, types.CodeNoAvailablePipelines,
		types.CodePipelineSelectionFailed, types.CodeSchedulerShuttingDown:
		return Decision{Action: types.RecoveryAction{Kind: types.ActionIgnore}}

	default:
		return Decision{Action: types.RecoveryAction{Kind: types.ActionIgnore}}
	}
}

func (p *Policy) transientBackoff(attempt int) time.Duration {
	d := time.Duration(float64(p.cfg.TransientBackoffBase) * math.Pow(2, float64(attempt)))
	if d > p.cfg.TransientBackoffCap {
		d = p.cfg.TransientBackoffCap
	}
	return d
}

func (p *Policy) rateLimitBackoff(attempt int) time.Duration {
	d := time.Duration(float64(p.cfg.RateLimitBackoffBase) * math.Pow(2, float64(attempt)))
	if d > p.cfg.RateLimitBackoffCap {
		d = p.cfg.RateLimitBackoffCap
	}
	return d
}
