// Package property holds gopter property-based tests for the invariants
// and laws the scheduler's components must uphold, independent of any
// one example sequence. Grounded on the teacher's
// tests/property/consensus_properties_test.go (gopter.NewProperties,
// prop.ForAll, custom generators) applied to this module's own domain.
package property

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	schederrors "github.com/pipelinesched/pipelinesched/pkg/sched/errors"
	"github.com/pipelinesched/pipelinesched/pkg/sched/health"
	"github.com/pipelinesched/pipelinesched/pkg/sched/loadbalancer"
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// allCodes is the closed code set the classifier recognizes, used to
// generate representative inputs.
var allCodes = []types.Code{
	types.CodeNoAvailablePipelines, types.CodePipelineSelectionFailed, types.CodeCircuitOpen,
	types.CodeSchedulerShuttingDown, types.CodeExecutionFailed, types.CodeExecutionTimeout,
	types.CodeInternalError, types.CodeSystemOverload, types.CodeConnectionFailed,
	types.CodeRequestTimeout, types.CodeResponseTimeout, types.CodeAuthenticationFailed,
	types.CodeAuthorizationFailed, types.CodeRateLimited, types.CodeServiceUnavailable,
	types.CodeServerError, types.CodeTimeout,
}

func genCode() gopter.Gen {
	return gen.OneConstOf(
		allCodes[0], allCodes[1], allCodes[2], allCodes[3], allCodes[4], allCodes[5], allCodes[6],
		allCodes[7], allCodes[8], allCodes[9], allCodes[10], allCodes[11], allCodes[12], allCodes[13],
		allCodes[14], allCodes[15], allCodes[16],
	)
}

func genSource() gopter.Gen {
	return gen.OneConstOf(types.SourceModule, types.SourceUpstream)
}

func TestClassificationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Mapping Totality: every recognized code, from every source, maps to
	// a valid HTTP status and a valid phase.
	properties.Property("MappingTotality", prop.ForAll(
		func(code types.Code, source types.Source) bool {
			c := schederrors.Classify(&types.PipelineError{Code: code, Source: source})
			validPhase := c.Phase == types.PhaseSend || c.Phase == types.PhaseReceive || c.Phase == types.PhaseServer
			validStatus := c.HTTPStatus >= 100 && c.HTTPStatus < 600
			return validPhase && validStatus
		},
		genCode(),
		genSource(),
	))

	// Mapping Idempotence: classifying the same error twice yields the
	// same result (Classify is a pure function of code+source).
	properties.Property("MappingIdempotence", prop.ForAll(
		func(code types.Code, source types.Source) bool {
			e := &types.PipelineError{Code: code, Source: source}
			first := schederrors.Classify(e)
			second := schederrors.Classify(e)
			return first == second
		},
		genCode(),
		genSource(),
	))

	properties.TestingRun(t)
}

func TestHealthTrackerProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// ErrorRate invariant: always in [0,1], and total failures never
	// exceed total requests, no matter the outcome sequence recorded.
	properties.Property("ErrorRateWithinUnitInterval", prop.ForAll(
		func(outcomes []bool) bool {
			tr := health.New(health.DefaultConfig(), nil)
			for _, ok := range outcomes {
				tr.Record("p1", ok, time.Millisecond)
			}
			if len(outcomes) == 0 {
				return true
			}
			snap, found := tr.Snapshot("p1")
			if !found {
				return false
			}
			return snap.ErrorRate >= 0 && snap.ErrorRate <= 1 && snap.TotalFailures <= snap.TotalRequests
		},
		gen.SliceOf(gen.Bool()),
	))

	// HealthScore is always within [0,1].
	properties.Property("HealthScoreWithinUnitInterval", prop.ForAll(
		func(outcomes []bool) bool {
			tr := health.New(health.DefaultConfig(), nil)
			for _, ok := range outcomes {
				tr.Record("p1", ok, time.Millisecond)
			}
			score := tr.HealthScore("p1")
			return score >= 0 && score <= 1
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func genCandidates(n int) []loadbalancer.Candidate {
	candidates := make([]loadbalancer.Candidate, n)
	for i := 0; i < n; i++ {
		candidates[i] = loadbalancer.Candidate{
			PipelineID:          string(rune('a' + i)),
			Weight:              1,
			TotalRequests:       int64(i),
			AverageResponseTime: float64(10 * (i + 1)),
			HealthScore:         0.9,
			InsertionOrder:      i,
		}
	}
	return candidates
}

func TestRoundRobinProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Round-robin visits every candidate exactly once across n selections
	// against a fixed candidate set of size n.
	properties.Property("VisitsEveryCandidateExactlyOnce", prop.ForAll(
		func(n int) bool {
			b := loadbalancer.New()
			candidates := genCandidates(n)
			seen := make(map[string]int)
			for i := 0; i < n; i++ {
				c, err := b.Select(loadbalancer.RoundRobin, candidates, "")
				if err != nil {
					return false
				}
				seen[c.PipelineID]++
			}
			for _, c := range candidates {
				if seen[c.PipelineID] != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

func TestRecoveryPolicyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// A Decide result always carries one of the closed RecoveryActionKind
	// values, never a zero/garbage kind.
	properties.Property("AlwaysReturnsARecognizedActionKind", prop.ForAll(
		func(code types.Code, consecutive int) bool {
			p := schederrors.NewPolicy(schederrors.DefaultPolicyConfig())
			d := p.Decide(&types.PipelineError{Code: code}, &types.ExecutionContext{}, consecutive)
			switch d.Action.Kind {
			case types.ActionRetry, types.ActionFailover, types.ActionBlacklistTemporary,
				types.ActionBlacklistPermanent, types.ActionEnterMaintenance, types.ActionIgnore:
				return true
			default:
				return false
			}
		},
		genCode(),
		gen.IntRange(0, 20),
	))

	// Once instanceConsecutiveFailures reaches the blacklist threshold,
	// the decision is always a blacklist action regardless of error code.
	properties.Property("BlacklistThresholdAlwaysBlacklists", prop.ForAll(
		func(code types.Code) bool {
			cfg := schederrors.DefaultPolicyConfig()
			p := schederrors.NewPolicy(cfg)
			d := p.Decide(&types.PipelineError{Code: code}, &types.ExecutionContext{}, cfg.BlacklistThreshold)
			return d.Action.Kind == types.ActionBlacklistTemporary || d.Action.Kind == types.ActionBlacklistPermanent
		},
		genCode(),
	))

	properties.TestingRun(t)
}
