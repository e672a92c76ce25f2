package property

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pipelinesched/pipelinesched/pkg/pipeline"
	"github.com/pipelinesched/pipelinesched/pkg/sched"
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// alwaysFailingSteps builds n scripted failure steps followed by one
// success, so a caller can dial in exactly how many attempts it takes to
// succeed.
func alwaysFailingSteps(failures int) []pipeline.Step {
	steps := make([]pipeline.Step, 0, failures+1)
	for i := 0; i < failures; i++ {
		steps = append(steps, pipeline.Step{Err: &types.PipelineError{Code: types.CodeExecutionFailed}})
	}
	steps = append(steps, pipeline.Step{Output: []byte("ok")})
	return steps
}

func newTestScheduler(maxRetries int) *sched.Scheduler {
	cfg := sched.DefaultConfig()
	cfg.BreakerCfg.FailureThreshold = 1000 // isolate the retry-bound property from breaker tripping
	cfg.PolicyCfg.BlacklistThreshold = 1000 // ...and from the policy blacklisting the only pipeline
	cfg.DefaultTimeout = 5 * time.Second
	cfg.DefaultRetryDelay = 0
	cfg.MaxRetries = maxRetries
	return sched.New(cfg, nil)
}

// TestExecuteAttemptBoundProperty encodes spec §4.7/§8's law: Execute
// never attempts more than maxRetries+1 times for a single call, no
// matter how many consecutive transient failures the instance produces.
func TestExecuteAttemptBoundProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("AttemptsNeverExceedMaxRetriesPlusOne", prop.ForAll(
		func(maxRetries, totalFailures int) bool {
			s := newTestScheduler(maxRetries)
			responder := pipeline.NewScriptedResponder(alwaysFailingSteps(totalFailures)...)
			id, err := s.CreatePipeline(context.Background(), types.PipelineDescriptor{ID: "p1", Enabled: true}, func(_ string) pipeline.Instance {
				return pipeline.NewStubInstance("p1", responder)
			})
			if err != nil {
				return false
			}
			_ = id

			result, _ := s.Execute(context.Background(), types.Payload{}, sched.ExecuteOptions{MaxRetries: maxRetries})
			return result.RetryCount <= maxRetries
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// TestExecuteSucceedsWithinAttemptBudgetWhenFailuresFitTheBudget encodes
// the complementary law: if the instance succeeds at or before attempt
// maxRetries, Execute reports success.
func TestExecuteSucceedsWithinAttemptBudgetWhenFailuresFitTheBudget(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("SucceedsWhenFailuresDoNotExhaustBudget", prop.ForAll(
		func(maxRetries int) bool {
			failures := maxRetries // succeeds on the (maxRetries+1)th attempt, exactly at budget
			s := newTestScheduler(maxRetries)
			responder := pipeline.NewScriptedResponder(alwaysFailingSteps(failures)...)
			_, err := s.CreatePipeline(context.Background(), types.PipelineDescriptor{ID: "p1", Enabled: true}, func(_ string) pipeline.Instance {
				return pipeline.NewStubInstance("p1", responder)
			})
			if err != nil {
				return false
			}

			result, errResp := s.Execute(context.Background(), types.Payload{}, sched.ExecuteOptions{MaxRetries: maxRetries, RetryDelay: time.Millisecond})
			return errResp == nil && result.Status == types.StatusCompleted
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
