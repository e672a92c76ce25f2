// Package errors implements the ErrorClassifier and RecoveryPolicy of
// spec §4.5: mapping a PipelineError + ExecutionContext to a phase, an
// HTTP status, and a RecoveryAction. Grounded on the teacher's
// pkg/errors.DistributedError taxonomy (code/type/severity/retryable)
// generalized to the exact phase/status rules and recovery defaults
// spec.md specifies.
package errors

import (
	"github.com/pipelinesched/pipelinesched/pkg/sched/types"
)

// localCodes is the fixed set of codes spec §4.5 calls "local".
var localCodes = map[types.Code]bool{
	types.CodeExecutionFailed:  true,
	types.CodeExecutionTimeout: true,
	types.CodeConnectionFailed: true,
	types.CodeRequestTimeout:   true,
	types.CodeResponseTimeout:  true,
	types.CodeInternalError:    true,
	types.CodeSystemOverload:   true,
}

// sendPhaseCodes is the subset of local codes classified send-phase.
var sendPhaseCodes = map[types.Code]bool{
	types.CodeExecutionFailed:  true,
	types.CodeConnectionFailed: true,
	types.CodeRequestTimeout:   true,
	types.CodeInternalError:    true,
}

// serverStatusTable is the fixed upstream-error -> HTTP status table.
var serverStatusTable = map[types.Code]int{
	types.CodeAuthenticationFailed: 401,
	types.CodeAuthorizationFailed:  403,
	types.CodeConnectionFailed:     502,
	types.CodeTimeout:              504,
	types.CodeRateLimited:          429,
	types.CodeServerError:          500,
	types.CodeServiceUnavailable:   503,
}

// Classification is the result of classifying one PipelineError.
type Classification struct {
	Phase      types.Phase
	HTTPStatus int
}

// Classify implements spec §4.5's phase/status rules. Classification is
// a pure function of (code, source): an error is "local" only when its
// code is in the local set AND it did not originate upstream (source !=
// upstream; an unset source counts as local). This keeps the Mapping Idempotence law exact and resolves the
// ConnectionFailed ambiguity noted in spec §9 — see SPEC_FULL.md §4.5.
func Classify(e *types.PipelineError) Classification {
	if e == nil {
		return Classification{Phase: types.PhaseServer, HTTPStatus: 500}
	}

	if localCodes[e.Code] && e.Source != types.SourceUpstream {
		if sendPhaseCodes[e.Code] {
			return Classification{Phase: types.PhaseSend, HTTPStatus: 500}
		}
		return Classification{Phase: types.PhaseReceive, HTTPStatus: 501}
	}

	status, ok := serverStatusTable[e.Code]
	if !ok {
		status = 500
	}
	return Classification{Phase: types.PhaseServer, HTTPStatus: status}
}
