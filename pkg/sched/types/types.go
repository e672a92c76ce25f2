// Package types holds the value types shared across the scheduler's
// components: pipeline descriptors, execution context/result, recovery
// actions, and the error/response shapes produced by the error-response
// subsystem.
package types

import (
	"time"
)

// InstanceState is the lifecycle state of a PipelineInstance.
type InstanceState string

const (
	StateUninitialized InstanceState = "uninitialized"
	StateReady         InstanceState = "ready"
	StateDraining      InstanceState = "draining"
	StateStopped       InstanceState = "stopped"
	StateError         InstanceState = "error"
)

// Payload is the opaque request body carried through a pipeline, plus
// caller-supplied metadata. It replaces the `any` boundary the source
// framework used.
type Payload struct {
	Bytes    []byte
	Metadata map[string]string
}

// PipelineDescriptor is the immutable-after-load configuration for one
// pipeline. Keys (ID) are unique across the system.
type PipelineDescriptor struct {
	ID           string
	Name         string
	Type         string
	Enabled      bool
	Priority     int
	Weight       float64
	Timeout      time.Duration // not read by the Scheduler; its deadline comes from ExecuteOptions.Timeout or Config.DefaultTimeout
	MaxConcurrency int
}

// ExecutionContext accompanies one attempt at running a request through a
// pipeline instance.
type ExecutionContext struct {
	ExecutionID  string
	PipelineID   string
	InstanceID   string
	StartTime    time.Time
	Deadline     time.Time
	Payload      Payload
	Metadata     map[string]string
	RetryCount   int
	MaxRetries   int
}

// ExecutionStatus is the terminal status of an ExecutionResult.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimedOut  ExecutionStatus = "timed_out"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionResult is what a pipeline invocation (successful or not)
// produces.
type ExecutionResult struct {
	ExecutionID string
	PipelineID  string
	InstanceID  string
	Status      ExecutionStatus
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Output      []byte
	Err         *PipelineError
	RetryCount  int
}

// ErrorCategory classifies a PipelineError for routing purposes.
type ErrorCategory string

const (
	CategoryScheduling     ErrorCategory = "scheduling"
	CategoryExecution      ErrorCategory = "execution"
	CategoryNetwork        ErrorCategory = "network"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryUpstream       ErrorCategory = "upstream"
)

// Severity is a coarse impact ranking used by recovery policy defaults.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recoverability says whether the scheduler can reasonably retry/failover
// an error, independent of the RecoveryPolicy's eventual decision.
type Recoverability string

const (
	Recoverable    Recoverability = "recoverable"
	NonRecoverable Recoverability = "non_recoverable"
)

// Impact is the blast radius of a fault.
type Impact string

const (
	ImpactSingleModule Impact = "single_module"
	ImpactPipeline     Impact = "pipeline"
	ImpactSystemWide   Impact = "system_wide"
)

// Source distinguishes scheduler/transport-local failures from failures
// reported by the upstream service itself.
type Source string

const (
	SourceModule   Source = "module"
	SourceUpstream Source = "upstream"
)

// Code enumerates the closed set of error codes the classifier recognizes.
// Codes outside this set are treated as opaque upstream/server codes.
type Code string

const (
	// Local/scheduling codes.
	CodeNoAvailablePipelines   Code = "NoAvailablePipelines"
	CodePipelineSelectionFailed Code = "PipelineSelectionFailed"
	CodeCircuitOpen            Code = "CircuitOpen"
	CodeSchedulerShuttingDown  Code = "SchedulerShuttingDown"

	// Local/execution codes.
	CodeExecutionFailed  Code = "ExecutionFailed"
	CodeExecutionTimeout Code = "ExecutionTimeout"
	CodeInternalError    Code = "InternalError"
	CodeSystemOverload   Code = "SystemOverload"

	// Local/network (transport) codes.
	CodeConnectionFailed Code = "ConnectionFailed"
	CodeRequestTimeout   Code = "RequestTimeout"
	CodeResponseTimeout  Code = "ResponseTimeout"

	// Server-visible auth codes.
	CodeAuthenticationFailed Code = "AuthenticationFailed"
	CodeAuthorizationFailed  Code = "AuthorizationFailed"

	// Server/upstream codes.
	CodeRateLimited        Code = "RateLimited"
	CodeServiceUnavailable Code = "ServiceUnavailable"
	CodeServerError        Code = "ServerError"
	CodeTimeout            Code = "Timeout"
)

// PipelineError is the typed error value produced anywhere inside the
// scheduler/pipeline boundary.
type PipelineError struct {
	Code           Code
	Category       ErrorCategory
	Severity       Severity
	Recoverability Recoverability
	Impact         Impact
	Source         Source
	PipelineID     string
	InstanceID     string
	Timestamp      time.Time
	Details        string
	Consecutive    int // consecutive failures observed on this instance, if known
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Details
}

// Phase is where in the request lifecycle a failure was observed.
type Phase string

const (
	PhaseSend    Phase = "send"
	PhaseReceive Phase = "receive"
	PhaseServer  Phase = "server"
)

// RecoveryActionKind tags the RecoveryAction union.
type RecoveryActionKind string

const (
	ActionRetry               RecoveryActionKind = "retry"
	ActionFailover            RecoveryActionKind = "failover"
	ActionBlacklistTemporary  RecoveryActionKind = "blacklist_temporary"
	ActionBlacklistPermanent  RecoveryActionKind = "blacklist_permanent"
	ActionEnterMaintenance    RecoveryActionKind = "enter_maintenance"
	ActionIgnore              RecoveryActionKind = "ignore"
)

// RecoveryAction is the tagged union the RecoveryPolicy produces and the
// Scheduler/ResponseCenter consume. Only the fields relevant to Kind are
// meaningful.
type RecoveryAction struct {
	Kind             RecoveryActionKind
	RetryDelay       time.Duration
	NextPipelineID   string // Failover hint; empty = let the strategy pick
	BlacklistFor     time.Duration
}

// ErrorResponse is the caller-facing shape produced by the
// EnhancedErrorResponseCenter.
type ErrorResponse struct {
	Success        bool
	HTTPStatus     int
	Code           Code
	Category       ErrorCategory
	Severity       Severity
	Message        string
	Phase          Phase
	Timestamp      time.Time
	Details        string
	ExecutionID    string
	RecoveryAction *RecoveryAction
}

// SchedulerEventKind is the closed set of telemetry event kinds the
// response center emits and the scheduler consumes, replacing the source
// framework's string-keyed dynamic handler registries (see DESIGN.md).
type SchedulerEventKind string

const (
	EventRetryRequested       SchedulerEventKind = "retry_requested"
	EventFailoverRequested    SchedulerEventKind = "failover_requested"
	EventMaintenanceRequested SchedulerEventKind = "maintenance_requested"
	EventPing                 SchedulerEventKind = "ping"
	EventHealthCheck          SchedulerEventKind = "health_check"
	EventShutdown              SchedulerEventKind = "shutdown"
)

// SchedulerEvent is a single message on the internal telemetry channel
// between the EnhancedErrorResponseCenter and the Scheduler.
type SchedulerEvent struct {
	Kind        SchedulerEventKind
	PipelineID  string
	InstanceID  string
	ExecutionID string
	Action      *RecoveryAction
	OccurredAt  time.Time
}
