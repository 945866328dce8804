package schema

// Event type constants for the append-only event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"

	EventStepDispatched = "step_dispatched"
	EventStepCompleted  = "step_completed"
	EventStepReplayed   = "step_replayed"

	EventGenerationCreated    = "generation_created"
	EventGenerationProcessing = "generation_processing"
	EventGenerationCompleted  = "generation_completed"
	EventGenerationFailed     = "generation_failed"
	EventGenerationRefunded   = "generation_refunded"

	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further writes are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// GenerationStatus represents the lifecycle state of a single provider invocation.
type GenerationStatus string

const (
	GenerationStatusPending    GenerationStatus = "pending"
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
)

// IsTerminal reports whether the generation has reached completed or failed.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationStatusCompleted || s == GenerationStatusFailed
}
