package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/genchain/pkg/schema"
)

// Execution is the persisted state of one run of a workflow template.
type Execution struct {
	ID             string                 `json:"id"`
	TemplateID     string                 `json:"template_id"`
	UserID         string                 `json:"user_id"`
	UserInput      schema.Params          `json:"user_input"`
	CurrentStep    int                    `json:"current_step"`
	TotalSteps     int                    `json:"total_steps"`
	StepOutputs    schema.StepOutputs     `json:"step_outputs"`
	TokensUsed     int64                  `json:"tokens_used"`
	Status         schema.ExecutionStatus `json:"status"`
	FinalOutputURL string                 `json:"final_output_url,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ErrorStep      int                    `json:"error_step,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionAdvance records a completed non-final step and moves the cursor.
type ExecutionAdvance struct {
	NextStep    int
	StepOutputs schema.StepOutputs
	TokensUsed  int64
}

// ExecutionCompletion records the final step.
type ExecutionCompletion struct {
	StepOutputs    schema.StepOutputs
	TokensUsed     int64
	FinalOutputURL string
	CompletedAt    time.Time
}

// ExecutionFailure moves a running execution to failed.
type ExecutionFailure struct {
	ErrorMessage string
	ErrorStep    int
	CompletedAt  time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	UserID     string
	TemplateID string
	Status     *schema.ExecutionStatus
	Since      *time.Time

	// UpdatedBefore keeps executions untouched since the given time.
	UpdatedBefore *time.Time
	Limit         int
	Offset        int
}

// Generation is one invocation of a generative model.
type Generation struct {
	ID                  string                  `json:"id"`
	UserID              string                  `json:"user_id"`
	ModelRecordID       string                  `json:"model_record_id"`
	Status              schema.GenerationStatus `json:"status"`
	Prompt              string                  `json:"prompt,omitempty"`
	Parameters          schema.Params           `json:"parameters"`
	TokensUsed          int64                   `json:"tokens_used"`
	TokensRefunded      bool                    `json:"tokens_refunded"`
	ProviderTaskID      string                  `json:"provider_task_id,omitempty"`
	ProviderResponse    json.RawMessage         `json:"provider_response,omitempty"`
	StoragePath         string                  `json:"storage_path,omitempty"`
	OutputURL           string                  `json:"output_url,omitempty"`
	OutputText          string                  `json:"output_text,omitempty"`
	ErrorMessage        string                  `json:"error_message,omitempty"`
	WorkflowExecutionID string                  `json:"workflow_execution_id,omitempty"`
	WorkflowStepNumber  int                     `json:"workflow_step_number,omitempty"`
	ParentGenerationID  string                  `json:"parent_generation_id,omitempty"`
	OutputIndex         int                     `json:"output_index"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
	ProcessingAt        *time.Time              `json:"processing_at,omitempty"`
	CompletedAt         *time.Time              `json:"completed_at,omitempty"`
}

// InWorkflow reports whether the generation belongs to a workflow step.
func (g *Generation) InWorkflow() bool {
	return g.WorkflowExecutionID != "" && g.WorkflowStepNumber > 0
}

// GenerationUpdate carries optional column changes applied alongside a status
// transition. Empty fields are left untouched.
type GenerationUpdate struct {
	ProviderTaskID   string
	ProviderResponse json.RawMessage
	StoragePath      string
	OutputURL        string
	OutputText       string
	ErrorMessage     string
	ProcessingAt     *time.Time
	CompletedAt      *time.Time
}

// GenerationFilter narrows ListGenerations.
type GenerationFilter struct {
	UserID         string
	ExecutionID    string
	StepNumber     int
	ParentID       string
	ProviderTaskID string
	TopLevelOnly   bool
	Statuses       []schema.GenerationStatus
	UpdatedBefore  *time.Time
	Refunded       *bool
	Limit          int
}

// Ledger reasons.
const (
	LedgerReasonDeduct = "deduct"
	LedgerReasonRefund = "refund"
	LedgerReasonCredit = "credit"
)

// LedgerEntry is an audit row for every balance change.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	GenerationID string    `json:"generation_id,omitempty"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event is an immutable entry in the event log. SubjectID is the execution ID
// for workflow events and the generation ID for standalone generations.
type Event struct {
	ID           int64           `json:"id"`
	SubjectID    string          `json:"subject_id"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	GenerationID string          `json:"generation_id,omitempty"`
	Step         int             `json:"step,omitempty"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Name  string
	Limit int
}
