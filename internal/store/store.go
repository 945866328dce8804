package store

import (
	"context"
	"time"

	"github.com/rendis/genchain/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Every state-changing
// method that races with webhooks or the recovery sweep is a conditional
// update and reports whether it applied.
type Store interface {
	// Templates
	StoreTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	AdvanceExecution(ctx context.Context, id string, expectedStep int, adv ExecutionAdvance) (bool, error)
	CompleteExecution(ctx context.Context, id string, expectedStep int, done ExecutionCompletion) (bool, error)
	FailExecution(ctx context.Context, id string, failure ExecutionFailure) (bool, error)

	// Generations
	CreateGeneration(ctx context.Context, gen *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]*Generation, error)
	TransitionGeneration(ctx context.Context, id string, from []schema.GenerationStatus, to schema.GenerationStatus, update GenerationUpdate) (bool, error)
	RefundGeneration(ctx context.Context, id string, at time.Time) (bool, error)

	// Token accounts
	CreateAccount(ctx context.Context, userID string, balance int64) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	CompareAndSwapBalance(ctx context.Context, userID string, expected, next int64, entry LedgerEntry) (bool, error)
	CreditBalance(ctx context.Context, userID string, amount int64, entry LedgerEntry) (int64, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, subjectID string, since int64) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
