// Package ledger implements token accounting on top of the store's
// compare-and-swap balance update.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

// Accounts is the subset of the store the ledger needs.
type Accounts interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	CompareAndSwapBalance(ctx context.Context, userID string, expected, next int64, entry store.LedgerEntry) (bool, error)
	CreditBalance(ctx context.Context, userID string, amount int64, entry store.LedgerEntry) (int64, error)
}

// Config tunes contention handling in Charge.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{MaxAttempts: 16, Backoff: 2 * time.Millisecond}
}

// Ledger deducts and refunds tokens. Every mutation is a conditional update.
type Ledger struct {
	accounts Accounts
	cfg      Config
	logger   *slog.Logger
}

// New creates a Ledger.
func New(accounts Accounts, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{accounts: accounts, cfg: cfg, logger: logger}
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.accounts.GetBalance(ctx, userID)
}

// Deduct subtracts amount only if the balance still equals expectedPrior.
// It returns false (conflict) when another writer got there first.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount, expectedPrior int64, generationID string) (bool, error) {
	if amount < 0 {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "deduct amount must be non-negative, got %d", amount)
	}
	if expectedPrior < amount {
		return false, insufficient(userID, amount, expectedPrior)
	}
	return l.accounts.CompareAndSwapBalance(ctx, userID, expectedPrior, expectedPrior-amount, store.LedgerEntry{
		GenerationID: generationID,
		Reason:       store.LedgerReasonDeduct,
	})
}

// Charge reads the balance and deducts with Deduct, retrying on conflict.
// Returns INSUFFICIENT_TOKENS when the balance cannot cover amount and
// CONFLICT when contention outlasts the retry budget.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, generationID string) error {
	if amount == 0 {
		return nil
	}
	policy := engine.RetryPolicy{Delay: l.cfg.Backoff, MaxDelay: 50 * l.cfg.Backoff, Backoff: engine.BackoffLinear, Jitter: 1}
	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		balance, err := l.accounts.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		ok, err := l.Deduct(ctx, userID, amount, balance, generationID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.logger.DebugContext(ctx, "balance changed under charge, retrying",
			"user_id", userID, "attempt", attempt+1)
		if err := engine.WaitForBackoff(ctx, engine.ComputeBackoff(policy, attempt)); err != nil {
			return err
		}
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"could not charge %d tokens to %s after %d attempts", amount, userID, l.cfg.MaxAttempts)
}

// Refund credits amount back to the user. Callers that must refund at most
// once per generation go through the lifecycle, which flags the generation
// in the same transaction.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, generationID string) (int64, error) {
	return l.accounts.CreditBalance(ctx, userID, amount, store.LedgerEntry{
		GenerationID: generationID,
		Reason:       store.LedgerReasonRefund,
	})
}

// Credit tops up a balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	return l.accounts.CreditBalance(ctx, userID, amount, store.LedgerEntry{Reason: store.LedgerReasonCredit})
}

func insufficient(userID string, amount, balance int64) *schema.GenchainError {
	return schema.NewErrorf(schema.ErrCodeInsufficientTokens,
		"insufficient tokens: %s needs %d, has %d", userID, amount, balance).
		WithDetails(map[string]any{"user_id": userID, "required": amount, "balance": balance})
}
