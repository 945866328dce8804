package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

func newTestLedger(t *testing.T, balance int64) (*Ledger, *store.SQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateAccount(context.Background(), "user-1", balance))
	return New(s, Config{MaxAttempts: 200, Backoff: time.Millisecond}, nil), s
}

func TestDeduct_CompareAndSwap(t *testing.T) {
	l, _ := newTestLedger(t, 100)
	ctx := context.Background()

	ok, err := l.Deduct(ctx, "user-1", 10, 100, "g1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expectation is a conflict, not an error.
	ok, err = l.Deduct(ctx, "user-1", 10, 100, "g2")
	require.NoError(t, err)
	assert.False(t, ok)

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal)
}

func TestDeduct_Insufficient(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	_, err := l.Deduct(context.Background(), "user-1", 10, 5, "g1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInsufficientTokens))
}

func TestCharge_Insufficient(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	err := l.Charge(context.Background(), "user-1", 10, "g1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInsufficientTokens))
}

func TestCharge_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	err := l.Charge(context.Background(), "nobody", 1, "g1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestCharge_ConcurrentNoLostUpdates(t *testing.T) {
	const (
		initial = 100
		workers = 25
		amount  = 7
	)
	l, s := newTestLedger(t, initial)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Charge(ctx, "user-1", amount, "")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, schema.HasCode(err, schema.ErrCodeInsufficientTokens) || schema.HasCode(err, schema.ErrCodeConflict), err)
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(initial-successes*amount), bal)
	assert.GreaterOrEqual(t, bal, int64(0))
	assert.LessOrEqual(t, successes, initial/amount)

	entries, err := s.ListLedgerEntries(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, successes+1)
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	assert.Equal(t, bal, sum)
}

func TestRefundAndCredit(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()

	require.NoError(t, l.Charge(ctx, "user-1", 10, "g1"))
	bal, err := l.Refund(ctx, "user-1", 10, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	bal, err = l.Credit(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)
}

func TestCharge_ZeroIsFree(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	assert.NoError(t, l.Charge(context.Background(), "user-1", 0, "g1"))
}
