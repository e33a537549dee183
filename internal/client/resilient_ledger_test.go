package client

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

type scriptedLedger struct {
	calls   atomic.Int32
	failFor int32
	block   bool
}

func (s *scriptedLedger) step(ctx context.Context) error {
	n := s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= s.failFor {
		return stderrors.New("connection refused")
	}
	return nil
}

func (s *scriptedLedger) GetPeriodTotals(ctx context.Context, _ string, _ closing.Period, _ closing.AccountFilter) (closing.Totals, error) {
	if err := s.step(ctx); err != nil {
		return closing.Totals{}, err
	}
	return closing.Totals{Debit: decimalOf("1"), Credit: decimalOf("1")}, nil
}

func (s *scriptedLedger) ListAccountBalances(ctx context.Context, _ string, _ closing.Period) ([]closing.AccountBalance, error) {
	return nil, s.step(ctx)
}

func (s *scriptedLedger) ListEntries(ctx context.Context, _ string, _ closing.Period) ([]closing.PostedEntry, error) {
	return nil, s.step(ctx)
}

func (s *scriptedLedger) PostEntry(ctx context.Context, _ string, _ closing.Period, _ []closing.EntryDraft) (string, error) {
	if err := s.step(ctx); err != nil {
		return "", err
	}
	return "JE-1", nil
}

func TestResilientLedger_TimeoutIsUnavailable(t *testing.T) {
	inner := &scriptedLedger{block: true}
	r := NewResilientLedger("general ledger", inner, ResilienceConfig{
		CallTimeout: 20 * time.Millisecond, BreakerThreshold: 5, BreakerTimeout: time.Minute, ReadAttempts: 1,
	})

	_, err := r.PostEntry(context.Background(), "ACME", testPeriod(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
	assert.Contains(t, err.Error(), "timed out")
}

func TestResilientLedger_RetriesReads(t *testing.T) {
	inner := &scriptedLedger{failFor: 1}
	r := NewResilientLedger("general ledger", inner, ResilienceConfig{
		CallTimeout: time.Second, BreakerThreshold: 5, BreakerTimeout: time.Minute,
		ReadAttempts: 3, RetryDelay: time.Millisecond,
	})

	totals, err := r.GetPeriodTotals(context.Background(), "ACME", testPeriod(), closing.AccountFilter{})
	require.NoError(t, err)
	assert.Equal(t, "1", totals.Debit.String())
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestResilientLedger_DoesNotRetryPostings(t *testing.T) {
	inner := &scriptedLedger{failFor: 1}
	r := NewResilientLedger("general ledger", inner, ResilienceConfig{
		CallTimeout: time.Second, BreakerThreshold: 5, BreakerTimeout: time.Minute,
		ReadAttempts: 3, RetryDelay: time.Millisecond,
	})

	_, err := r.PostEntry(context.Background(), "ACME", testPeriod(), nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestResilientLedger_BreakerOpensAfterThreshold(t *testing.T) {
	inner := &scriptedLedger{failFor: 100}
	r := NewResilientLedger("general ledger", inner, ResilienceConfig{
		CallTimeout: time.Second, BreakerThreshold: 2, BreakerTimeout: time.Minute, ReadAttempts: 1,
	})

	for i := 0; i < 4; i++ {
		_, err := r.PostEntry(context.Background(), "ACME", testPeriod(), nil)
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
	}
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestResilientLedger_MissingCapabilities(t *testing.T) {
	r := NewResilientLedger("general ledger", &scriptedLedger{}, ResilienceConfig{})

	items, err := r.ListReconciliationItems(context.Background(), "ACME", testPeriod())
	require.NoError(t, err)
	assert.Nil(t, items)

	wrapped := NewResilientLedger("general ledger", NewMemoryLedger(), ResilienceConfig{})
	wrapped.inner.(*MemoryLedger).SetTax("ACME", []closing.TaxItem{{Account: "445710"}})
	tax, err := wrapped.ListTaxItems(context.Background(), "ACME", testPeriod())
	require.NoError(t, err)
	assert.Len(t, tax, 1)
}
