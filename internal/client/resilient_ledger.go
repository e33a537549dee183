package client

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// ResilienceConfig bounds ledger calls.
type ResilienceConfig struct {
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	ReadAttempts     int
	RetryDelay       time.Duration
}

// ResilientLedger decorates a ledger with a per-call timeout, a circuit
// breaker and retries on reads. Postings are never retried. Every failure,
// timeouts included, surfaces as UNAVAILABLE.
type ResilientLedger struct {
	name    string
	inner   Ledger
	breaker circuitbreaker.CircuitBreaker[any]
	reads   retry.Retry[any]
	timeout time.Duration
}

// NewResilientLedger wraps inner. name prefixes error messages.
func NewResilientLedger(name string, inner Ledger, cfg ResilienceConfig) *ResilientLedger {
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	attempts := cfg.ReadAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &ResilientLedger{
		name:  name,
		inner: inner,
		breaker: circuitbreaker.New[any](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    cfg.BreakerTimeout,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- threshold is positive
			},
		}),
		reads: retry.New[any](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  cfg.RetryDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
		}),
		timeout: timeout,
	}
}

func (r *ResilientLedger) GetPeriodTotals(ctx context.Context, companyID string, period closing.Period, filter closing.AccountFilter) (closing.Totals, error) {
	return call(ctx, r, "GetPeriodTotals", true, func(ctx context.Context) (closing.Totals, error) {
		return r.inner.GetPeriodTotals(ctx, companyID, period, filter)
	})
}

func (r *ResilientLedger) ListAccountBalances(ctx context.Context, companyID string, period closing.Period) ([]closing.AccountBalance, error) {
	return call(ctx, r, "ListAccountBalances", true, func(ctx context.Context) ([]closing.AccountBalance, error) {
		return r.inner.ListAccountBalances(ctx, companyID, period)
	})
}

func (r *ResilientLedger) ListEntries(ctx context.Context, companyID string, period closing.Period) ([]closing.PostedEntry, error) {
	return call(ctx, r, "ListEntries", true, func(ctx context.Context) ([]closing.PostedEntry, error) {
		return r.inner.ListEntries(ctx, companyID, period)
	})
}

func (r *ResilientLedger) PostEntry(ctx context.Context, companyID string, period closing.Period, drafts []closing.EntryDraft) (string, error) {
	return call(ctx, r, "PostEntry", false, func(ctx context.Context) (string, error) {
		return r.inner.PostEntry(ctx, companyID, period, drafts)
	})
}

// ListReconciliationItems delegates when the wrapped ledger is a
// ReconciliationSource and reports no source otherwise.
func (r *ResilientLedger) ListReconciliationItems(ctx context.Context, companyID string, period closing.Period) ([]closing.ReconciliationItem, error) {
	src, ok := r.inner.(ReconciliationSource)
	if !ok {
		return nil, nil
	}
	return call(ctx, r, "ListReconciliationItems", true, func(ctx context.Context) ([]closing.ReconciliationItem, error) {
		return src.ListReconciliationItems(ctx, companyID, period)
	})
}

// ListTaxItems delegates when the wrapped ledger is a TaxSource.
func (r *ResilientLedger) ListTaxItems(ctx context.Context, companyID string, period closing.Period) ([]closing.TaxItem, error) {
	src, ok := r.inner.(TaxSource)
	if !ok {
		return nil, nil
	}
	return call(ctx, r, "ListTaxItems", true, func(ctx context.Context) ([]closing.TaxItem, error) {
		return src.ListTaxItems(ctx, companyID, period)
	})
}

func call[T any](ctx context.Context, r *ResilientLedger, op string, retryable bool, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	attempt := func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
	out, err := r.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		if retryable {
			return r.reads.Do(ctx, attempt)
		}
		return attempt(ctx)
	})

	var zero T
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return zero, errors.Wrap(err, errors.ErrCodeUnavailable, r.name+" "+op+" timed out")
		}
		return zero, errors.Wrap(err, errors.ErrCodeUnavailable, r.name+" "+op)
	}
	v, _ := out.(T)
	return v, nil
}
