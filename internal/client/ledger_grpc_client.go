package client

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
)

// Ledger gRPC services. Both expose the same query methods; only the general
// ledger accepts postings.
const (
	GeneralLedgerService    = "pesio.gl.v1.LedgerService"
	AnalyticalLedgerService = "pesio.gl.v1.AnalyticalLedgerService"
)

const dateLayout = "2006-01-02"

// LedgerGRPCClient is a gRPC client for a ledger service. Messages travel as
// google.protobuf.Struct so the contract needs no generated stubs.
type LedgerGRPCClient struct {
	conn    *grpc.ClientConn
	service string
}

// NewLedgerGRPCClient dials the ledger service at address. Extra options are
// appended to the defaults.
func NewLedgerGRPCClient(address, service string, opts ...grpc.DialOption) (*LedgerGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", service, err)
	}
	return &LedgerGRPCClient{conn: conn, service: service}, nil
}

// Close closes the gRPC connection
func (c *LedgerGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// GetPeriodTotals returns aggregated debit and credit for the filtered accounts.
func (c *LedgerGRPCClient) GetPeriodTotals(ctx context.Context, companyID string, period closing.Period, filter closing.AccountFilter) (closing.Totals, error) {
	req := periodRequest(companyID, period)
	if len(filter.Accounts) > 0 {
		accounts := make([]any, len(filter.Accounts))
		for i, a := range filter.Accounts {
			accounts[i] = a
		}
		req["accounts"] = accounts
	}
	if filter.Prefix != "" {
		req["prefix"] = filter.Prefix
	}

	resp, err := c.invoke(ctx, "GetPeriodTotals", req)
	if err != nil {
		return closing.Totals{}, err
	}
	return totalsFromWire(resp)
}

// ListAccountBalances returns every account moved in the period.
func (c *LedgerGRPCClient) ListAccountBalances(ctx context.Context, companyID string, period closing.Period) ([]closing.AccountBalance, error) {
	resp, err := c.invoke(ctx, "ListAccountBalances", periodRequest(companyID, period))
	if err != nil {
		return nil, err
	}
	return decodeList(resp, "balances", balanceFromWire)
}

// ListEntries returns the posted entries of the period.
func (c *LedgerGRPCClient) ListEntries(ctx context.Context, companyID string, period closing.Period) ([]closing.PostedEntry, error) {
	resp, err := c.invoke(ctx, "ListEntries", periodRequest(companyID, period))
	if err != nil {
		return nil, err
	}
	return decodeList(resp, "entries", entryFromWire)
}

// PostEntry posts one balanced journal entry and returns its ledger reference.
func (c *LedgerGRPCClient) PostEntry(ctx context.Context, companyID string, period closing.Period, drafts []closing.EntryDraft) (string, error) {
	req := periodRequest(companyID, period)
	lines := make([]any, len(drafts))
	for i, d := range drafts {
		lines[i] = map[string]any{
			"account_ref": d.AccountRef,
			"debit":       d.Debit.StringFixed(2),
			"credit":      d.Credit.StringFixed(2),
			"narration":   d.Narration,
		}
	}
	req["lines"] = lines

	resp, err := c.invoke(ctx, "PostEntry", req)
	if err != nil {
		return "", err
	}
	ref, _ := resp["posted_ref"].(string)
	if ref == "" {
		return "", fmt.Errorf("%s.PostEntry returned no posted_ref", c.service)
	}
	return ref, nil
}

// ListReconciliationItems returns sub-ledger balances, or nil when the remote
// ledger does not offer reconciliation.
func (c *LedgerGRPCClient) ListReconciliationItems(ctx context.Context, companyID string, period closing.Period) ([]closing.ReconciliationItem, error) {
	resp, err := c.invoke(ctx, "ListReconciliationItems", periodRequest(companyID, period))
	if status.Code(err) == codes.Unimplemented {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeList(resp, "items", reconciliationFromWire)
}

// ListTaxItems returns declared tax amounts, or nil when unsupported.
func (c *LedgerGRPCClient) ListTaxItems(ctx context.Context, companyID string, period closing.Period) ([]closing.TaxItem, error) {
	resp, err := c.invoke(ctx, "ListTaxItems", periodRequest(companyID, period))
	if status.Code(err) == codes.Unimplemented {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeList(resp, "items", taxFromWire)
}

func (c *LedgerGRPCClient) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+c.service+"/"+method, in, out); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", c.service, method, err)
	}
	return out.AsMap(), nil
}

func periodRequest(companyID string, period closing.Period) map[string]any {
	return map[string]any{
		"company_id":   companyID,
		"period_start": period.Start.Format(dateLayout),
		"period_end":   period.End.Format(dateLayout),
	}
}

func decodeList[T any](resp map[string]any, key string, decode func(map[string]any) (T, error)) ([]T, error) {
	raw, _ := resp[key].([]any)
	out := make([]T, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: expected object", key, i)
		}
		v, err := decode(m)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func totalsFromWire(m map[string]any) (closing.Totals, error) {
	debit, err := decimalField(m, "debit")
	if err != nil {
		return closing.Totals{}, err
	}
	credit, err := decimalField(m, "credit")
	if err != nil {
		return closing.Totals{}, err
	}
	return closing.Totals{Debit: debit, Credit: credit}, nil
}

func balanceFromWire(m map[string]any) (closing.AccountBalance, error) {
	t, err := totalsFromWire(m)
	if err != nil {
		return closing.AccountBalance{}, err
	}
	return closing.AccountBalance{
		Account: stringField(m, "account"),
		Class:   closing.AccountClass(stringField(m, "class")),
		Debit:   t.Debit,
		Credit:  t.Credit,
	}, nil
}

func entryFromWire(m map[string]any) (closing.PostedEntry, error) {
	t, err := totalsFromWire(m)
	if err != nil {
		return closing.PostedEntry{}, err
	}
	e := closing.PostedEntry{
		Ref:       stringField(m, "ref"),
		Narration: stringField(m, "narration"),
		Debit:     t.Debit,
		Credit:    t.Credit,
	}
	if raw := stringField(m, "date"); raw != "" {
		date, err := time.Parse(dateLayout, raw)
		if err != nil {
			return closing.PostedEntry{}, fmt.Errorf("date: %w", err)
		}
		e.Date = date
	}
	return e, nil
}

func reconciliationFromWire(m map[string]any) (closing.ReconciliationItem, error) {
	balance, err := decimalField(m, "sub_ledger_balance")
	if err != nil {
		return closing.ReconciliationItem{}, err
	}
	return closing.ReconciliationItem{
		Account:          stringField(m, "account"),
		SubLedger:        stringField(m, "sub_ledger"),
		SubLedgerBalance: balance,
	}, nil
}

func taxFromWire(m map[string]any) (closing.TaxItem, error) {
	declared, err := decimalField(m, "declared_amount")
	if err != nil {
		return closing.TaxItem{}, err
	}
	return closing.TaxItem{
		Account:        stringField(m, "account"),
		Jurisdiction:   stringField(m, "jurisdiction"),
		DeclaredAmount: declared,
	}, nil
}
