package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
)

// fakeLedgerServer answers any method with a canned Struct, recording requests.
type fakeLedgerServer struct {
	responses map[string]map[string]any
	requests  map[string]map[string]any
	md        metadata.MD
}

func (f *fakeLedgerServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	f.md, _ = metadata.FromIncomingContext(stream.Context())
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	f.requests[method] = in.AsMap()
	resp, ok := f.responses[method]
	if !ok {
		return status.Error(codes.Unimplemented, method)
	}
	out, err := structpb.NewStruct(resp)
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

func newTestLedgerClient(t *testing.T, fake *fakeLedgerServer) *LedgerGRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewLedgerGRPCClient("passthrough:///bufnet", GeneralLedgerService,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testPeriod() closing.Period {
	return closing.Period{
		Start: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestLedgerGRPCClient_GetPeriodTotals(t *testing.T) {
	fake := &fakeLedgerServer{
		responses: map[string]map[string]any{
			"/pesio.gl.v1.LedgerService/GetPeriodTotals": {"debit": "1500.25", "credit": 1500.25},
		},
		requests: map[string]map[string]any{},
	}
	c := newTestLedgerClient(t, fake)

	totals, err := c.GetPeriodTotals(context.Background(), "ACME", testPeriod(), closing.AccountFilter{Prefix: "6"})
	require.NoError(t, err)
	assert.Equal(t, "1500.25", totals.Debit.String())
	assert.True(t, totals.Debit.Equal(totals.Credit))

	req := fake.requests["/pesio.gl.v1.LedgerService/GetPeriodTotals"]
	assert.Equal(t, "ACME", req["company_id"])
	assert.Equal(t, "2026-09-30", req["period_end"])
	assert.Equal(t, "6", req["prefix"])
}

func TestLedgerGRPCClient_PostEntryAndLists(t *testing.T) {
	fake := &fakeLedgerServer{
		responses: map[string]map[string]any{
			"/pesio.gl.v1.LedgerService/PostEntry": {"posted_ref": "JE-2026-0042"},
			"/pesio.gl.v1.LedgerService/ListAccountBalances": {"balances": []any{
				map[string]any{"account": "601000", "class": "EXPENSE", "debit": "10", "credit": "0"},
			}},
			"/pesio.gl.v1.LedgerService/ListEntries": {"entries": []any{
				map[string]any{"ref": "JE-1", "date": "2026-09-12", "narration": "Rent", "debit": "10", "credit": "10"},
			}},
		},
		requests: map[string]map[string]any{},
	}
	c := newTestLedgerClient(t, fake)
	ctx := context.Background()

	ref, err := c.PostEntry(ctx, "ACME", testPeriod(), []closing.EntryDraft{
		{AccountRef: "681100", Debit: decimalOf("600"), Credit: decimalOf("0"), Narration: "Depreciation"},
		{AccountRef: "281800", Debit: decimalOf("0"), Credit: decimalOf("600"), Narration: "Depreciation"},
	})
	require.NoError(t, err)
	assert.Equal(t, "JE-2026-0042", ref)
	lines := fake.requests["/pesio.gl.v1.LedgerService/PostEntry"]["lines"].([]any)
	require.Len(t, lines, 2)
	assert.Equal(t, "600.00", lines[0].(map[string]any)["debit"])

	balances, err := c.ListAccountBalances(ctx, "ACME", testPeriod())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, closing.AccountExpense, balances[0].Class)

	entries, err := c.ListEntries(ctx, "ACME", testPeriod())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 12, entries[0].Date.Day())
}

func TestLedgerGRPCClient_UnimplementedSourcesAreAbsent(t *testing.T) {
	fake := &fakeLedgerServer{responses: map[string]map[string]any{}, requests: map[string]map[string]any{}}
	c := newTestLedgerClient(t, fake)

	items, err := c.ListReconciliationItems(context.Background(), "ACME", testPeriod())
	require.NoError(t, err)
	assert.Nil(t, items)

	tax, err := c.ListTaxItems(context.Background(), "ACME", testPeriod())
	require.NoError(t, err)
	assert.Nil(t, tax)

	_, err = c.ListEntries(context.Background(), "ACME", testPeriod())
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestLedgerGRPCClient_ForwardsIncomingMetadata(t *testing.T) {
	fake := &fakeLedgerServer{
		responses: map[string]map[string]any{
			"/pesio.gl.v1.LedgerService/GetPeriodTotals": {"debit": "0", "credit": "0"},
		},
		requests: map[string]map[string]any{},
	}
	c := newTestLedgerClient(t, fake)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-user-id", "alice"))
	ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", "req-7")
	_, err := c.GetPeriodTotals(ctx, "ACME", testPeriod(), closing.AccountFilter{})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, fake.md.Get("x-user-id"))
	assert.Equal(t, []string{"req-7"}, fake.md.Get("x-request-id"))
}

func TestDecimalField(t *testing.T) {
	v, err := decimalField(map[string]any{"x": "12.50"}, "x")
	require.NoError(t, err)
	assert.Equal(t, "12.5", v.String())

	v, err = decimalField(map[string]any{"x": 3.25}, "x")
	require.NoError(t, err)
	assert.Equal(t, "3.25", v.String())

	v, err = decimalField(map[string]any{}, "x")
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	_, err = decimalField(map[string]any{"x": true}, "x")
	assert.Error(t, err)
	_, err = decimalField(map[string]any{"x": "abc"}, "x")
	assert.Error(t, err)
}
