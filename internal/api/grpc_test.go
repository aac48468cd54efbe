package api

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"splitbuy/internal/config"
	"splitbuy/internal/store"
	"splitbuy/internal/util"
)

// newBufClient serves s over an in-memory listener and returns a client.
func newBufClient(t *testing.T, s *Server) *ReportClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	s.RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewReportClient(conn)
}

func TestGRPCGetLedger(t *testing.T) {
	c := newBufClient(t, newTestServer(t))
	ctx := context.Background()

	out, err := c.GetLedger(ctx, "test")
	if err != nil {
		t.Fatalf("GetLedger: %v", err)
	}
	f := out.GetFields()
	if f["ticker"].GetStringValue() != "TEST" || f["last_date"].GetStringValue() != "2024-01-06" {
		t.Errorf("GetLedger = %v", out)
	}
	if f["total_records"].GetNumberValue() != 5 {
		t.Errorf("total_records = %v", f["total_records"])
	}

	_, err = c.GetLedger(ctx, "NOPE")
	if status.Code(err) != codes.NotFound {
		t.Errorf("GetLedger(NOPE) code = %v, want NotFound", status.Code(err))
	}
	_, err = c.GetLedger(ctx, "")
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("GetLedger(\"\") code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestGRPCListLedger(t *testing.T) {
	c := newBufClient(t, newTestServer(t))
	out, err := c.ListLedger(context.Background())
	if err != nil {
		t.Fatalf("ListLedger: %v", err)
	}
	entries := out.GetFields()["entries"].GetListValue().GetValues()
	if len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}
}

func TestGRPCRunBacktestAndListRuns(t *testing.T) {
	c := newBufClient(t, newTestServer(t))
	ctx := context.Background()

	out, err := c.RunBacktest(ctx, map[string]any{"tickers": []any{"TEST"}, "persist": true})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	f := out.GetFields()
	runID := f["run_id"].GetStringValue()
	if runID == "" || !f["persisted"].GetBoolValue() {
		t.Fatalf("RunBacktest = %v", out)
	}
	if n := len(f["trades"].GetListValue().GetValues()); n != 6 {
		t.Errorf("trades = %d, want 6", n)
	}
	sells := f["metrics"].GetStructValue().GetFields()["sell_count"].GetNumberValue()
	if sells != 3 {
		t.Errorf("sell_count = %v, want 3", sells)
	}

	runs, err := c.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	list := runs.GetFields()["runs"].GetListValue().GetValues()
	if len(list) != 1 || list[0].GetStructValue().GetFields()["id"].GetStringValue() != runID {
		t.Errorf("ListRuns = %v", runs)
	}
}

func TestGRPCRunBacktestInvalid(t *testing.T) {
	c := newBufClient(t, newTestServer(t))
	_, err := c.RunBacktest(context.Background(), map[string]any{"start": "2024-12-01", "end": "2024-01-01"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestGRPCRunBacktestStrategy(t *testing.T) {
	c := newBufClient(t, newTestServer(t))
	out, err := c.RunBacktest(context.Background(), map[string]any{
		"strategy": "ma_cross",
		"params":   map[string]any{"ma_period": 3, "total_seed": 500_000},
	})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	f := out.GetFields()
	if f["strategy"].GetStringValue() != "ma_cross" || f["seed"].GetNumberValue() != 500_000 {
		t.Errorf("RunBacktest = %v", out)
	}

	_, err = c.RunBacktest(context.Background(), map[string]any{"params": map[string]any{"split_count": 0}})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestGRPCUnavailable(t *testing.T) {
	s := NewServer(config.Default(), Deps{Ledger: store.NewMemoryLedger(), Logger: util.Discard()})
	c := newBufClient(t, s)
	_, err := c.ListRuns(context.Background(), 5)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", status.Code(err))
	}
}
