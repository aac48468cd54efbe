package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"splitbuy/internal/domain"
)

// ReportServiceName is the fully-qualified gRPC service name.
const ReportServiceName = "splitbuy.v1.ReportService"

// ReportServer is the server API for the report service. Requests and
// responses are google.protobuf.Struct documents with the same field names
// as the HTTP JSON API.
type ReportServer interface {
	// GetLedger takes {"ticker": "AAPL"} and returns the ledger entry.
	GetLedger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListLedger returns {"entries": [...]}.
	ListLedger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListRuns takes {"limit": 20} and returns {"runs": [...]}.
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// RunBacktest takes {"tickers", "start", "end", "strategy", "params",
	// "close_at_end", "persist"} and returns the run summary with its trades.
	RunBacktest(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type reportMethod func(ReportServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call reportMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReportServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ReportServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReportServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var reportServiceDesc = grpc.ServiceDesc{
	ServiceName: ReportServiceName,
	HandlerType: (*ReportServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetLedger", ReportServer.GetLedger),
		unaryMethod("ListLedger", ReportServer.ListLedger),
		unaryMethod("ListRuns", ReportServer.ListRuns),
		unaryMethod("RunBacktest", ReportServer.RunBacktest),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "splitbuy/v1/report.proto",
}

// RegisterGRPC registers the report service on the given gRPC server.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&reportServiceDesc, &reportService{s: s})
}

// reportService adapts Server to ReportServer.
type reportService struct {
	s *Server
}

var _ ReportServer = (*reportService)(nil)

func (r *reportService) GetLedger(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ticker := in.GetFields()["ticker"].GetStringValue()
	if ticker == "" {
		return nil, status.Error(codes.InvalidArgument, "ticker is required")
	}
	v, err := r.s.getLedger(ctx, ticker)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(v)
}

func (r *reportService) ListLedger(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entries, err := r.s.listLedger(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"entries": entries})
}

func (r *reportService) ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit := int(in.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = 20
	}
	runs, err := r.s.listRuns(ctx, limit)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"runs": runs})
}

func (r *reportService) RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var p backtestParams
	if err := fromStruct(in, &p); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	v, err := r.s.runBacktest(ctx, p)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(v)
}

// grpcError maps domain errors onto gRPC status codes.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrConfigInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrTickerNotFound):
		code = codes.NotFound
	case errors.Is(err, errUnavailable),
		errors.Is(err, domain.ErrLedgerUnavailable),
		errors.Is(err, domain.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return st, nil
}

// fromStruct decodes a Struct into v through JSON.
func fromStruct(st *structpb.Struct, v any) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// ReportClient calls a remote report service.
type ReportClient struct {
	cc grpc.ClientConnInterface
}

// NewReportClient creates a client over an established connection.
func NewReportClient(cc grpc.ClientConnInterface) *ReportClient {
	return &ReportClient{cc: cc}
}

func (c *ReportClient) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ReportServiceName+"/"+method, in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

// GetLedger returns the ledger entry for ticker.
func (c *ReportClient) GetLedger(ctx context.Context, ticker string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"ticker": ticker})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "GetLedger", in)
}

// ListLedger returns every ledger entry under "entries".
func (c *ReportClient) ListLedger(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "ListLedger", nil)
}

// ListRuns returns the most recent stored runs under "runs".
func (c *ReportClient) ListRuns(ctx context.Context, limit int) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "ListRuns", in)
}

// RunBacktest runs a backtest on the server. params uses the HTTP request
// field names.
func (c *ReportClient) RunBacktest(ctx context.Context, params map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(params)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "RunBacktest", in)
}
