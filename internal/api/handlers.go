package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"splitbuy/internal/domain"
	"splitbuy/internal/store"
	"splitbuy/internal/strategy"
	"splitbuy/internal/strategy/params"
	"splitbuy/internal/util"
)

// errUnavailable is returned by endpoints whose backing component is not
// configured.
var errUnavailable = errors.New("not configured")

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/ledger", s.handleListLedger)
	mux.HandleFunc("GET /api/ledger/{ticker}", s.handleGetLedger)
	mux.HandleFunc("GET /api/tickers", s.handleTickers)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

type ledgerView struct {
	Ticker         string `json:"ticker"`
	FirstDate      string `json:"first_date,omitempty"`
	LastDate       string `json:"last_date,omitempty"`
	RecordsWritten int    `json:"records_written"`
	TotalRecords   int    `json:"total_records"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

func toLedgerView(e domain.LedgerEntry) ledgerView {
	v := ledgerView{
		Ticker:         e.Ticker,
		FirstDate:      util.FormatDay(e.FirstDate),
		LastDate:       util.FormatDay(e.LastDate),
		RecordsWritten: e.RecordsWritten,
		TotalRecords:   e.TotalRecords,
		Status:         string(e.Status),
		Reason:         e.Reason,
	}
	if !e.UpdatedAt.IsZero() {
		v.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

type runView struct {
	ID        string          `json:"id"`
	Strategy  string          `json:"strategy"`
	Tickers   []string        `json:"tickers"`
	Start     string          `json:"start"`
	End       string          `json:"end"`
	CreatedAt string          `json:"created_at"`
	Config    json.RawMessage `json:"config"`
	Summary   json.RawMessage `json:"summary"`
	Trades    []tradeView     `json:"trades,omitempty"`
}

type tradeView struct {
	Date     string  `json:"date"`
	Ticker   string  `json:"ticker"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Fees     float64 `json:"fees"`
	Tax      float64 `json:"tax"`
	NetPnL   float64 `json:"net_pnl"`
	Reason   string  `json:"reason"`
	Cycle    int     `json:"cycle"`
	Tranche  int     `json:"tranche"`
}

func toRunView(r store.RunRecord) runView {
	v := runView{
		ID:        r.ID,
		Strategy:  r.Strategy,
		Tickers:   r.Tickers,
		Start:     util.FormatDay(r.Start),
		End:       util.FormatDay(r.End),
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		Config:    rawJSON(r.Config),
		Summary:   rawJSON(r.Summary),
	}
	for _, e := range r.Events {
		v.Trades = append(v.Trades, toTradeView(e))
	}
	return v
}

func toTradeView(e domain.TradeEvent) tradeView {
	return tradeView{
		Date:     util.FormatDay(e.Date),
		Ticker:   e.Ticker,
		Side:     string(e.Side),
		Price:    e.Price,
		Quantity: e.Quantity,
		Fees:     e.Fees,
		Tax:      e.Tax,
		NetPnL:   e.NetPnL,
		Reason:   e.Reason,
		Cycle:    e.Cycle,
		Tranche:  e.Tranche,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

type resultView struct {
	RunID         string                  `json:"run_id"`
	Strategy      string                  `json:"strategy"`
	Params        params.Params           `json:"params"`
	Seed          float64                 `json:"seed"`
	Start         string                  `json:"start"`
	End           string                  `json:"end"`
	InitialEquity float64                 `json:"initial_equity"`
	FinalEquity   float64                 `json:"final_equity"`
	Metrics       strategy.Metrics        `json:"metrics"`
	Tickers       []strategy.TickerReport `json:"tickers"`
	Trades        []tradeView             `json:"trades"`
	Persisted     bool                    `json:"persisted"`
	ElapsedMS     int64                   `json:"elapsed_ms"`
}

func toResultView(res *strategy.BacktestResult) resultView {
	v := resultView{
		RunID:         res.RunID,
		Strategy:      res.Strategy,
		Params:        res.Params,
		Seed:          res.Seed,
		Start:         util.FormatDay(res.Start),
		End:           util.FormatDay(res.End),
		InitialEquity: res.InitialEquity,
		FinalEquity:   res.FinalEquity,
		Metrics:       res.Metrics,
		Tickers:       res.Tickers,
		Trades:        make([]tradeView, 0, len(res.Events)),
		Persisted:     res.Persisted,
		ElapsedMS:     res.Elapsed.Milliseconds(),
	}
	for _, e := range res.Events {
		v.Trades = append(v.Trades, toTradeView(e))
	}
	return v
}

// backtestParams are the overridable fields of a backtest request.
// Params are merged over the default strategy's parameters, or over the
// named strategy's own defaults when Strategy differs.
type backtestParams struct {
	Tickers    []string      `json:"tickers"`
	Start      string        `json:"start"`
	End        string        `json:"end"`
	Strategy   string        `json:"strategy"`
	Params     params.Params `json:"params"`
	CloseAtEnd *bool         `json:"close_at_end"`
	Persist    *bool         `json:"persist"`
}

// runRequest merges p into the server defaults.
func (s *Server) runRequest(p backtestParams) (strategy.RunRequest, error) {
	req := s.deps.Defaults
	if len(p.Tickers) > 0 {
		req.Tickers = p.Tickers
	}
	if p.Start != "" {
		d, err := util.ParseDay(p.Start)
		if err != nil {
			return req, fmt.Errorf("start: %w: %w", domain.ErrConfigInvalid, err)
		}
		req.Start = d
	}
	if p.End != "" {
		d, err := util.ParseDay(p.End)
		if err != nil {
			return req, fmt.Errorf("end: %w: %w", domain.ErrConfigInvalid, err)
		}
		req.End = d
	}
	if p.Strategy != "" && p.Strategy != req.Strategy {
		req.Strategy = p.Strategy
		req.Params = nil
	}
	req.Params = req.Params.Merge(p.Params)
	if p.CloseAtEnd != nil {
		req.CloseAtEnd = *p.CloseAtEnd
	}
	if p.Persist != nil {
		req.Persist = *p.Persist
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Operations shared by HTTP and gRPC
// ---------------------------------------------------------------------------

func (s *Server) getLedger(ctx context.Context, ticker string) (ledgerView, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	e, ok, err := s.deps.Ledger.Get(ctx, ticker)
	if err != nil {
		return ledgerView{}, err
	}
	if !ok {
		return ledgerView{}, fmt.Errorf("%s: %w", ticker, domain.ErrTickerNotFound)
	}
	return toLedgerView(e), nil
}

func (s *Server) listLedger(ctx context.Context) ([]ledgerView, error) {
	entries, err := s.deps.Ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ledgerView, len(entries))
	for i, e := range entries {
		out[i] = toLedgerView(e)
	}
	return out, nil
}

func (s *Server) listRuns(ctx context.Context, limit int) ([]runView, error) {
	if s.deps.Journal == nil {
		return nil, fmt.Errorf("journal: %w", errUnavailable)
	}
	runs, err := s.deps.Journal.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]runView, len(runs))
	for i, r := range runs {
		out[i] = toRunView(r)
	}
	return out, nil
}

func (s *Server) runBacktest(ctx context.Context, p backtestParams) (resultView, error) {
	if s.deps.Backtester == nil {
		return resultView{}, fmt.Errorf("backtester: %w", errUnavailable)
	}
	req, err := s.runRequest(p)
	if err != nil {
		return resultView{}, err
	}
	res, err := s.deps.Backtester.Run(ctx, req)
	if err != nil {
		return resultView{}, err
	}
	return toResultView(res), nil
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.listLedger(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	v, err := s.getLedger(r.Context(), r.PathValue("ticker"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bars == nil {
		s.fail(w, fmt.Errorf("bar store: %w", errUnavailable))
		return
	}
	tickers, err := s.deps.Bars.ListTickers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"tickers": tickers})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.listRuns(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.fail(w, fmt.Errorf("journal: %w", errUnavailable))
		return
	}
	id := r.PathValue("id")
	run, ok, err := s.deps.Journal.LoadRun(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run "+id+" not found")
		return
	}
	writeJSON(w, toRunView(run))
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var p backtestParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	v, err := s.runBacktest(r.Context(), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, v)
}

// fail maps an error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= 500 {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTickerNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnavailable),
		errors.Is(err, domain.ErrLedgerUnavailable),
		errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
