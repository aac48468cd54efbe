// Package splitbuy is a Go client for the splitbuy HTTP API.
package splitbuy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("splitbuy api: %d %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// LedgerEntry is one ticker's ingestion progress.
type LedgerEntry struct {
	Ticker         string `json:"ticker"`
	FirstDate      string `json:"first_date,omitempty"`
	LastDate       string `json:"last_date,omitempty"`
	RecordsWritten int    `json:"records_written"`
	TotalRecords   int    `json:"total_records"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// Trade is one simulated fill.
type Trade struct {
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

// Run is a backtest stored in the server's journal.
type Run struct {
	ID        string          `json:"id"`
	Strategy  string          `json:"strategy"`
	Tickers   []string        `json:"tickers"`
	Start     string          `json:"start"`
	End       string          `json:"end"`
	CreatedAt string          `json:"created_at"`
	Config    json.RawMessage `json:"config"`
	Summary   json.RawMessage `json:"summary"`
	Trades    []Trade         `json:"trades,omitempty"`
}

// TickerReport describes how one ticker fared in a backtest.
type TickerReport struct {
	Ticker      string  `json:"ticker"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	Bars        int     `json:"bars"`
	Buys        int     `json:"buys"`
	Sells       int     `json:"sells"`
	RealizedPnL float64 `json:"realized_pnl"`
	FinalEquity float64 `json:"final_equity"`
}

// BacktestRequest overrides the server's default backtest parameters.
// Zero fields keep the defaults. Params are merged over the parameters of
// the server's default strategy, or over the defaults of Strategy when it
// names another one.
type BacktestRequest struct {
	Tickers    []string       `json:"tickers,omitempty"`
	Start      string         `json:"start,omitempty"`
	End        string         `json:"end,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	CloseAtEnd *bool          `json:"close_at_end,omitempty"`
	Persist    *bool          `json:"persist,omitempty"`
}

// BacktestResult is the outcome of an on-demand backtest. Metrics keeps the
// server's field names.
type BacktestResult struct {
	RunID         string             `json:"run_id"`
	Strategy      string             `json:"strategy"`
	Params        map[string]any     `json:"params"`
	Seed          float64            `json:"seed"`
	Start         string             `json:"start"`
	End           string             `json:"end"`
	InitialEquity float64            `json:"initial_equity"`
	FinalEquity   float64            `json:"final_equity"`
	Metrics       map[string]float64 `json:"metrics"`
	Tickers       []TickerReport     `json:"tickers"`
	Trades        []Trade            `json:"trades"`
	Persisted     bool               `json:"persisted"`
	ElapsedMS     int64              `json:"elapsed_ms"`
}

// Client provides a Go SDK for interacting with the splitbuy server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new splitbuy API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/healthz", nil, &out)
}

// Ledger lists the ledger entry of every ticker.
func (c *Client) Ledger(ctx context.Context) ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := c.do(ctx, http.MethodGet, "/api/ledger", nil, &out)
	return out, err
}

// LedgerEntry returns one ticker's ledger entry.
func (c *Client) LedgerEntry(ctx context.Context, ticker string) (LedgerEntry, error) {
	var out LedgerEntry
	err := c.do(ctx, http.MethodGet, "/api/ledger/"+url.PathEscape(ticker), nil, &out)
	return out, err
}

// Tickers lists the tickers with stored bars.
func (c *Client) Tickers(ctx context.Context) ([]string, error) {
	var out struct {
		Tickers []string `json:"tickers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/tickers", nil, &out)
	return out.Tickers, err
}

// Runs lists the most recent journaled backtests, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	path := "/api/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Run
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Run loads one journaled backtest with its trades.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Backtest runs a backtest on the server.
func (c *Client) Backtest(ctx context.Context, req BacktestRequest) (BacktestResult, error) {
	var out BacktestResult
	err := c.do(ctx, http.MethodPost, "/api/backtest", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
