// Package bridge is the live Gateway: an HTTP client for the broker
// sidecar that fronts the exchange session.
//
// Endpoints:
//
//	GET  /tick?instrument=NSE:2885
//	GET  /candles?instrument=...&interval=300&window=30
//	POST /order/future     {contract, symbol, side, quantity, tag}
//	POST /order/spread     {short, hedge, quantity, tag}
//	POST /order/close      {legs: [{contract, symbol, side, quantity}], tag}
//	GET  /margin/available {"available": n}
//	POST /margin/estimate  {legs: [...]} -> {"ok": true, "total_margin": n}
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/market"
)

const defaultBase = "http://127.0.0.1:8787"

type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client implements broker.Gateway and broker.MarginOracle.
type Client struct {
	base   string
	key    string
	secret string
	hc     *http.Client
}

var (
	_ broker.Gateway      = (*Client)(nil)
	_ broker.MarginOracle = (*Client)(nil)
)

func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:   base,
		key:    cfg.APIKey,
		secret: cfg.APISecret,
		hc:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return "bridge" }

// --- market data ---

type wireTick struct {
	LTP    float64 `json:"ltp"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Time   string  `json:"time"`
}

func (c *Client) GetLatestTick(ctx context.Context, inst market.Instrument) (market.Tick, error) {
	var out wireTick
	q := url.Values{"instrument": {inst.String()}}
	if err := c.do(ctx, http.MethodGet, "/tick?"+q.Encode(), nil, &out); err != nil {
		return market.Tick{}, fmt.Errorf("tick %s: %w", inst, err)
	}
	if out.LTP <= 0 {
		return market.Tick{}, fmt.Errorf("tick %s: %w", inst, market.ErrNoTick)
	}
	return market.Tick{
		Instrument: inst,
		Time:       parseTime(out.Time),
		LTP:        out.LTP,
		Open:       out.Open,
		High:       out.High,
		Low:        out.Low,
		Close:      out.Close,
		Volume:     out.Volume,
	}, nil
}

func (c *Client) GetRecentCandles(ctx context.Context, inst market.Instrument, interval time.Duration, window int) ([]market.Candle, error) {
	q := url.Values{}
	q.Set("instrument", inst.String())
	q.Set("interval", strconv.Itoa(int(interval.Seconds())))
	q.Set("window", strconv.Itoa(window))

	var rows []struct {
		Time   string  `json:"time"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	}
	if err := c.do(ctx, http.MethodGet, "/candles?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("candles %s: %w", inst, err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.Candle{
			Time:   parseTime(r.Time),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return out, nil
}

// --- orders ---

type wireContract struct {
	Instrument string `json:"instrument"`
	Symbol     string `json:"symbol"`
	LotSize    int    `json:"lot_size"`
}

func contract(k market.Contract) wireContract {
	return wireContract{Instrument: k.Instrument.String(), Symbol: k.Symbol, LotSize: k.LotSize}
}

type wireLeg struct {
	Contract string      `json:"contract"`
	Symbol   string      `json:"symbol,omitempty"`
	Side     broker.Side `json:"side"`
	Quantity int         `json:"quantity"`
	Price    float64     `json:"price,omitempty"`
	Strike   float64     `json:"strike,omitempty"`
}

func (c *Client) PlaceFutureOrder(ctx context.Context, req broker.FutureOrder) (broker.OrderResult, error) {
	body := struct {
		Contract wireContract `json:"contract"`
		Side     broker.Side  `json:"side"`
		Quantity int          `json:"quantity"`
		Tag      string       `json:"tag"`
	}{contract(req.Contract), req.Side, req.Quantity, req.Tag}

	return c.order(ctx, "/order/future", body)
}

func (c *Client) PlaceSpreadOrder(ctx context.Context, req broker.SpreadOrder) (broker.OrderResult, error) {
	body := struct {
		Short    wireContract `json:"short"`
		Hedge    wireContract `json:"hedge"`
		Quantity int          `json:"quantity"`
		Tag      string       `json:"tag"`
	}{contract(req.Short), contract(req.Hedge), req.Quantity, req.Tag}

	return c.order(ctx, "/order/spread", body)
}

func (c *Client) ClosePosition(ctx context.Context, req broker.CloseRequest) (broker.OrderResult, error) {
	legs := make([]wireLeg, len(req.Legs))
	for i, l := range req.Legs {
		legs[i] = wireLeg{Contract: l.Contract.String(), Symbol: l.Symbol, Side: l.Side, Quantity: l.Quantity}
	}
	body := struct {
		Legs []wireLeg `json:"legs"`
		Tag  string    `json:"tag"`
	}{legs, req.Tag}

	return c.order(ctx, "/order/close", body)
}

// order posts an order. A 4xx with an OrderResult body is a rejection,
// not a transport error.
func (c *Client) order(ctx context.Context, path string, body any) (broker.OrderResult, error) {
	var out broker.OrderResult
	err := c.do(ctx, http.MethodPost, path, body, &out)
	if se, ok := err.(*statusError); ok && se.code < 500 && se.result != nil {
		return *se.result, nil
	}
	if err != nil {
		return broker.OrderResult{}, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// --- margin ---

func (c *Client) AvailableMargin(ctx context.Context) (float64, error) {
	var out struct {
		Available float64 `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, "/margin/available", nil, &out); err != nil {
		return 0, fmt.Errorf("available margin: %w", err)
	}
	return out.Available, nil
}

func (c *Client) EstimateMargin(ctx context.Context, p broker.Proposal) (float64, error) {
	legs := make([]wireLeg, len(p.Legs))
	for i, l := range p.Legs {
		legs[i] = wireLeg{Contract: l.Contract.String(), Side: l.Side, Quantity: l.Quantity, Price: l.Price, Strike: l.Strike}
	}
	var out struct {
		OK          bool    `json:"ok"`
		TotalMargin float64 `json:"total_margin"`
		Reason      string  `json:"reason"`
	}
	if err := c.do(ctx, http.MethodPost, "/margin/estimate", struct {
		Legs []wireLeg `json:"legs"`
	}{legs}, &out); err != nil {
		return 0, fmt.Errorf("estimate margin: %w", err)
	}
	if !out.OK {
		return 0, fmt.Errorf("estimate margin: %w: %s", broker.ErrUnavailable, out.Reason)
	}
	return out.TotalMargin, nil
}

// --- transport ---

type statusError struct {
	code   int
	body   string
	result *broker.OrderResult
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	if e.code >= 500 {
		return broker.ErrUnavailable
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("newrequest %s: %w", path, err)
	}
	req.Header.Set("User-Agent", "intraday/bridge")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
		req.Header.Set("X-API-Secret", c.secret)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", broker.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		se := &statusError{code: res.StatusCode, body: strings.TrimSpace(string(data))}
		var r broker.OrderResult
		if json.Unmarshal(data, &r) == nil && r.Reason != "" {
			se.result = &r
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}
