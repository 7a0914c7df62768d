package extended

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

var ErrNoSigner = errors.New("extended: no order signer configured")

const (
	marketCacheTTL = 5 * time.Second
	getAttempts    = 3
	fillPollEvery  = 200 * time.Millisecond
	orderExpiry    = time.Hour
	userAgent      = "delta-neutral-bot/1.0"
)

// maxFee is the fee ceiling signed into every order.
var maxFee = decimal.RequireFromString("0.0005")

// OrderSigner fills in the Stark settlement for an order. Orders cannot be
// submitted without one.
type OrderSigner interface {
	Sign(ctx context.Context, order *NewOrder) (*Settlement, error)
}

// MarkSource supplies streamed mark prices keyed by market name. A false
// return falls back to REST.
type MarkSource interface {
	Mark(market string) (float64, bool)
}

type Option func(*Client)

func WithSigner(s OrderSigner) Option { return func(c *Client) { c.signer = s } }

func WithMarkSource(m MarkSource) Option { return func(c *Client) { c.marks = m } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

type Client struct {
	cfg        config.ExtendedConfig
	httpClient *http.Client
	signer     OrderSigner
	marks      MarkSource
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	markets  map[string]cachedMarket
	leverage exchange.LeverageCache
}

type cachedMarket struct {
	market  *Market
	fetched time.Time
}

// Response is the envelope every Extended endpoint returns.
type Response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error,omitempty"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("extended api error %d: %s", e.Code, e.Message)
}

type Market struct {
	Name          string        `json:"name"`
	Active        bool          `json:"active"`
	Status        string        `json:"status"`
	MarketStats   MarketStats   `json:"marketStats"`
	TradingConfig TradingConfig `json:"tradingConfig"`
}

type MarketStats struct {
	MarkPrice   decimal.Decimal `json:"markPrice"`
	IndexPrice  decimal.Decimal `json:"indexPrice"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	FundingRate decimal.Decimal `json:"fundingRate"`
}

type TradingConfig struct {
	MinOrderSize       decimal.Decimal `json:"minOrderSize"`
	MinOrderSizeChange decimal.Decimal `json:"minOrderSizeChange"`
	MinPriceChange     decimal.Decimal `json:"minPriceChange"`
	MaxLeverage        decimal.Decimal `json:"maxLeverage"`
}

type Balance struct {
	Equity            decimal.Decimal `json:"equity"`
	AvailableForTrade decimal.Decimal `json:"availableForTrade"`
	InitialMargin     decimal.Decimal `json:"initialMargin"`
}

type PositionData struct {
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	OpenPrice decimal.Decimal `json:"openPrice"`
}

// NewOrder is the body of POST /api/v1/user/order.
type NewOrder struct {
	ID                string          `json:"id"`
	Market            string          `json:"market"`
	Type              string          `json:"type"`
	Side              string          `json:"side"`
	Qty               decimal.Decimal `json:"qty"`
	Price             decimal.Decimal `json:"price"`
	TimeInForce       string          `json:"timeInForce"`
	ExpiryEpochMillis int64           `json:"expiryEpochMillis"`
	Fee               decimal.Decimal `json:"fee"`
	Nonce             int64           `json:"nonce"`
	ReduceOnly        bool            `json:"reduceOnly"`
	PostOnly          bool            `json:"postOnly"`
	Settlement        *Settlement     `json:"settlement,omitempty"`
}

type Settlement struct {
	Signature          Signature `json:"signature"`
	StarkKey           string    `json:"starkKey"`
	CollateralPosition string    `json:"collateralPosition"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
}

type OrderData struct {
	ID           int64           `json:"id"`
	ExternalID   string          `json:"externalId"`
	Status       string          `json:"status"`
	Qty          decimal.Decimal `json:"qty"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

func NewClient(cfg config.ExtendedConfig, log zerolog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("venue", string(domain.VenueExtended)).Logger(),
		now:        time.Now,
		markets:    make(map[string]cachedMarket),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ exchange.Exchange = (*Client)(nil)

func (c *Client) Name() domain.Venue { return domain.VenueExtended }

// MarketName maps a token to its Extended market, e.g. ETH -> ETH-USD.
func MarketName(token string) string {
	token = strings.ToUpper(token)
	if strings.Contains(token, "-") {
		return token
	}
	return token + "-USD"
}

// Ping checks credentials against the account endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/api/v1/user/account/info", nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes one request and decodes the envelope's data into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return &retryableError{fmt.Errorf("extended %s %s: http %d", req.Method, req.URL.Path, resp.StatusCode)}
	}

	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("extended %s: decode response (http %d): %w", req.URL.Path, resp.StatusCode, err)
	}
	if apiResp.Status != "OK" {
		if apiResp.Error != nil {
			return apiResp.Error
		}
		return fmt.Errorf("extended %s: status %q (http %d)", req.URL.Path, apiResp.Status, resp.StatusCode)
	}
	if out == nil || len(apiResp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(apiResp.Data, out)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// get retries transport failures and 5xx responses; reads are idempotent.
func (c *Client) get(ctx context.Context, path string, out any) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; attempt <= getAttempts; attempt++ {
		var req *http.Request
		req, err = c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		err = c.do(req, out)
		if err == nil || !isRetryable(err) || attempt == getAttempts {
			break
		}
		c.log.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("retrying request")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) market(ctx context.Context, token string) (*Market, error) {
	name := MarketName(token)

	c.mu.Lock()
	cached, ok := c.markets[name]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetched) < marketCacheTTL {
		return cached.market, nil
	}

	var markets []Market
	if err := c.get(ctx, "/api/v1/info/markets?market="+url.QueryEscape(name), &markets); err != nil {
		return nil, err
	}
	for i := range markets {
		if markets[i].Name == name {
			m := &markets[i]
			c.mu.Lock()
			c.markets[name] = cachedMarket{market: m, fetched: c.now()}
			c.mu.Unlock()
			return m, nil
		}
	}
	return nil, fmt.Errorf("extended: market %s not found", name)
}

// FundingPeriod is the period Extended quotes funding over.
func (c *Client) FundingPeriod() time.Duration {
	if c.cfg.FundingPeriod > 0 {
		return c.cfg.FundingPeriod
	}
	return time.Hour
}

// GetFundingRate returns the market's current funding rate per FundingPeriod.
func (c *Client) GetFundingRate(ctx context.Context, token string) (float64, error) {
	m, err := c.market(ctx, token)
	if err != nil {
		return 0, err
	}
	return m.MarketStats.FundingRate.InexactFloat64(), nil
}

func (c *Client) GetMarkPrice(ctx context.Context, token string) (float64, error) {
	if c.marks != nil {
		if px, ok := c.marks.Mark(MarketName(token)); ok {
			return px, nil
		}
	}
	m, err := c.market(ctx, token)
	if err != nil {
		return 0, err
	}
	if !m.MarketStats.MarkPrice.IsPositive() {
		return 0, fmt.Errorf("extended: no mark price for %s", m.Name)
	}
	return m.MarketStats.MarkPrice.InexactFloat64(), nil
}

func (c *Client) GetMarketSpec(ctx context.Context, token string) (*exchange.MarketSpec, error) {
	m, err := c.market(ctx, token)
	if err != nil {
		return nil, err
	}
	tc := m.TradingConfig
	return &exchange.MarketSpec{
		Token:       token,
		MinSize:     tc.MinOrderSize.InexactFloat64(),
		LotStep:     tc.MinOrderSizeChange.InexactFloat64(),
		MaxLeverage: int(tc.MaxLeverage.IntPart()),
	}, nil
}

func (c *Client) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	var bal Balance
	if err := c.get(ctx, "/api/v1/user/balance", &bal); err != nil {
		return nil, err
	}
	return &domain.AccountSnapshot{
		Venue:            domain.VenueExtended,
		AvailableBalance: bal.AvailableForTrade.InexactFloat64(),
		MarginUsed:       bal.InitialMargin.InexactFloat64(),
		FetchedAt:        c.now(),
	}, nil
}

func (c *Client) GetOpenPosition(ctx context.Context, token string) (*exchange.Position, error) {
	name := MarketName(token)
	var positions []PositionData
	if err := c.get(ctx, "/api/v1/user/positions?market="+url.QueryEscape(name), &positions); err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Market != name || p.Size.IsZero() {
			continue
		}
		side := domain.Side(strings.ToUpper(p.Side))
		if side != domain.SideLong && side != domain.SideShort {
			return nil, fmt.Errorf("extended: unknown position side %q", p.Side)
		}
		return &exchange.Position{
			Token:      token,
			Side:       side,
			Size:       p.Size.Abs().InexactFloat64(),
			EntryPrice: p.OpenPrice.InexactFloat64(),
		}, nil
	}
	return nil, nil
}

// PlaceOrder submits a signed IOC limit order through the mark by the
// configured slippage, then polls until the venue reports a final status.
func (c *Client) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	m, err := c.market(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	mark, err := c.GetMarkPrice(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	if !req.ReduceOnly {
		if err := exchange.CheckLeverage(m.Name, req.Leverage, int(m.TradingConfig.MaxLeverage.IntPart())); err != nil {
			return nil, err
		}
		if err := c.leverage.Ensure(ctx, m.Name, req.Leverage, c.setLeverage); err != nil {
			return nil, err
		}
	}

	qty := roundDown(decimal.NewFromFloat(req.Size), m.TradingConfig.MinOrderSizeChange)
	if qty.LessThan(m.TradingConfig.MinOrderSize) {
		return nil, fmt.Errorf("extended: size %s below minimum %s", qty, m.TradingConfig.MinOrderSize)
	}
	price := roundToStep(decimal.NewFromFloat(exchange.SlippagePrice(mark, req.Side, c.cfg.Slippage)), m.TradingConfig.MinPriceChange)

	side := "SELL"
	if req.Side.IsBuy() {
		side = "BUY"
	}
	externalID := req.ClientID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	now := c.now()
	order := &NewOrder{
		ID:                externalID,
		Market:            m.Name,
		Type:              "LIMIT",
		Side:              side,
		Qty:               qty,
		Price:             price,
		TimeInForce:       "IOC",
		ExpiryEpochMillis: now.Add(orderExpiry).UnixMilli(),
		Fee:               maxFee,
		Nonce:             now.UnixNano() & 0x7fffffff,
		ReduceOnly:        req.ReduceOnly,
	}
	if order.Settlement, err = c.signer.Sign(ctx, order); err != nil {
		return nil, fmt.Errorf("extended: sign order: %w", err)
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/user/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var placed OrderData
	if err := c.do(httpReq, &placed); err != nil {
		return nil, fmt.Errorf("extended place order: %w", err)
	}
	c.log.Debug().Int64("order_id", placed.ID).Str("external_id", externalID).Msg("order accepted")

	final, err := c.awaitFinal(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("extended order %s: %w", externalID, err)
	}
	out := orderResult(final)

	c.log.Info().
		Str("token", req.Token).
		Str("side", side).
		Bool("reduce_only", req.ReduceOnly).
		Str("qty", qty.String()).
		Str("limit", price.String()).
		Str("external_id", externalID).
		Str("status", out.Status).
		Float64("filled", out.FilledSize).
		Float64("avg_px", out.FillPrice).
		Msg("order submitted")
	return out, nil
}

type leverageUpdate struct {
	Market   string          `json:"market"`
	Leverage decimal.Decimal `json:"leverage"`
}

// setLeverage updates the account's leverage on market.
func (c *Client) setLeverage(ctx context.Context, market string, leverage int) error {
	body, err := json.Marshal(leverageUpdate{Market: market, Leverage: decimal.NewFromInt(int64(leverage))})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/v1/user/leverage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("extended update leverage: %w", err)
	}
	c.log.Info().Str("market", market).Int("leverage", leverage).Msg("leverage updated")
	return nil
}

var finalStatuses = map[string]bool{
	"FILLED":    true,
	"CANCELLED": true,
	"REJECTED":  true,
	"EXPIRED":   true,
}

func (c *Client) awaitFinal(ctx context.Context, externalID string) (*OrderData, error) {
	path := "/api/v1/user/orders/external/" + url.PathEscape(externalID)
	for {
		var orders []OrderData
		if err := c.get(ctx, path, &orders); err != nil {
			return nil, err
		}
		for i := range orders {
			if finalStatuses[orders[i].Status] {
				return &orders[i], nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fillPollEvery):
		}
	}
}

func orderResult(o *OrderData) *exchange.OrderResult {
	out := &exchange.OrderResult{
		OrderID:    fmt.Sprint(o.ID),
		FilledSize: o.FilledQty.InexactFloat64(),
		FillPrice:  o.AveragePrice.InexactFloat64(),
	}
	switch {
	case o.Status == "FILLED":
		out.Status = "filled"
	case o.FilledQty.IsPositive():
		out.Status = "partial"
	default:
		out.Status = strings.ToLower(o.Status)
	}
	return out
}

func (c *Client) ClosePosition(ctx context.Context, token string) (*exchange.OrderResult, error) {
	pos, err := c.GetOpenPosition(ctx, token)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return &exchange.OrderResult{Status: "flat"}, nil
	}
	return c.PlaceOrder(ctx, &exchange.OrderRequest{
		Token:      token,
		Side:       pos.Side.Opposite(),
		Size:       pos.Size,
		ReduceOnly: true,
	})
}

func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v.Round(2)
	}
	return v.Div(step).Round(0).Mul(step)
}
