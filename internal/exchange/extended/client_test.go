package extended

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

const ethMarket = `{"status":"OK","data":[{
	"name":"ETH-USD","active":true,"status":"ACTIVE",
	"marketStats":{"markPrice":"3300","indexPrice":"3299.5","lastPrice":"3300.2","fundingRate":"0.000013"},
	"tradingConfig":{"minOrderSize":"0.01","minOrderSizeChange":"0.01","minPriceChange":"0.1","maxLeverage":"50.00"}
}]}`

type fakeVenue struct {
	mu       sync.Mutex
	hits     map[string]int
	apiKeys  []string
	orders    []NewOrder
	leverages []leverageUpdate
	handlers  map[string]http.HandlerFunc
}

func newServer(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *fakeVenue) {
	t.Helper()
	fv := &fakeVenue{hits: map[string]int{}, handlers: handlers}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fv.mu.Lock()
		fv.hits[r.URL.Path]++
		fv.apiKeys = append(fv.apiKeys, r.Header.Get("X-Api-Key"))
		h, ok := fv.handlers[r.Method+" "+r.URL.Path]
		switch r.Method {
		case http.MethodPost:
			var o NewOrder
			if err := json.NewDecoder(r.Body).Decode(&o); err == nil {
				fv.orders = append(fv.orders, o)
			}
		case http.MethodPatch:
			var l leverageUpdate
			if err := json.NewDecoder(r.Body).Decode(&l); err == nil {
				fv.leverages = append(fv.leverages, l)
			}
		}
		fv.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, fv
}

func (fv *fakeVenue) count(path string) int {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.hits[path]
}

func body(s string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(s)) }
}

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	cfg := config.ExtendedConfig{BaseURL: srv.URL, APIKey: "key-1", Timeout: 2 * time.Second, Slippage: 0.01}
	return NewClient(cfg, zerolog.Nop(), opts...)
}

type fakeSigner struct{ err error }

func (s fakeSigner) Sign(_ context.Context, o *NewOrder) (*Settlement, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Settlement{Signature: Signature{R: "0x1", S: "0x2"}, StarkKey: "0xabc", CollateralPosition: "7"}, nil
}

func mustDecimal(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticMarks map[string]float64

func (m staticMarks) Mark(market string) (float64, bool) {
	px, ok := m[market]
	return px, ok
}

func TestMarketName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ETH-USD", MarketName("eth"))
	assert.Equal(t, "BTC-USD", MarketName("BTC-USD"))
}

func TestMarketDataIsCached(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets": body(ethMarket),
	})
	c := newTestClient(srv)
	ctx := context.Background()

	rate, err := c.GetFundingRate(ctx, "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 0.000013, rate, 1e-12)

	mark, err := c.GetMarkPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 3300.0, mark, 1e-9)

	spec, err := c.GetMarketSpec(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, &exchange.MarketSpec{Token: "ETH", MinSize: 0.01, LotStep: 0.01, MaxLeverage: 50}, spec)

	assert.Equal(t, 1, fv.count("/api/v1/info/markets"))
	assert.Equal(t, "key-1", fv.apiKeys[0])
}

func TestStreamedMarkIsPreferred(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets": body(ethMarket),
	})
	c := newTestClient(srv, WithMarkSource(staticMarks{"ETH-USD": 3310}))

	px, err := c.GetMarkPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 3310.0, px, 1e-9)
	assert.Zero(t, fv.count("/api/v1/info/markets"))

	// missing from the stream: REST fallback
	_, err = c.GetMarkPrice(context.Background(), "SOL")
	assert.Error(t, err)
	assert.Equal(t, 1, fv.count("/api/v1/info/markets"))
}

func TestGetRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv, _ := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/user/balance": func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"status":"OK","data":{"equity":"1200","availableForTrade":"1000.5","initialMargin":"199.5"}}`))
		},
	})
	c := newTestClient(srv)

	snap, err := c.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VenueExtended, snap.Venue)
	assert.InDelta(t, 1000.5, snap.AvailableBalance, 1e-9)
	assert.InDelta(t, 199.5, snap.MarginUsed, 1e-9)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAPIErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/user/balance": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":"ERROR","error":{"code":1006,"message":"invalid api key"}}`))
		},
	})
	c := newTestClient(srv)

	_, err := c.GetAccountSnapshot(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1006, apiErr.Code)
	assert.Equal(t, 1, fv.count("/api/v1/user/balance"))
}

func TestGetOpenPosition(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/user/positions": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("market") == "ETH-USD" {
				w.Write([]byte(`{"status":"OK","data":[{"market":"ETH-USD","side":"SHORT","size":"0.75","openPrice":"3301.5"}]}`))
				return
			}
			w.Write([]byte(`{"status":"OK","data":[]}`))
		},
	})
	c := newTestClient(srv)
	ctx := context.Background()

	pos, err := c.GetOpenPosition(ctx, "ETH")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.SideShort, pos.Side)
	assert.InDelta(t, 0.75, pos.Size, 1e-12)
	assert.InDelta(t, 3301.5, pos.EntryPrice, 1e-9)

	pos, err = c.GetOpenPosition(ctx, "SOL")
	require.NoError(t, err)
	assert.Nil(t, pos)

	res, err := c.ClosePosition(ctx, "SOL")
	require.NoError(t, err)
	assert.Equal(t, "flat", res.Status)
}

func TestPlaceOrderRequiresSigner(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{})
	c := newTestClient(srv)

	_, err := c.PlaceOrder(context.Background(), &exchange.OrderRequest{Token: "ETH", Side: domain.SideLong, Size: 1})
	assert.ErrorIs(t, err, ErrNoSigner)
	assert.Zero(t, fv.count("/api/v1/user/order"))
}

func TestPlaceOrderSubmitsAndConfirms(t *testing.T) {
	t.Parallel()
	var polls atomic.Int32
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets":                          body(ethMarket),
		"POST /api/v1/user/order":                           body(`{"status":"OK","data":{"id":1001,"externalId":"cycle-1-extended"}}`),
		"GET /api/v1/user/orders/external/cycle-1-extended": func(w http.ResponseWriter, _ *http.Request) {
			if polls.Add(1) == 1 {
				w.Write([]byte(`{"status":"OK","data":[{"id":1001,"status":"NEW","qty":"1.23","filledQty":"0"}]}`))
				return
			}
			w.Write([]byte(`{"status":"OK","data":[{"id":1001,"status":"FILLED","qty":"1.23","filledQty":"1.23","averagePrice":"3301.2"}]}`))
		},
	})
	c := newTestClient(srv, WithSigner(fakeSigner{}))

	res, err := c.PlaceOrder(context.Background(), &exchange.OrderRequest{
		Token:    "ETH",
		Side:     domain.SideLong,
		Size:     1.2345,
		ClientID: "cycle-1-extended",
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)
	assert.Equal(t, "1001", res.OrderID)
	assert.InDelta(t, 1.23, res.FilledSize, 1e-12)
	assert.InDelta(t, 3301.2, res.FillPrice, 1e-9)
	assert.EqualValues(t, 2, polls.Load())

	require.Len(t, fv.orders, 1)
	o := fv.orders[0]
	assert.Equal(t, "cycle-1-extended", o.ID)
	assert.Equal(t, "BUY", o.Side)
	assert.Equal(t, "IOC", o.TimeInForce)
	assert.Equal(t, "1.23", o.Qty.String())
	assert.Equal(t, "3333", o.Price.String())
	require.NotNil(t, o.Settlement)
	assert.Equal(t, "0xabc", o.Settlement.StarkKey)
}

func TestPlaceOrderAppliesLeverage(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets":                     body(ethMarket),
		"PATCH /api/v1/user/leverage":                  body(`{"status":"OK","data":{"market":"ETH-USD","leverage":"15"}}`),
		"POST /api/v1/user/order":                      body(`{"status":"OK","data":{"id":7}}`),
		"GET /api/v1/user/orders/external/lev-1":       body(`{"status":"OK","data":[{"id":7,"status":"FILLED","qty":"1","filledQty":"1","averagePrice":"3300"}]}`),
		"GET /api/v1/user/orders/external/lev-2":       body(`{"status":"OK","data":[{"id":8,"status":"FILLED","qty":"1","filledQty":"1","averagePrice":"3300"}]}`),
		"GET /api/v1/user/orders/external/lev-closing": body(`{"status":"OK","data":[{"id":9,"status":"FILLED","qty":"1","filledQty":"1","averagePrice":"3300"}]}`),
	})
	c := newTestClient(srv, WithSigner(fakeSigner{}))
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, &exchange.OrderRequest{Token: "ETH", Side: domain.SideShort, Size: 1, Leverage: 15, ClientID: "lev-1"})
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, &exchange.OrderRequest{Token: "ETH", Side: domain.SideShort, Size: 1, Leverage: 15, ClientID: "lev-2"})
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, &exchange.OrderRequest{Token: "ETH", Side: domain.SideLong, Size: 1, Leverage: 12, ReduceOnly: true, ClientID: "lev-closing"})
	require.NoError(t, err)

	// set once, and never for reduce-only orders
	require.Len(t, fv.leverages, 1)
	assert.Equal(t, "ETH-USD", fv.leverages[0].Market)
	assert.Equal(t, "15", fv.leverages[0].Leverage.String())
	assert.Len(t, fv.orders, 3)
}

func TestPlaceOrderLeverageFailures(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets":    body(ethMarket),
		"PATCH /api/v1/user/leverage": body(`{"status":"ERROR","error":{"code":1121,"message":"invalid leverage"}}`),
	})
	c := newTestClient(srv, WithSigner(fakeSigner{}))
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, &exchange.OrderRequest{Token: "ETH", Side: domain.SideLong, Size: 1, Leverage: 75})
	require.ErrorContains(t, err, "exceeds venue maximum")
	assert.Zero(t, fv.count("/api/v1/user/leverage"))

	_, err = c.PlaceOrder(ctx, &exchange.OrderRequest{Token: "ETH", Side: domain.SideLong, Size: 1, Leverage: 20})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1121, apiErr.Code)
	assert.Zero(t, fv.count("/api/v1/user/order"), "no order without the requested leverage")
}

func TestPlaceOrderPartialAndCancelled(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "partial", orderResult(&OrderData{Status: "CANCELLED", FilledQty: mustDecimal("0.5")}).Status)
	assert.Equal(t, "cancelled", orderResult(&OrderData{Status: "CANCELLED"}).Status)
	assert.Equal(t, "rejected", orderResult(&OrderData{Status: "REJECTED"}).Status)
}

func TestPlaceOrderBelowMinimum(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets": body(ethMarket),
	})
	c := newTestClient(srv, WithSigner(fakeSigner{}))

	_, err := c.PlaceOrder(context.Background(), &exchange.OrderRequest{Token: "ETH", Side: domain.SideShort, Size: 0.009})
	require.Error(t, err)
	assert.Zero(t, fv.count("/api/v1/user/order"))
}

func TestPlaceOrderSignerFailure(t *testing.T) {
	t.Parallel()
	srv, fv := newServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/info/markets": body(ethMarket),
	})
	c := newTestClient(srv, WithSigner(fakeSigner{err: errors.New("no key")}))

	_, err := c.PlaceOrder(context.Background(), &exchange.OrderRequest{Token: "ETH", Side: domain.SideShort, Size: 1})
	require.ErrorContains(t, err, "sign order")
	assert.Zero(t, fv.count("/api/v1/user/order"))
}

func TestRounding(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1.23", roundDown(mustDecimal("1.239"), mustDecimal("0.01")).String())
	assert.Equal(t, "1.239", roundDown(mustDecimal("1.239"), mustDecimal("0")).String())
	assert.Equal(t, "3267", roundToStep(mustDecimal("3267.0"), mustDecimal("0.1")).String())
	assert.Equal(t, "3267.1", roundToStep(mustDecimal("3267.06"), mustDecimal("0.1")).String())
}
