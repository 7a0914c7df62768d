package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

func newTestVenue() *Venue {
	return NewVenue(domain.VenueExtended, Options{
		Balance: 10000,
		Prices:  map[string]float64{"BTC": 40000},
		Funding: map[string]float64{"BTC": 0.0001},
	})
}

func TestOpenAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := newTestVenue()

	res, err := v.PlaceOrder(ctx, &exchange.OrderRequest{Token: "BTC", Side: domain.SideLong, Size: 0.5, Leverage: 10})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.FilledSize, 1e-12)
	assert.NotEmpty(t, res.OrderID)

	acct, err := v.GetAccountSnapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 8000, acct.AvailableBalance, 1e-6)
	assert.InDelta(t, 2000, acct.MarginUsed, 1e-6)

	pos, err := v.GetOpenPosition(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.SideLong, pos.Side)

	v.SetPrice("BTC", 41000)
	res, err = v.ClosePosition(ctx, "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.FilledSize, 1e-12)
	assert.InDelta(t, 10500, v.Balance(), 1e-6)

	pos, err = v.GetOpenPosition(ctx, "BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestCloseFlatIsNoop(t *testing.T) {
	t.Parallel()
	v := newTestVenue()

	res, err := v.ClosePosition(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Zero(t, res.FilledSize)
	assert.InDelta(t, 10000, v.Balance(), 1e-9)
}

func TestShortPnLAndFees(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := NewVenue(domain.VenueHyperliquid, Options{Balance: 10000, Prices: map[string]float64{"ETH": 2000}, FeeRate: 0.001})

	_, err := v.PlaceOrder(ctx, &exchange.OrderRequest{Token: "ETH", Side: domain.SideShort, Size: 1, Leverage: 10})
	require.NoError(t, err)
	v.SetPrice("ETH", 1900)
	_, err = v.ClosePosition(ctx, "ETH")
	require.NoError(t, err)

	// +100 price pnl, fees 2.0 + 1.9
	assert.InDelta(t, 10000+100-3.9, v.Balance(), 1e-6)
}

func TestInsufficientMargin(t *testing.T) {
	t.Parallel()
	v := newTestVenue()

	_, err := v.PlaceOrder(context.Background(), &exchange.OrderRequest{Token: "BTC", Side: domain.SideLong, Size: 10, Leverage: 10})
	assert.ErrorIs(t, err, ErrInsufficientMargin)
}

func TestFaultTimesAndDelay(t *testing.T) {
	t.Parallel()
	v := newTestVenue()
	boom := errors.New("venue down")

	v.SetFault(OpFunding, Fault{Err: boom, Times: 1})
	_, err := v.GetFundingRate(context.Background(), "BTC")
	assert.ErrorIs(t, err, boom)
	r, err := v.GetFundingRate(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, r, 1e-12)

	v.SetFault(OpPlace, Fault{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = v.PlaceOrder(ctx, &exchange.OrderRequest{Token: "BTC", Side: domain.SideLong, Size: 0.1, Leverage: 10})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pos, err := v.GetOpenPosition(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Nil(t, pos, "timed out order must not fill")
	assert.Equal(t, 1, v.Calls(OpPlace))
}

func TestReduceOnlyRejectsIncrease(t *testing.T) {
	t.Parallel()
	v := newTestVenue()
	_, err := v.PlaceOrder(context.Background(), &exchange.OrderRequest{Token: "BTC", Side: domain.SideLong, Size: 0.1, ReduceOnly: true})
	assert.Error(t, err)
}
