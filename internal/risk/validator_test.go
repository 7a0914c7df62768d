package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
	"delta-neutral-bot/internal/exchange/paper"
	"delta-neutral-bot/internal/sizing"
)

func defaultParams() Params {
	return Params{
		MarginBufferPct:           0.20,
		MinLiquidationDistancePct: 0.03,
		MaintenanceMarginRate:     0.005,
		BalanceMaxAge:             30 * time.Second,
		MinBalance:                25,
		MaxPositionValue:          100000,
		MaxLeverage:               20,
	}
}

func baseInput(now time.Time, balA, balB float64, lev int, size, mark float64) Input {
	return Input{
		Decision: domain.AssignmentDecision{
			Token:    "BTC",
			Leverage: lev,
			Sides: map[domain.Venue]domain.Side{
				domain.VenueExtended:    domain.SideShort,
				domain.VenueHyperliquid: domain.SideLong,
			},
		},
		Sizing: sizing.Result{Size: size, MarkPrice: mark},
		Accounts: map[domain.Venue]domain.AccountSnapshot{
			domain.VenueExtended:    {Venue: domain.VenueExtended, AvailableBalance: balA, FetchedAt: now},
			domain.VenueHyperliquid: {Venue: domain.VenueHyperliquid, AvailableBalance: balB, FetchedAt: now},
		},
		Specs: map[domain.Venue]exchange.MarketSpec{
			domain.VenueExtended:    {MaxLeverage: 50, MaintenanceMarginRate: 0.005},
			domain.VenueHyperliquid: {MaxLeverage: 40},
		},
	}
}

func newValidator(p Params, venues ...exchange.Exchange) *Validator {
	return NewValidator(p, venues, zerolog.Nop())
}

func TestValidatePasses(t *testing.T) {
	t.Parallel()
	v := newValidator(defaultParams())

	// margin per leg = 2.437 * 40000 / 15 = 6498.67; x1.2 = 7798.4
	res := v.Validate(context.Background(), baseInput(time.Now(), 10000, 12000, 15, 2.437, 40000))
	assert.True(t, res.Passed, res.Detail)
	assert.NoError(t, res.Err())
}

func TestValidateReasons(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name   string
		params func(*Params)
		input  Input
		reason domain.ReasonCode
	}{
		{"margin buffer", nil, baseInput(now, 7000, 12000, 15, 2.437, 40000), domain.ReasonMarginBuffer},
		{"liquidation distance", func(p *Params) { p.MinLiquidationDistancePct = 0.05; p.MaxLeverage = 50 }, baseInput(now, 10000, 12000, 20, 1, 40000), domain.ReasonLiquidationDistance},
		{"min balance", func(p *Params) { p.MinBalance = 20000 }, baseInput(now, 10000, 12000, 15, 0.1, 40000), domain.ReasonMinBalance},
		{"max position value", func(p *Params) { p.MaxPositionValue = 1000 }, baseInput(now, 10000, 12000, 15, 0.1, 40000), domain.ReasonMaxPositionValue},
		{"leverage cap", func(p *Params) { p.MaxLeverage = 12 }, baseInput(now, 10000, 12000, 15, 0.1, 40000), domain.ReasonLeverageCap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultParams()
			if tt.params != nil {
				tt.params(&p)
			}
			res := newValidator(p).Validate(context.Background(), tt.input)
			require.False(t, res.Passed)
			assert.Equal(t, tt.reason, res.Reason)

			var rle *domain.RiskLimitError
			require.True(t, errors.As(res.Err(), &rle))
			assert.Equal(t, tt.reason, rle.Reason)
		})
	}
}

func TestValidateMarginCheckedBeforeLiquidation(t *testing.T) {
	t.Parallel()
	p := defaultParams()
	p.MinLiquidationDistancePct = 0.5
	res := newValidator(p).Validate(context.Background(), baseInput(time.Now(), 10, 10, 15, 1, 40000))
	assert.Equal(t, domain.ReasonMarginBuffer, res.Reason)
}

func TestValidateRefreshesStaleBalance(t *testing.T) {
	t.Parallel()
	ext := paper.NewVenue(domain.VenueExtended, paper.Options{Balance: 3000})
	hl := paper.NewVenue(domain.VenueHyperliquid, paper.Options{Balance: 12000})
	v := newValidator(defaultParams(), ext, hl)

	// the stale read looked rich; the fresh one cannot cover margin
	in := baseInput(time.Now(), 10000, 12000, 15, 2.437, 40000)
	stale := in.Accounts[domain.VenueExtended]
	stale.FetchedAt = time.Now().Add(-time.Minute)
	in.Accounts[domain.VenueExtended] = stale

	res := v.Validate(context.Background(), in)
	require.False(t, res.Passed)
	assert.Equal(t, domain.ReasonMarginBuffer, res.Reason)
	assert.InDelta(t, 3000, res.Accounts[domain.VenueExtended].AvailableBalance, 1e-9)
	assert.Equal(t, 1, ext.Calls(paper.OpAccount))
	assert.Zero(t, hl.Calls(paper.OpAccount))
}

func TestValidateStaleRefreshFails(t *testing.T) {
	t.Parallel()
	ext := paper.NewVenue(domain.VenueExtended, paper.Options{Balance: 10000})
	ext.SetFault(paper.OpAccount, paper.Fault{Err: errors.New("timeout")})
	v := newValidator(defaultParams(), ext)

	in := baseInput(time.Now(), 10000, 12000, 15, 0.1, 40000)
	stale := in.Accounts[domain.VenueExtended]
	stale.FetchedAt = time.Now().Add(-time.Hour)
	in.Accounts[domain.VenueExtended] = stale

	res := v.Validate(context.Background(), in)
	assert.False(t, res.Passed)
	assert.Equal(t, domain.ReasonFetchFailed, res.Reason)
}
