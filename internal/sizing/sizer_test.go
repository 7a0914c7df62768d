package sizing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

func acct(v domain.Venue, bal float64) domain.AccountSnapshot {
	return domain.AccountSnapshot{Venue: v, AvailableBalance: bal}
}

func spec(min, step float64) exchange.MarketSpec {
	return exchange.MarketSpec{MinSize: min, LotStep: step}
}

func decision(eq float64, lev int) domain.AssignmentDecision {
	return domain.AssignmentDecision{Token: "BTC", EquityFraction: eq, Leverage: lev}
}

func TestSizeScenario(t *testing.T) {
	t.Parallel()
	s := NewSizer(Params{SafetyBuffer: 1, MaxPositionValue: 0})

	res, err := s.Size(decision(0.65, 15),
		acct(domain.VenueExtended, 10000), acct(domain.VenueHyperliquid, 12000),
		40000, spec(0.001, 0.001), spec(0.0001, 0.0001))
	require.NoError(t, err)

	assert.InDelta(t, 10000, res.BaseCapital, 1e-9)
	assert.InDelta(t, 97500, res.Notional, 1e-6)
	// 97500 / 40000 = 2.4375 floored to 0.001
	assert.InDelta(t, 2.437, res.Size, 1e-12)
	assert.LessOrEqual(t, res.PositionValue(), 0.65*10000*15)
}

func TestSizeNeverExceedsNotionalBound(t *testing.T) {
	t.Parallel()
	s := NewSizer(Params{SafetyBuffer: 1})

	tests := []struct {
		balA, balB, eq, mark float64
		lev                  int
	}{
		{10000, 12000, 0.40, 95000, 10},
		{5000, 3000, 0.80, 3300.33, 20},
		{777.7, 1000, 0.55, 181.1, 13},
		{250, 250, 0.61, 24.99, 17},
	}
	for _, tt := range tests {
		res, err := s.Size(decision(tt.eq, tt.lev),
			acct(domain.VenueExtended, tt.balA), acct(domain.VenueHyperliquid, tt.balB),
			tt.mark, spec(0.01, 0.01), spec(0.001, 0.001))
		require.NoError(t, err)
		bound := tt.eq * min(tt.balA, tt.balB) * float64(tt.lev)
		assert.LessOrEqual(t, res.PositionValue(), bound+1e-6)
		assert.Greater(t, res.PositionValue(), bound-0.01*tt.mark-1e-6, "rounding loses at most one lot")
	}
}

func TestSizeInsufficientCapital(t *testing.T) {
	t.Parallel()
	s := NewSizer(Params{SafetyBuffer: 1})

	_, err := s.Size(decision(0.4, 10),
		acct(domain.VenueExtended, 5), acct(domain.VenueHyperliquid, 10000),
		95000, spec(0.001, 0.001), spec(0.001, 0.001))
	require.Error(t, err)

	var ice *domain.InsufficientCapitalError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "BTC", ice.Token)
	assert.InDelta(t, 0.001, ice.MinSize, 1e-12)

	_, err = s.Size(decision(0.4, 10),
		acct(domain.VenueExtended, 0), acct(domain.VenueHyperliquid, 10000),
		95000, spec(0.001, 0.001), spec(0.001, 0.001))
	assert.True(t, errors.As(err, &ice))
	assert.Equal(t, domain.VenueExtended, ice.Venue)
}

func TestSizeCapsAndBuffer(t *testing.T) {
	t.Parallel()
	s := NewSizer(Params{SafetyBuffer: 0.95, MaxPositionValue: 50000})

	res, err := s.Size(decision(0.8, 20),
		acct(domain.VenueExtended, 10000), acct(domain.VenueHyperliquid, 10000),
		1000, spec(0.1, 0.1), spec(0.1, 0.1))
	require.NoError(t, err)
	assert.True(t, res.Capped)
	assert.InDelta(t, 9500, res.BaseCapital, 1e-9)
	assert.InDelta(t, 50.0, res.Size, 1e-9)
}

func TestSizeRejectsBadMark(t *testing.T) {
	t.Parallel()
	s := NewSizer(Params{})
	_, err := s.Size(decision(0.5, 10), acct(domain.VenueExtended, 1000), acct(domain.VenueHyperliquid, 1000), 0, spec(0.1, 0.1), spec(0.1, 0.1))
	var mde *domain.MarketDataError
	assert.True(t, errors.As(err, &mde))
}

func TestCommonLotStep(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0.001", CommonLotStep(0.001, 0.0001).String())
	assert.Equal(t, "0.01", CommonLotStep(0.01, 0.01).String())
	assert.Equal(t, "0.06", CommonLotStep(0.02, 0.03).String())
	assert.Equal(t, "0.1", CommonLotStep(0, 0.1).String())
}
