package funding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange/paper"
)

func venues(rateA, rateB float64) (*paper.Venue, *paper.Venue) {
	a := paper.NewVenue(domain.VenueExtended, paper.Options{Funding: map[string]float64{"BTC": rateA}})
	b := paper.NewVenue(domain.VenueHyperliquid, paper.Options{Funding: map[string]float64{"BTC": rateB}})
	return a, b
}

func TestAnalyzeDifferential(t *testing.T) {
	t.Parallel()
	a, b := venues(0.0003, 0.0001)
	an := NewAnalyzer(a, b, time.Second, 0.01, zerolog.Nop())

	d, err := an.Analyze(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.0002, d.Diff, 1e-12)
	assert.Equal(t, domain.VenueExtended, d.A.Venue)
	assert.Equal(t, domain.VenueHyperliquid, d.B.Venue)
	assert.False(t, d.A.ObservedAt.IsZero())
}

func TestAnalyzeFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(a, b *paper.Venue)
		venue domain.Venue
	}{
		{"venue error", func(a, b *paper.Venue) {
			b.SetFault(paper.OpFunding, paper.Fault{Err: errors.New("503")})
		}, domain.VenueHyperliquid},
		{"timeout", func(a, b *paper.Venue) {
			a.SetFault(paper.OpFunding, paper.Fault{Delay: 5 * time.Second})
		}, domain.VenueExtended},
		{"non-finite", func(a, b *paper.Venue) {
			a.SetFunding("BTC", math.Inf(1))
		}, domain.VenueExtended},
		{"out of range", func(a, b *paper.Venue) {
			b.SetFunding("BTC", 0.5)
		}, domain.VenueHyperliquid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, b := venues(0.0001, 0.0001)
			tt.setup(a, b)
			an := NewAnalyzer(a, b, 50*time.Millisecond, 0.01, zerolog.Nop())

			start := time.Now()
			_, err := an.Analyze(context.Background(), "BTC")
			require.Error(t, err)
			assert.Less(t, time.Since(start), 2*time.Second)

			var mde *domain.MarketDataError
			require.True(t, errors.As(err, &mde))
			assert.Equal(t, tt.venue, mde.Venue)
			assert.Equal(t, "BTC", mde.Token)
		})
	}
}

// hourlyVenue quotes funding per hour like the live venues.
type hourlyVenue struct {
	*paper.Venue
}

func (hourlyVenue) FundingPeriod() time.Duration { return time.Hour }

func TestAnalyzeRescalesToBasis(t *testing.T) {
	t.Parallel()
	a, b := venues(0.00002, 0.0001)
	an := NewAnalyzer(hourlyVenue{a}, b, time.Second, 0.01, zerolog.Nop(), WithRateBasis(8*time.Hour))

	d, err := an.Analyze(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.00016, d.A.Rate, 1e-12)
	assert.InDelta(t, 0.0001, d.B.Rate, 1e-12, "venue without a quote period is already on the basis")
	assert.InDelta(t, 0.00006, d.Diff, 1e-12)

	// without a basis the native rate is kept
	d, err = NewAnalyzer(hourlyVenue{a}, b, time.Second, 0.01, zerolog.Nop()).Analyze(context.Background(), "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.00002, d.A.Rate, 1e-12)
}

func TestAnalyzeRangeCheckAppliesAfterRescale(t *testing.T) {
	t.Parallel()
	a, b := venues(0.002, 0.0001)
	an := NewAnalyzer(hourlyVenue{a}, b, time.Second, 0.01, zerolog.Nop(), WithRateBasis(8*time.Hour))

	_, err := an.Analyze(context.Background(), "BTC")
	var mde *domain.MarketDataError
	require.ErrorAs(t, err, &mde)
	assert.Equal(t, domain.VenueExtended, mde.Venue)
}
