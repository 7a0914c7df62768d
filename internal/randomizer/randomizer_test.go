package randomizer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-neutral-bot/internal/domain"
)

// scripted returns queued values, clamped to the requested bound.
type scripted struct {
	vals []int64
	err  error
}

func (s *scripted) intn(n int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if len(s.vals) == 0 {
		return 0, nil
	}
	v := s.vals[0]
	s.vals = s.vals[1:]
	if v >= n {
		v = n - 1
	}
	return v, nil
}

func testRanges() Ranges {
	return Ranges{
		LeverageMin: 10, LeverageMax: 20,
		EquityMin: 0.40, EquityMax: 0.80,
		HoldMin: 20 * time.Minute, HoldMax: 120 * time.Minute,
		CooldownMin: 10 * time.Minute, CooldownMax: 60 * time.Minute,
		Bias: DefaultBiasCurve(),
	}
}

func diffOf(a, b float64) domain.FundingDifferential {
	return domain.FundingDifferential{
		Token: "BTC",
		A:     domain.FundingSnapshot{Venue: domain.VenueExtended, Rate: a},
		B:     domain.FundingSnapshot{Venue: domain.VenueHyperliquid, Rate: b},
		Diff:  a - b,
	}
}

func TestBiasWeightCurve(t *testing.T) {
	t.Parallel()
	c := DefaultBiasCurve()

	tests := []struct {
		diff float64
		want float64
	}{
		{0, 0.50},
		{0.000009, 0.50},
		{-0.000009, 0.50},
		{0.00001, 0.60},
		{-0.00005, 0.60},
		{0.0001, 0.75},
		{-0.0002, 0.75},
		{0.5, 0.75},
		{math.NaN(), 0.50},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, c.Weight(tt.diff), 1e-12, "diff=%v", tt.diff)
	}
}

func TestBiasWeightMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	c := DefaultBiasCurve()
	c.HighWeight = 0.99 // cap must still hold

	prev := 0.0
	for d := 0.0; d < 0.01; d += 0.000001 {
		w := c.Weight(d)
		assert.GreaterOrEqual(t, w, prev)
		assert.LessOrEqual(t, w, 0.9)
		assert.InDelta(t, w, c.Weight(-d), 1e-12)
		prev = w
	}
}

func TestDecideFavoredWins(t *testing.T) {
	t.Parallel()
	// side draw 0 (< 750 wins), leverage offset 5, equity step 625, hold 0s offset, cooldown max
	r := &Randomizer{ranges: testRanges(), src: &scripted{vals: []int64{0, 5, 625, 0, 1 << 40}}}

	d, err := r.Decide("BTC", diffOf(0.0003, 0.0001))
	require.NoError(t, err)

	assert.True(t, d.FavoredWon)
	assert.Equal(t, domain.VenueExtended, d.FavoredVenue)
	assert.Equal(t, domain.SideShort, d.SideOn(domain.VenueExtended))
	assert.Equal(t, domain.SideLong, d.SideOn(domain.VenueHyperliquid))
	assert.InDelta(t, 0.75, d.BiasWeight, 1e-12)
	assert.Equal(t, 15, d.Leverage)
	assert.InDelta(t, 0.65, d.EquityFraction, 1e-9)
	assert.Equal(t, 20*time.Minute, d.HoldDuration)
	assert.Equal(t, 60*time.Minute, d.CooldownDuration)
	assert.Equal(t, "crypto/rand", d.Source)
}

func TestDecideFavoredLoses(t *testing.T) {
	t.Parallel()
	r := &Randomizer{ranges: testRanges(), src: &scripted{vals: []int64{750}}}

	d, err := r.Decide("ETH", diffOf(0.0001, 0.0003))
	require.NoError(t, err)

	assert.False(t, d.FavoredWon)
	assert.Equal(t, domain.VenueHyperliquid, d.FavoredVenue)
	assert.Equal(t, domain.SideLong, d.SideOn(domain.VenueHyperliquid))
	assert.Equal(t, domain.SideShort, d.SideOn(domain.VenueExtended))
}

func TestDecideDrawsWithinRanges(t *testing.T) {
	t.Parallel()
	r := New(testRanges())

	shortOnExtended := 0
	const n = 2000
	for i := 0; i < n; i++ {
		d, err := r.Decide("SOL", diffOf(0.0005, 0.0001))
		require.NoError(t, err)

		assert.NotEqual(t, d.SideOn(domain.VenueExtended), d.SideOn(domain.VenueHyperliquid))
		assert.GreaterOrEqual(t, d.Leverage, 10)
		assert.LessOrEqual(t, d.Leverage, 20)
		assert.GreaterOrEqual(t, d.EquityFraction, 0.40)
		assert.LessOrEqual(t, d.EquityFraction, 0.80+1e-12)
		assert.GreaterOrEqual(t, d.HoldDuration, 20*time.Minute)
		assert.LessOrEqual(t, d.HoldDuration, 120*time.Minute)
		assert.GreaterOrEqual(t, d.CooldownDuration, 10*time.Minute)
		assert.LessOrEqual(t, d.CooldownDuration, 60*time.Minute)
		if d.SideOn(domain.VenueExtended) == domain.SideShort {
			shortOnExtended++
		}
	}

	// p = 0.75; allow a wide band so the test never flakes
	ratio := float64(shortOnExtended) / n
	assert.Greater(t, ratio, 0.65)
	assert.Less(t, ratio, 0.85)
}

func TestEntropyFailurePropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("no entropy")
	r := &Randomizer{ranges: testRanges(), src: &scripted{err: boom}}

	_, err := r.Decide("BTC", diffOf(0, 0))
	assert.ErrorIs(t, err, boom)

	_, err = r.PickToken([]string{"BTC"})
	assert.ErrorIs(t, err, boom)
}

func TestJitterAndPickToken(t *testing.T) {
	t.Parallel()
	r := New(testRanges())

	for i := 0; i < 100; i++ {
		j := r.Jitter(time.Second)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, time.Second)
	}
	assert.Zero(t, r.Jitter(0))

	tok, err := r.PickToken([]string{"BTC", "ETH"})
	require.NoError(t, err)
	assert.Contains(t, []string{"BTC", "ETH"}, tok)

	_, err = r.PickToken(nil)
	assert.Error(t, err)
}
