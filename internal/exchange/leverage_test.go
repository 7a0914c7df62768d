package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeverageCacheAppliesOnChange(t *testing.T) {
	t.Parallel()
	var cache LeverageCache
	var calls []int
	set := func(_ context.Context, _ string, lev int) error {
		calls = append(calls, lev)
		return nil
	}
	ctx := context.Background()

	require.NoError(t, cache.Ensure(ctx, "ETH", 12, set))
	require.NoError(t, cache.Ensure(ctx, "ETH", 12, set))
	require.NoError(t, cache.Ensure(ctx, "ETH", 15, set))
	require.NoError(t, cache.Ensure(ctx, "BTC", 12, set))
	require.NoError(t, cache.Ensure(ctx, "BTC", 0, set))
	assert.Equal(t, []int{12, 15, 12}, calls)
}

func TestLeverageCacheRetriesAfterFailure(t *testing.T) {
	t.Parallel()
	var cache LeverageCache
	fail := errors.New("rejected")
	calls := 0
	set := func(context.Context, string, int) error {
		calls++
		if calls == 1 {
			return fail
		}
		return nil
	}

	err := cache.Ensure(context.Background(), "SOL", 10, set)
	assert.ErrorIs(t, err, fail)
	require.NoError(t, cache.Ensure(context.Background(), "SOL", 10, set))
	assert.Equal(t, 2, calls)
}

func TestCheckLeverage(t *testing.T) {
	t.Parallel()
	assert.NoError(t, CheckLeverage("ETH", 20, 50))
	assert.NoError(t, CheckLeverage("ETH", 20, 0))
	assert.Error(t, CheckLeverage("HYPE", 20, 10))
}
