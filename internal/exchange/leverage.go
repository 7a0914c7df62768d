package exchange

import (
	"context"
	"fmt"
	"sync"
)

// LeverageCache remembers the leverage last applied per market so a venue is
// only asked to change it when the requested value differs.
type LeverageCache struct {
	mu      sync.Mutex
	applied map[string]int
}

// Ensure calls set when market's leverage is not already leverage. A
// non-positive leverage leaves the account setting alone.
func (l *LeverageCache) Ensure(ctx context.Context, market string, leverage int, set func(context.Context, string, int) error) error {
	if leverage <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applied[market] == leverage {
		return nil
	}
	if err := set(ctx, market, leverage); err != nil {
		return fmt.Errorf("set %s leverage %dx: %w", market, leverage, err)
	}
	if l.applied == nil {
		l.applied = make(map[string]int)
	}
	l.applied[market] = leverage
	return nil
}

// CheckLeverage rejects leverage above a venue's per-market maximum. A zero
// maximum means the venue did not report one.
func CheckLeverage(market string, leverage, maxLeverage int) error {
	if maxLeverage > 0 && leverage > maxLeverage {
		return fmt.Errorf("%s leverage %dx exceeds venue maximum %dx", market, leverage, maxLeverage)
	}
	return nil
}
