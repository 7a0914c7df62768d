package exchange

import (
	"context"
	"time"

	"delta-neutral-bot/internal/domain"
)

// Exchange defines the collaborator contract every venue implements.
//
// Read calls and ClosePosition are safe to retry. PlaceOrder is NOT idempotent:
// callers must never resubmit an open order whose outcome is unknown.
type Exchange interface {
	Name() domain.Venue

	// Market Data
	GetFundingRate(ctx context.Context, token string) (float64, error)
	GetMarkPrice(ctx context.Context, token string) (float64, error)
	GetMarketSpec(ctx context.Context, token string) (*MarketSpec, error)

	// Account
	GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error)
	// GetOpenPosition returns nil, nil when the account is flat on token.
	GetOpenPosition(ctx context.Context, token string) (*Position, error)

	// Trading
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	// ClosePosition flattens token with a reduce-only order. A flat account
	// returns a zero fill and no error.
	ClosePosition(ctx context.Context, token string) (*OrderResult, error)
}

// FundingQuoter is implemented by venues whose funding rate is quoted over a
// fixed period. Rates from venues that do not implement it are taken to be
// on the strategy's funding interval already.
type FundingQuoter interface {
	FundingPeriod() time.Duration
}

type Position struct {
	Token      string
	Side       domain.Side
	Size       float64
	EntryPrice float64
}

// MarketSpec carries per-venue order constraints for a token.
type MarketSpec struct {
	Token                 string
	MinSize               float64
	LotStep               float64
	MaxLeverage           int
	MaintenanceMarginRate float64
}

type OrderRequest struct {
	Token      string
	Side       domain.Side
	Size       float64
	Leverage   int
	ReduceOnly bool
	ClientID   string
}

type OrderResult struct {
	OrderID    string
	Status     string // "filled", "partial", "open"
	FilledSize float64
	FillPrice  float64
}

// SlippagePrice returns an aggressive limit price for an immediate-or-cancel
// order on the given side.
func SlippagePrice(mark float64, side domain.Side, slippage float64) float64 {
	if side.IsBuy() {
		return mark * (1 + slippage)
	}
	return mark * (1 - slippage)
}
