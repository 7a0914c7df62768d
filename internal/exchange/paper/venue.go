// Package paper is an in-memory venue used for simulation mode and tests. It
// tracks balances and positions with decimal arithmetic and supports fault
// injection per operation.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

type Op string

const (
	OpFunding  Op = "funding"
	OpMark     Op = "mark"
	OpSpec     Op = "spec"
	OpAccount  Op = "account"
	OpPosition Op = "position"
	OpPlace    Op = "place"
	OpClose    Op = "close"
)

var ErrInsufficientMargin = errors.New("paper: insufficient margin")

// Fault makes an operation fail or stall. Times 0 means every call.
type Fault struct {
	Err   error
	Delay time.Duration
	Times int
}

// DefaultSpecs are lot constraints close to the live venues.
var DefaultSpecs = map[string]exchange.MarketSpec{
	"BTC":  {Token: "BTC", MinSize: 0.001, LotStep: 0.001, MaxLeverage: 50, MaintenanceMarginRate: 0.005},
	"ETH":  {Token: "ETH", MinSize: 0.01, LotStep: 0.01, MaxLeverage: 50, MaintenanceMarginRate: 0.005},
	"SOL":  {Token: "SOL", MinSize: 0.1, LotStep: 0.1, MaxLeverage: 20, MaintenanceMarginRate: 0.01},
	"HYPE": {Token: "HYPE", MinSize: 1, LotStep: 1, MaxLeverage: 20, MaintenanceMarginRate: 0.01},
}

type Options struct {
	Balance float64
	Prices  map[string]float64
	Funding map[string]float64
	Specs   map[string]exchange.MarketSpec
	FeeRate float64
}

type position struct {
	side   domain.Side
	size   decimal.Decimal
	entry  decimal.Decimal
	margin decimal.Decimal
}

type Venue struct {
	mu         sync.Mutex
	name       domain.Venue
	available  decimal.Decimal
	marginUsed decimal.Decimal
	feeRate    decimal.Decimal
	prices     map[string]float64
	funding    map[string]float64
	specs      map[string]exchange.MarketSpec
	positions  map[string]*position
	faults     map[Op]*Fault
	calls      map[Op]int
	fillRatio  float64
	now        func() time.Time
}

func NewVenue(name domain.Venue, opts Options) *Venue {
	v := &Venue{
		name:      name,
		available: decimal.NewFromFloat(opts.Balance),
		feeRate:   decimal.NewFromFloat(opts.FeeRate),
		prices:    make(map[string]float64),
		funding:   make(map[string]float64),
		specs:     make(map[string]exchange.MarketSpec),
		positions: make(map[string]*position),
		faults:    make(map[Op]*Fault),
		calls:     make(map[Op]int),
		fillRatio: 1,
		now:       time.Now,
	}
	for k, p := range opts.Prices {
		v.prices[k] = p
	}
	for k, f := range opts.Funding {
		v.funding[k] = f
	}
	for k, s := range DefaultSpecs {
		v.specs[k] = s
	}
	for k, s := range opts.Specs {
		v.specs[k] = s
	}
	return v
}

var _ exchange.Exchange = (*Venue)(nil)

func (v *Venue) Name() domain.Venue { return v.name }

func (v *Venue) SetFault(op Op, f Fault) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[op] = &f
}

func (v *Venue) ClearFaults() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults = make(map[Op]*Fault)
}

func (v *Venue) SetPrice(token string, p float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[token] = p
}

func (v *Venue) SetFunding(token string, r float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding[token] = r
}

// SetFillRatio makes opening orders fill only a fraction of the requested size.
func (v *Venue) SetFillRatio(r float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillRatio = r
}

// SetPosition injects an externally opened position, bypassing margin checks.
func (v *Venue) SetPosition(token string, side domain.Side, size, entry float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if size == 0 {
		delete(v.positions, token)
		return
	}
	v.positions[token] = &position{
		side:  side,
		size:  decimal.NewFromFloat(size),
		entry: decimal.NewFromFloat(entry),
	}
}

// Calls reports how many times op has been invoked.
func (v *Venue) Calls(op Op) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

func (v *Venue) Balance() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.available.InexactFloat64()
}

// enter records the call and applies any fault. It must be called without v.mu held.
func (v *Venue) enter(ctx context.Context, op Op) error {
	v.mu.Lock()
	v.calls[op]++
	f := v.faults[op]
	var fault Fault
	if f != nil {
		fault = *f
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				delete(v.faults, op)
			}
		}
	}
	v.mu.Unlock()

	if fault.Delay > 0 {
		t := time.NewTimer(fault.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fault.Err
}

func (v *Venue) GetFundingRate(ctx context.Context, token string) (float64, error) {
	if err := v.enter(ctx, OpFunding); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.funding[token]
	if !ok {
		return 0, fmt.Errorf("paper %s: no funding rate for %s", v.name, token)
	}
	return r, nil
}

func (v *Venue) GetMarkPrice(ctx context.Context, token string) (float64, error) {
	if err := v.enter(ctx, OpMark); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.prices[token]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("paper %s: no price for %s", v.name, token)
	}
	return p, nil
}

func (v *Venue) GetMarketSpec(ctx context.Context, token string) (*exchange.MarketSpec, error) {
	if err := v.enter(ctx, OpSpec); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.specs[token]
	if !ok {
		return nil, fmt.Errorf("paper %s: unknown market %s", v.name, token)
	}
	return &s, nil
}

func (v *Venue) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	if err := v.enter(ctx, OpAccount); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return &domain.AccountSnapshot{
		Venue:            v.name,
		AvailableBalance: v.available.InexactFloat64(),
		MarginUsed:       v.marginUsed.InexactFloat64(),
		FetchedAt:        v.now(),
	}, nil
}

func (v *Venue) GetOpenPosition(ctx context.Context, token string) (*exchange.Position, error) {
	if err := v.enter(ctx, OpPosition); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions[token]
	if !ok {
		return nil, nil
	}
	return &exchange.Position{
		Token:      token,
		Side:       p.side,
		Size:       p.size.InexactFloat64(),
		EntryPrice: p.entry.InexactFloat64(),
	}, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	if err := v.enter(ctx, OpPlace); err != nil {
		return nil, err
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("paper %s: non-positive size %v", v.name, req.Size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	price, ok := v.prices[req.Token]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("paper %s: no price for %s", v.name, req.Token)
	}
	px := decimal.NewFromFloat(price)
	size := decimal.NewFromFloat(req.Size)

	if req.ReduceOnly {
		filled, err := v.reduce(req.Token, req.Side, size, px)
		if err != nil {
			return nil, err
		}
		return v.result(filled, price), nil
	}

	if v.fillRatio < 1 {
		size = size.Mul(decimal.NewFromFloat(v.fillRatio))
	}
	lev := decimal.NewFromInt(int64(max(req.Leverage, 1)))
	margin := size.Mul(px).Div(lev)
	fee := size.Mul(px).Mul(v.feeRate)
	if v.available.LessThan(margin.Add(fee)) {
		return nil, ErrInsufficientMargin
	}

	p, exists := v.positions[req.Token]
	if exists && p.side != req.Side {
		return nil, fmt.Errorf("paper %s: opposite position open on %s", v.name, req.Token)
	}
	if !exists {
		p = &position{side: req.Side}
		v.positions[req.Token] = p
	}
	total := p.size.Add(size)
	p.entry = p.entry.Mul(p.size).Add(px.Mul(size)).Div(total)
	p.size = total
	p.margin = p.margin.Add(margin)

	v.available = v.available.Sub(margin).Sub(fee)
	v.marginUsed = v.marginUsed.Add(margin)
	return v.result(size, price), nil
}

func (v *Venue) ClosePosition(ctx context.Context, token string) (*exchange.OrderResult, error) {
	if err := v.enter(ctx, OpClose); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.positions[token]
	if !ok {
		return &exchange.OrderResult{Status: "flat"}, nil
	}
	price, ok := v.prices[token]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("paper %s: no price for %s", v.name, token)
	}
	filled, err := v.reduce(token, p.side.Opposite(), p.size, decimal.NewFromFloat(price))
	if err != nil {
		return nil, err
	}
	return v.result(filled, price), nil
}

// reduce closes up to size of the position on token. v.mu must be held.
func (v *Venue) reduce(token string, side domain.Side, size, px decimal.Decimal) (decimal.Decimal, error) {
	p, ok := v.positions[token]
	if !ok || p.side == side {
		return decimal.Zero, fmt.Errorf("paper %s: reduce-only order would increase exposure on %s", v.name, token)
	}
	if size.GreaterThan(p.size) {
		size = p.size
	}

	pnl := px.Sub(p.entry).Mul(size)
	if p.side == domain.SideShort {
		pnl = pnl.Neg()
	}
	released := decimal.Zero
	if p.size.IsPositive() {
		released = p.margin.Mul(size).Div(p.size)
	}
	fee := size.Mul(px).Mul(v.feeRate)

	p.size = p.size.Sub(size)
	p.margin = p.margin.Sub(released)
	v.marginUsed = v.marginUsed.Sub(released)
	v.available = v.available.Add(released).Add(pnl).Sub(fee)
	if !p.size.IsPositive() {
		delete(v.positions, token)
	}
	return size, nil
}

func (v *Venue) result(size decimal.Decimal, price float64) *exchange.OrderResult {
	return &exchange.OrderResult{
		OrderID:    uuid.NewString(),
		Status:     "filled",
		FilledSize: size.InexactFloat64(),
		FillPrice:  price,
	}
}
