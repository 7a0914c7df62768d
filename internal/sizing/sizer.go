package sizing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

type Params struct {
	// SafetyBuffer scales the base capital; 1 disables it.
	SafetyBuffer float64
	// MaxPositionValue caps notional per leg; 0 disables the cap.
	MaxPositionValue float64
}

type Result struct {
	BaseCapital float64
	Notional    float64
	Size        float64
	MarkPrice   float64
	LotStep     float64
	Capped      bool
}

// PositionValue is the rounded size valued at mark.
func (r Result) PositionValue() float64 {
	return r.Size * r.MarkPrice
}

// MarginPerLeg is the initial margin each venue must post.
func (r Result) MarginPerLeg(leverage int) float64 {
	if leverage <= 0 {
		return r.PositionValue()
	}
	return r.PositionValue() / float64(leverage)
}

type Sizer struct {
	params Params
}

func NewSizer(p Params) *Sizer {
	if p.SafetyBuffer <= 0 || p.SafetyBuffer > 1 {
		p.SafetyBuffer = 1
	}
	return &Sizer{params: p}
}

// Size computes one order size shared by both legs. Capital is bounded by the
// weaker venue and the size is floored to a lot step valid on both venues.
func (s *Sizer) Size(d domain.AssignmentDecision, accA, accB domain.AccountSnapshot, mark float64, specA, specB exchange.MarketSpec) (*Result, error) {
	if mark <= 0 || math.IsNaN(mark) || math.IsInf(mark, 0) {
		return nil, &domain.MarketDataError{Token: d.Token, Err: fmt.Errorf("invalid mark price %v", mark)}
	}

	base := math.Min(accA.AvailableBalance, accB.AvailableBalance) * s.params.SafetyBuffer
	if base <= 0 {
		return nil, &domain.InsufficientCapitalError{Token: d.Token, Venue: weaker(accA, accB), MinSize: math.Max(specA.MinSize, specB.MinSize)}
	}

	notional := decimal.NewFromFloat(base).
		Mul(decimal.NewFromFloat(d.EquityFraction)).
		Mul(decimal.NewFromInt(int64(d.Leverage)))
	capped := false
	if s.params.MaxPositionValue > 0 {
		limit := decimal.NewFromFloat(s.params.MaxPositionValue)
		if notional.GreaterThan(limit) {
			notional = limit
			capped = true
		}
	}

	step := CommonLotStep(specA.LotStep, specB.LotStep)
	size := notional.Div(decimal.NewFromFloat(mark))
	if step.IsPositive() {
		size = size.Div(step).Floor().Mul(step)
	}
	sizeF := size.InexactFloat64()

	res := &Result{
		BaseCapital: base,
		Notional:    notional.InexactFloat64(),
		Size:        sizeF,
		MarkPrice:   mark,
		LotStep:     step.InexactFloat64(),
		Capped:      capped,
	}

	for _, sp := range []struct {
		venue domain.Venue
		spec  exchange.MarketSpec
	}{{accA.Venue, specA}, {accB.Venue, specB}} {
		if sizeF <= 0 || sizeF < sp.spec.MinSize {
			return res, &domain.InsufficientCapitalError{
				Token:    d.Token,
				Size:     sizeF,
				MinSize:  sp.spec.MinSize,
				Venue:    sp.venue,
				Notional: res.Notional,
			}
		}
	}
	return res, nil
}

// CommonLotStep returns the smallest step that is a multiple of both venue
// steps, falling back to the coarser step when none is found nearby.
func CommonLotStep(a, b float64) decimal.Decimal {
	da, db := decimal.NewFromFloat(a), decimal.NewFromFloat(b)
	if !da.IsPositive() {
		return db
	}
	if !db.IsPositive() {
		return da
	}
	coarse, fine := da, db
	if db.GreaterThan(da) {
		coarse, fine = db, da
	}
	for k := int64(1); k <= 1000; k++ {
		cand := coarse.Mul(decimal.NewFromInt(k))
		if cand.Mod(fine).IsZero() {
			return cand
		}
	}
	return coarse
}

func weaker(a, b domain.AccountSnapshot) domain.Venue {
	if a.AvailableBalance <= b.AvailableBalance {
		return a.Venue
	}
	return b.Venue
}
