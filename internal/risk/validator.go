package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
	"delta-neutral-bot/internal/sizing"
)

type Params struct {
	MarginBufferPct           float64
	MinLiquidationDistancePct float64
	MaintenanceMarginRate     float64
	BalanceMaxAge             time.Duration
	MinBalance                float64
	MaxPositionValue          float64
	MaxLeverage               int
}

// Input is everything a pre-trade check looks at. Accounts may be replaced by
// fresher reads during validation.
type Input struct {
	Decision domain.AssignmentDecision
	Sizing   sizing.Result
	Accounts map[domain.Venue]domain.AccountSnapshot
	Specs    map[domain.Venue]exchange.MarketSpec
}

type Result struct {
	Passed   bool
	Reason   domain.ReasonCode
	Venue    domain.Venue
	Detail   string
	Accounts map[domain.Venue]domain.AccountSnapshot
}

// Err converts a failed result into a RiskLimitError.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return &domain.RiskLimitError{Reason: r.Reason, Venue: r.Venue, Detail: r.Detail}
}

// Validator is the pre-trade gate. It never places orders.
type Validator struct {
	params Params
	venues map[domain.Venue]exchange.Exchange
	log    zerolog.Logger
	now    func() time.Time
}

func NewValidator(p Params, venues []exchange.Exchange, log zerolog.Logger) *Validator {
	m := make(map[domain.Venue]exchange.Exchange, len(venues))
	for _, v := range venues {
		m[v.Name()] = v
	}
	return &Validator{
		params: p,
		venues: m,
		log:    log.With().Str("component", "risk").Logger(),
		now:    time.Now,
	}
}

func (v *Validator) Validate(ctx context.Context, in Input) Result {
	accounts := make(map[domain.Venue]domain.AccountSnapshot, len(in.Accounts))
	for k, a := range in.Accounts {
		accounts[k] = a
	}
	fail := func(reason domain.ReasonCode, venue domain.Venue, format string, args ...any) Result {
		r := Result{Reason: reason, Venue: venue, Detail: fmt.Sprintf(format, args...), Accounts: accounts}
		v.log.Warn().
			Str("token", in.Decision.Token).
			Str("reason", string(reason)).
			Str("venue", string(venue)).
			Str("detail", r.Detail).
			Msg("risk check failed")
		return r
	}

	margin := in.Sizing.MarginPerLeg(in.Decision.Leverage)

	// 1. post-trade margin
	if r, ok := v.checkMargin(accounts, margin, fail); !ok {
		return r
	}

	// 2. liquidation distance
	for venue, spec := range in.Specs {
		dist, liq := v.liquidationDistance(in.Decision, venue, spec, in.Sizing.MarkPrice)
		if dist < v.params.MinLiquidationDistancePct {
			return fail(domain.ReasonLiquidationDistance, venue,
				"liquidation %.2f is %.2f%% from mark %.2f, need %.2f%%",
				liq, dist*100, in.Sizing.MarkPrice, v.params.MinLiquidationDistancePct*100)
		}
	}

	// 3. balance freshness, re-fetching stale reads and repeating check 1
	refreshed := false
	for venue, acct := range accounts {
		if acct.Age(v.now()) <= v.params.BalanceMaxAge {
			continue
		}
		ex, ok := v.venues[venue]
		if !ok {
			return fail(domain.ReasonStaleBalance, venue, "balance is %s old and venue is unknown", acct.Age(v.now()))
		}
		fresh, err := ex.GetAccountSnapshot(ctx)
		if err != nil {
			return fail(domain.ReasonFetchFailed, venue, "refresh stale balance: %v", err)
		}
		accounts[venue] = *fresh
		refreshed = true
	}
	if refreshed {
		if r, ok := v.checkMargin(accounts, margin, fail); !ok {
			return r
		}
	}

	for venue, acct := range accounts {
		if acct.AvailableBalance < v.params.MinBalance {
			return fail(domain.ReasonMinBalance, venue, "available %.2f below minimum %.2f", acct.AvailableBalance, v.params.MinBalance)
		}
	}
	if v.params.MaxPositionValue > 0 && in.Sizing.PositionValue() > v.params.MaxPositionValue {
		return fail(domain.ReasonMaxPositionValue, "", "position value %.2f exceeds %.2f", in.Sizing.PositionValue(), v.params.MaxPositionValue)
	}
	for venue, spec := range in.Specs {
		limit := v.params.MaxLeverage
		if spec.MaxLeverage > 0 && (limit == 0 || spec.MaxLeverage < limit) {
			limit = spec.MaxLeverage
		}
		if limit > 0 && in.Decision.Leverage > limit {
			return fail(domain.ReasonLeverageCap, venue, "leverage %dx above cap %dx", in.Decision.Leverage, limit)
		}
	}

	return Result{Passed: true, Accounts: accounts}
}

func (v *Validator) checkMargin(accounts map[domain.Venue]domain.AccountSnapshot, margin float64, fail func(domain.ReasonCode, domain.Venue, string, ...any) Result) (Result, bool) {
	required := margin * (1 + v.params.MarginBufferPct)
	for venue, acct := range accounts {
		if acct.AvailableBalance < required {
			return fail(domain.ReasonMarginBuffer, venue,
				"available %.2f below margin %.2f plus %.0f%% buffer", acct.AvailableBalance, margin, v.params.MarginBufferPct*100), false
		}
	}
	return Result{}, true
}

// liquidationDistance estimates how far, as a fraction of mark, the leg on
// venue sits from liquidation under isolated margin.
func (v *Validator) liquidationDistance(d domain.AssignmentDecision, venue domain.Venue, spec exchange.MarketSpec, mark float64) (float64, float64) {
	mmr := spec.MaintenanceMarginRate
	if mmr <= 0 {
		mmr = v.params.MaintenanceMarginRate
	}
	dist := 1/float64(max(d.Leverage, 1)) - mmr
	liq := mark * (1 - dist)
	if d.SideOn(venue) == domain.SideShort {
		liq = mark * (1 + dist)
	}
	return dist, liq
}
