package funding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/exchange"
)

// Analyzer fetches both venues' funding rates concurrently and computes the
// signed differential rate(A) - rate(B). Stale data is never substituted.
type Analyzer struct {
	venueA     exchange.Exchange
	venueB     exchange.Exchange
	timeout    time.Duration
	maxAbsRate float64
	basis      time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Analyzer)

// WithRateBasis rescales rates from venues that quote over their own period
// (exchange.FundingQuoter) to a rate per basis, so both legs compare on the
// same footing.
func WithRateBasis(basis time.Duration) Option {
	return func(a *Analyzer) { a.basis = basis }
}

func NewAnalyzer(a, b exchange.Exchange, timeout time.Duration, maxAbsRate float64, log zerolog.Logger, opts ...Option) *Analyzer {
	an := &Analyzer{
		venueA:     a,
		venueB:     b,
		timeout:    timeout,
		maxAbsRate: maxAbsRate,
		log:        log.With().Str("component", "funding").Logger(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(an)
	}
	return an
}

func (a *Analyzer) Analyze(ctx context.Context, token string) (*domain.FundingDifferential, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var snapA, snapB domain.FundingSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := a.fetch(gctx, a.venueA, token)
		snapA = s
		return err
	})
	g.Go(func() error {
		s, err := a.fetch(gctx, a.venueB, token)
		snapB = s
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &domain.FundingDifferential{
		Token: token,
		A:     snapA,
		B:     snapB,
		Diff:  snapA.Rate - snapB.Rate,
	}
	a.log.Debug().
		Str("token", token).
		Float64("rate_a", snapA.Rate).
		Float64("rate_b", snapB.Rate).
		Float64("diff", d.Diff).
		Msg("funding differential")
	return d, nil
}

func (a *Analyzer) fetch(ctx context.Context, ex exchange.Exchange, token string) (domain.FundingSnapshot, error) {
	type result struct {
		rate float64
		err  error
	}
	// The venue call may ignore ctx; the timeout still bounds the wait.
	ch := make(chan result, 1)
	go func() {
		r, err := ex.GetFundingRate(ctx, token)
		ch <- result{r, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		return domain.FundingSnapshot{}, &domain.MarketDataError{Venue: ex.Name(), Token: token, Err: res.err}
	}
	res.rate = a.normalize(ex, res.rate)
	if err := a.checkRate(res.rate); err != nil {
		return domain.FundingSnapshot{}, &domain.MarketDataError{Venue: ex.Name(), Token: token, Err: err}
	}
	return domain.FundingSnapshot{
		Venue:      ex.Name(),
		Token:      token,
		Rate:       res.rate,
		ObservedAt: a.now(),
	}, nil
}

func (a *Analyzer) normalize(ex exchange.Exchange, rate float64) float64 {
	q, ok := ex.(exchange.FundingQuoter)
	if !ok || a.basis <= 0 {
		return rate
	}
	period := q.FundingPeriod()
	if period <= 0 || period == a.basis {
		return rate
	}
	return rate * float64(a.basis) / float64(period)
}

func (a *Analyzer) checkRate(r float64) error {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return fmt.Errorf("non-finite funding rate %v", r)
	}
	if math.Abs(r) > a.maxAbsRate {
		return fmt.Errorf("funding rate %v outside [-%v, %v]", r, a.maxAbsRate, a.maxAbsRate)
	}
	return nil
}
