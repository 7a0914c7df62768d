package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
	"delta-neutral-bot/internal/exchange"
	"delta-neutral-bot/internal/execution"
	"delta-neutral-bot/internal/funding"
	"delta-neutral-bot/internal/randomizer"
	"delta-neutral-bot/internal/risk"
	"delta-neutral-bot/internal/safety"
	"delta-neutral-bot/internal/sizing"
)

// Stats summarises the cycles run by a strategy since start.
type Stats struct {
	Attempted     int
	Completed     int
	Aborted       int
	Rejected      int
	Escalated     int
	CumulativePnL float64
}

// FundingArbStrategy runs the delta-neutral cycle loop: funding analysis,
// randomized assignment, sizing, risk gate, then the two-leg saga.
type FundingArbStrategy struct {
	cfg      *config.Config
	venueA   exchange.Exchange
	venueB   exchange.Exchange
	analyzer *funding.Analyzer
	rnd      *randomizer.Randomizer
	sizer    *sizing.Sizer
	risk     *risk.Validator
	exec     *execution.Manager
	safety   *safety.Controller
	emit     events.Emitter
	recorder execution.Recorder
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]*trackedCycle
	stats  Stats
}

// trackedCycle marks whether a RunCycle call still owns the cycle. Only the
// owner may read or mutate it while driving is set.
type trackedCycle struct {
	cycle   *domain.TradeCycle
	driving bool
}

// Ranges builds the randomizer ranges from strategy config.
func Ranges(s config.StrategyConfig) randomizer.Ranges {
	return randomizer.Ranges{
		LeverageMin: s.LeverageMin,
		LeverageMax: s.LeverageMax,
		EquityMin:   s.EquityFractionMin,
		EquityMax:   s.EquityFractionMax,
		HoldMin:     s.HoldMin,
		HoldMax:     s.HoldMax,
		CooldownMin: s.CooldownMin,
		CooldownMax: s.CooldownMax,
		Bias: randomizer.BiasCurve{
			LowThreshold:  s.BiasLowThreshold,
			HighThreshold: s.BiasHighThreshold,
			LowWeight:     s.BiasLowWeight,
			MidWeight:     s.BiasMidWeight,
			HighWeight:    s.BiasHighWeight,
			Cap:           s.BiasCap,
		},
	}
}

// NewFundingArbStrategy wires the pipeline components from cfg. venueA is the
// Extended leg, venueB the Hyperliquid leg. recorder may be nil.
func NewFundingArbStrategy(cfg *config.Config, venueA, venueB exchange.Exchange, ctl *safety.Controller, emit events.Emitter, recorder execution.Recorder, log zerolog.Logger) *FundingArbStrategy {
	if emit == nil {
		emit = events.Nop{}
	}
	rnd := randomizer.New(Ranges(cfg.Strategy))

	opts := []execution.Option{execution.WithEscalator(ctl)}
	if recorder != nil {
		opts = append(opts, execution.WithRecorder(recorder))
	}

	return &FundingArbStrategy{
		cfg:      cfg,
		venueA:   venueA,
		venueB:   venueB,
		analyzer: funding.NewAnalyzer(venueA, venueB, cfg.Funding.Timeout, cfg.Funding.MaxAbsRate, log,
			funding.WithRateBasis(cfg.Strategy.FundingInterval)),
		rnd:      rnd,
		sizer: sizing.NewSizer(sizing.Params{
			SafetyBuffer:     cfg.Strategy.SafetyBuffer,
			MaxPositionValue: cfg.Risk.MaxPositionValue,
		}),
		risk: risk.NewValidator(risk.Params{
			MarginBufferPct:           cfg.Risk.MarginBufferPct,
			MinLiquidationDistancePct: cfg.Risk.MinLiquidationDistancePct,
			MaintenanceMarginRate:     cfg.Risk.MaintenanceMarginRate,
			BalanceMaxAge:             cfg.Risk.BalanceMaxAge,
			MinBalance:                cfg.Risk.MinBalance,
			MaxPositionValue:          cfg.Risk.MaxPositionValue,
			MaxLeverage:               cfg.Risk.MaxLeverage,
		}, []exchange.Exchange{venueA, venueB}, log),
		exec: execution.NewManager(execution.Params{
			LegTimeout:            cfg.Execution.LegTimeout,
			SizeTolerance:         cfg.Execution.SizeTolerance,
			RollbackAttempts:      cfg.Execution.RollbackAttempts,
			RollbackBaseDelay:     cfg.Execution.RollbackBaseDelay,
			RollbackMaxDelay:      cfg.Execution.RollbackMaxDelay,
			ExposureCheckInterval: cfg.Execution.ExposureCheckInterval,
			FeeRate:               cfg.Strategy.FeeRate,
			FundingInterval:       cfg.Strategy.FundingInterval,
		}, venueA, venueB, rnd, emit, log, opts...),
		safety:   ctl,
		emit:     emit,
		recorder: recorder,
		log:      log.With().Str("component", "strategy").Logger(),
		active:   make(map[string]*trackedCycle),
	}
}

// Executor exposes the execution manager, e.g. as the shutdown closer.
func (s *FundingArbStrategy) Executor() *execution.Manager { return s.exec }

// Start runs the cycle loops until ctx ends or the kill switch trips. With
// concurrent tokens each token gets its own loop; otherwise one loop picks a
// random token per cycle.
func (s *FundingArbStrategy) Start(ctx context.Context) {
	s.log.Info().
		Strs("tokens", s.cfg.Tokens).
		Bool("concurrent", s.cfg.Strategy.ConcurrentTokens).
		Str("mode", s.cfg.Mode).
		Msg("starting funding arb strategy")

	if !s.cfg.Strategy.ConcurrentTokens {
		s.loop(ctx, func() (string, error) { return s.rnd.PickToken(s.cfg.Tokens) })
		s.log.Info().Msg("stopping funding arb strategy")
		return
	}

	var wg conc.WaitGroup
	for _, token := range s.cfg.Tokens {
		wg.Go(func() {
			s.loop(ctx, func() (string, error) { return token, nil })
		})
	}
	wg.Wait()
	s.log.Info().Msg("stopping funding arb strategy")
}

func (s *FundingArbStrategy) loop(ctx context.Context, pick func() (string, error)) {
	for {
		if ctx.Err() != nil || s.safety.IsKilled() {
			return
		}

		wait := s.cfg.Strategy.RetryAfterFailure
		token, err := pick()
		if err != nil {
			s.log.Error().Err(err).Msg("token selection failed")
		} else {
			c, err := s.RunCycle(ctx, token)
			switch {
			case err == nil && c != nil:
				wait = c.Decision.CooldownDuration
			case errors.Is(err, safety.ErrKilled):
				return
			default:
				s.log.Warn().Err(err).Str("token", token).Dur("retry_in", wait).Msg("cycle did not complete")
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.safety.Killed():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle runs one full cycle for token. It returns the cycle (nil when the
// token could not be leased) and the error that ended it early, if any.
func (s *FundingArbStrategy) RunCycle(ctx context.Context, token string) (*domain.TradeCycle, error) {
	release, err := s.safety.Acquire(token)
	if err != nil {
		return nil, err
	}
	defer release()

	c := domain.NewTradeCycle(uuid.NewString(), token, time.Now())
	s.track(c)
	defer s.release(c)
	s.count(func(st *Stats) { st.Attempted++ })

	log := s.log.With().Str("cycle_id", c.ID).Str("token", token).Logger()
	s.emit.Emit(events.New(events.StageCycleStart, c.ID, token, nil, s.venueA.Name(), s.venueB.Name()))

	diff, err := s.analyzer.Analyze(ctx, token)
	if err != nil {
		return c, s.reject(ctx, c, domain.ReasonMarketData, err)
	}
	c.Funding = *diff
	s.emit.Emit(events.New(events.StageFundingSnapshot, c.ID, token, map[string]any{
		"rate_a": diff.A.Rate,
		"rate_b": diff.B.Rate,
		"diff":   diff.Diff,
	}, diff.A.Venue, diff.B.Venue))

	decision, err := s.rnd.Decide(token, *diff)
	if err != nil {
		return c, s.reject(ctx, c, domain.ReasonNone, err)
	}
	c.ApplyDecision(decision)
	s.emit.Emit(events.New(events.StageAssignment, c.ID, token, map[string]any{
		"side_a":          string(c.LegA.Side),
		"side_b":          string(c.LegB.Side),
		"leverage":        decision.Leverage,
		"equity_fraction": decision.EquityFraction,
		"hold_seconds":    decision.HoldDuration.Seconds(),
		"cooldown":        decision.CooldownDuration.Seconds(),
		"bias_weight":     decision.BiasWeight,
		"favored_venue":   string(decision.FavoredVenue),
		"favored_won":     decision.FavoredWon,
		"source":          decision.Source,
	}))

	if err := s.transition(ctx, c, domain.StateSizing); err != nil {
		return c, err
	}
	snap, err := s.snapshot(ctx, token)
	if err != nil {
		reason := domain.ReasonFetchFailed
		var mdErr *domain.MarketDataError
		if errors.As(err, &mdErr) {
			reason = domain.ReasonMarketData
		}
		return c, s.reject(ctx, c, reason, err)
	}
	res, err := s.sizer.Size(decision,
		snap.accounts[s.venueA.Name()], snap.accounts[s.venueB.Name()], snap.mark,
		snap.specs[s.venueA.Name()], snap.specs[s.venueB.Name()])
	if err != nil {
		reason := domain.ReasonMarketData
		var capErr *domain.InsufficientCapitalError
		if errors.As(err, &capErr) {
			reason = domain.ReasonInsufficientCapital
		}
		return c, s.reject(ctx, c, reason, err)
	}
	c.Size = res.Size
	c.MarkPrice = res.MarkPrice
	c.Notional = res.PositionValue()
	income := diff.ExpectedHourlyIncome(c.Notional, decision.ShortVenue(), s.cfg.Strategy.FundingInterval)
	s.emit.Emit(events.New(events.StageSizing, c.ID, token, map[string]any{
		"base_capital":        res.BaseCapital,
		"notional":            c.Notional,
		"size":                c.Size,
		"mark":                c.MarkPrice,
		"lot_step":            res.LotStep,
		"capped":              res.Capped,
		"expected_hourly_usd": income,
		"margin_per_leg":      res.MarginPerLeg(decision.Leverage),
	}))

	if err := s.transition(ctx, c, domain.StateRiskCheck); err != nil {
		return c, err
	}
	verdict := s.risk.Validate(ctx, risk.Input{
		Decision: decision,
		Sizing:   *res,
		Accounts: snap.accounts,
		Specs:    snap.specs,
	})
	s.emit.Emit(events.New(events.StageRiskCheck, c.ID, token, map[string]any{
		"passed": verdict.Passed,
		"reason": string(verdict.Reason),
		"detail": verdict.Detail,
	}))
	if !verdict.Passed {
		return c, s.reject(ctx, c, verdict.Reason, verdict.Err())
	}

	// last cooperative check before anything is submitted
	if s.safety.IsKilled() {
		return c, s.reject(ctx, c, domain.ReasonKillSwitch, safety.ErrKilled)
	}

	log.Info().
		Str("side_a", string(c.LegA.Side)).
		Str("side_b", string(c.LegB.Side)).
		Int("leverage", decision.Leverage).
		Float64("size", c.Size).
		Float64("notional", c.Notional).
		Float64("expected_hourly_usd", income).
		Dur("hold", decision.HoldDuration).
		Msg("opening cycle")

	if err := s.exec.Open(ctx, c); err != nil {
		s.finish(ctx, c)
		s.safety.RecordFailure(err)
		return c, err
	}

	outcome, err := s.exec.Hold(ctx, c, s.safety.Killed())
	if err != nil {
		log.Error().Err(err).Msg("hold failed, closing")
	}
	c.Reason = outcome.Reason()

	closeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Safety.ShutdownCloseTimeout)
		defer cancel()
	}
	if err := s.exec.Close(closeCtx, c); err != nil {
		s.finish(ctx, c)
		s.safety.RecordFailure(err)
		return c, err
	}

	s.finish(ctx, c)
	s.safety.RecordSuccess()
	return c, nil
}

type marketSnapshot struct {
	accounts map[domain.Venue]domain.AccountSnapshot
	specs    map[domain.Venue]exchange.MarketSpec
	mark     float64
}

// snapshot fetches fresh accounts, market specs and marks from both venues.
// The higher of the two marks is used so the shared size stays conservative.
func (s *FundingArbStrategy) snapshot(ctx context.Context, token string) (*marketSnapshot, error) {
	venues := []exchange.Exchange{s.venueA, s.venueB}
	accounts := make([]*domain.AccountSnapshot, len(venues))
	specs := make([]*exchange.MarketSpec, len(venues))
	marks := make([]float64, len(venues))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Funding.Timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range venues {
		g.Go(func() error {
			a, err := v.GetAccountSnapshot(gctx)
			if err != nil {
				return fmt.Errorf("%s account: %w", v.Name(), err)
			}
			accounts[i] = a
			return nil
		})
		g.Go(func() error {
			sp, err := v.GetMarketSpec(gctx, token)
			if err != nil {
				return &domain.MarketDataError{Venue: v.Name(), Token: token, Err: err}
			}
			specs[i] = sp
			return nil
		})
		g.Go(func() error {
			m, err := v.GetMarkPrice(gctx, token)
			if err != nil {
				return &domain.MarketDataError{Venue: v.Name(), Token: token, Err: err}
			}
			marks[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &marketSnapshot{
		accounts: make(map[domain.Venue]domain.AccountSnapshot, len(venues)),
		specs:    make(map[domain.Venue]exchange.MarketSpec, len(venues)),
	}
	for i, v := range venues {
		out.accounts[v.Name()] = *accounts[i]
		out.specs[v.Name()] = *specs[i]
		out.mark = math.Max(out.mark, marks[i])
	}
	return out, nil
}

// reject aborts a cycle before any order was placed.
func (s *FundingArbStrategy) reject(ctx context.Context, c *domain.TradeCycle, reason domain.ReasonCode, cause error) error {
	c.Reason = reason
	if err := s.transition(ctx, c, domain.StateAborted); err != nil {
		return errors.Join(cause, err)
	}
	s.count(func(st *Stats) { st.Rejected++ })
	s.emit.Emit(events.New(events.StageCycleComplete, c.ID, c.Token, map[string]any{
		"state":        string(c.State),
		"reason":       string(reason),
		"realized_pnl": 0.0,
		"executed":     false,
	}))
	s.log.Info().
		Str("cycle_id", c.ID).
		Str("token", c.Token).
		Str("reason", string(reason)).
		Err(cause).
		Msg("cycle rejected before execution")
	return cause
}

// finish runs post-cycle verification and bookkeeping for an executed cycle.
func (s *FundingArbStrategy) finish(ctx context.Context, c *domain.TradeCycle) {
	if c.State == domain.StateClosed || c.State == domain.StateAborted {
		vctx := ctx
		if ctx.Err() != nil {
			vctx = context.WithoutCancel(ctx)
		}
		_ = s.safety.VerifyFlat(vctx, c)
	}

	s.count(func(st *Stats) {
		switch c.State {
		case domain.StateClosed:
			st.Completed++
		case domain.StateAborted:
			st.Aborted++
		case domain.StateReconciliationRequired:
			st.Escalated++
		}
		st.CumulativePnL += c.RealizedPnL
	})
	s.emit.Emit(events.New(events.StageCycleComplete, c.ID, c.Token, map[string]any{
		"state":           string(c.State),
		"reason":          string(c.Reason),
		"realized_pnl":    c.RealizedPnL,
		"funding_accrued": c.FundingAccrued,
		"fees":            c.Fees,
		"rollback_cost":   c.RollbackCost,
		"executed":        true,
	}, c.LegA.Venue, c.LegB.Venue))
	s.log.Info().
		Str("cycle_id", c.ID).
		Str("token", c.Token).
		Str("state", string(c.State)).
		Str("reason", string(c.Reason)).
		Float64("realized_pnl", c.RealizedPnL).
		Msg("cycle finished")
}

func (s *FundingArbStrategy) transition(ctx context.Context, c *domain.TradeCycle, to domain.CycleState) error {
	if err := c.Transition(to, time.Now()); err != nil {
		return err
	}
	if s.recorder != nil {
		if err := s.recorder.Record(context.WithoutCancel(ctx), c); err != nil {
			s.log.Error().Err(err).Str("cycle_id", c.ID).Msg("journal write failed")
		}
	}
	return nil
}

func (s *FundingArbStrategy) track(c *domain.TradeCycle) {
	s.mu.Lock()
	s.active[c.ID] = &trackedCycle{cycle: c, driving: true}
	s.mu.Unlock()
}

// release hands the cycle back once RunCycle stops driving it. Cycles that
// still hold exposure stay tracked so shutdown can find them.
func (s *FundingArbStrategy) release(c *domain.TradeCycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.State.IsTerminal() {
		delete(s.active, c.ID)
		return
	}
	if t, ok := s.active[c.ID]; ok {
		t.driving = false
	}
}

// ActiveCycles returns non-terminal cycles no RunCycle call is driving any
// more. Cycles still in flight are left out; their own RunCycle closes them.
func (s *FundingArbStrategy) ActiveCycles() []*domain.TradeCycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TradeCycle, 0, len(s.active))
	for _, t := range s.active {
		if !t.driving {
			out = append(out, t.cycle)
		}
	}
	return out
}

// InFlight reports how many cycles RunCycle calls are still driving.
func (s *FundingArbStrategy) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.active {
		if t.driving {
			n++
		}
	}
	return n
}

func (s *FundingArbStrategy) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *FundingArbStrategy) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
