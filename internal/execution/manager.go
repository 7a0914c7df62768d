// Package execution runs the two-leg open/hold/close saga. There is no atomic
// commit across venues: a partial outcome is compensated by closing whatever
// filled, and a compensation that cannot be confirmed parks the cycle in
// RECONCILIATION_REQUIRED.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
	"delta-neutral-bot/internal/exchange"
)

type Params struct {
	LegTimeout            time.Duration
	SizeTolerance         float64
	RollbackAttempts      int
	RollbackBaseDelay     time.Duration
	RollbackMaxDelay      time.Duration
	ExposureCheckInterval time.Duration
	FeeRate               float64
	FundingInterval       time.Duration
}

// Jitter draws a random delay in [0, max).
type Jitter interface {
	Jitter(max time.Duration) time.Duration
}

// Recorder persists cycle snapshots.
type Recorder interface {
	Record(ctx context.Context, c *domain.TradeCycle) error
}

// Escalator receives cycles that could not be confirmed flat.
type Escalator interface {
	Escalate(c *domain.TradeCycle, err error)
}

type Manager struct {
	params    Params
	venues    map[domain.Venue]exchange.Exchange
	jitter    Jitter
	emit      events.Emitter
	recorder  Recorder
	escalator Escalator
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Manager)

func WithRecorder(r Recorder) Option   { return func(m *Manager) { m.recorder = r } }
func WithEscalator(e Escalator) Option { return func(m *Manager) { m.escalator = e } }

func NewManager(p Params, venueA, venueB exchange.Exchange, jitter Jitter, emit events.Emitter, log zerolog.Logger, opts ...Option) *Manager {
	if p.RollbackAttempts < 1 {
		p.RollbackAttempts = 1
	}
	m := &Manager{
		params: p,
		venues: map[domain.Venue]exchange.Exchange{
			venueA.Name(): venueA,
			venueB.Name(): venueB,
		},
		jitter: jitter,
		emit:   emit,
		log:    log.With().Str("component", "execution").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// legOutcome is the result of one leg task, written only by that task.
type legOutcome struct {
	leg *domain.Leg
	err error
}

// Open submits both legs concurrently and resolves the four outcome
// combinations. The cycle must be in RISK_CHECK with Size set.
func (m *Manager) Open(ctx context.Context, c *domain.TradeCycle) error {
	if err := m.transition(ctx, c, domain.StateExecutingOpen); err != nil {
		return err
	}
	for _, leg := range c.Legs() {
		leg.RequestedSize = c.Size
		leg.Status = domain.LegPending
	}

	outcomes := m.parallel(ctx, c, func(ctx context.Context, ex exchange.Exchange, leg *domain.Leg) error {
		return m.openLeg(ctx, ex, c, leg)
	})

	var filled, failed []*domain.Leg
	var legErrs []error
	for _, o := range outcomes {
		if o.err == nil {
			filled = append(filled, o.leg)
			continue
		}
		failed = append(failed, o.leg)
		legErrs = append(legErrs, o.err)
	}
	legErr := errors.Join(legErrs...)

	switch {
	case len(filled) == 2 && c.Symmetric(m.params.SizeTolerance):
		if err := m.transition(ctx, c, domain.StateOpen); err != nil {
			return err
		}
		m.emitOpen(c, "opened")
		m.log.Info().
			Str("cycle_id", c.ID).
			Str("token", c.Token).
			Float64("size_a", c.LegA.FilledSize).
			Float64("size_b", c.LegB.FilledSize).
			Float64("entry_a", c.LegA.EntryPrice).
			Float64("entry_b", c.LegB.EntryPrice).
			Msg("both legs filled")
		return nil

	case len(filled) == 0:
		// Timed-out submissions may still have landed; confirm before aborting.
		if unknown := m.unconfirmedFlat(ctx, c, failed); len(unknown) > 0 {
			c.Reason = domain.ReasonPartialFill
			return m.rollbackOpen(ctx, c, unknown, legErr)
		}
		c.Reason = domain.ReasonBothLegsFailed
		if err := m.transition(ctx, c, domain.StateAborted); err != nil {
			return err
		}
		m.emitOpen(c, "both_failed")
		return fmt.Errorf("cycle %s: both legs failed: %w", c.ID, legErr)

	case len(filled) == 2:
		c.Reason = domain.ReasonSizeMismatch
		m.emitOpen(c, "size_mismatch")
		return m.rollbackOpen(ctx, c, filled, fmt.Errorf("fills %.8f/%.8f outside tolerance %.4f",
			c.LegA.FilledSize, c.LegB.FilledSize, m.params.SizeTolerance))

	default:
		c.Reason = domain.ReasonPartialFill
		m.emitOpen(c, "partial")
		targets := append(filled, m.unconfirmedFlat(ctx, c, failed)...)
		return m.rollbackOpen(ctx, c, targets, legErr)
	}
}

func (m *Manager) openLeg(ctx context.Context, ex exchange.Exchange, c *domain.TradeCycle, leg *domain.Leg) error {
	res, err := ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Token:    c.Token,
		Side:     leg.Side,
		Size:     leg.RequestedSize,
		Leverage: c.Decision.Leverage,
		ClientID: c.ID + "-" + string(leg.Venue),
	})
	if err == nil && res.FilledSize <= 0 {
		err = fmt.Errorf("order %s not filled (status %s)", res.OrderID, res.Status)
	}
	if err != nil {
		leg.Status = domain.LegFailed
		leg.Error = err.Error()
		return &domain.LegExecutionError{Venue: leg.Venue, Token: c.Token, Side: leg.Side, Err: err}
	}
	leg.Status = domain.LegFilled
	leg.OrderID = res.OrderID
	leg.FilledSize = res.FilledSize
	leg.EntryPrice = res.FillPrice
	return nil
}

// parallel runs fn for both legs as two tasks joined before returning. Each
// task gets its own timeout and is detached from ctx cancellation so a kill
// signal never abandons an in-flight submission.
func (m *Manager) parallel(parent context.Context, c *domain.TradeCycle, fn func(context.Context, exchange.Exchange, *domain.Leg) error) []legOutcome {
	legs := c.Legs()
	out := make([]legOutcome, len(legs))

	var wg conc.WaitGroup
	for i, leg := range legs {
		ex := m.venues[leg.Venue]
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.params.LegTimeout)
			defer cancel()
			out[i] = legOutcome{leg: leg, err: fn(ctx, ex, leg)}
		})
	}
	wg.Wait()
	return out
}

// unconfirmedFlat returns the failed legs whose venue reports a position or
// cannot be queried.
func (m *Manager) unconfirmedFlat(ctx context.Context, c *domain.TradeCycle, failed []*domain.Leg) []*domain.Leg {
	var out []*domain.Leg
	for _, leg := range failed {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.params.LegTimeout)
		pos, err := m.venues[leg.Venue].GetOpenPosition(qctx, c.Token)
		cancel()
		if err != nil || pos != nil {
			m.log.Warn().
				Str("cycle_id", c.ID).
				Str("venue", string(leg.Venue)).
				Err(err).
				Msg("failed leg has unknown or open position")
			if pos != nil {
				leg.FilledSize = pos.Size
				leg.EntryPrice = pos.EntryPrice
			}
			out = append(out, leg)
		}
	}
	return out
}

func (m *Manager) transition(ctx context.Context, c *domain.TradeCycle, to domain.CycleState) error {
	if err := c.Transition(to, m.now()); err != nil {
		return err
	}
	m.persist(ctx, c)
	return nil
}

func (m *Manager) persist(ctx context.Context, c *domain.TradeCycle) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(context.WithoutCancel(ctx), c); err != nil {
		m.log.Error().Err(err).Str("cycle_id", c.ID).Msg("journal write failed")
	}
}

func (m *Manager) emitOpen(c *domain.TradeCycle, outcome string) {
	m.emit.Emit(events.New(events.StageExecutionOpen, c.ID, c.Token, map[string]any{
		"outcome":   outcome,
		"state":     string(c.State),
		"side_a":    string(c.LegA.Side),
		"side_b":    string(c.LegB.Side),
		"filled_a":  c.LegA.FilledSize,
		"filled_b":  c.LegB.FilledSize,
		"entry_a":   c.LegA.EntryPrice,
		"entry_b":   c.LegB.EntryPrice,
		"status_a":  string(c.LegA.Status),
		"status_b":  string(c.LegB.Status),
		"requested": c.Size,
		"reason":    string(c.Reason),
	}, c.LegA.Venue, c.LegB.Venue))
}
