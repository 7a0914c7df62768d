package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sourcegraph/conc"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
	"delta-neutral-bot/internal/exchange"
)

var errStillOpen = errors.New("position still open after close")

// rollbackOpen compensates a partial open by flattening targets. Success
// aborts the cycle; exhaustion escalates it.
func (m *Manager) rollbackOpen(ctx context.Context, c *domain.TradeCycle, targets []*domain.Leg, cause error) error {
	if err := m.transition(ctx, c, domain.StateRollingBackOpen); err != nil {
		return err
	}
	m.log.Warn().
		Str("cycle_id", c.ID).
		Str("token", c.Token).
		Str("reason", string(c.Reason)).
		Int("legs", len(targets)).
		AnErr("cause", cause).
		Msg("rolling back open")

	if stuck, attempts, err := m.flattenAll(ctx, c, targets); err != nil {
		return m.exhausted(ctx, c, stuck, attempts, err, domain.ReasonRollbackExhausted)
	}

	c.RollbackCost = m.rollbackCost(c, targets)
	c.RealizedPnL = -c.RollbackCost
	if err := m.transition(ctx, c, domain.StateAborted); err != nil {
		return err
	}
	m.emit.Emit(events.New(events.StageRollback, c.ID, c.Token, map[string]any{
		"phase":         "open",
		"result":        "ok",
		"rollback_cost": c.RollbackCost,
		"reason":        string(c.Reason),
	}, venuesOf(targets)...))
	return fmt.Errorf("cycle %s rolled back (%s): %w", c.ID, c.Reason, cause)
}

// flattenAll flattens each leg concurrently and reports the legs that could
// not be confirmed flat.
func (m *Manager) flattenAll(ctx context.Context, c *domain.TradeCycle, legs []*domain.Leg) ([]*domain.Leg, int, error) {
	if len(legs) == 0 {
		return nil, 0, nil
	}
	type outcome struct {
		attempts int
		err      error
	}
	results := make(map[*domain.Leg]*outcome, len(legs))
	for _, leg := range legs {
		results[leg] = &outcome{}
	}

	m.parallelLegs(ctx, legs, func(ctx context.Context, leg *domain.Leg) {
		o := results[leg]
		o.attempts, o.err = m.flattenLeg(ctx, c, leg)
	})

	var stuck []*domain.Leg
	var errs []error
	attempts := 0
	for _, leg := range legs {
		o := results[leg]
		attempts = max(attempts, o.attempts)
		if o.err != nil {
			stuck = append(stuck, leg)
			errs = append(errs, fmt.Errorf("%s: %w", leg.Venue, o.err))
		}
	}
	return stuck, attempts, errors.Join(errs...)
}

// flattenLeg retries close-and-confirm with exponential backoff and crypto
// jitter. Cancellation of ctx does not stop it; the attempt ceiling does.
func (m *Manager) flattenLeg(ctx context.Context, c *domain.TradeCycle, leg *domain.Leg) (int, error) {
	ctx = context.WithoutCancel(ctx)
	ex := m.venues[leg.Venue]
	b := &backoff.Backoff{
		Min:    m.params.RollbackBaseDelay,
		Max:    m.params.RollbackMaxDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= m.params.RollbackAttempts; attempt++ {
		res, err := m.closeAndConfirm(ctx, ex, c.Token)
		recordExit(leg, res)
		if err == nil {
			leg.Status = domain.LegClosed
			m.log.Info().
				Str("cycle_id", c.ID).
				Str("venue", string(leg.Venue)).
				Int("attempt", attempt).
				Float64("exit_price", leg.ExitPrice).
				Msg("leg flattened")
			return attempt, nil
		}
		lastErr = err
		m.log.Warn().
			Str("cycle_id", c.ID).
			Str("venue", string(leg.Venue)).
			Int("attempt", attempt).
			Int("max_attempts", m.params.RollbackAttempts).
			Err(err).
			Msg("flatten attempt failed")

		if attempt < m.params.RollbackAttempts {
			time.Sleep(m.retryDelay(b))
		}
	}
	return m.params.RollbackAttempts, lastErr
}

// retryDelay applies equal jitter: half the backoff step plus a random share
// of the other half.
func (m *Manager) retryDelay(b *backoff.Backoff) time.Duration {
	d := b.Duration()
	half := d / 2
	if m.jitter == nil {
		return d
	}
	return half + m.jitter.Jitter(d-half)
}

// closeAndConfirm issues an idempotent close and checks the venue reports flat.
// The close result is returned even when confirmation fails, since the fill
// may have happened.
func (m *Manager) closeAndConfirm(ctx context.Context, ex exchange.Exchange, token string) (*exchange.OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, m.params.LegTimeout)
	defer cancel()

	res, err := ex.ClosePosition(cctx, token)
	if err != nil {
		return nil, err
	}
	pos, err := ex.GetOpenPosition(cctx, token)
	if err != nil {
		return res, fmt.Errorf("confirm close: %w", err)
	}
	if pos != nil {
		return res, fmt.Errorf("%w: %s %.8f", errStillOpen, pos.Side, pos.Size)
	}
	return res, nil
}

// recordExit keeps the first non-zero close fill on leg. Later retries on an
// already flat account report no fill and must not erase it.
func recordExit(leg *domain.Leg, res *exchange.OrderResult) {
	if res == nil || res.FilledSize <= 0 || leg.ExitPrice > 0 {
		return
	}
	leg.ExitPrice = res.FillPrice
}

// exhausted parks the cycle in RECONCILIATION_REQUIRED and hands it to the
// escalator. It never reports the cycle as closed.
func (m *Manager) exhausted(ctx context.Context, c *domain.TradeCycle, stuck []*domain.Leg, attempts int, cause error, reason domain.ReasonCode) error {
	c.Reason = reason
	if err := m.transition(ctx, c, domain.StateReconciliationRequired); err != nil {
		return err
	}
	rbErr := &domain.RollbackExhaustedError{
		CycleID:  c.ID,
		Token:    c.Token,
		Venues:   venuesOf(stuck),
		Attempts: attempts,
		Err:      cause,
	}
	m.log.Error().
		Err(rbErr).
		Str("cycle_id", c.ID).
		Str("token", c.Token).
		Str("reason", string(reason)).
		Msg("compensation exhausted, reconciliation required")
	m.emit.Emit(events.New(events.StageRollback, c.ID, c.Token, map[string]any{
		"result":   "exhausted",
		"attempts": attempts,
		"reason":   string(reason),
		"error":    cause.Error(),
	}, venuesOf(stuck)...))
	if m.escalator != nil {
		m.escalator.Escalate(c, rbErr)
	}
	return rbErr
}

// rollbackCost is the slippage plus fees paid to open and flatten legs.
func (m *Manager) rollbackCost(c *domain.TradeCycle, legs []*domain.Leg) float64 {
	cost := 0.0
	for _, leg := range legs {
		cost -= leg.PricePnL()
		if leg.EntryPrice > 0 {
			cost += leg.FilledSize * leg.EntryPrice * m.params.FeeRate
		}
		if leg.ExitPrice > 0 {
			cost += leg.FilledSize * leg.ExitPrice * m.params.FeeRate
		}
	}
	return cost
}

func (m *Manager) parallelLegs(parent context.Context, legs []*domain.Leg, fn func(context.Context, *domain.Leg)) {
	var wg conc.WaitGroup
	for _, leg := range legs {
		wg.Go(func() { fn(parent, leg) })
	}
	wg.Wait()
}

func venuesOf(legs []*domain.Leg) []domain.Venue {
	out := make([]domain.Venue, 0, len(legs))
	for _, l := range legs {
		out = append(out, l.Venue)
	}
	return out
}
