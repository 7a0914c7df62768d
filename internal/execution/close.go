package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
	"delta-neutral-bot/internal/exchange"
)

type HoldOutcome string

const (
	HoldComplete         HoldOutcome = "complete"
	HoldKilled           HoldOutcome = "killed"
	HoldInterrupted      HoldOutcome = "interrupted"
	HoldExposureMismatch HoldOutcome = "exposure_mismatch"
)

// Reason maps a hold outcome to the reason recorded on the cycle.
func (o HoldOutcome) Reason() domain.ReasonCode {
	switch o {
	case HoldKilled:
		return domain.ReasonKillSwitch
	case HoldInterrupted:
		return domain.ReasonShutdown
	case HoldExposureMismatch:
		return domain.ReasonExposureMismatch
	}
	return domain.ReasonHoldComplete
}

// Hold waits for the drawn hold duration. The kill signal, ctx cancellation
// or an exposure mismatch end it early; the caller then closes the cycle.
func (m *Manager) Hold(ctx context.Context, c *domain.TradeCycle, kill <-chan struct{}) (HoldOutcome, error) {
	if err := m.transition(ctx, c, domain.StateHolding); err != nil {
		return "", err
	}
	m.emit.Emit(events.New(events.StageHold, c.ID, c.Token, map[string]any{
		"hold_seconds": c.Decision.HoldDuration.Seconds(),
		"phase":        "start",
	}))

	timer := time.NewTimer(c.Decision.HoldDuration)
	defer timer.Stop()

	var checks <-chan time.Time
	if m.params.ExposureCheckInterval > 0 {
		ticker := time.NewTicker(m.params.ExposureCheckInterval)
		defer ticker.Stop()
		checks = ticker.C
	}

	outcome := HoldComplete
loop:
	for {
		select {
		case <-timer.C:
			break loop
		case <-kill:
			outcome = HoldKilled
			break loop
		case <-ctx.Done():
			outcome = HoldInterrupted
			break loop
		case <-checks:
			if err := m.CheckExposure(ctx, c); err != nil {
				m.log.Error().Err(err).Str("cycle_id", c.ID).Str("token", c.Token).Msg("exposure check failed during hold")
				outcome = HoldExposureMismatch
				break loop
			}
		}
	}

	m.emit.Emit(events.New(events.StageHold, c.ID, c.Token, map[string]any{
		"phase":   "end",
		"outcome": string(outcome),
	}))
	return outcome, nil
}

// exposureError signals that venues disagree with the cycle's legs.
type exposureError struct {
	detail string
}

func (e *exposureError) Error() string { return "exposure mismatch: " + e.detail }

// CheckExposure compares venue-reported positions with the cycle's legs: both
// must be open, on opposite sides, and equal within tolerance. Transient
// query failures are logged and ignored.
func (m *Manager) CheckExposure(ctx context.Context, c *domain.TradeCycle) error {
	positions := make(map[domain.Venue]*exchange.Position, 2)
	for _, leg := range c.Legs() {
		qctx, cancel := context.WithTimeout(ctx, m.params.LegTimeout)
		pos, err := m.venues[leg.Venue].GetOpenPosition(qctx, c.Token)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Str("venue", string(leg.Venue)).Msg("position query failed, skipping exposure check")
			return nil
		}
		positions[leg.Venue] = pos
	}

	pa, pb := positions[c.LegA.Venue], positions[c.LegB.Venue]
	switch {
	case pa == nil && pb == nil:
		return &exposureError{"both legs missing"}
	case pa == nil || pb == nil:
		return &exposureError{"one leg missing"}
	case pa.Side == pb.Side:
		return &exposureError{fmt.Sprintf("both legs %s", pa.Side)}
	}
	larger := math.Max(pa.Size, pb.Size)
	if math.Abs(pa.Size-pb.Size) > larger*m.params.SizeTolerance {
		return &exposureError{fmt.Sprintf("sizes %.8f/%.8f", pa.Size, pb.Size)}
	}
	return nil
}

// Close flattens both legs concurrently. A second call on a CLOSED cycle is a
// no-op. Legs that fail to close are retried with backoff; if that is
// exhausted the cycle is parked in RECONCILIATION_REQUIRED.
func (m *Manager) Close(ctx context.Context, c *domain.TradeCycle) error {
	switch c.State {
	case domain.StateClosed:
		return nil
	case domain.StateOpen, domain.StateHolding:
	default:
		return fmt.Errorf("cycle %s: cannot close from %s", c.ID, c.State)
	}
	if err := m.transition(ctx, c, domain.StateClosing); err != nil {
		return err
	}

	outcomes := m.parallel(ctx, c, func(ctx context.Context, ex exchange.Exchange, leg *domain.Leg) error {
		res, err := m.closeAndConfirm(ctx, ex, c.Token)
		recordExit(leg, res)
		if err != nil {
			leg.Error = err.Error()
			return err
		}
		leg.Status = domain.LegClosed
		return nil
	})

	var unclosed []*domain.Leg
	for _, o := range outcomes {
		if o.err != nil {
			unclosed = append(unclosed, o.leg)
		}
	}

	if len(unclosed) > 0 {
		if err := m.transition(ctx, c, domain.StateRollingBackClose); err != nil {
			return err
		}
		m.log.Warn().
			Str("cycle_id", c.ID).
			Str("token", c.Token).
			Int("unclosed", len(unclosed)).
			Msg("retrying unclosed legs")
		if stuck, attempts, err := m.flattenAll(ctx, c, unclosed); err != nil {
			return m.exhausted(ctx, c, stuck, attempts, err, domain.ReasonCloseExhausted)
		}
	}

	m.settle(c)
	if err := m.transition(ctx, c, domain.StateClosed); err != nil {
		return err
	}
	m.emit.Emit(events.New(events.StageClose, c.ID, c.Token, map[string]any{
		"exit_a":          c.LegA.ExitPrice,
		"exit_b":          c.LegB.ExitPrice,
		"retried_legs":    len(unclosed),
		"funding_accrued": c.FundingAccrued,
		"fees":            c.Fees,
		"realized_pnl":    c.RealizedPnL,
	}, c.LegA.Venue, c.LegB.Venue))
	m.log.Info().
		Str("cycle_id", c.ID).
		Str("token", c.Token).
		Float64("realized_pnl", c.RealizedPnL).
		Float64("funding_accrued", c.FundingAccrued).
		Float64("fees", c.Fees).
		Msg("cycle closed")
	return nil
}

// settle computes realized PnL from fills, the funding estimate and fees.
func (m *Manager) settle(c *domain.TradeCycle) {
	notional := c.Size * c.MarkPrice
	held := m.now().Sub(c.OpenedAt)
	if c.OpenedAt.IsZero() || held < 0 {
		held = 0
	}

	c.FundingAccrued = FundingAccrued(c, notional, held, m.params.FundingInterval)
	fees := 0.0
	for _, leg := range c.Legs() {
		fees += leg.FilledSize * (leg.EntryPrice + leg.ExitPrice) * m.params.FeeRate
	}
	c.Fees = fees
	c.RealizedPnL = c.LegA.PricePnL() + c.LegB.PricePnL() + c.FundingAccrued - c.Fees
}

// FundingAccrued estimates funding collected over held: the short leg receives
// its venue's rate, the long leg pays its venue's rate.
func FundingAccrued(c *domain.TradeCycle, notional float64, held, interval time.Duration) float64 {
	if interval <= 0 || held <= 0 {
		return 0
	}
	rates := map[domain.Venue]float64{
		c.Funding.A.Venue: c.Funding.A.Rate,
		c.Funding.B.Venue: c.Funding.B.Rate,
	}
	var short, long float64
	for _, leg := range c.Legs() {
		if leg.Side == domain.SideShort {
			short = rates[leg.Venue]
		} else {
			long = rates[leg.Venue]
		}
	}
	return notional * (short - long) * held.Hours() / interval.Hours()
}
