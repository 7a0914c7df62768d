package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
)

// ReconcileOnce checks every blocked token against venue-reported positions.
// Each venue is authoritative for its own position. A token is cleared only
// when both venues report flat; with AutoFlatten any residual position is
// closed first. It returns the tokens still blocked.
func (s *Controller) ReconcileOnce(ctx context.Context) []string {
	for _, token := range s.Blocked() {
		if err := s.reconcileToken(ctx, token); err != nil {
			s.log.Warn().Err(err).Str("token", token).Msg("token remains blocked")
		}
	}
	remaining := s.Blocked()
	s.emit.Emit(events.New(events.StageReconciliation, "", "", map[string]any{
		"blocked": len(remaining),
		"tokens":  remaining,
	}))
	return remaining
}

func (s *Controller) reconcileToken(ctx context.Context, token string) error {
	positions, err := s.positions(ctx, token)
	if err != nil {
		return err
	}

	var open []error
	for _, v := range s.venues {
		p := positions[v.Name()]
		if p == nil {
			continue
		}
		if !s.params.AutoFlatten {
			open = append(open, fmt.Errorf("%s holds %s %.8f", v.Name(), p.Side, p.Size))
			continue
		}
		s.log.Warn().
			Str("token", token).
			Str("venue", string(v.Name())).
			Str("side", string(p.Side)).
			Float64("size", p.Size).
			Msg("flattening residual position")
		cctx, cancel := context.WithTimeout(ctx, s.params.QueryTimeout)
		_, err := v.ClosePosition(cctx, token)
		cancel()
		if err != nil {
			open = append(open, fmt.Errorf("%s close: %w", v.Name(), err))
		}
	}
	if len(open) > 0 {
		return errors.Join(open...)
	}

	if s.params.AutoFlatten {
		// confirm after flattening
		positions, err = s.positions(ctx, token)
		if err != nil {
			return err
		}
		for v, p := range positions {
			if p != nil {
				return fmt.Errorf("%s still holds %s %.8f", v, p.Side, p.Size)
			}
		}
	}

	s.clear(ctx, token)
	return nil
}

func (s *Controller) clear(ctx context.Context, token string) {
	s.mu.Lock()
	b := s.blocked[token]
	delete(s.blocked, token)
	s.mu.Unlock()
	if b == nil {
		return
	}

	now := s.now()
	if s.journal != nil {
		for _, id := range b.cycleIDs {
			if err := s.journal.MarkReconciled(ctx, id, now); err != nil {
				s.log.Error().Err(err).Str("cycle_id", id).Msg("mark reconciled failed")
			}
		}
	}
	s.log.Info().
		Str("token", token).
		Str("reason", string(b.reason)).
		Strs("cycles", b.cycleIDs).
		Dur("blocked_for", now.Sub(b.since)).
		Msg("token reconciled")
}

// RunReconciler reconciles on a ticker until ctx ends.
func (s *Controller) RunReconciler(ctx context.Context) {
	if s.params.ReconcileInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.params.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(s.Blocked()) > 0 {
				s.ReconcileOnce(ctx)
			}
		}
	}
}

// Shutdown engages the kill switch and makes one best-effort close pass over
// cycles still holding exposure. Cycles that cannot be closed are recorded as
// RECONCILIATION_REQUIRED and their tokens blocked.
func (s *Controller) Shutdown(ctx context.Context, closer Closer, cycles []*domain.TradeCycle) error {
	s.Kill("shutdown")

	var wg conc.WaitGroup
	errs := make([]error, len(cycles))
	for i, c := range cycles {
		if !c.IsActive() || c.State == domain.StateReconciliationRequired {
			continue
		}
		wg.Go(func() {
			errs[i] = s.shutdownCycle(ctx, closer, c)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Controller) shutdownCycle(ctx context.Context, closer Closer, c *domain.TradeCycle) error {
	var closeErr error
	switch c.State {
	case domain.StateOpen, domain.StateHolding:
		closeErr = closer.Close(ctx, c)
		if closeErr == nil {
			return nil
		}
	case domain.StateInit, domain.StateSizing, domain.StateRiskCheck:
		// nothing was submitted
		c.Reason = domain.ReasonShutdown
		if err := c.Transition(domain.StateAborted, s.now()); err != nil {
			return err
		}
		s.record(ctx, c)
		return nil
	default:
		closeErr = fmt.Errorf("interrupted in %s", c.State)
	}

	if c.State == domain.StateReconciliationRequired {
		// the closer already escalated
		return closeErr
	}
	c.Reason = domain.ReasonShutdown
	if err := c.Transition(domain.StateReconciliationRequired, s.now()); err != nil {
		s.log.Error().Err(err).Str("cycle_id", c.ID).Msg("cannot park interrupted cycle")
	}
	s.record(ctx, c)
	s.Escalate(c, closeErr)
	return fmt.Errorf("cycle %s: %w", c.ID, closeErr)
}

func (s *Controller) record(ctx context.Context, c *domain.TradeCycle) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), c); err != nil {
		s.log.Error().Err(err).Str("cycle_id", c.ID).Msg("journal write failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
