// Package safety holds the process-wide guard rails: the kill switch, the
// per-token lease, the consecutive-failure tripwire and reconciliation of
// tokens whose cycles could not be confirmed flat.
//
// A Controller is created once at process start and passed by reference to
// the strategy and execution layers. Shutdown is its teardown.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
	"delta-neutral-bot/internal/exchange"
	"delta-neutral-bot/internal/journal"
)

var (
	ErrKilled    = errors.New("kill switch engaged")
	ErrTokenBusy = errors.New("token already has an active cycle")
)

type Params struct {
	ReconcileInterval      time.Duration
	MaxConsecutiveFailures int
	AutoFlatten            bool
	QueryTimeout           time.Duration
}

// Journal is the subset of the cycle journal the controller needs.
type Journal interface {
	Record(ctx context.Context, c *domain.TradeCycle) error
	ListUnreconciled(ctx context.Context) ([]journal.Entry, error)
	MarkReconciled(ctx context.Context, id string, at time.Time) error
	MarkBlocked(ctx context.Context, id string, reason domain.ReasonCode) error
}

// Closer closes an open cycle. The execution manager satisfies it.
type Closer interface {
	Close(ctx context.Context, c *domain.TradeCycle) error
}

type blockedToken struct {
	reason   domain.ReasonCode
	since    time.Time
	cycleIDs []string
}

type Controller struct {
	params  Params
	venues  []exchange.Exchange
	journal Journal
	emit    events.Emitter
	log     zerolog.Logger
	now     func() time.Time

	killOnce   sync.Once
	kill       chan struct{}
	killReason string

	mu       sync.Mutex
	leases   map[string]struct{}
	blocked  map[string]*blockedToken
	failures int
}

func NewController(p Params, venues []exchange.Exchange, j Journal, emit events.Emitter, log zerolog.Logger) *Controller {
	if p.QueryTimeout <= 0 {
		p.QueryTimeout = 10 * time.Second
	}
	if emit == nil {
		emit = events.Nop{}
	}
	return &Controller{
		params:  p,
		venues:  venues,
		journal: j,
		emit:    emit,
		log:     log.With().Str("component", "safety").Logger(),
		now:     time.Now,
		kill:    make(chan struct{}),
		leases:  make(map[string]struct{}),
		blocked: make(map[string]*blockedToken),
	}
}

// Kill engages the kill switch. Only the first call has any effect.
func (s *Controller) Kill(reason string) {
	s.killOnce.Do(func() {
		s.mu.Lock()
		s.killReason = reason
		s.mu.Unlock()
		close(s.kill)
		s.log.Warn().Str("reason", reason).Msg("kill switch engaged")
		s.emit.Emit(events.New(events.StageKillSwitch, "", "", map[string]any{"reason": reason}))
	})
}

// Killed is closed once the kill switch is engaged.
func (s *Controller) Killed() <-chan struct{} { return s.kill }

func (s *Controller) IsKilled() bool {
	select {
	case <-s.kill:
		return true
	default:
		return false
	}
}

func (s *Controller) KillReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killReason
}

// Acquire takes the token's lease. At most one cycle per token may hold it;
// blocked tokens and a killed controller refuse new leases.
func (s *Controller) Acquire(token string) (func(), error) {
	if s.IsKilled() {
		return nil, ErrKilled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blocked[token]; ok {
		return nil, &domain.TokenBlockedError{Token: token, Reason: string(b.reason)}
	}
	if _, busy := s.leases[token]; busy {
		return nil, fmt.Errorf("%s: %w", token, ErrTokenBusy)
	}
	s.leases[token] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.leases, token)
			s.mu.Unlock()
		})
	}, nil
}

// Escalate blocks the cycle's token until reconciliation clears it.
func (s *Controller) Escalate(c *domain.TradeCycle, err error) {
	reason := c.Reason
	if reason == "" {
		reason = domain.ReasonRollbackExhausted
	}
	s.block(c.Token, c.ID, reason)
	s.log.Error().
		Err(err).
		Str("cycle_id", c.ID).
		Str("token", c.Token).
		Str("state", string(c.State)).
		Str("reason", string(reason)).
		Msg("cycle escalated, token blocked pending reconciliation")
	s.emit.Emit(events.New(events.StageEscalation, c.ID, c.Token, map[string]any{
		"reason":  string(reason),
		"error":   errString(err),
		"blocked": s.blockedCount(),
	}))
}

func (s *Controller) block(token, cycleID string, reason domain.ReasonCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocked[token]
	if !ok {
		b = &blockedToken{reason: reason, since: s.now()}
		s.blocked[token] = b
	}
	if cycleID != "" {
		b.cycleIDs = append(b.cycleIDs, cycleID)
	}
}

// Blocked lists tokens awaiting reconciliation, sorted.
func (s *Controller) Blocked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blocked))
	for t := range s.blocked {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Controller) blockedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocked)
}

func (s *Controller) RecordSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// RecordFailure counts an execution failure and trips the kill switch once
// the configured limit of consecutive failures is reached.
func (s *Controller) RecordFailure(err error) {
	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()

	s.log.Warn().Err(err).Int("consecutive", n).Int("max", s.params.MaxConsecutiveFailures).Msg("cycle failure recorded")
	if s.params.MaxConsecutiveFailures > 0 && n >= s.params.MaxConsecutiveFailures {
		s.Kill(fmt.Sprintf("%d consecutive failures", n))
	}
}

// LoadBlocked restores blocks for journaled cycles that were never reconciled.
func (s *Controller) LoadBlocked(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	entries, err := s.journal.ListUnreconciled(ctx)
	if err != nil {
		return fmt.Errorf("load unreconciled cycles: %w", err)
	}
	for _, e := range entries {
		reason := e.BlockedReason
		if reason == "" {
			reason = domain.ReasonRollbackExhausted
		}
		s.block(e.Cycle.Token, e.Cycle.ID, reason)
	}
	if len(entries) > 0 {
		s.log.Warn().Int("cycles", len(entries)).Strs("tokens", s.Blocked()).Msg("restored blocked tokens from journal")
	}
	return nil
}

// VerifyFlat confirms neither venue still holds the cycle's token after it
// ended. A residual position blocks the token.
func (s *Controller) VerifyFlat(ctx context.Context, c *domain.TradeCycle) error {
	positions, err := s.positions(ctx, c.Token)
	if err != nil {
		s.log.Warn().Err(err).Str("cycle_id", c.ID).Msg("post-cycle verification skipped")
		return err
	}
	var residual []string
	for v, p := range positions {
		if p != nil {
			residual = append(residual, fmt.Sprintf("%s %s %.8f", v, p.Side, p.Size))
		}
	}
	if len(residual) == 0 {
		return nil
	}
	sort.Strings(residual)
	resErr := fmt.Errorf("residual position after %s: %v", c.State, residual)
	s.block(c.Token, c.ID, domain.ReasonResidualPosition)
	if s.journal != nil {
		if err := s.journal.MarkBlocked(context.WithoutCancel(ctx), c.ID, domain.ReasonResidualPosition); err != nil {
			s.log.Error().Err(err).Str("cycle_id", c.ID).Msg("persist residual block failed")
		}
	}
	s.log.Error().Err(resErr).Str("cycle_id", c.ID).Str("token", c.Token).Msg("post-cycle verification failed")
	s.emit.Emit(events.New(events.StageEscalation, c.ID, c.Token, map[string]any{
		"reason":  string(domain.ReasonResidualPosition),
		"error":   resErr.Error(),
		"blocked": s.blockedCount(),
	}))
	return resErr
}

func (s *Controller) positions(ctx context.Context, token string) (map[domain.Venue]*exchange.Position, error) {
	out := make([]*exchange.Position, len(s.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range s.venues {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, s.params.QueryTimeout)
			defer cancel()
			p, err := v.GetOpenPosition(qctx, token)
			if err != nil {
				return fmt.Errorf("%s position %s: %w", v.Name(), token, err)
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m := make(map[domain.Venue]*exchange.Position, len(s.venues))
	for i, v := range s.venues {
		m[v.Name()] = out[i]
	}
	return m, nil
}
