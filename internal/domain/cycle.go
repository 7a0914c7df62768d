package domain

import (
	"fmt"
	"math"
	"time"
)

type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegFilled    LegStatus = "FILLED"
	LegFailed    LegStatus = "FAILED"
	LegCancelled LegStatus = "CANCELLED"
	LegClosed    LegStatus = "CLOSED"
)

// Leg is one venue's position within a TradeCycle. It has no lifecycle outside
// its owning cycle.
type Leg struct {
	Venue         Venue     `json:"venue"`
	Token         string    `json:"token"`
	Side          Side      `json:"side"`
	RequestedSize float64   `json:"requested_size"`
	FilledSize    float64   `json:"filled_size"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	OrderID       string    `json:"order_id"`
	Status        LegStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
}

// IsOpen reports whether the leg may still hold exposure on its venue.
func (l *Leg) IsOpen() bool {
	return l.Status == LegFilled
}

// PricePnL is the mark-to-exit PnL of a closed leg.
func (l *Leg) PricePnL() float64 {
	if l.ExitPrice == 0 || l.EntryPrice == 0 {
		return 0
	}
	diff := l.ExitPrice - l.EntryPrice
	if l.Side == SideShort {
		diff = -diff
	}
	return diff * l.FilledSize
}

type CycleState string

const (
	StateInit                   CycleState = "INIT"
	StateSizing                 CycleState = "SIZING"
	StateRiskCheck              CycleState = "RISK_CHECK"
	StateExecutingOpen          CycleState = "EXECUTING_OPEN"
	StateOpen                   CycleState = "OPEN"
	StateHolding                CycleState = "HOLDING"
	StateClosing                CycleState = "CLOSING"
	StateClosed                 CycleState = "CLOSED"
	StateRollingBackOpen        CycleState = "ROLLING_BACK_OPEN"
	StateRollingBackClose       CycleState = "ROLLING_BACK_CLOSE"
	StateAborted                CycleState = "ABORTED"
	StateReconciliationRequired CycleState = "RECONCILIATION_REQUIRED"
)

var transitions = map[CycleState][]CycleState{
	StateInit:             {StateSizing, StateAborted},
	StateSizing:           {StateRiskCheck, StateAborted},
	StateRiskCheck:        {StateExecutingOpen, StateAborted},
	StateExecutingOpen:    {StateOpen, StateRollingBackOpen, StateAborted},
	StateRollingBackOpen:  {StateAborted, StateReconciliationRequired},
	StateOpen:             {StateHolding, StateClosing, StateReconciliationRequired},
	StateHolding:          {StateClosing, StateReconciliationRequired},
	StateClosing:          {StateClosed, StateRollingBackClose, StateReconciliationRequired},
	StateRollingBackClose: {StateClosed, StateReconciliationRequired},
}

// CanTransition reports whether from -> to is an edge of the cycle state machine.
func CanTransition(from, to CycleState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the automated pipeline is done with the state.
func (s CycleState) IsTerminal() bool {
	switch s {
	case StateClosed, StateAborted, StateReconciliationRequired:
		return true
	}
	return false
}

// TradeCycle is one open-hold-close iteration for one token.
type TradeCycle struct {
	ID             string              `json:"id"`
	Token          string              `json:"token"`
	Decision       AssignmentDecision  `json:"decision"`
	Funding        FundingDifferential `json:"funding"`
	LegA           Leg                 `json:"leg_a"`
	LegB           Leg                 `json:"leg_b"`
	State          CycleState          `json:"state"`
	Size           float64             `json:"size"`
	MarkPrice      float64             `json:"mark_price"`
	Notional       float64             `json:"notional"`
	OpenedAt       time.Time           `json:"opened_at"`
	ClosedAt       time.Time           `json:"closed_at"`
	RealizedPnL    float64             `json:"realized_pnl"`
	FundingAccrued float64             `json:"funding_accrued"`
	Fees           float64             `json:"fees"`
	RollbackCost   float64             `json:"rollback_cost"`
	Reason         ReasonCode          `json:"reason,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
}

func NewTradeCycle(id, token string, now time.Time) *TradeCycle {
	return &TradeCycle{
		ID:        id,
		Token:     token,
		State:     StateInit,
		StartedAt: now,
		LegA:      Leg{Venue: VenueExtended, Token: token, Status: LegPending},
		LegB:      Leg{Venue: VenueHyperliquid, Token: token, Status: LegPending},
	}
}

// Transition moves the cycle along an allowed edge. Terminal states are final.
func (c *TradeCycle) Transition(to CycleState, now time.Time) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("cycle %s: illegal transition %s -> %s", c.ID, c.State, to)
	}
	c.State = to
	switch to {
	case StateOpen:
		c.OpenedAt = now
	case StateClosed, StateAborted, StateReconciliationRequired:
		c.ClosedAt = now
	}
	return nil
}

// IsActive reports whether the cycle still owns its token.
func (c *TradeCycle) IsActive() bool {
	return c.State != StateClosed && c.State != StateAborted
}

// Legs returns pointers to both legs, A first.
func (c *TradeCycle) Legs() []*Leg {
	return []*Leg{&c.LegA, &c.LegB}
}

// Leg returns the leg placed on venue v.
func (c *TradeCycle) Leg(v Venue) *Leg {
	if c.LegB.Venue == v {
		return &c.LegB
	}
	return &c.LegA
}

// ApplyDecision stamps the decision's sides onto both legs.
func (c *TradeCycle) ApplyDecision(d AssignmentDecision) {
	c.Decision = d
	c.LegA.Side = d.SideOn(c.LegA.Venue)
	c.LegB.Side = d.SideOn(c.LegB.Venue)
}

// Symmetric reports whether the legs are opposite and equal within tolerance,
// expressed as a fraction of the larger fill.
func (c *TradeCycle) Symmetric(tolerance float64) bool {
	if c.LegA.Side == c.LegB.Side {
		return false
	}
	a, b := c.LegA.FilledSize, c.LegB.FilledSize
	larger := math.Max(a, b)
	if larger == 0 {
		return false
	}
	return math.Abs(a-b) <= larger*tolerance
}
