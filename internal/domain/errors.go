package domain

import (
	"fmt"
	"strings"
)

// ReasonCode classifies why a cycle ended or was escalated.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonMarketData          ReasonCode = "MARKET_DATA"
	ReasonInsufficientCapital ReasonCode = "INSUFFICIENT_CAPITAL"
	ReasonMarginBuffer        ReasonCode = "MARGIN_BUFFER"
	ReasonLiquidationDistance ReasonCode = "LIQUIDATION_DISTANCE"
	ReasonStaleBalance        ReasonCode = "STALE_BALANCE"
	ReasonMinBalance          ReasonCode = "MIN_BALANCE"
	ReasonMaxPositionValue    ReasonCode = "MAX_POSITION_VALUE"
	ReasonLeverageCap         ReasonCode = "LEVERAGE_CAP"
	ReasonFetchFailed         ReasonCode = "FETCH_FAILED"
	ReasonBothLegsFailed      ReasonCode = "BOTH_LEGS_FAILED"
	ReasonPartialFill         ReasonCode = "PARTIAL_FILL"
	ReasonSizeMismatch        ReasonCode = "SIZE_MISMATCH"
	ReasonRollbackExhausted   ReasonCode = "ROLLBACK_EXHAUSTED"
	ReasonCloseExhausted      ReasonCode = "CLOSE_EXHAUSTED"
	ReasonExposureMismatch    ReasonCode = "EXPOSURE_MISMATCH"
	ReasonKillSwitch          ReasonCode = "KILL_SWITCH"
	ReasonShutdown            ReasonCode = "SHUTDOWN"
	ReasonResidualPosition    ReasonCode = "RESIDUAL_POSITION"
	ReasonTokenBlocked        ReasonCode = "TOKEN_BLOCKED"
	ReasonHoldComplete        ReasonCode = "HOLD_COMPLETE"
)

// MarketDataError is a funding or price fetch failure. The cycle aborts with no exposure.
type MarketDataError struct {
	Venue Venue
	Token string
	Err   error
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("market data %s/%s: %v", e.Venue, e.Token, e.Err)
}

func (e *MarketDataError) Unwrap() error { return e.Err }

// InsufficientCapitalError means the sized order is below a venue minimum.
type InsufficientCapitalError struct {
	Token    string
	Size     float64
	MinSize  float64
	Venue    Venue
	Notional float64
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient capital for %s: size %.8f below %s minimum %.8f (notional %.2f)",
		e.Token, e.Size, e.Venue, e.MinSize, e.Notional)
}

// RiskLimitError is a failed pre-trade risk check.
type RiskLimitError struct {
	Reason ReasonCode
	Venue  Venue
	Detail string
}

func (e *RiskLimitError) Error() string {
	if e.Venue != "" {
		return fmt.Sprintf("risk limit %s on %s: %s", e.Reason, e.Venue, e.Detail)
	}
	return fmt.Sprintf("risk limit %s: %s", e.Reason, e.Detail)
}

// LegExecutionError reports a leg submission that failed or timed out.
type LegExecutionError struct {
	Venue Venue
	Token string
	Side  Side
	Err   error
}

func (e *LegExecutionError) Error() string {
	return fmt.Sprintf("leg %s %s on %s: %v", e.Side, e.Token, e.Venue, e.Err)
}

func (e *LegExecutionError) Unwrap() error { return e.Err }

// RollbackExhaustedError means a compensating close could not be confirmed.
// The owning cycle is RECONCILIATION_REQUIRED.
type RollbackExhaustedError struct {
	CycleID  string
	Token    string
	Venues   []Venue
	Attempts int
	Err      error
}

func (e *RollbackExhaustedError) Error() string {
	names := make([]string, len(e.Venues))
	for i, v := range e.Venues {
		names[i] = string(v)
	}
	return fmt.Sprintf("cycle %s: rollback of %s on [%s] exhausted after %d attempts: %v",
		e.CycleID, e.Token, strings.Join(names, ","), e.Attempts, e.Err)
}

func (e *RollbackExhaustedError) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// TokenBlockedError is returned when a token has an unreconciled cycle or an
// active cycle already holds its lease.
type TokenBlockedError struct {
	Token  string
	Reason string
}

func (e *TokenBlockedError) Error() string {
	return fmt.Sprintf("token %s blocked: %s", e.Token, e.Reason)
}
