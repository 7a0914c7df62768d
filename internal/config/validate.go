package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"delta-neutral-bot/internal/domain"
)

var placeholderPrefixes = []string{"your_", "your-", "changeme", "xxx", "<"}

func isPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return true
	}
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// Validate checks ranges and credentials. All problems are reported together.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Mode != ModeSimulation && c.Mode != ModeLive {
		add("mode must be %q or %q, got %q", ModeSimulation, ModeLive, c.Mode)
	}

	if len(c.Tokens) == 0 {
		add("tokens must not be empty")
	}
	for _, t := range c.Tokens {
		if !slices.Contains(SupportedTokens, t) {
			add("unsupported token %q", t)
		}
	}

	s := c.Strategy
	if s.LeverageMin < 1 || s.LeverageMin > s.LeverageMax {
		add("strategy leverage range [%d,%d] invalid", s.LeverageMin, s.LeverageMax)
	}
	if s.EquityFractionMin <= 0 || s.EquityFractionMax > 1 || s.EquityFractionMin > s.EquityFractionMax {
		add("strategy equity fraction range [%.2f,%.2f] invalid", s.EquityFractionMin, s.EquityFractionMax)
	}
	checkDurations(add, "hold", s.HoldMin, s.HoldMax)
	checkDurations(add, "cooldown", s.CooldownMin, s.CooldownMax)
	if s.BiasLowThreshold < 0 || s.BiasLowThreshold > s.BiasHighThreshold {
		add("bias thresholds %.6f/%.6f invalid", s.BiasLowThreshold, s.BiasHighThreshold)
	}
	if !(s.BiasLowWeight <= s.BiasMidWeight && s.BiasMidWeight <= s.BiasHighWeight) {
		add("bias weights must be non-decreasing")
	}
	if s.BiasLowWeight < 0.5 || s.BiasCap >= 1 || s.BiasHighWeight > s.BiasCap {
		add("bias weights must lie in [0.5, cap] with cap < 1")
	}
	if s.SafetyBuffer <= 0 || s.SafetyBuffer > 1 {
		add("strategy safety_buffer must be in (0,1]")
	}
	if s.FeeRate < 0 {
		add("strategy fee_rate must be >= 0")
	}
	if s.FundingInterval <= 0 {
		add("strategy funding_interval must be positive")
	}

	if c.Funding.Timeout <= 0 {
		add("funding timeout must be positive")
	}
	if c.Funding.MaxAbsRate <= 0 {
		add("funding max_abs_rate must be positive")
	}

	r := c.Risk
	for name, pct := range map[string]float64{
		"margin_buffer_pct":            r.MarginBufferPct,
		"min_liquidation_distance_pct": r.MinLiquidationDistancePct,
		"maintenance_margin_rate":      r.MaintenanceMarginRate,
	} {
		if pct < 0 || pct >= 1 {
			add("risk %s must be in [0,1), got %v", name, pct)
		}
	}
	if r.BalanceMaxAge <= 0 {
		add("risk balance_max_age must be positive")
	}
	if r.MaxPositionValue <= 0 {
		add("risk max_position_value must be positive")
	}
	if r.MaxLeverage < s.LeverageMax {
		add("risk max_leverage %d below strategy leverage_max %d", r.MaxLeverage, s.LeverageMax)
	}

	e := c.Execution
	if e.LegTimeout <= 0 || e.ExposureCheckInterval <= 0 {
		add("execution timeouts must be positive")
	}
	if e.RollbackAttempts < 1 {
		add("execution rollback_attempts must be >= 1")
	}
	if e.RollbackBaseDelay <= 0 || e.RollbackMaxDelay < e.RollbackBaseDelay {
		add("execution rollback delays invalid")
	}
	if e.SizeTolerance < 0 || e.SizeTolerance >= 1 {
		add("execution size_tolerance must be in [0,1)")
	}

	if c.Safety.ReconcileInterval <= 0 {
		add("safety reconcile_interval must be positive")
	}
	if c.Safety.MaxConsecutiveFailures < 1 {
		add("safety max_consecutive_failures must be >= 1")
	}

	if c.Mode == ModeSimulation && c.Simulation.Balance <= 0 {
		add("simulation balance must be positive")
	}

	if c.IsLive() {
		problems = append(problems, c.credentialProblems()...)
	}

	if len(problems) > 0 {
		return &domain.ConfigurationError{Problems: problems}
	}
	return nil
}

func checkDurations(add func(string, ...any), name string, lo, hi time.Duration) {
	if lo <= 0 || lo > hi {
		add("strategy %s range [%s,%s] invalid", name, lo, hi)
	}
}

func (c *Config) credentialProblems() []string {
	var problems []string
	ext := c.Exchanges.Extended
	if isPlaceholder(ext.APIKey) {
		problems = append(problems, "exchanges.extended.api_key missing or placeholder")
	}
	if isPlaceholder(ext.StarkPrivateKey) {
		problems = append(problems, "exchanges.extended.stark_private_key missing or placeholder")
	}

	hl := c.Exchanges.Hyperliquid
	if isPlaceholder(hl.PrivateKey) {
		problems = append(problems, "exchanges.hyperliquid.private_key missing or placeholder")
	} else if _, err := crypto.HexToECDSA(strings.TrimPrefix(hl.PrivateKey, "0x")); err != nil {
		problems = append(problems, fmt.Sprintf("exchanges.hyperliquid.private_key invalid: %v", err))
	}
	if hl.WalletAddress != "" && !common.IsHexAddress(hl.WalletAddress) {
		problems = append(problems, "exchanges.hyperliquid.wallet_address is not a hex address")
	}
	return problems
}

// PriceFor returns the seeded simulation price for token. Viper lower-cases map keys.
func (s SimulationConfig) PriceFor(token string) float64 {
	if p, ok := s.Prices[token]; ok {
		return p
	}
	return s.Prices[strings.ToLower(token)]
}

// FundingFor returns the seeded simulation funding rate for token, if any.
func (s SimulationConfig) FundingFor(token string) (float64, bool) {
	if r, ok := s.FundingRates[token]; ok {
		return r, true
	}
	r, ok := s.FundingRates[strings.ToLower(token)]
	return r, ok
}
