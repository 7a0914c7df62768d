// Package randomizer draws every per-cycle parameter from crypto/rand. The side
// assignment is skewed towards the funding-favoured orientation but never
// becomes deterministic.
package randomizer

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"delta-neutral-bot/internal/domain"
)

// Steps is the resolution of continuous draws.
const Steps = 1000

const sourceTag = "crypto/rand"

// BiasCurve maps |funding differential| to the probability that the favoured
// orientation (short on the higher-funding venue) is assigned.
type BiasCurve struct {
	LowThreshold  float64
	HighThreshold float64
	LowWeight     float64
	MidWeight     float64
	HighWeight    float64
	Cap           float64
}

func DefaultBiasCurve() BiasCurve {
	return BiasCurve{
		LowThreshold:  0.00001,
		HighThreshold: 0.0001,
		LowWeight:     0.50,
		MidWeight:     0.60,
		HighWeight:    0.75,
		Cap:           0.90,
	}
}

// Weight is monotonic non-decreasing in |diff|, symmetric around zero and never
// above Cap.
func (b BiasCurve) Weight(diff float64) float64 {
	d := math.Abs(diff)
	w := b.LowWeight
	switch {
	case math.IsNaN(d):
	case d >= b.HighThreshold:
		w = b.HighWeight
	case d >= b.LowThreshold:
		w = b.MidWeight
	}
	return math.Min(w, b.Cap)
}

type Ranges struct {
	LeverageMin int
	LeverageMax int
	EquityMin   float64
	EquityMax   float64
	HoldMin     time.Duration
	HoldMax     time.Duration
	CooldownMin time.Duration
	CooldownMax time.Duration
	Bias        BiasCurve
}

// source yields uniform integers in [0, n).
type source interface {
	intn(n int64) (int64, error)
}

type cryptoSource struct{}

func (cryptoSource) intn(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

type Randomizer struct {
	ranges Ranges
	src    source
}

func New(r Ranges) *Randomizer {
	return &Randomizer{ranges: r, src: cryptoSource{}}
}

func (r *Randomizer) Ranges() Ranges { return r.ranges }

func (r *Randomizer) intn(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomizer: non-positive bound %d", n)
	}
	v, err := r.src.intn(n)
	if err != nil {
		return 0, fmt.Errorf("randomizer: entropy read failed: %w", err)
	}
	return v, nil
}

// IntRange draws uniformly from [lo, hi].
func (r *Randomizer) IntRange(lo, hi int) (int, error) {
	if hi < lo {
		return 0, fmt.Errorf("randomizer: empty range [%d,%d]", lo, hi)
	}
	v, err := r.intn(int64(hi-lo) + 1)
	if err != nil {
		return 0, err
	}
	return lo + int(v), nil
}

// Float draws from [lo, hi] on a grid of Steps intervals.
func (r *Randomizer) Float(lo, hi float64) (float64, error) {
	step, err := r.intn(Steps + 1)
	if err != nil {
		return 0, err
	}
	return lo + (hi-lo)*float64(step)/Steps, nil
}

// Duration draws from [lo, hi] with one-second granularity.
func (r *Randomizer) Duration(lo, hi time.Duration) (time.Duration, error) {
	secs, err := r.IntRange(int(lo/time.Second), int(hi/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Chance returns true with probability p, resolved to Steps.
func (r *Randomizer) Chance(p float64) (bool, error) {
	u, err := r.intn(Steps)
	if err != nil {
		return false, err
	}
	return float64(u) < p*Steps, nil
}

// Jitter draws a delay in [0, max).
func (r *Randomizer) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	v, err := r.intn(int64(max))
	if err != nil {
		return max / 2
	}
	return time.Duration(v)
}

// PickToken selects one token uniformly.
func (r *Randomizer) PickToken(tokens []string) (string, error) {
	if len(tokens) == 0 {
		return "", fmt.Errorf("randomizer: no tokens to pick from")
	}
	i, err := r.intn(int64(len(tokens)))
	if err != nil {
		return "", err
	}
	return tokens[i], nil
}

// Decide produces the immutable assignment for a cycle.
func (r *Randomizer) Decide(token string, diff domain.FundingDifferential) (domain.AssignmentDecision, error) {
	weight := r.ranges.Bias.Weight(diff.Diff)

	favoredShort := diff.HigherYieldVenue()
	other := diff.B.Venue
	if favoredShort == diff.B.Venue {
		other = diff.A.Venue
	}

	won, err := r.Chance(weight)
	if err != nil {
		return domain.AssignmentDecision{}, err
	}
	shortVenue, longVenue := favoredShort, other
	if !won {
		shortVenue, longVenue = other, favoredShort
	}

	lev, err := r.IntRange(r.ranges.LeverageMin, r.ranges.LeverageMax)
	if err != nil {
		return domain.AssignmentDecision{}, err
	}
	equity, err := r.Float(r.ranges.EquityMin, r.ranges.EquityMax)
	if err != nil {
		return domain.AssignmentDecision{}, err
	}
	hold, err := r.Duration(r.ranges.HoldMin, r.ranges.HoldMax)
	if err != nil {
		return domain.AssignmentDecision{}, err
	}
	cooldown, err := r.Duration(r.ranges.CooldownMin, r.ranges.CooldownMax)
	if err != nil {
		return domain.AssignmentDecision{}, err
	}

	return domain.AssignmentDecision{
		Token: token,
		Sides: map[domain.Venue]domain.Side{
			shortVenue: domain.SideShort,
			longVenue:  domain.SideLong,
		},
		Leverage:         lev,
		EquityFraction:   equity,
		HoldDuration:     hold,
		CooldownDuration: cooldown,
		BiasWeight:       weight,
		FavoredVenue:     favoredShort,
		FavoredWon:       won,
		Source:           sourceTag,
	}, nil
}
