package domain

import (
	"time"
)

// Venue identifies one of the two fixed trading venues.
type Venue string

const (
	VenueExtended    Venue = "extended"
	VenueHyperliquid Venue = "hyperliquid"
)

// Side is the direction of a leg.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// IsBuy reports whether opening this side is a buy order.
func (s Side) IsBuy() bool { return s == SideLong }

// FundingSnapshot is one venue's funding rate for a token at a point in time.
type FundingSnapshot struct {
	Venue      Venue
	Token      string
	Rate       float64
	ObservedAt time.Time
}

// FundingDifferential is rate(A) - rate(B), with A the Extended venue and B Hyperliquid.
type FundingDifferential struct {
	Token string
	A     FundingSnapshot
	B     FundingSnapshot
	Diff  float64
}

// HigherYieldVenue is the venue where a short collects the larger funding payment.
func (d FundingDifferential) HigherYieldVenue() Venue {
	if d.A.Rate >= d.B.Rate {
		return d.A.Venue
	}
	return d.B.Venue
}

// ExpectedHourlyIncome estimates funding income per hour for a short on shortVenue
// and a long on the other venue. Rates are per funding interval.
func (d FundingDifferential) ExpectedHourlyIncome(notional float64, shortVenue Venue, interval time.Duration) float64 {
	short, long := d.A.Rate, d.B.Rate
	if shortVenue == d.B.Venue {
		short, long = d.B.Rate, d.A.Rate
	}
	hours := interval.Hours()
	if hours <= 0 {
		return 0
	}
	return notional * (short - long) / hours
}

// AccountSnapshot is a fresh read of a venue account. Never cached across cycles.
type AccountSnapshot struct {
	Venue            Venue
	AvailableBalance float64
	MarginUsed       float64
	FetchedAt        time.Time
}

// Age reports how old the snapshot is relative to now.
func (a AccountSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(a.FetchedAt)
}

// AssignmentDecision holds every randomized draw for a cycle. It is produced once
// and never mutated.
type AssignmentDecision struct {
	Token            string         `json:"token"`
	Sides            map[Venue]Side `json:"sides"`
	Leverage         int            `json:"leverage"`
	EquityFraction   float64        `json:"equity_fraction"`
	HoldDuration     time.Duration  `json:"hold_duration"`
	CooldownDuration time.Duration  `json:"cooldown_duration"`
	BiasWeight       float64        `json:"bias_weight"`
	FavoredVenue     Venue          `json:"favored_venue"`
	FavoredWon       bool           `json:"favored_won"`
	Source           string         `json:"source"`
}

// SideOn returns the side assigned to a venue.
func (d AssignmentDecision) SideOn(v Venue) Side {
	return d.Sides[v]
}

// ShortVenue returns the venue assigned the short leg.
func (d AssignmentDecision) ShortVenue() Venue {
	for v, s := range d.Sides {
		if s == SideShort {
			return v
		}
	}
	return ""
}
