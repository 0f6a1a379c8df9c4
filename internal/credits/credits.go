// Package credits holds the generation-credit ledger policy shared by the
// relay and both store backends.
package credits

import "time"

const (
	// Initial is the balance of a newly created account.
	Initial = 40
	// DailyTopUp is added to a free account once a day.
	DailyTopUp = 2
	// Cap bounds the balance reachable through top-ups.
	Cap = 40
	// RefreshInterval is the minimum time between two refreshes.
	RefreshInterval = 24 * time.Hour
)

// Balance is one owner's ledger row.
type Balance struct {
	OwnerID            string    `json:"owner_id"`
	Remaining          int       `json:"credits_remaining"`
	SubscriptionActive bool      `json:"subscription_active"`
	LastReset          time.Time `json:"last_reset_date"`
}

// New returns the balance of an account seen for the first time.
func New(ownerID string, now time.Time) Balance {
	return Balance{OwnerID: ownerID, Remaining: Initial, LastReset: now.UTC()}
}

// Exhausted reports whether a generation request must be refused.
func (b Balance) Exhausted() bool { return b.Remaining <= 0 }

// Refresh applies the periodic top-up to a free account. On the first of
// the month the balance resets to Initial; any other day it gains
// DailyTopUp up to Cap. Subscribers and accounts refreshed less than a
// day ago are returned unchanged. The bool reports whether b changed.
func Refresh(b Balance, now time.Time) (Balance, bool) {
	if b.SubscriptionActive || now.Sub(b.LastReset) < RefreshInterval {
		return b, false
	}

	if now.Day() == 1 && b.LastReset.Day() != 1 {
		b.Remaining = Initial
	} else {
		b.Remaining = min(b.Remaining+DailyTopUp, Cap)
	}
	b.LastReset = now.UTC()
	return b, true
}
