// Package game implements the six game orchestrators (Dice, Crash, Wheel,
// Jackpot, Battle, Coinflip) layered on top of internal/wallet,
// internal/lockmgr, and internal/outbox. Dice and Coinflip are
// request-driven and resolve within the call; the rest each own a
// goroutine driving round phases off channels and tickers.
package game

import (
	"sync"
	"time"

	"casino/internal/money"
)

// Status is a round's lifecycle phase, shared vocabulary across games.
type Status string

const (
	StatusBetting  Status = "betting"
	StatusRunning  Status = "running"
	StatusSpinning Status = "spinning"
	StatusEnded    Status = "ended"
)

// Bet is the common shape of one wager recorded against a round. Games
// that need extra fields (team, ticket range, cash-out state) embed this.
type Bet struct {
	UserID    string
	Username  string
	Amount    money.Atomic
	SubWallet string // "main" or "bonus"
	PlacedAt  time.Time
}

// versioned is embedded by every round state struct so Snapshot() can
// publish a monotonically increasing version consumers use to discard
// stale snapshots.
type versioned struct {
	mu      sync.Mutex
	version int64
}

func (v *versioned) next() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.version++
	return v.version
}

func (v *versioned) current() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}
