package game

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"casino/internal/apperr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/wallet"
)

// crashGrowthPerMs is the multiplier growth rate: 0.003/50 = 6e-5 per
// millisecond.
const crashGrowthPerMs = 6e-5

// CrashRound is the in-memory state of one Crash round, published on
// every tick/bet/cashout with a monotonically increasing Version.
type CrashRound struct {
	versioned

	RoundID      string
	Hash         string
	ServerSeed   string
	CrashPoint   float64
	Status       Status
	CountdownSec int
	StartedAt    time.Time
	Current      float64
	Graph        []float64
	Bets         map[string]*crashBet // keyed by userID
}

type crashBet struct {
	Bet
	CashedOut  bool
	CashoutAt  float64
}

// CrashSnapshot is the wire-facing, read-only view of a round.
type CrashSnapshot struct {
	RoundID      string             `json:"roundId"`
	Hash         string             `json:"hash"`
	Status       Status             `json:"status"`
	CountdownSec int                `json:"countdownSec"`
	Current      float64            `json:"multiplier"`
	Graph        []float64          `json:"graph"`
	Version      int64              `json:"version"`
	Bets         []CrashBetSnapshot `json:"bets"`
}

// CrashBetSnapshot is one bettor's public view in a round snapshot.
type CrashBetSnapshot struct {
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Amount    float64 `json:"amount"`
	CashedOut bool    `json:"cashedOut"`
	CashoutAt float64 `json:"cashoutAt,omitempty"`
}

const graphPointCap = 2_500

// CrashEngine runs the timer-driven betting→running→ended loop on its own
// goroutine; bet and cashout bookkeeping go through wallet.Service so
// every balance change is ledgered.
type CrashEngine struct {
	pool      *pgxpool.Pool
	wallet    *wallet.Service
	bus       *outbox.Bus
	affiliate AffiliateHook

	bettingDuration time.Duration
	tickInterval    time.Duration
	restartDelay    time.Duration
	minBet, maxBet  money.Atomic

	betCh     chan crashBetCmd
	cashoutCh chan crashCashoutCmd
	stopCh    chan struct{}

	mu    sync.RWMutex
	round *CrashRound
}

type crashBetCmd struct {
	userID, username string
	amount           money.Atomic
	resp             chan error
}

type crashCashoutCmd struct {
	userID string
	at     float64 // 0 means "current"
	resp   chan crashCashoutResult
}

type crashCashoutResult struct {
	multiplier float64
	payout     money.Atomic
	err        error
}

// NewCrashEngine builds a CrashEngine. restartDelay defaults to 3s
// (CRASH_ROUND_RESTART_MS) and tickInterval to 50ms when zero. pool may be
// nil (history then goes unrecorded, as in tests).
func NewCrashEngine(pool *pgxpool.Pool, w *wallet.Service, bus *outbox.Bus, aff AffiliateHook, minBet, maxBet money.Atomic, restartDelay, tickInterval, bettingDuration time.Duration) *CrashEngine {
	if restartDelay <= 0 {
		restartDelay = 3 * time.Second
	}
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	if bettingDuration <= 0 {
		bettingDuration = 5 * time.Second
	}
	return &CrashEngine{
		pool: pool, wallet: w, bus: bus, affiliate: aff,
		bettingDuration: bettingDuration, tickInterval: tickInterval, restartDelay: restartDelay,
		minBet: minBet, maxBet: maxBet,
		betCh:     make(chan crashBetCmd, 256),
		cashoutCh: make(chan crashCashoutCmd, 256),
		stopCh:    make(chan struct{}),
	}
}

// Run drives the round loop until ctx is cancelled. It owns all round
// mutable state; no other goroutine writes to it.
func (e *CrashEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.runRound(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.restartDelay):
		}
	}
}

func (e *CrashEngine) newRound() *CrashRound {
	seed := NewServerSeed()
	return &CrashRound{
		RoundID:      uuid.NewString(),
		Hash:         CommitmentHash(seed),
		ServerSeed:   seed,
		CrashPoint:   sampleCrashPoint(),
		Status:       StatusBetting,
		CountdownSec: int(e.bettingDuration / time.Second),
		Current:      1.0,
		Bets:         make(map[string]*crashBet),
	}
}

func (e *CrashEngine) runRound(ctx context.Context) {
	round := e.newRound()
	e.mu.Lock()
	e.round = round
	e.mu.Unlock()
	e.publish(round, "reset", nil)

	bettingTimer := time.NewTimer(e.bettingDuration)
	defer bettingTimer.Stop()
	secTicker := time.NewTicker(time.Second)
	defer secTicker.Stop()

betting:
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.betCh:
			cmd.resp <- e.placeBet(ctx, round, cmd)
		case cmd := <-e.cashoutCh:
			cmd.resp <- crashCashoutResult{err: apperr.New(apperr.CodeConflict, "round has not started")}
		case <-secTicker.C:
			round.CountdownSec--
			e.publish(round, "timer", nil)
		case <-bettingTimer.C:
			break betting
		}
	}

	round.Status = StatusRunning
	round.StartedAt = time.Now()
	e.publish(round, "tick", nil)

	tickTicker := time.NewTicker(e.tickInterval)
	defer tickTicker.Stop()

running:
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.betCh:
			cmd.resp <- apperr.New(apperr.CodeConflict, "not accepting bets")
		case cmd := <-e.cashoutCh:
			cmd.resp <- e.cashout(ctx, round, cmd)
		case <-tickTicker.C:
			elapsedMs := float64(time.Since(round.StartedAt).Milliseconds())
			mult := roundTo2(math.Exp(crashGrowthPerMs * elapsedMs))
			round.Current = mult
			if len(round.Graph) < graphPointCap {
				round.Graph = append(round.Graph, mult)
			}
			if mult >= round.CrashPoint {
				round.Current = round.CrashPoint
				round.Status = StatusEnded
				e.recordHistory(ctx, round)
				e.publish(round, "tick", map[string]any{"phase": "ended"})
				break running
			}
			e.publish(round, "tick", nil)
		}
	}
}

func (e *CrashEngine) placeBet(ctx context.Context, round *CrashRound, cmd crashBetCmd) error {
	if round.Status != StatusBetting {
		return apperr.New(apperr.CodeConflict, "not accepting bets")
	}
	if _, exists := round.Bets[cmd.userID]; exists {
		return apperr.New(apperr.CodeConflict, "duplicate bet for this round")
	}
	if cmd.amount < e.minBet || cmd.amount > e.maxBet {
		return apperr.New(apperr.CodeValidation, "amount outside allowed bet range")
	}

	requestID := fmt.Sprintf("crash:%s:%s:bet", round.RoundID, cmd.userID)
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: cmd.userID, RequestID: requestID, LedgerType: wallet.LedgerGameBet,
		DeltaMain: cmd.amount.Negate(), Metadata: map[string]any{"game": "crash", "roundId": round.RoundID},
	})
	if err != nil {
		return err
	}

	round.Bets[cmd.userID] = &crashBet{Bet: Bet{UserID: cmd.userID, Username: cmd.username, Amount: cmd.amount, PlacedAt: time.Now()}}
	e.publish(round, "reset", nil)
	return nil
}

func (e *CrashEngine) cashout(ctx context.Context, round *CrashRound, cmd crashCashoutCmd) crashCashoutResult {
	if round.Status != StatusRunning {
		return crashCashoutResult{err: apperr.New(apperr.CodeConflict, "round is not running")}
	}
	bet, ok := round.Bets[cmd.userID]
	if !ok {
		return crashCashoutResult{err: apperr.New(apperr.CodeNotFound, "no bet in this round")}
	}
	if bet.CashedOut {
		return crashCashoutResult{err: apperr.New(apperr.CodeConflict, "already cashed out")}
	}

	mult := round.Current
	if cmd.at > 0 && cmd.at < mult {
		mult = cmd.at
	}

	requestID := fmt.Sprintf("crash:%s:%s:cashout", round.RoundID, cmd.userID)
	payout := bet.Amount.MulRate(decimal.NewFromFloat(mult))
	balances, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: cmd.userID, RequestID: requestID, LedgerType: wallet.LedgerGamePayout,
		DeltaMain: payout, Metadata: map[string]any{"game": "crash", "roundId": round.RoundID, "multiplier": mult},
	})
	if err != nil {
		return crashCashoutResult{err: err}
	}

	bet.CashedOut = true
	bet.CashoutAt = mult
	e.publish(round, "reset", nil)

	profit := payout.Sub(bet.Amount)
	if e.affiliate != nil && profit > 0 {
		go func() {
			defer func() { _ = recover() }()
			e.affiliate.CreditFromReferralWin(context.Background(), cmd.userID, profit, fmt.Sprintf("crash:%s:%s", round.RoundID, cmd.userID))
		}()
	}
	_ = balances
	return crashCashoutResult{multiplier: mult, payout: payout}
}

func (e *CrashEngine) recordHistory(ctx context.Context, round *CrashRound) {
	for _, bet := range round.Bets {
		if !bet.CashedOut {
			log.Printf("[CRASH] round %s: user %s lost %.2f", round.RoundID, bet.UserID, bet.Amount.ToFloat())
		}
	}
	if e.pool == nil {
		return
	}
	if _, err := e.pool.Exec(ctx, `
		INSERT INTO crash_rounds (round_id, hash, server_seed, crash_point, bet_count)
		VALUES ($1,$2,$3,$4,$5)`,
		round.RoundID, round.Hash, round.ServerSeed, round.CrashPoint, len(round.Bets)); err != nil {
		log.Printf("[CRASH] round %s history insert failed: %v", round.RoundID, err)
	}
}

func (e *CrashEngine) publish(round *CrashRound, eventType string, extra map[string]any) {
	v := round.next()
	payload := e.snapshotLocked(round)
	payload["phase"] = eventType
	for k, val := range extra {
		payload[k] = val
	}
	e.bus.Publish(outbox.Event{
		EventID:       fmt.Sprintf("crash:%s:%d", round.RoundID, v),
		Type:          "crash." + eventType,
		AggregateType: "crash",
		AggregateID:   round.RoundID,
		Version:       v,
		Payload:       mustMarshalJSON(payload),
	})
}

func (e *CrashEngine) snapshotLocked(round *CrashRound) map[string]any {
	bets := make([]CrashBetSnapshot, 0, len(round.Bets))
	for _, b := range round.Bets {
		bets = append(bets, CrashBetSnapshot{UserID: b.UserID, Username: b.Username, Amount: b.Amount.ToFloat(), CashedOut: b.CashedOut, CashoutAt: b.CashoutAt})
	}
	return map[string]any{
		"roundId": round.RoundID, "hash": round.Hash, "status": round.Status,
		"countdownSec": round.CountdownSec, "multiplier": round.Current, "bets": bets,
	}
}

// Snapshot returns the current round's public view for resubscribe replay.
func (e *CrashEngine) Snapshot() *CrashSnapshot {
	e.mu.RLock()
	round := e.round
	e.mu.RUnlock()
	if round == nil {
		return nil
	}
	bets := make([]CrashBetSnapshot, 0, len(round.Bets))
	for _, b := range round.Bets {
		bets = append(bets, CrashBetSnapshot{UserID: b.UserID, Username: b.Username, Amount: b.Amount.ToFloat(), CashedOut: b.CashedOut, CashoutAt: b.CashoutAt})
	}
	return &CrashSnapshot{
		RoundID: round.RoundID, Hash: round.Hash, Status: round.Status, CountdownSec: round.CountdownSec,
		Current: round.Current, Graph: round.Graph, Version: round.current(), Bets: bets,
	}
}

// Bet submits a bet to the running round's command channel and waits for
// the orchestrator goroutine to process it.
func (e *CrashEngine) Bet(ctx context.Context, userID, username string, amount money.Atomic) error {
	resp := make(chan error, 1)
	select {
	case e.betCh <- crashBetCmd{userID: userID, username: username, amount: amount, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cashout submits a cash-out request; at=0 means "at the current
// multiplier".
func (e *CrashEngine) Cashout(ctx context.Context, userID string, at float64) (float64, money.Atomic, error) {
	resp := make(chan crashCashoutResult, 1)
	select {
	case e.cashoutCh <- crashCashoutCmd{userID: userID, at: at, resp: resp}:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.multiplier, r.payout, r.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// sampleCrashPoint draws from the weighted pool
// [1×50, 2×25, 3×10, 4×9, 5×3, 10×2, 100×1], resamples any v>1 down to
// uniform[1..v], and appends two fractional digits.
func sampleCrashPoint() float64 {
	pool := []struct {
		v      int64
		weight int64
	}{
		{1, 50}, {2, 25}, {3, 10}, {4, 9}, {5, 3}, {10, 2}, {100, 1},
	}
	total := int64(0)
	for _, p := range pool {
		total += p.weight
	}
	r := UniformInt(0, total-1)
	var v int64
	for _, p := range pool {
		if r < p.weight {
			v = p.v
			break
		}
		r -= p.weight
	}

	if v > 1 {
		v = UniformInt(1, v)
	}
	if v <= 1 {
		return 1.00 + float64(UniformInt(0, 9))/100.0
	}
	d1 := UniformInt(0, 9)
	d2 := UniformInt(1, 9)
	val := float64(v) + float64(d1)/10 + float64(d2)/100
	if val > 100 {
		val = 100
	}
	return val
}
