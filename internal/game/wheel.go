package game

import (
	"context"
	"fmt"
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

// WheelColor is one of the four wheel segments, each with a fixed payout
// rate.
type WheelColor string

const (
	WheelBlack  WheelColor = "black"
	WheelRed    WheelColor = "red"
	WheelGreen  WheelColor = "green"
	WheelYellow WheelColor = "yellow"
)

var wheelRates = map[WheelColor]float64{
	WheelBlack: 2, WheelRed: 3, WheelGreen: 5, WheelYellow: 50,
}

// wheelAngles is the fixed per-color angle table the client animation is
// calibrated against; entries are degrees on a 360° wheel face, listing
// every stop of each color (a round picks one of its color's stops).
var wheelAngles = map[WheelColor][]float64{
	WheelBlack:  {10, 45, 100, 190, 260, 320},
	WheelRed:    {30, 75, 130, 210, 280, 340},
	WheelGreen:  {60, 150, 240, 300},
	WheelYellow: {0},
}

// pickWheelColor draws a color off the cumulative distribution:
// <47.9 black; <87.9 red; <99.9 green; else yellow.
func pickWheelColor() WheelColor {
	r := UniformFloat01() * 100
	switch {
	case r < 47.9:
		return WheelBlack
	case r < 87.9:
		return WheelRed
	case r < 99.9:
		return WheelGreen
	default:
		return WheelYellow
	}
}

// wheelBet pairs a Bet with the color it was placed on; Bet itself carries
// no color since it is shared across games whose bets aren't color-keyed.
type wheelBet struct {
	Bet
	Color WheelColor
}

// WheelRound is one betting/resolve cycle.
type WheelRound struct {
	versioned
	RoundID      string
	Hash         string
	ServerSeed   string
	Status       Status
	CountdownSec int
	Bets         map[string][]wheelBet // keyed by userID, may hold several bets
	ResultColor  WheelColor
	Angle        float64
}

// WheelEngine is a single-table timer-driven game: one betting round
// resolves once, then the table reopens after a fixed wait (9.5s).
type WheelEngine struct {
	pool      *pgxpool.Pool
	wallet    *wallet.Service
	bus       *outbox.Bus
	minBet    money.Atomic
	maxBet    money.Atomic
	countdown time.Duration
	wait      time.Duration

	betCh chan wheelBetCmd

	mu    sync.RWMutex
	round *WheelRound
}

type wheelBetCmd struct {
	userID, username string
	amount           money.Atomic
	color            WheelColor
	resp             chan error
}

// NewWheelEngine builds a WheelEngine.
func NewWheelEngine(pool *pgxpool.Pool, w *wallet.Service, bus *outbox.Bus, minBet, maxBet money.Atomic, countdown, wait time.Duration) *WheelEngine {
	if countdown <= 0 {
		countdown = 10 * time.Second
	}
	if wait <= 0 {
		wait = 9500 * time.Millisecond
	}
	return &WheelEngine{pool: pool, wallet: w, bus: bus, minBet: minBet, maxBet: maxBet, countdown: countdown, wait: wait, betCh: make(chan wheelBetCmd, 256)}
}

// Run drives the round loop until ctx is cancelled.
func (e *WheelEngine) Run(ctx context.Context) {
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
		case <-time.After(e.wait):
		}
	}
}

func (e *WheelEngine) runRound(ctx context.Context) {
	seed := NewServerSeed()
	round := &WheelRound{
		RoundID: uuid.NewString(), Hash: CommitmentHash(seed), ServerSeed: seed,
		Status: StatusBetting, CountdownSec: int(e.countdown / time.Second),
		Bets: make(map[string][]wheelBet),
	}
	e.mu.Lock()
	e.round = round
	e.mu.Unlock()
	e.publish(round, "reset")

	timer := time.NewTimer(e.countdown)
	defer timer.Stop()
	secTicker := time.NewTicker(time.Second)
	defer secTicker.Stop()

betting:
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.betCh:
			cmd.resp <- e.placeBet(ctx, round, cmd)
		case <-secTicker.C:
			e.mu.Lock()
			round.CountdownSec--
			e.mu.Unlock()
			e.publish(round, "timer")
		case <-timer.C:
			break betting
		}
	}

	e.mu.Lock()
	round.Status = StatusSpinning
	round.ResultColor = pickWheelColor()
	angles := wheelAngles[round.ResultColor]
	round.Angle = angles[UniformInt(0, int64(len(angles)-1))]
	e.mu.Unlock()

	e.resolve(ctx, round)

	e.mu.Lock()
	round.Status = StatusEnded
	e.mu.Unlock()
	e.publish(round, "resolved")
}

func (e *WheelEngine) placeBet(ctx context.Context, round *WheelRound, cmd wheelBetCmd) error {
	if round.Status != StatusBetting {
		return apperr.New(apperr.CodeConflict, "not accepting bets")
	}
	if cmd.amount < e.minBet || cmd.amount > e.maxBet {
		return apperr.New(apperr.CodeValidation, "amount outside allowed bet range")
	}
	requestID := fmt.Sprintf("wheel:%s:%s:%d:bet", round.RoundID, cmd.userID, len(round.Bets[cmd.userID]))
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: cmd.userID, RequestID: requestID, LedgerType: wallet.LedgerGameBet,
		DeltaMain: cmd.amount.Negate(), Metadata: map[string]any{"game": "wheel", "color": cmd.color, "roundId": round.RoundID},
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	round.Bets[cmd.userID] = append(round.Bets[cmd.userID], wheelBet{
		Bet:   Bet{UserID: cmd.userID, Username: cmd.username, Amount: cmd.amount, PlacedAt: time.Now()},
		Color: cmd.color,
	})
	e.mu.Unlock()
	e.publish(round, "reset")
	return nil
}

func (e *WheelEngine) resolve(ctx context.Context, round *WheelRound) {
	rate := wheelRates[round.ResultColor]
	for userID, bets := range round.Bets {
		var total money.Atomic
		for _, b := range bets {
			if b.Color != round.ResultColor {
				continue
			}
			total += b.Amount
		}
		if total == 0 {
			continue
		}
		payout := total.MulRate(decimal.NewFromFloat(rate))
		requestID := fmt.Sprintf("wheel:%s:%s:payout", round.RoundID, userID)
		if _, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
			UserID: userID, RequestID: requestID, LedgerType: wallet.LedgerGamePayout,
			DeltaMain: payout, Metadata: map[string]any{"game": "wheel", "roundId": round.RoundID, "color": round.ResultColor},
		}); err != nil {
			continue // best-effort: a payout failure here does not unwind the round
		}
	}
	if e.pool != nil {
		_, _ = e.pool.Exec(ctx, `
			INSERT INTO wheel_rounds (round_id, hash, server_seed, result_color, angle)
			VALUES ($1,$2,$3,$4,$5)`,
			round.RoundID, round.Hash, round.ServerSeed, round.ResultColor, round.Angle)
	}
}

func (e *WheelEngine) publish(round *WheelRound, phase string) {
	v := round.next()
	e.bus.Publish(outbox.Event{
		EventID: fmt.Sprintf("wheel:%s:%d", round.RoundID, v), Type: "wheel." + phase,
		AggregateType: "wheel", AggregateID: round.RoundID, Version: v,
		Payload: mustMarshalJSON(map[string]any{
			"roundId": round.RoundID, "hash": round.Hash, "status": round.Status,
			"countdownSec": round.CountdownSec, "resultColor": round.ResultColor, "angle": round.Angle,
		}),
	})
}

// Bet submits a bet on color, returning once the orchestrator processes it.
func (e *WheelEngine) Bet(ctx context.Context, userID, username string, amount money.Atomic, color WheelColor) error {
	resp := make(chan error, 1)
	select {
	case e.betCh <- wheelBetCmd{userID: userID, username: username, amount: amount, color: color, resp: resp}:
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

// Snapshot returns the current round's public view for resubscribe replay.
func (e *WheelEngine) Snapshot() *WheelRound {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.round
}
