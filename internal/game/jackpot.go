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

// JackpotRoom names one of the three rooms.
type JackpotRoom string

const (
	JackpotEasy   JackpotRoom = "easy"
	JackpotMedium JackpotRoom = "medium"
	JackpotHard   JackpotRoom = "hard"
)

// JackpotRoomConfig is the per-room admin-tunable config, refreshed from
// settings every few seconds via JackpotRoomConfigProvider.
type JackpotRoomConfig struct {
	TimerSec        int
	MinBet          money.Atomic
	MaxBet          money.Atomic
	MaxBetsPerUser  int
	CommissionPct   float64
}

// JackpotRoomConfigProvider supplies the latest config for a room; a
// concrete implementation wraps internal/config behind a 5s TTL cache.
type JackpotRoomConfigProvider func(room JackpotRoom) JackpotRoomConfig

type jackpotTicketRange struct {
	userID   string
	lo, hi   int64
}

type jackpotBet struct {
	Bet
	tickets int64
}

// JackpotRoundState is one room's in-memory round.
type JackpotRoundState struct {
	versioned
	RoomID        JackpotRoom
	RoundID       string
	Hash          string
	ServerSeed    string
	Status        Status
	CountdownSec  int
	CountdownOn   bool
	Bets          map[string][]*jackpotBet
	ticketRanges  []jackpotTicketRange
	totalTickets  int64
	WinnerUserID  string
	WinnerTicket  int64
	Pot           money.Atomic
	Payout        money.Atomic
	resolving     bool
	spun          bool
}

// JackpotEngine runs one room's betting→spinning→ended loop. An explicit
// `spun` sentinel on the round guarantees at most one winner draw even
// when the recovery path re-enters resolution after a panic.
type JackpotEngine struct {
	room      JackpotRoom
	pool      *pgxpool.Pool
	wallet    *wallet.Service
	bus       *outbox.Bus
	config    JackpotRoomConfigProvider
	winnerDelay time.Duration
	resetDelay  time.Duration

	betCh chan jackpotBetCmd

	mu        sync.Mutex
	colors    map[string]string
	round     *JackpotRoundState
}

type jackpotBetCmd struct {
	userID, username string
	amount           money.Atomic
	resp             chan error
}

// NewJackpotEngine builds a JackpotEngine for one room.
func NewJackpotEngine(pool *pgxpool.Pool, room JackpotRoom, w *wallet.Service, bus *outbox.Bus, cfg JackpotRoomConfigProvider, winnerDelay, resetDelay time.Duration) *JackpotEngine {
	if winnerDelay <= 0 {
		winnerDelay = 6200 * time.Millisecond
	}
	if resetDelay <= 0 {
		resetDelay = 8200 * time.Millisecond
	}
	return &JackpotEngine{room: room, pool: pool, wallet: w, bus: bus, config: cfg, winnerDelay: winnerDelay, resetDelay: resetDelay, betCh: make(chan jackpotBetCmd, 256), colors: make(map[string]string)}
}

var jackpotPalette = []string{"#e74c3c", "#3498db", "#2ecc71", "#f1c40f", "#9b59b6", "#1abc9c"}

func (e *JackpotEngine) colorFor(userID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.colors[userID]; ok {
		return c
	}
	c := jackpotPalette[UniformInt(0, int64(len(jackpotPalette)-1))]
	e.colors[userID] = c
	return c
}

// Run drives the room loop until ctx is cancelled.
func (e *JackpotEngine) Run(ctx context.Context) {
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
		case <-time.After(e.resetDelay):
		}
	}
}

func (e *JackpotEngine) runRound(ctx context.Context) {
	seed := NewServerSeed()
	round := &JackpotRoundState{
		RoomID: e.room, RoundID: uuid.NewString(), Hash: CommitmentHash(seed), ServerSeed: seed,
		Status: StatusBetting, Bets: make(map[string][]*jackpotBet),
	}
	e.round = round
	e.publish(round, "reset")

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
			if !round.CountdownOn {
				continue
			}
			round.CountdownSec--
			e.publish(round, "timer")
			if round.CountdownSec <= 0 {
				break betting
			}
		}
	}

	e.resolveWithRecovery(ctx, round)
}

// resolveWithRecovery tolerates a failed resolution. A panic before the
// winner draw completed (`spun` unset) restarts the countdown at 1s and
// retries instead of losing the round; a panic after the draw is logged
// and swallowed, since the winner credit is already scheduled and the
// `spun` sentinel forbids ever drawing a second winner for the round.
func (e *JackpotEngine) resolveWithRecovery(ctx context.Context, round *JackpotRoundState) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if round.spun {
			log.Printf("[JACKPOT] room %s round %s panicked after spin: %v", e.room, round.RoundID, r)
			return
		}
		log.Printf("[JACKPOT] room %s round %s resolve panicked: %v; restarting countdown", e.room, round.RoundID, r)
		round.resolving = false
		round.Status = StatusBetting
		round.CountdownSec = 1
		round.CountdownOn = true
		time.Sleep(time.Second)
		e.resolveWithRecovery(ctx, round)
	}()
	if round.resolving || round.spun {
		return
	}
	round.resolving = true
	round.Status = StatusSpinning
	e.spin(round)
	round.spun = true

	go func() {
		time.Sleep(e.winnerDelay)
		e.creditWinner(ctx, round, 0)
	}()

	e.recordHistory(ctx, round)
	e.publish(round, "spin")

	round.Status = StatusEnded
	e.publish(round, "ended")
}

func (e *JackpotEngine) placeBet(ctx context.Context, round *JackpotRoundState, cmd jackpotBetCmd) error {
	if round.Status != StatusBetting {
		return apperr.New(apperr.CodeConflict, "not accepting bets")
	}
	cfg := e.config(e.room)
	if cmd.amount < cfg.MinBet || cmd.amount > cfg.MaxBet {
		return apperr.New(apperr.CodeValidation, "amount outside allowed bet range")
	}
	if cfg.MaxBetsPerUser > 0 && len(round.Bets[cmd.userID]) >= cfg.MaxBetsPerUser {
		return apperr.New(apperr.CodeForbidden, "max bets per user reached")
	}

	requestID := fmt.Sprintf("jackpot:%s:%s:%s:%d:bet", e.room, round.RoundID, cmd.userID, len(round.Bets[cmd.userID]))
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: cmd.userID, RequestID: requestID, LedgerType: wallet.LedgerGameBet,
		DeltaMain: cmd.amount.Negate(), Metadata: map[string]any{"game": "jackpot", "room": e.room, "roundId": round.RoundID},
	})
	if err != nil {
		return err
	}

	tickets := int64(math.Floor(cmd.amount.ToFloat() * 100))
	if tickets < 1 {
		tickets = 1
	}
	lo := round.totalTickets + 1
	hi := round.totalTickets + tickets
	round.totalTickets = hi
	round.ticketRanges = append(round.ticketRanges, jackpotTicketRange{userID: cmd.userID, lo: lo, hi: hi})
	round.Pot += cmd.amount

	bet := &jackpotBet{Bet: Bet{UserID: cmd.userID, Username: cmd.username, Amount: cmd.amount, PlacedAt: time.Now()}, tickets: tickets}
	round.Bets[cmd.userID] = append(round.Bets[cmd.userID], bet)
	_ = e.colorFor(cmd.userID)

	if !round.CountdownOn && len(round.Bets) >= 2 {
		round.CountdownOn = true
		round.CountdownSec = cfg.TimerSec
		if round.CountdownSec <= 0 {
			round.CountdownSec = 15
		}
	}

	e.publish(round, "reset")
	return nil
}

func (e *JackpotEngine) spin(round *JackpotRoundState) {
	if round.totalTickets <= 0 {
		return
	}
	winnerTicket := UniformInt(1, round.totalTickets)
	round.WinnerTicket = winnerTicket
	for _, r := range round.ticketRanges {
		if winnerTicket >= r.lo && winnerTicket <= r.hi {
			round.WinnerUserID = r.userID
			break
		}
	}
	cfg := e.config(e.room)
	round.Payout = round.Pot.MulRate(decimal.NewFromFloat(1 - cfg.CommissionPct/100))
}

func (e *JackpotEngine) creditWinner(ctx context.Context, round *JackpotRoundState, attempt int) {
	if round.WinnerUserID == "" {
		return
	}
	requestID := fmt.Sprintf("jackpot:%s:%s:payout", e.room, round.RoundID)
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: round.WinnerUserID, RequestID: requestID, LedgerType: wallet.LedgerGamePayout,
		DeltaMain: round.Payout, Metadata: map[string]any{"game": "jackpot", "room": e.room, "roundId": round.RoundID},
	})
	if err == nil {
		e.publish(round, "paid")
		return
	}
	if apperr.CodeOf(err) == apperr.CodeLockTimeout && attempt < 5 {
		time.AfterFunc(500*time.Millisecond, func() { e.creditWinner(ctx, round, attempt+1) })
		return
	}
	log.Printf("[JACKPOT] room %s round %s winner payout dropped after %d attempts: %v", e.room, round.RoundID, attempt, err)
}

// recordHistory persists the resolved round to jackpot_rounds, mirroring
// CrashEngine.recordHistory.
func (e *JackpotEngine) recordHistory(ctx context.Context, round *JackpotRoundState) {
	if e.pool == nil {
		return
	}
	var winner *string
	if round.WinnerUserID != "" {
		winner = &round.WinnerUserID
	}
	if _, err := e.pool.Exec(ctx, `
		INSERT INTO jackpot_rounds (room, round_id, hash, server_seed, total_tickets, pot, payout, winner_user_id, winner_ticket)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		string(e.room), round.RoundID, round.Hash, round.ServerSeed, round.totalTickets,
		int64(round.Pot), int64(round.Payout), winner, round.WinnerTicket); err != nil {
		log.Printf("[JACKPOT] room %s round %s history insert failed: %v", e.room, round.RoundID, err)
	}
}

func (e *JackpotEngine) publish(round *JackpotRoundState, phase string) {
	v := round.next()
	e.bus.Publish(outbox.Event{
		EventID: fmt.Sprintf("jackpot:%s:%s:%d", e.room, round.RoundID, v), Type: "jackpot." + phase,
		AggregateType: "jackpot", AggregateID: string(e.room), Version: v,
		Payload: mustMarshalJSON(map[string]any{
			"room": e.room, "roundId": round.RoundID, "hash": round.Hash, "status": round.Status,
			"countdownSec": round.CountdownSec, "totalTickets": round.totalTickets,
			"pot": round.Pot.ToFloat(), "winnerUserId": round.WinnerUserID, "payout": round.Payout.ToFloat(),
		}),
	})
}

// Bet submits a bet to the room.
func (e *JackpotEngine) Bet(ctx context.Context, userID, username string, amount money.Atomic) error {
	resp := make(chan error, 1)
	select {
	case e.betCh <- jackpotBetCmd{userID: userID, username: username, amount: amount, resp: resp}:
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

// Snapshot returns the room's current round for resubscribe replay.
func (e *JackpotEngine) Snapshot() *JackpotRoundState { return e.round }
