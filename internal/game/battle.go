package game

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"casino/internal/apperr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/wallet"
)

// BattleTeam is red or blue.
type BattleTeam string

const (
	BattleRed  BattleTeam = "red"
	BattleBlue BattleTeam = "blue"
)

type battleBet struct {
	Bet
	Team BattleTeam
}

// BattleRound is one red-vs-blue round.
type BattleRound struct {
	versioned
	RoundID      string
	Hash         string
	ServerSeed   string
	Status       Status
	CountdownSec int
	CountdownOn  bool
	Bets         map[string][]battleBet
	RedBank      money.Atomic
	BlueBank     money.Atomic
	WinnerTeam   BattleTeam
	WinnerTicket int64
}

// BattleSettings is the admin-tunable slice Battle reads: bet bounds,
// red-side chance (percent, e.g. 49.5), and commission.
type BattleSettings interface {
	BattleParams() (minBet, maxBet money.Atomic, redChancePct, commissionPct float64)
}

type staticBattleSettings struct {
	min, max               money.Atomic
	redChancePct, commPct  float64
}

func (s staticBattleSettings) BattleParams() (money.Atomic, money.Atomic, float64, float64) {
	return s.min, s.max, s.redChancePct, s.commPct
}

// NewStaticBattleSettings builds a BattleSettings with fixed values.
func NewStaticBattleSettings(min, max money.Atomic, redChancePct, commissionPct float64) BattleSettings {
	return staticBattleSettings{min: min, max: max, redChancePct: redChancePct, commPct: commissionPct}
}

const battleMaxBetsPerUser = 3

// BattleEngine is a timer-driven red-vs-blue round in the same owned-task
// shape as CrashEngine/WheelEngine.
type BattleEngine struct {
	pool      *pgxpool.Pool
	wallet    *wallet.Service
	bus       *outbox.Bus
	settings  BattleSettings
	countdown time.Duration
	payoutDelay time.Duration

	betCh chan battleBetCmd
	round *BattleRound
}

type battleBetCmd struct {
	userID, username string
	amount           money.Atomic
	team             BattleTeam
	subWallet        string
	resp             chan error
}

// NewBattleEngine builds a BattleEngine.
func NewBattleEngine(pool *pgxpool.Pool, w *wallet.Service, bus *outbox.Bus, settings BattleSettings, countdown, payoutDelay time.Duration) *BattleEngine {
	if countdown <= 0 {
		countdown = 20 * time.Second
	}
	if payoutDelay <= 0 {
		payoutDelay = 5200 * time.Millisecond
	}
	return &BattleEngine{pool: pool, wallet: w, bus: bus, settings: settings, countdown: countdown, payoutDelay: payoutDelay, betCh: make(chan battleBetCmd, 256)}
}

// Run drives the round loop until ctx is cancelled.
func (e *BattleEngine) Run(ctx context.Context) {
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
		case <-time.After(time.Second):
		}
	}
}

func (e *BattleEngine) runRound(ctx context.Context) {
	seed := NewServerSeed()
	round := &BattleRound{
		RoundID: uuid.NewString(), Hash: CommitmentHash(seed), ServerSeed: seed,
		Status: StatusBetting, Bets: make(map[string][]battleBet),
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

	round.Status = StatusSpinning
	e.resolve(round)
	e.recordHistory(ctx, round)
	e.publish(round, "spin")

	go func() {
		time.Sleep(e.payoutDelay)
		e.payout(ctx, round)
	}()

	round.Status = StatusEnded
	e.publish(round, "ended")
}

func (e *BattleEngine) placeBet(ctx context.Context, round *BattleRound, cmd battleBetCmd) error {
	if round.Status != StatusBetting {
		return apperr.New(apperr.CodeConflict, "not accepting bets")
	}
	minBet, maxBet, _, _ := e.settings.BattleParams()
	if cmd.amount < minBet || cmd.amount > maxBet {
		return apperr.New(apperr.CodeValidation, "amount outside allowed bet range")
	}
	existing := round.Bets[cmd.userID]
	if len(existing) >= battleMaxBetsPerUser {
		return apperr.New(apperr.CodeForbidden, "max bets per round reached")
	}
	if len(existing) > 0 {
		if existing[0].Team != cmd.team {
			return apperr.New(apperr.CodeValidation, "all bets this round must be on the same team")
		}
		if existing[0].SubWallet != cmd.subWallet {
			return apperr.New(apperr.CodeValidation, "all bets this round must use the same sub-balance")
		}
	}

	deltaMain, deltaBonus := cmd.amount.Negate(), money.Zero
	if cmd.subWallet == "bonus" {
		deltaMain, deltaBonus = money.Zero, cmd.amount.Negate()
	}
	requestID := fmt.Sprintf("battle:%s:%s:%d:bet", round.RoundID, cmd.userID, len(existing))
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: cmd.userID, RequestID: requestID, LedgerType: wallet.LedgerGameBet,
		DeltaMain: deltaMain, DeltaBonus: deltaBonus,
		Metadata: map[string]any{"game": "battle", "team": cmd.team, "roundId": round.RoundID},
	})
	if err != nil {
		return err
	}

	bet := battleBet{Bet: Bet{UserID: cmd.userID, Username: cmd.username, Amount: cmd.amount, SubWallet: cmd.subWallet, PlacedAt: time.Now()}, Team: cmd.team}
	round.Bets[cmd.userID] = append(round.Bets[cmd.userID], bet)
	if cmd.team == BattleRed {
		round.RedBank += cmd.amount
	} else {
		round.BlueBank += cmd.amount
	}

	if !round.CountdownOn && round.RedBank > 0 && round.BlueBank > 0 {
		round.CountdownOn = true
		round.CountdownSec = int(e.countdown / time.Second)
	}

	e.publish(round, "reset")
	return nil
}

// resolve draws the winner: ticket uniform[1..1000] against a red range
// of round(redChance×10) tickets, clamped to [1, 999].
func (e *BattleEngine) resolve(round *BattleRound) {
	_, _, redChancePct, _ := e.settings.BattleParams()
	winnerTicket := UniformInt(1, 1000)
	round.WinnerTicket = winnerTicket

	redTicketEnd := int64(math.Round(redChancePct * 10))
	if redTicketEnd < 1 {
		redTicketEnd = 1
	}
	if redTicketEnd > 999 {
		redTicketEnd = 999
	}

	if winnerTicket <= redTicketEnd {
		round.WinnerTeam = BattleRed
	} else {
		round.WinnerTeam = BattleBlue
	}
}

func (e *BattleEngine) payout(ctx context.Context, round *BattleRound) {
	_, _, _, commissionPct := e.settings.BattleParams()
	totalBank := round.RedBank + round.BlueBank
	var winnerBank money.Atomic
	if round.WinnerTeam == BattleRed {
		winnerBank = round.RedBank
	} else {
		winnerBank = round.BlueBank
	}
	if winnerBank <= 0 {
		return
	}
	factor := money.DecimalFromAtomic(totalBank).Div(money.DecimalFromAtomic(winnerBank))

	for userID, bets := range round.Bets {
		for i, b := range bets {
			if b.Team != round.WinnerTeam {
				continue
			}
			amtDec := money.DecimalFromAtomic(b.Amount)
			profitDec := amtDec.Mul(factor).Sub(amtDec)
			if profitDec.IsNegative() {
				profitDec = decimal.Zero
			}
			commission := profitDec.Mul(decimal.NewFromFloat(commissionPct / 100))
			payoutDec := amtDec.Add(profitDec).Sub(commission)
			payout := money.AtomicFromDecimal(payoutDec)
			deltaMain, deltaBonus := payout, money.Zero
			if b.SubWallet == "bonus" {
				deltaMain, deltaBonus = money.Zero, payout
			}
			requestID := fmt.Sprintf("battle:%s:%s:%d:payout", round.RoundID, userID, i)
			if _, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
				UserID: userID, RequestID: requestID, LedgerType: wallet.LedgerGamePayout,
				DeltaMain: deltaMain, DeltaBonus: deltaBonus,
				Metadata: map[string]any{"game": "battle", "roundId": round.RoundID, "team": round.WinnerTeam},
			}); err != nil {
				continue // best-effort: a payout failure here does not unwind the round
			}
		}
	}
	e.publish(round, "paid")
}

// recordHistory persists the resolved round to battle_rounds, mirroring
// CrashEngine.recordHistory.
func (e *BattleEngine) recordHistory(ctx context.Context, round *BattleRound) {
	if e.pool == nil {
		return
	}
	if _, err := e.pool.Exec(ctx, `
		INSERT INTO battle_rounds (round_id, hash, server_seed, red_bank, blue_bank, winner_team, winner_ticket)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		round.RoundID, round.Hash, round.ServerSeed, int64(round.RedBank), int64(round.BlueBank),
		string(round.WinnerTeam), round.WinnerTicket); err != nil {
		log.Printf("[BATTLE] round %s history insert failed: %v", round.RoundID, err)
	}
}

func (e *BattleEngine) publish(round *BattleRound, phase string) {
	v := round.next()
	e.bus.Publish(outbox.Event{
		EventID: fmt.Sprintf("battle:%s:%d", round.RoundID, v), Type: "battle." + phase,
		AggregateType: "battle", AggregateID: round.RoundID, Version: v,
		Payload: mustMarshalJSON(map[string]any{
			"roundId": round.RoundID, "hash": round.Hash, "status": round.Status,
			"countdownSec": round.CountdownSec, "redBank": round.RedBank.ToFloat(), "blueBank": round.BlueBank.ToFloat(),
			"winnerTeam": round.WinnerTeam, "winnerTicket": round.WinnerTicket,
		}),
	})
}

// Bet submits a bet on a team/sub-wallet.
func (e *BattleEngine) Bet(ctx context.Context, userID, username string, amount money.Atomic, team BattleTeam, subWallet string) error {
	resp := make(chan error, 1)
	select {
	case e.betCh <- battleBetCmd{userID: userID, username: username, amount: amount, team: team, subWallet: subWallet, resp: resp}:
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

// Snapshot returns the current round for resubscribe replay.
func (e *BattleEngine) Snapshot() *BattleRound { return e.round }
