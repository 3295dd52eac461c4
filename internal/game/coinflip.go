package game

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"casino/internal/apperr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/wallet"
)

// CoinflipSide is the side the creator called.
type CoinflipSide string

const (
	CoinflipHeads CoinflipSide = "heads"
	CoinflipTails CoinflipSide = "tails"
)

// CoinflipGame is one create/join/resolve cycle. Unlike the other
// round-based games it has no betting phase or timer: it is entirely
// request-driven, held open until a second player joins.
type CoinflipGame struct {
	versioned
	GameID       string
	Hash         string
	ServerSeed   string
	Status       Status
	CreatorID    string
	CreatorName  string
	CreatorSide  CoinflipSide
	Amount       money.Atomic
	CreatorEnd   int64
	JoinerID     string
	JoinerName   string
	JoinerEnd    int64
	WinnerUserID string
	WinnerTicket int64
	Payout       money.Atomic
}

// CoinflipSettings is the admin-tunable commission rate.
type CoinflipSettings interface {
	CoinflipCommissionPct() float64
}

type staticCoinflipSettings struct{ pct float64 }

func (s staticCoinflipSettings) CoinflipCommissionPct() float64 { return s.pct }

// NewStaticCoinflipSettings builds a CoinflipSettings with a fixed rate.
func NewStaticCoinflipSettings(commissionPct float64) CoinflipSettings {
	return staticCoinflipSettings{pct: commissionPct}
}

// CoinflipEngine manages the set of open/resolved games in memory.
// Synchronous like DiceEngine — no owned timer goroutine — with the game
// map guarding the two-party create/join pairing.
type CoinflipEngine struct {
	pool     *pgxpool.Pool
	wallet   *wallet.Service
	bus      *outbox.Bus
	settings CoinflipSettings

	mu    sync.Mutex
	games map[string]*CoinflipGame
}

// NewCoinflipEngine builds a CoinflipEngine. pool may be nil (history
// then goes unrecorded, as in tests).
func NewCoinflipEngine(pool *pgxpool.Pool, w *wallet.Service, bus *outbox.Bus, settings CoinflipSettings) *CoinflipEngine {
	return &CoinflipEngine{pool: pool, wallet: w, bus: bus, settings: settings, games: make(map[string]*CoinflipGame)}
}

// Create opens a new game, debiting the creator.
func (e *CoinflipEngine) Create(ctx context.Context, userID, username string, amount money.Atomic, side CoinflipSide) (*CoinflipGame, error) {
	if side != CoinflipHeads && side != CoinflipTails {
		return nil, apperr.New(apperr.CodeValidation, "side must be heads or tails")
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "amount must be positive")
	}

	seed := NewServerSeed()
	gameID := uuid.NewString()
	requestID := fmt.Sprintf("coinflip:%s:create", gameID)
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: userID, RequestID: requestID, LedgerType: wallet.LedgerGameBet,
		DeltaMain: amount.Negate(), Metadata: map[string]any{"game": "coinflip", "gameId": gameID, "side": side},
	})
	if err != nil {
		return nil, err
	}

	tickets := int64(math.Floor(amount.ToFloat() * 100))
	if tickets < 1 {
		tickets = 1
	}
	game := &CoinflipGame{
		GameID: gameID, Hash: CommitmentHash(seed), ServerSeed: seed, Status: StatusBetting,
		CreatorID: userID, CreatorName: username, CreatorSide: side, Amount: amount, CreatorEnd: 1 + tickets,
	}

	e.mu.Lock()
	e.games[gameID] = game
	e.mu.Unlock()
	e.publish(game, "created")
	return game, nil
}

// Join closes a game: a different user is debited the same amount, the
// winner is drawn, and the payout is credited.
func (e *CoinflipEngine) Join(ctx context.Context, userID, username string, gameID string) (*CoinflipGame, error) {
	e.mu.Lock()
	game, ok := e.games[gameID]
	e.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "coinflip game not found")
	}
	if game.Status != StatusBetting {
		return nil, apperr.New(apperr.CodeConflict, "game already resolved")
	}
	if game.CreatorID == userID {
		return nil, apperr.New(apperr.CodeValidation, "cannot join your own game")
	}

	requestID := fmt.Sprintf("coinflip:%s:join", gameID)
	_, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: userID, RequestID: requestID, LedgerType: wallet.LedgerGameBet,
		DeltaMain: game.Amount.Negate(), Metadata: map[string]any{"game": "coinflip", "gameId": gameID},
	})
	if err != nil {
		return nil, err
	}

	tickets := int64(math.Floor(game.Amount.ToFloat() * 100))
	if tickets < 1 {
		tickets = 1
	}
	game.JoinerID = userID
	game.JoinerName = username
	game.JoinerEnd = game.CreatorEnd + tickets

	winnerTicket := UniformInt(1, game.JoinerEnd)
	game.WinnerTicket = winnerTicket
	if winnerTicket <= game.CreatorEnd {
		game.WinnerUserID = game.CreatorID
	} else {
		game.WinnerUserID = game.JoinerID
	}

	commissionPct := e.settings.CoinflipCommissionPct()
	total := game.Amount.Add(game.Amount)
	game.Payout = total.MulRate(decimal.NewFromFloat(1 - commissionPct/100))
	game.Status = StatusEnded

	payoutReq := fmt.Sprintf("coinflip:%s:payout", gameID)
	if _, err := e.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: game.WinnerUserID, RequestID: payoutReq, LedgerType: wallet.LedgerGamePayout,
		DeltaMain: game.Payout, Metadata: map[string]any{"game": "coinflip", "gameId": gameID},
	}); err != nil {
		return nil, err
	}

	e.recordHistory(ctx, game)
	e.publish(game, "resolved")
	return game, nil
}

// recordHistory persists the resolved game to coinflip_games, mirroring
// BattleEngine.recordHistory; fair.check reads the row back by hash.
func (e *CoinflipEngine) recordHistory(ctx context.Context, game *CoinflipGame) {
	if e.pool == nil {
		return
	}
	if _, err := e.pool.Exec(ctx, `
		INSERT INTO coinflip_games (game_id, hash, server_seed, creator_id, creator_side, amount, joiner_id, winner_user_id, winner_ticket, payout)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		game.GameID, game.Hash, game.ServerSeed, game.CreatorID, string(game.CreatorSide), int64(game.Amount),
		game.JoinerID, game.WinnerUserID, game.WinnerTicket, int64(game.Payout)); err != nil {
		log.Printf("[COINFLIP] game %s history insert failed: %v", game.GameID, err)
	}
}

func (e *CoinflipEngine) publish(game *CoinflipGame, phase string) {
	v := game.next()
	e.bus.Publish(outbox.Event{
		EventID: fmt.Sprintf("coinflip:%s:%d", game.GameID, v), Type: "coinflip." + phase,
		AggregateType: "coinflip", AggregateID: game.GameID, Version: v,
		Payload: mustMarshalJSON(map[string]any{
			"gameId": game.GameID, "hash": game.Hash, "status": game.Status,
			"creatorId": game.CreatorID, "creatorSide": game.CreatorSide, "amount": game.Amount.ToFloat(),
			"joinerId": game.JoinerID, "winnerUserId": game.WinnerUserID, "winnerTicket": game.WinnerTicket,
			"payout": game.Payout.ToFloat(),
		}),
	})
}

// Snapshot returns the current state of a game by id.
func (e *CoinflipEngine) Snapshot(gameID string) (*CoinflipGame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.games[gameID]
	return g, ok
}

// OpenGames returns all games still awaiting a joiner.
func (e *CoinflipEngine) OpenGames() []*CoinflipGame {
	e.mu.Lock()
	defer e.mu.Unlock()
	open := make([]*CoinflipGame, 0)
	for _, g := range e.games {
		if g.Status == StatusBetting {
			open = append(open, g)
		}
	}
	return open
}
