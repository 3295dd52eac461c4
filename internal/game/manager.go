package game

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/config"
	"casino/internal/lockmgr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/wallet"
)

// configSettings adapts the flat config.GameParams into the per-game
// settings interfaces the Dice, Battle, Coinflip and Jackpot engines depend
// on. params is called on every read, so a source backed by
// internal/admin's TTL store makes an admin.settings.save visible to those
// engines within config.SettingsTTL without each engine polling Postgres
// itself. Crash and Wheel do not read through it: NewManager hands them
// their bet bounds from cfg.Games at construction, and every engine's
// timer durations are likewise fixed at construction.
type configSettings struct {
	params func() config.GameParams
}

func (s configSettings) DiceMinMax() (money.Atomic, money.Atomic) {
	g := s.params()
	return money.Atomic(g.MinBetAtomic), money.Atomic(g.MaxBetAtomic)
}

func (s configSettings) BattleParams() (minBet, maxBet money.Atomic, redChancePct, commissionPct float64) {
	g := s.params()
	return money.Atomic(g.MinBetAtomic), money.Atomic(g.MaxBetAtomic), 49.5, g.CommissionPercent
}

func (s configSettings) CoinflipCommissionPct() float64 {
	return s.params().CommissionPercent
}

func (s configSettings) jackpotRoomConfig(room JackpotRoom) JackpotRoomConfig {
	// Rooms share the global bet bounds/commission but scale apart by a
	// fixed multiplier per tier; relative sizing is an operator concern.
	mult := map[JackpotRoom]int64{JackpotEasy: 1, JackpotMedium: 5, JackpotHard: 25}[room]
	if mult == 0 {
		mult = 1
	}
	g := s.params()
	return JackpotRoomConfig{
		TimerSec:       15,
		MinBet:         money.Atomic(g.MinBetAtomic * mult),
		MaxBet:         money.Atomic(g.MaxBetAtomic),
		MaxBetsPerUser: 10,
		CommissionPct:  g.CommissionPercent,
	}
}

// Manager wires and owns every game orchestrator, exposing them to the
// gateway's command handlers by concrete type (each game's request shape
// differs too much for a single dispatch interface to be worth it) while
// registering every timer-driven engine with GameFactory for lifecycle
// control.
type Manager struct {
	Dice     *DiceEngine
	Crash    *CrashEngine
	Wheel    *WheelEngine
	Jackpot  map[JackpotRoom]*JackpotEngine
	Battle   *BattleEngine
	Coinflip *CoinflipEngine

	factory *GameFactory
}

// NewManager constructs every engine from shared infra plus config, and
// registers the timer-driven ones with a fresh GameFactory. params is the
// live settings source (internal/admin's TTL store in production); nil
// falls back to the static cfg.Games snapshot.
func NewManager(pool *pgxpool.Pool, w *wallet.Service, locks *lockmgr.Manager, bus *outbox.Bus, cfg *config.Config, params func() config.GameParams, affiliate AffiliateHook) *Manager {
	if params == nil {
		params = func() config.GameParams { return cfg.Games }
	}
	settings := configSettings{params: params}

	dice := NewDiceEngine(pool, w, locks, bus, settings, affiliate)
	crash := NewCrashEngine(pool, w, bus, affiliate,
		money.Atomic(cfg.Games.MinBetAtomic), money.Atomic(cfg.Games.MaxBetAtomic),
		time.Duration(cfg.Games.CrashRestartMs)*time.Millisecond, 50*time.Millisecond, 5*time.Second)
	wheel := NewWheelEngine(pool, w, bus, money.Atomic(cfg.Games.MinBetAtomic), money.Atomic(cfg.Games.MaxBetAtomic),
		10*time.Second, time.Duration(cfg.Games.WheelRoundWaitMs)*time.Millisecond)
	battle := NewBattleEngine(pool, w, bus, settings,
		time.Duration(cfg.Games.BattleCountdownSec)*time.Second, 5200*time.Millisecond)
	coinflip := NewCoinflipEngine(pool, w, bus, settings)

	jackpot := map[JackpotRoom]*JackpotEngine{
		JackpotEasy:   NewJackpotEngine(pool, JackpotEasy, w, bus, settings.jackpotRoomConfig, time.Duration(cfg.Games.JackpotWinnerDelay)*time.Millisecond, time.Duration(cfg.Games.JackpotResetDelay)*time.Millisecond),
		JackpotMedium: NewJackpotEngine(pool, JackpotMedium, w, bus, settings.jackpotRoomConfig, time.Duration(cfg.Games.JackpotWinnerDelay)*time.Millisecond, time.Duration(cfg.Games.JackpotResetDelay)*time.Millisecond),
		JackpotHard:   NewJackpotEngine(pool, JackpotHard, w, bus, settings.jackpotRoomConfig, time.Duration(cfg.Games.JackpotWinnerDelay)*time.Millisecond, time.Duration(cfg.Games.JackpotResetDelay)*time.Millisecond),
	}

	factory := NewGameFactory()
	factory.RegisterEngine(string(GameTypeCrash), crash)
	factory.RegisterEngine(string(GameTypeWheel), wheel)
	factory.RegisterEngine(string(GameTypeBattle), battle)
	for room, eng := range jackpot {
		factory.RegisterEngine("jackpot:"+string(room), eng)
	}

	return &Manager{Dice: dice, Crash: crash, Wheel: wheel, Jackpot: jackpot, Battle: battle, Coinflip: coinflip, factory: factory}
}

// JackpotRoom looks up a room engine by name, or nil if unknown.
func (m *Manager) JackpotRoom(name string) *JackpotEngine { return m.Jackpot[JackpotRoom(name)] }

// Start launches every timer-driven engine's owned goroutine under ctx.
func (m *Manager) Start(ctx context.Context) { m.factory.StartAll(ctx) }

// Stop cancels every timer-driven engine's context.
func (m *Manager) Stop() { m.factory.StopAll() }
