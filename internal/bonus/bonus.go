// Package bonus implements the free bonus wheel behind bonus.getWheel and
// bonus.spin: a fixed prize table plus a once-per-cooldown spin, credited
// through the wallet. The weighted draw reuses game.UniformInt — a prize
// wheel's outcome is, mechanically, the same uniform-ticket draw the
// round-based games already make.
package bonus

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
	"casino/internal/game"
	"casino/internal/money"
	"casino/internal/wallet"
)

// Prize is one wedge of the bonus wheel.
type Prize struct {
	Label       string       `json:"label"`
	Weight      int64        `json:"-"`
	RewardMain  money.Atomic `json:"rewardMain"`
	RewardBonus money.Atomic `json:"rewardBonus"`
}

// defaultPrizes is a fixed demo table; an operator-tunable version would
// live in the settings table the same way GameParams does.
var defaultPrizes = []Prize{
	{Label: "0", Weight: 40, RewardMain: 0, RewardBonus: 0},
	{Label: "+1", Weight: 30, RewardBonus: 1_000_000},
	{Label: "+5", Weight: 15, RewardBonus: 5_000_000},
	{Label: "+10", Weight: 10, RewardBonus: 10_000_000},
	{Label: "+50", Weight: 4, RewardMain: 50_000_000},
	{Label: "+200", Weight: 1, RewardMain: 200_000_000},
}

// Cooldown is how often a user may spin.
const Cooldown = 24 * time.Hour

// Service grants one free bonus-wheel spin per user per Cooldown.
type Service struct {
	pool   *pgxpool.Pool
	wallet *wallet.Service
	prizes []Prize
}

// NewService builds a bonus Service with the fixed demo prize table.
func NewService(pool *pgxpool.Pool, w *wallet.Service) *Service {
	return &Service{pool: pool, wallet: w, prizes: defaultPrizes}
}

// Prizes returns the wheel's wedge table for bonus.getWheel.
func (s *Service) Prizes() []Prize { return s.prizes }

// Spin implements bonus.spin: reject if the user's last spin is within
// Cooldown, otherwise draw a prize weighted by Prize.Weight using the same
// uniform-ticket primitive every round-based game uses, credit the wallet
// (outside any round, so there is no requestId collision to dedupe — the
// cooldown check is the exactly-once guard), and record the spin.
func (s *Service) Spin(ctx context.Context, userID string) (any, error) {
	var lastSpin time.Time
	var hasPrior bool
	row := s.pool.QueryRow(ctx, `SELECT created_at FROM bonus_spins WHERE user_id = $1 ORDER BY id DESC LIMIT 1`, userID)
	if err := row.Scan(&lastSpin); err == nil {
		hasPrior = true
	}
	if hasPrior && time.Since(lastSpin) < Cooldown {
		return nil, apperr.Newf(apperr.CodeConflict, "next spin available at %s", lastSpin.Add(Cooldown).UTC().Format(time.RFC3339))
	}

	prize := s.draw()

	var balances wallet.Balances
	if prize.RewardMain != 0 || prize.RewardBonus != 0 {
		var err error
		balances, err = s.wallet.ApplyMutation(ctx, wallet.MutationParams{
			UserID: userID, LedgerType: wallet.LedgerPromo,
			DeltaMain: prize.RewardMain, DeltaBonus: prize.RewardBonus,
			Metadata: map[string]any{"source": "bonus.spin", "prize": prize.Label},
		})
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		balances, err = s.wallet.Balances(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO bonus_spins (user_id, prize_label, reward_main, reward_bonus) VALUES ($1,$2,$3,$4)`,
		userID, prize.Label, int64(prize.RewardMain), int64(prize.RewardBonus)); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "bonus spin record failed", err)
	}

	return map[string]any{
		"prize":        prize,
		"main":         balances.Main.ToFloat(),
		"bonus":        balances.Bonus.ToFloat(),
		"stateVersion": balances.StateVersion,
	}, nil
}

func (s *Service) draw() Prize {
	var total int64
	for _, p := range s.prizes {
		total += p.Weight
	}
	ticket := game.UniformInt(1, total)
	var cursor int64
	for _, p := range s.prizes {
		cursor += p.Weight
		if ticket <= cursor {
			return p
		}
	}
	return s.prizes[len(s.prizes)-1]
}
