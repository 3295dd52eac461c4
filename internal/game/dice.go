package game

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"casino/internal/apperr"
	"casino/internal/lockmgr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/wallet"
)

// AffiliateHook credits a referrer after a referral's win. Failures are
// never allowed to block game resolution.
type AffiliateHook interface {
	CreditFromReferralWin(ctx context.Context, winnerUserID string, winAmount money.Atomic, eventKey string)
}

// DiceSettings is the admin-tunable slice of settings Dice reads: the
// min/max bet bounds. The production provider wraps internal/admin's TTL
// cache; tests pass a static one.
type DiceSettings interface {
	DiceMinMax() (min, max money.Atomic)
}

type staticDiceSettings struct{ min, max money.Atomic }

func (s staticDiceSettings) DiceMinMax() (money.Atomic, money.Atomic) { return s.min, s.max }

// NewStaticDiceSettings builds a DiceSettings with fixed bounds.
func NewStaticDiceSettings(min, max money.Atomic) DiceSettings {
	return staticDiceSettings{min: min, max: max}
}

// DiceEngine is request-driven: every bet resolves synchronously within
// the call, unlike the timer-driven games. The bet and payout legs carry
// distinct requestIds (":bet"/":payout") so a replayed command collapses
// to the first committed effect of each.
type DiceEngine struct {
	pool      *pgxpool.Pool
	wallet    *wallet.Service
	locks     *lockmgr.Manager
	bus       *outbox.Bus
	settings  DiceSettings
	affiliate AffiliateHook
}

// NewDiceEngine builds a DiceEngine.
func NewDiceEngine(pool *pgxpool.Pool, w *wallet.Service, locks *lockmgr.Manager, bus *outbox.Bus, settings DiceSettings, aff AffiliateHook) *DiceEngine {
	return &DiceEngine{pool: pool, wallet: w, locks: locks, bus: bus, settings: settings, affiliate: aff}
}

// Direction is one of "under"/"over".
type Direction string

const (
	DirectionUnder Direction = "under"
	DirectionOver  Direction = "over"
)

// DiceBetRequest is the wire payload for dice.bet.
type DiceBetRequest struct {
	UserID     string
	RequestID  string
	Amount     float64
	Chance     float64
	Direction  Direction
	ClientSeed string
}

// DiceBetResult is the wire payload returned to the client.
type DiceBetResult struct {
	Roll         float64 `json:"roll"`
	Win          bool    `json:"win"`
	Rate         float64 `json:"rate"`
	Payout       float64 `json:"payout"`
	Nonce        int64   `json:"nonce"`
	ServerSeed   string  `json:"serverSeed"`
	Hash         string  `json:"hash"`
	ClientSeed   string  `json:"clientSeed"`
	BalanceMain  float64 `json:"balanceMain"`
	BalanceBonus float64 `json:"balanceBonus"`
	StateVersion int64   `json:"stateVersion"`
}

const diceHouseEdge = 96.0 // rate * chance = 96, a 4% edge

// Bet runs one Dice round end to end: validate, debit, roll, credit,
// record, emit. It is the sole entry point the gateway's dice.bet handler
// calls.
func (d *DiceEngine) Bet(ctx context.Context, req DiceBetRequest) (*DiceBetResult, error) {
	if req.Chance <= 0 || req.Chance >= 100 {
		return nil, apperr.New(apperr.CodeValidation, "chance must be in (0, 100)")
	}
	if req.Direction != DirectionUnder && req.Direction != DirectionOver {
		return nil, apperr.New(apperr.CodeValidation, "direction must be under or over")
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	min, max := d.settings.DiceMinMax()
	if amount < min || amount > max {
		return nil, apperr.Newf(apperr.CodeValidation, "amount must be between %s and %s", min.FormatMoney(2), max.FormatMoney(2))
	}

	rate := roundTo2(diceHouseEdge / req.Chance)

	var result *DiceBetResult
	lockKey := fmt.Sprintf("wallet:%s", req.UserID)
	err = d.locks.WithLock(ctx, lockKey, 0, 0, func(ctx context.Context) error {
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "dice begin tx failed", err)
		}
		defer tx.Rollback(ctx)

		nonce, err := incrementNonce(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		serverSeed := NewServerSeed()
		hash := CommitmentHash(serverSeed)
		clientSeed := req.ClientSeed
		if clientSeed == "" {
			clientSeed = "default"
		}
		roll := DiceRoll(serverSeed, clientSeed, nonce)

		win := false
		if req.Direction == DirectionUnder {
			win = roll < req.Chance
		} else {
			win = roll > 100-req.Chance
		}

		balances, err := d.wallet.ApplyMutationInSession(ctx, tx, wallet.MutationParams{
			UserID:     req.UserID,
			RequestID:  req.RequestID + ":bet",
			LedgerType: wallet.LedgerGameBet,
			DeltaMain:  amount.Negate(),
			Metadata:   map[string]any{"game": "dice", "roll": roll, "chance": req.Chance, "direction": req.Direction},
		})
		if err != nil {
			return err
		}

		payout := money.Zero
		if win {
			payout = amount.MulRate(decimal.NewFromFloat(rate))
			balances, err = d.wallet.ApplyMutationInSession(ctx, tx, wallet.MutationParams{
				UserID:     req.UserID,
				RequestID:  req.RequestID + ":payout",
				LedgerType: wallet.LedgerGamePayout,
				DeltaMain:  payout,
				Metadata:   map[string]any{"game": "dice", "roll": roll},
			})
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO dice_games (user_id, amount, chance, direction, roll, win, payout, server_seed, hash, client_seed, nonce)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			req.UserID, int64(amount), req.Chance, req.Direction, roll, win, int64(payout), serverSeed, hash, clientSeed, nonce); err != nil {
			return apperr.Wrap(apperr.CodeInternal, "dice history insert failed", err)
		}

		if err := outbox.Append(ctx, tx, outbox.Event{
			EventID:       fmt.Sprintf("dice:%s:%s", req.UserID, req.RequestID),
			Type:          "stream.bet.created",
			AggregateType: "dice",
			AggregateID:   req.UserID,
			Version:       balances.StateVersion,
			Payload: mustMarshalJSON(map[string]any{
				"userId": req.UserID, "amount": amount.ToFloat(), "roll": roll, "win": win,
				"payout": payout.ToFloat(), "chance": req.Chance, "direction": req.Direction,
			}),
		}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return apperr.Wrap(apperr.CodeInternal, "dice commit failed", err)
		}

		result = &DiceBetResult{
			Roll: roll, Win: win, Rate: rate, Payout: payout.ToFloat(), Nonce: nonce,
			ServerSeed: serverSeed, Hash: hash, ClientSeed: clientSeed,
			BalanceMain: balances.Main.ToFloat(), BalanceBonus: balances.Bonus.ToFloat(),
			StateVersion: balances.StateVersion,
		}

		profit := payout.Sub(amount)
		if d.affiliate != nil && profit > 0 {
			go func(userID string, p money.Atomic, eventKey string) {
				defer func() { _ = recover() }()
				d.affiliate.CreditFromReferralWin(context.Background(), userID, p, eventKey)
			}(req.UserID, profit, fmt.Sprintf("dice:%s", req.RequestID))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func incrementNonce(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var nonce int64
	row := tx.QueryRow(ctx, `
		INSERT INTO dice_nonces (user_id, nonce) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET nonce = dice_nonces.nonce + 1
		RETURNING nonce`, userID)
	if err := row.Scan(&nonce); err != nil {
		return 0, apperr.Wrap(apperr.CodeInternal, "dice nonce increment failed", err)
	}
	return nonce, nil
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func mustMarshalJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
