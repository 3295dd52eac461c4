// Package promo implements promo-code redemption folded into the same
// locked+transactional wallet-mutation shape internal/wallet and
// internal/game use: lock, mutate, append, commit, all in one
// transaction.
package promo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
	"casino/internal/lockmgr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/wallet"
)

func mustMarshalJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Code is one redeemable promo code row.
type Code struct {
	ID                 string
	Code               string
	RewardAmount       money.Atomic
	RewardSubWallet    string // "main" or "bonus"
	Active             bool
	StartsAt           time.Time
	ExpiresAt          time.Time
	MaxRedemptions     int
	CurrentRedemptions int
}

// Service redeems promo codes.
type Service struct {
	pool  *pgxpool.Pool
	locks *lockmgr.Manager
	w     *wallet.Service
}

// NewService builds a promo Service.
func NewService(pool *pgxpool.Pool, locks *lockmgr.Manager, w *wallet.Service) *Service {
	return &Service{pool: pool, locks: locks, w: w}
}

// Redeem normalizes the code, validates the row's window/cap, inserts
// the redemption (duplicate key ⇒ already-redeemed conflict), increments
// the counter, credits the wallet, and appends the result event — all
// inside one locked transaction.
func (s *Service) Redeem(ctx context.Context, userID, code string) (*wallet.Balances, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, apperr.New(apperr.CodeValidation, "code is required")
	}

	var balances *wallet.Balances
	err := s.locks.WithLock(ctx, fmt.Sprintf("promo:%s", normalized), 0, 0, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "promo begin tx failed", err)
		}
		defer tx.Rollback(ctx)

		var promo Code
		row := tx.QueryRow(ctx, `
			SELECT id, code, reward_amount, reward_sub_wallet, active, starts_at, expires_at, max_redemptions, current_redemptions
			FROM promocodes WHERE code = $1 AND active = true FOR UPDATE`, normalized)
		if err := row.Scan(&promo.ID, &promo.Code, (*int64)(&promo.RewardAmount), &promo.RewardSubWallet, &promo.Active, &promo.StartsAt, &promo.ExpiresAt, &promo.MaxRedemptions, &promo.CurrentRedemptions); err != nil {
			return apperr.New(apperr.CodeNotFound, "promo code not found or inactive")
		}

		now := time.Now().UTC()
		if now.Before(promo.StartsAt) || now.After(promo.ExpiresAt) {
			return apperr.New(apperr.CodeValidation, "promo code is not within its active window")
		}
		if promo.CurrentRedemptions >= promo.MaxRedemptions {
			return apperr.New(apperr.CodeForbidden, "promo code redemption limit reached")
		}

		if _, err := tx.Exec(ctx, `INSERT INTO promo_redemptions (promo_code_id, user_id) VALUES ($1,$2)`, promo.ID, userID); err != nil {
			if isUniqueViolation(err) {
				return apperr.New(apperr.CodeConflict, "already redeemed")
			}
			return apperr.Wrap(apperr.CodeInternal, "redemption insert failed", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE promocodes SET current_redemptions = current_redemptions + 1 WHERE id = $1`, promo.ID); err != nil {
			return apperr.Wrap(apperr.CodeInternal, "redemption counter increment failed", err)
		}

		params := wallet.MutationParams{
			UserID: userID, RequestID: fmt.Sprintf("promo:%s:%s", promo.ID, userID), LedgerType: wallet.LedgerPromo,
			Metadata: map[string]any{"promoCode": promo.Code, "promoCodeId": promo.ID},
		}
		if promo.RewardSubWallet == "bonus" {
			params.DeltaBonus = promo.RewardAmount
		} else {
			params.DeltaMain = promo.RewardAmount
		}

		b, err := s.w.ApplyMutationInSession(ctx, tx, params)
		if err != nil {
			return err
		}
		balances = &b

		if err := outbox.Append(ctx, tx, outbox.Event{
			EventID:       fmt.Sprintf("promo:%s:%s", promo.ID, userID),
			Type:          "promo.redeem.result",
			AggregateType: "promo",
			AggregateID:   promo.ID,
			Version:       b.StateVersion,
			UserID:        &userID,
			Payload:       mustMarshalJSON(map[string]any{"code": promo.Code, "rewardAmount": promo.RewardAmount.ToFloat(), "subWallet": promo.RewardSubWallet}),
		}); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	for e := err; e != nil; {
		if pe, ok := e.(*pgconn.PgError); ok {
			pgErr = pe
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return pgErr != nil && pgErr.Code == "23505"
}
