// Package affiliate implements the referral-win hook: credit a referrer's
// wallet a share of a winner's profit. Failures are logged and swallowed
// since callers (internal/game) invoke this fire-and-forget after a win
// and must never block round resolution on it.
package affiliate

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"casino/internal/apperr"
	"casino/internal/money"
	"casino/internal/wallet"
)

func decimalFromPct(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(pct / 100)
}

// Service credits referrers a share of their referrals' wins.
type Service struct {
	pool     *pgxpool.Pool
	wallet   *wallet.Service
	sharePct float64
}

// NewService builds an affiliate Service. sharePct is the percentage of
// a referral's profit credited to the referrer, an operator-tunable
// setting.
func NewService(pool *pgxpool.Pool, w *wallet.Service, sharePct float64) *Service {
	return &Service{pool: pool, wallet: w, sharePct: sharePct}
}

// Stats is the affiliate.stats command's payload: a user's own referral
// code, how many accounts it has brought in, and the running total
// credited to them by CreditFromReferralWin.
type Stats struct {
	AffiliateCode string  `json:"affiliateCode"`
	ReferralCount int64   `json:"referralCount"`
	TotalEarned   float64 `json:"totalEarned"`
}

// Stats reads the caller's own referral standing.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	var code *string
	var count int64
	row := s.pool.QueryRow(ctx, `SELECT affiliate_code, referral_count FROM users WHERE id = $1`, userID)
	if err := row.Scan(&code, &count); err != nil {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}
	var total float64
	totalRow := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount_main),0) FROM affiliate_earnings WHERE referrer_id = $1`, userID)
	var totalAtomic int64
	if err := totalRow.Scan(&totalAtomic); err == nil {
		total = money.Atomic(totalAtomic).ToFloat()
	}
	out := &Stats{ReferralCount: count, TotalEarned: total}
	if code != nil {
		out.AffiliateCode = *code
	}
	return out, nil
}

// CreditFromReferralWin implements game.AffiliateHook. Called after
// positive profits only; errors are logged, never returned, so a failure
// here can never unwind or delay the game round that triggered it.
func (s *Service) CreditFromReferralWin(ctx context.Context, winnerUserID string, winAmount money.Atomic, eventKey string) {
	referrerID, err := s.referrerOf(ctx, winnerUserID)
	if err != nil || referrerID == "" {
		return
	}
	share := winAmount.MulRate(decimalFromPct(s.sharePct))
	if share <= 0 {
		return
	}
	_, err = s.wallet.ApplyMutation(ctx, wallet.MutationParams{
		UserID: referrerID, RequestID: fmt.Sprintf("affiliate:%s:%s", referrerID, eventKey),
		LedgerType: wallet.LedgerDeposit, DeltaMain: share,
		Metadata: map[string]any{"source": "affiliate", "referredUserId": winnerUserID, "eventKey": eventKey},
	})
	if err != nil {
		log.Printf("[AFFILIATE] credit to %s for %s failed: %v", referrerID, eventKey, err)
		return
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO affiliate_earnings (referrer_id, referred_user_id, event_key, amount_main)
		VALUES ($1, $2, $3, $4) ON CONFLICT (event_key) DO NOTHING`,
		referrerID, winnerUserID, eventKey, int64(share)); err != nil {
		log.Printf("[AFFILIATE] earnings row for %s failed: %v", referrerID, err)
	}
}

func (s *Service) referrerOf(ctx context.Context, userID string) (string, error) {
	var referredBy *string
	row := s.pool.QueryRow(ctx, `SELECT referred_by FROM users WHERE id = $1`, userID)
	if err := row.Scan(&referredBy); err != nil {
		return "", nil
	}
	if referredBy == nil {
		return "", nil
	}
	return *referredBy, nil
}
