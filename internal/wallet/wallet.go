// Package wallet implements the single kernel primitive all balance
// mutations funnel through: lock, balance update, append-only ledger
// insert, outbox event — all in one transaction. The named lease manager
// in internal/lockmgr serializes contenders instead of a row-level
// SELECT ... FOR UPDATE alone, since balances live across multiple
// mutating commands that each open their own transaction.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
	"casino/internal/lockmgr"
	"casino/internal/money"
	"casino/internal/outbox"
)

// LedgerType enumerates the wallet_ledger.type values.
type LedgerType string

const (
	LedgerDeposit    LedgerType = "deposit"
	LedgerWithdraw   LedgerType = "withdraw"
	LedgerExchange   LedgerType = "exchange"
	LedgerGameBet    LedgerType = "game_bet"
	LedgerGamePayout LedgerType = "game_payout"
	LedgerPromo      LedgerType = "promo"
)

// Balances is the kernel primitive's result shape.
type Balances struct {
	Main         money.Atomic
	Bonus        money.Atomic
	StateVersion int64
	LedgerID     int64
}

// MutationParams describes one applyMutation call.
type MutationParams struct {
	UserID     string
	RequestID  string // optional; empty means no idempotent-ledger dedupe
	LedgerType LedgerType
	DeltaMain  money.Atomic
	DeltaBonus money.Atomic
	Metadata   map[string]any
}

// Service is the wallet kernel. Every balance mutation in the system,
// across deposits, withdrawals, exchanges, and every game's bet/payout,
// goes through one of its methods.
type Service struct {
	pool  *pgxpool.Pool
	locks *lockmgr.Manager
	bus   *outbox.Bus
}

// New builds a Service.
func New(pool *pgxpool.Pool, locks *lockmgr.Manager, bus *outbox.Bus) *Service {
	return &Service{pool: pool, locks: locks, bus: bus}
}

// ApplyMutation is the kernel primitive: acquire wallet:{userId}, run the
// four writes in one DB transaction, commit, release. A retried call with
// the same requestId collapses to the first committed effect via the
// wallet_ledger unique index on request_id.
func (s *Service) ApplyMutation(ctx context.Context, p MutationParams) (Balances, error) {
	var result Balances
	err := s.locks.WithLock(ctx, fmt.Sprintf("wallet:%s", p.UserID), 0, 0, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "wallet begin tx failed", err)
		}
		defer tx.Rollback(ctx)

		b, err := s.applyMutationInTx(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return apperr.Wrap(apperr.CodeInternal, "wallet commit failed", err)
		}
		result = b
		s.bus.Publish(outbox.Event{
			EventID:       fmt.Sprintf("wallet:%s:%d", p.UserID, b.LedgerID),
			Type:          "wallet.balance.updated",
			AggregateType: "wallet",
			AggregateID:   p.UserID,
			Version:       b.StateVersion,
			UserID:        &p.UserID,
			Payload:       mustMarshal(balancePayload(b)),
		})
		return nil
	})
	return result, err
}

// ApplyMutationInSession runs the same primitive without acquiring the
// user lock or opening its own transaction: callers that already hold
// both (a game orchestrator mid-round, e.g.) reuse this variant so bet and
// payout share one lock/tx scope.
func (s *Service) ApplyMutationInSession(ctx context.Context, tx pgx.Tx, p MutationParams) (Balances, error) {
	return s.applyMutationInTx(ctx, tx, p)
}

func (s *Service) applyMutationInTx(ctx context.Context, tx pgx.Tx, p MutationParams) (Balances, error) {
	var main, bonus money.Atomic
	var stateVersion int64
	row := tx.QueryRow(ctx, `
		SELECT balance_main, balance_bonus, state_version
		FROM users WHERE id = $1 FOR UPDATE`, p.UserID)
	if err := row.Scan(&main, &bonus, &stateVersion); err != nil {
		if err == pgx.ErrNoRows {
			return Balances{}, apperr.New(apperr.CodeNotFound, "user not found")
		}
		return Balances{}, apperr.Wrap(apperr.CodeInternal, "wallet read failed", err)
	}

	nextMain := main.Add(p.DeltaMain)
	nextBonus := bonus.Add(p.DeltaBonus)
	if nextMain.IsNegative() || nextBonus.IsNegative() {
		return Balances{}, apperr.New(apperr.CodeInsufficientFunds, "insufficient balance")
	}
	nextVersion := stateVersion + 1

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET balance_main = $1, balance_bonus = $2, state_version = $3
		WHERE id = $4`,
		int64(nextMain), int64(nextBonus), nextVersion, p.UserID); err != nil {
		return Balances{}, apperr.Wrap(apperr.CodeInternal, "wallet update failed", err)
	}

	metadata := mustMarshal(p.Metadata)
	var ledgerID int64
	var requestID any
	if p.RequestID != "" {
		requestID = p.RequestID
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO wallet_ledger
			(user_id, request_id, type, amount_main, amount_bonus, balance_main_after, balance_bonus_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		p.UserID, requestID, p.LedgerType, int64(p.DeltaMain), int64(p.DeltaBonus),
		int64(nextMain), int64(nextBonus), metadata).Scan(&ledgerID)
	if err != nil {
		if isUniqueViolation(err) {
			return Balances{}, apperr.New(apperr.CodeDuplicateRequest, "duplicate wallet request")
		}
		return Balances{}, apperr.Wrap(apperr.CodeInternal, "wallet ledger insert failed", err)
	}

	if err := outbox.Append(ctx, tx, outbox.Event{
		EventID:       fmt.Sprintf("wallet:%s:%d", p.UserID, ledgerID),
		Type:          "wallet.balance.updated",
		AggregateType: "wallet",
		AggregateID:   p.UserID,
		Version:       nextVersion,
		UserID:        &p.UserID,
		Payload: mustMarshal(map[string]any{
			"main": nextMain.ToFloat(), "bonus": nextBonus.ToFloat(), "stateVersion": nextVersion,
		}),
	}); err != nil {
		return Balances{}, err
	}

	return Balances{Main: nextMain, Bonus: nextBonus, StateVersion: nextVersion, LedgerID: ledgerID}, nil
}

// Deposit credits amount to the main balance.
func (s *Service) Deposit(ctx context.Context, userID string, amount money.Atomic, requestID string, metadata map[string]any) (Balances, error) {
	return s.ApplyMutation(ctx, MutationParams{
		UserID: userID, RequestID: requestID, LedgerType: LedgerDeposit,
		DeltaMain: amount, Metadata: metadata,
	})
}

// WithdrawRules are the provider-level checks the request-withdraw
// variant enforces.
type WithdrawRules struct {
	SupportedCurrency bool
	WithinNetworkMinMax bool
	AvailableWithdraw money.Atomic // ceiling the amount may not exceed; the gateway passes the main balance
	MetCumulativeDepositFloor bool
}

// Withdraw debits amount from the main balance after validating rules.
func (s *Service) Withdraw(ctx context.Context, userID string, amount money.Atomic, requestID string, rules WithdrawRules, metadata map[string]any) (Balances, error) {
	if !rules.SupportedCurrency {
		return Balances{}, apperr.New(apperr.CodeValidation, "unsupported withdraw currency/network")
	}
	if !rules.WithinNetworkMinMax {
		return Balances{}, apperr.New(apperr.CodeValidation, "withdraw amount outside network min/max")
	}
	if !rules.MetCumulativeDepositFloor {
		return Balances{}, apperr.New(apperr.CodeValidation, "cumulative deposit floor not met")
	}
	if amount.ToFloat() > rules.AvailableWithdraw.ToFloat() {
		return Balances{}, apperr.New(apperr.CodeInsufficientFunds, "exceeds available withdraw limit")
	}
	return s.ApplyMutation(ctx, MutationParams{
		UserID: userID, RequestID: requestID, LedgerType: LedgerWithdraw,
		DeltaMain: amount.Negate(), Metadata: metadata,
	})
}

// Exchange moves amount from one sub-balance to the other. from and to
// must differ.
func (s *Service) Exchange(ctx context.Context, userID string, from, to string, amount money.Atomic, requestID string) (Balances, error) {
	if from == to {
		return Balances{}, apperr.New(apperr.CodeValidation, "exchange requires from != to")
	}
	params := MutationParams{UserID: userID, RequestID: requestID, LedgerType: LedgerExchange}
	switch {
	case from == "main" && to == "bonus":
		params.DeltaMain, params.DeltaBonus = amount.Negate(), amount
	case from == "bonus" && to == "main":
		params.DeltaBonus, params.DeltaMain = amount.Negate(), amount
	default:
		return Balances{}, apperr.New(apperr.CodeValidation, "exchange legs must be main/bonus")
	}
	return s.ApplyMutation(ctx, params)
}

// Balances reads the current main/bonus balances and state version for a
// user without taking the wallet lock, for read-only callers like
// wallet.balance.get.
func (s *Service) Balances(ctx context.Context, userID string) (Balances, error) {
	var b Balances
	row := s.pool.QueryRow(ctx, `SELECT balance_main, balance_bonus, state_version FROM users WHERE id = $1`, userID)
	if err := row.Scan((*int64)(&b.Main), (*int64)(&b.Bonus), &b.StateVersion); err != nil {
		return Balances{}, apperr.New(apperr.CodeNotFound, "user not found")
	}
	return b, nil
}

func balancePayload(b Balances) map[string]any {
	return map[string]any{"main": b.Main.ToFloat(), "bonus": b.Bonus.ToFloat(), "stateVersion": b.StateVersion}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// NewIdempotentRequestID builds an opaque requestId for internal flows
// (e.g. a game round's bet/payout legs) that have no client-supplied id.
func NewIdempotentRequestID() string {
	return uuid.NewString()
}

// RecordStaticAddress persists a provider-issued deposit address so a
// later webhook transfer can be resolved back to the owning user. Called
// once right after provider.CreateStaticAddress returns.
func (s *Service) RecordStaticAddress(ctx context.Context, userID, currency, network, trackID, address string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallet_static_addresses (user_id, currency, network, track_id, address)
		VALUES ($1,$2,$3,$4,$5)`, userID, currency, network, trackID, address)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "static address persist failed", err)
	}
	return nil
}

// CreditWebhookTransfer credits one leg of an inbound deposit webhook:
// the transfer is resolved to its owning user via the static address it
// was paid to, then credited through the same Deposit path with
// requestId = "oxapay:static:{trackId}:{txId}" so a re-delivered webhook
// collapses to the first committed effect.
func (s *Service) CreditWebhookTransfer(ctx context.Context, trackID, txID, currency string, amount money.Atomic) (Balances, error) {
	var userID string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id FROM wallet_static_addresses WHERE track_id = $1 ORDER BY id DESC LIMIT 1`, trackID)
	if err := row.Scan(&userID); err != nil {
		return Balances{}, apperr.New(apperr.CodeNotFound, "unknown static address trackId")
	}

	requestID := fmt.Sprintf("oxapay:static:%s:%s", trackID, txID)
	b, err := s.Deposit(ctx, userID, amount, requestID, map[string]any{
		"provider": "oxapay", "trackId": trackID, "txId": txID, "currency": currency,
	})
	if err != nil {
		return Balances{}, err
	}

	// Best-effort receipt row for the wallet_deposits audit collection;
	// the request_id unique index on wallet_ledger is the real exactly-once
	// guard, so a conflict here is simply a replay.
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO wallet_deposits (user_id, track_id, tx_id, currency, amount_main)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (track_id, tx_id) DO NOTHING`,
		userID, trackID, txID, currency, int64(amount)); err != nil {
		return Balances{}, apperr.Wrap(apperr.CodeInternal, "deposit receipt insert failed", err)
	}
	return b, nil
}
