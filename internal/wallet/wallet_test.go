package wallet

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"casino/internal/apperr"
	"casino/internal/lockmgr"
	"casino/internal/money"
	"casino/internal/outbox"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("casino"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		os.Exit(0)
	}
	defer dbContainer.Terminate(context.Background())

	connStr, err := dbContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(0)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		os.Exit(0)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE locks (
			key        text PRIMARY KEY,
			owner_id   text NOT NULL,
			expires_at timestamptz NOT NULL
		);
		CREATE TABLE users (
			id            text PRIMARY KEY,
			balance_main  bigint NOT NULL DEFAULT 0,
			balance_bonus bigint NOT NULL DEFAULT 0,
			state_version bigint NOT NULL DEFAULT 0
		);
		CREATE TABLE wallet_ledger (
			id                   bigserial PRIMARY KEY,
			user_id              text NOT NULL,
			request_id           text UNIQUE,
			type                 text NOT NULL,
			amount_main          bigint NOT NULL,
			amount_bonus         bigint NOT NULL,
			balance_main_after   bigint NOT NULL,
			balance_bonus_after  bigint NOT NULL,
			metadata             jsonb,
			created_at           timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE event_outbox (
			id             bigserial PRIMARY KEY,
			event_id       text UNIQUE NOT NULL,
			type           text NOT NULL,
			aggregate_type text NOT NULL,
			aggregate_id   text NOT NULL,
			version        bigint NOT NULL,
			user_id        text,
			payload        jsonb NOT NULL,
			created_at     timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE wallet_static_addresses (
			id         bigserial PRIMARY KEY,
			user_id    text NOT NULL REFERENCES users(id),
			currency   text NOT NULL,
			network    text NOT NULL,
			track_id   text NOT NULL,
			address    text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE wallet_deposits (
			id          bigserial PRIMARY KEY,
			user_id     text NOT NULL REFERENCES users(id),
			track_id    text NOT NULL,
			tx_id       text NOT NULL,
			currency    text NOT NULL,
			amount_main bigint NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now(),
			UNIQUE (track_id, tx_id)
		);
	`); err != nil {
		os.Exit(0)
	}

	testPool = pool
	os.Exit(m.Run())
}

func newTestService() *Service {
	locks := lockmgr.New(testPool)
	bus := outbox.NewBus(100)
	go bus.Run(context.Background())
	return New(testPool, locks, bus)
}

func seedUser(t *testing.T, userID string, main, bonus money.Atomic) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `
		INSERT INTO users (id, balance_main, balance_bonus, state_version)
		VALUES ($1, $2, $3, 0)`, userID, int64(main), int64(bonus))
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestDepositCreditsMain(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-deposit", 0, 0)

	amount, _ := money.ToAtomic(10)
	b, err := svc.Deposit(context.Background(), "u-deposit", amount, "req-dep-1", nil)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if b.Main != amount {
		t.Fatalf("expected main %d, got %d", amount, b.Main)
	}
	if b.StateVersion != 1 {
		t.Fatalf("expected stateVersion 1, got %d", b.StateVersion)
	}
}

func TestApplyMutationRejectsNegativeBalance(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-neg", 0, 0)

	delta, _ := money.ToAtomic(5)
	_, err := svc.ApplyMutation(context.Background(), MutationParams{
		UserID: "u-neg", RequestID: "req-neg-1", LedgerType: LedgerGameBet,
		DeltaMain: delta.Negate(),
	})
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if apperr.CodeOf(err) != apperr.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", apperr.CodeOf(err))
	}
}

func TestApplyMutationDuplicateRequestIDCollapses(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-dup", 0, 0)

	amount, _ := money.ToAtomic(20)
	first, err := svc.Deposit(context.Background(), "u-dup", amount, "req-dup-1", nil)
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	_, err = svc.ApplyMutation(context.Background(), MutationParams{
		UserID: "u-dup", RequestID: "req-dup-1", LedgerType: LedgerDeposit, DeltaMain: amount,
	})
	if err == nil {
		t.Fatal("expected duplicate request to fail with a conflict, not silently double-apply")
	}
	if apperr.CodeOf(err) != apperr.CodeDuplicateRequest {
		t.Fatalf("expected DUPLICATE_REQUEST, got %v", apperr.CodeOf(err))
	}

	var main int64
	if err := testPool.QueryRow(context.Background(),
		"SELECT balance_main FROM users WHERE id = $1", "u-dup").Scan(&main); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if money.Atomic(main) != first.Main {
		t.Fatalf("balance must not double-apply: expected %d, got %d", first.Main, main)
	}
}

func TestExchangeMovesBetweenSubBalances(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-exch", 0, 0)

	amount, _ := money.ToAtomic(50)
	if _, err := svc.Deposit(context.Background(), "u-exch", amount, "req-exch-seed", nil); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	moved, _ := money.ToAtomic(20)
	b, err := svc.Exchange(context.Background(), "u-exch", "main", "bonus", moved, "req-exch-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if b.Bonus != moved {
		t.Fatalf("expected bonus %d, got %d", moved, b.Bonus)
	}
	if b.Main != amount.Sub(moved) {
		t.Fatalf("expected main %d, got %d", amount.Sub(moved), b.Main)
	}
}

func TestExchangeSameLegRejected(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-exch2", 0, 0)

	amount, _ := money.ToAtomic(1)
	_, err := svc.Exchange(context.Background(), "u-exch2", "main", "main", amount, "req-exch-bad")
	if err == nil {
		t.Fatal("expected same-leg exchange to be rejected")
	}
}

func TestCreditWebhookTransferResolvesUserAndDeposits(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-webhook", 0, 0)

	if err := svc.RecordStaticAddress(context.Background(), "u-webhook", "USDT", "TRC20", "track-1", "Txyz..."); err != nil {
		t.Fatalf("record static address: %v", err)
	}

	amount, _ := money.ToAtomic(15)
	b, err := svc.CreditWebhookTransfer(context.Background(), "track-1", "tx-1", "USDT", amount)
	if err != nil {
		t.Fatalf("credit webhook transfer: %v", err)
	}
	if b.Main != amount {
		t.Fatalf("expected main %d, got %d", amount, b.Main)
	}

	var deposits int
	if err := testPool.QueryRow(context.Background(),
		"SELECT count(*) FROM wallet_deposits WHERE track_id = $1 AND tx_id = $2", "track-1", "tx-1").Scan(&deposits); err != nil {
		t.Fatalf("count deposits: %v", err)
	}
	if deposits != 1 {
		t.Fatalf("expected exactly one deposit receipt row, got %d", deposits)
	}
}

func TestCreditWebhookTransferRedeliveryCollapses(t *testing.T) {
	svc := newTestService()
	seedUser(t, "u-webhook2", 0, 0)
	if err := svc.RecordStaticAddress(context.Background(), "u-webhook2", "USDT", "TRC20", "track-2", "Tabc..."); err != nil {
		t.Fatalf("record static address: %v", err)
	}

	amount, _ := money.ToAtomic(7)
	first, err := svc.CreditWebhookTransfer(context.Background(), "track-2", "tx-2", "USDT", amount)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}

	// A redelivered webhook for the same (trackId, txId) must collapse to
	// the first committed effect, not double-credit.
	second, err := svc.CreditWebhookTransfer(context.Background(), "track-2", "tx-2", "USDT", amount)
	if err == nil {
		t.Fatalf("expected redelivery to fail as a duplicate request, got balances %+v", second)
	}
	if apperr.CodeOf(err) != apperr.CodeDuplicateRequest {
		t.Fatalf("expected DUPLICATE_REQUEST, got %v", apperr.CodeOf(err))
	}

	var main int64
	if err := testPool.QueryRow(context.Background(),
		"SELECT balance_main FROM users WHERE id = $1", "u-webhook2").Scan(&main); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if money.Atomic(main) != first.Main {
		t.Fatalf("balance must not double-credit: expected %d, got %d", first.Main, main)
	}
}

func TestCreditWebhookTransferUnknownTrackIDFails(t *testing.T) {
	svc := newTestService()
	amount, _ := money.ToAtomic(1)
	_, err := svc.CreditWebhookTransfer(context.Background(), "no-such-track", "tx-x", "USDT", amount)
	if err == nil {
		t.Fatal("expected unknown trackId to fail")
	}
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", apperr.CodeOf(err))
	}
}
