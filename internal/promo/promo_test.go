package promo

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
	"casino/internal/wallet"
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
		CREATE TABLE promocodes (
			id                  text PRIMARY KEY,
			code                text NOT NULL UNIQUE,
			reward_amount       bigint NOT NULL,
			reward_sub_wallet   text NOT NULL,
			active              boolean NOT NULL DEFAULT true,
			starts_at           timestamptz NOT NULL,
			expires_at          timestamptz NOT NULL,
			max_redemptions     int NOT NULL,
			current_redemptions int NOT NULL DEFAULT 0
		);
		CREATE TABLE promo_redemptions (
			id            bigserial PRIMARY KEY,
			promo_code_id text NOT NULL REFERENCES promocodes(id),
			user_id       text NOT NULL,
			created_at    timestamptz NOT NULL DEFAULT now(),
			UNIQUE (user_id, promo_code_id)
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
	w := wallet.New(testPool, locks, bus)
	return NewService(testPool, locks, w)
}

func seedUser(t *testing.T, userID string) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO users (id, balance_main, balance_bonus, state_version)
		VALUES ($1, 0, 0, 0)`, userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedPromo(t *testing.T, id, code string, reward money.Atomic, subWallet string, maxRedemptions int) {
	t.Helper()
	now := time.Now().UTC()
	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO promocodes (id, code, reward_amount, reward_sub_wallet, active, starts_at, expires_at, max_redemptions)
		VALUES ($1, $2, $3, $4, true, $5, $6, $7)`,
		id, code, int64(reward), subWallet, now.Add(-time.Hour), now.Add(time.Hour), maxRedemptions); err != nil {
		t.Fatalf("seed promo: %v", err)
	}
}

func TestRedeemSingleUseLifecycle(t *testing.T) {
	svc := newTestService()
	seedUser(t, "promo-a")
	seedUser(t, "promo-b")
	reward, _ := money.ToAtomic(5)
	seedPromo(t, "p1", "WELCOME5", reward, "bonus", 1)

	// A redeems and receives +5 bonus; codes are matched case-insensitively.
	b, err := svc.Redeem(context.Background(), "promo-a", "welcome5")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if b.Bonus != reward {
		t.Fatalf("bonus = %d, want %d", b.Bonus, reward)
	}

	// A retries: already redeemed.
	if _, err := svc.Redeem(context.Background(), "promo-a", "WELCOME5"); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("expected CONFLICT on re-redeem, got %v", err)
	}

	// B is over the cap.
	if _, err := svc.Redeem(context.Background(), "promo-b", "WELCOME5"); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Fatalf("expected FORBIDDEN past the cap, got %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	svc := newTestService()
	seedUser(t, "promo-c")
	if _, err := svc.Redeem(context.Background(), "promo-c", "NO-SUCH-CODE"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRedeemOutsideWindow(t *testing.T) {
	svc := newTestService()
	seedUser(t, "promo-d")
	reward, _ := money.ToAtomic(5)
	now := time.Now().UTC()
	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO promocodes (id, code, reward_amount, reward_sub_wallet, active, starts_at, expires_at, max_redemptions)
		VALUES ('p-expired', 'EXPIRED', $1, 'main', true, $2, $3, 10)`,
		int64(reward), now.Add(-2*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed expired promo: %v", err)
	}
	if _, err := svc.Redeem(context.Background(), "promo-d", "expired"); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR outside window, got %v", err)
	}
}

func TestRedeemCreditsMainSubWallet(t *testing.T) {
	svc := newTestService()
	seedUser(t, "promo-e")
	reward, _ := money.ToAtomic(3)
	seedPromo(t, "p2", "MAIN3", reward, "main", 10)

	b, err := svc.Redeem(context.Background(), "promo-e", "MAIN3")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if b.Main != reward || b.Bonus != 0 {
		t.Fatalf("balances = %d/%d, want %d/0", b.Main, b.Bonus, reward)
	}

	var ledgerType string
	if err := testPool.QueryRow(context.Background(), `
		SELECT type FROM wallet_ledger WHERE user_id = 'promo-e'`).Scan(&ledgerType); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if ledgerType != string(wallet.LedgerPromo) {
		t.Fatalf("ledger type = %q, want promo", ledgerType)
	}
}
