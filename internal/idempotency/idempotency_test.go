package idempotency

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
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
		CREATE TABLE request_ledger (
			user_id    text NOT NULL,
			request_id text NOT NULL,
			type       text NOT NULL,
			status     text NOT NULL,
			response   jsonb,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, request_id)
		)`); err != nil {
		os.Exit(0)
	}

	testPool = pool
	os.Exit(m.Run())
}

func TestBeginFreshThenReplayCompleted(t *testing.T) {
	ledger := New(testPool)
	ctx := context.Background()

	outcome, err := ledger.Begin(ctx, "user-1", "req-1", "dice.bet")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !outcome.Fresh {
		t.Fatal("expected fresh begin")
	}

	resp := json.RawMessage(`{"ok":true,"data":{"balance":90}}`)
	if err := ledger.Complete(ctx, "user-1", "req-1", resp); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := ledger.Begin(ctx, "user-1", "req-1", "dice.bet")
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if replay.Fresh {
		t.Fatal("expected replay to not be fresh")
	}
	if replay.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", replay.Status)
	}
	if string(replay.Response) != string(resp) {
		t.Fatalf("expected byte-identical response, got %s", replay.Response)
	}
}

func TestBeginInFlightReturnsProcessing(t *testing.T) {
	ledger := New(testPool)
	ctx := context.Background()

	if _, err := ledger.Begin(ctx, "user-2", "req-2", "wallet.withdraw"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	outcome, err := ledger.Begin(ctx, "user-2", "req-2", "wallet.withdraw")
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if outcome.Fresh || outcome.Status != StatusProcessing {
		t.Fatalf("expected in-flight processing, got %+v", outcome)
	}
}

func TestFailIsTerminal(t *testing.T) {
	ledger := New(testPool)
	ctx := context.Background()

	if _, err := ledger.Begin(ctx, "user-3", "req-3", "crash.bet"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ledger.Fail(ctx, "user-3", "req-3"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	outcome, err := ledger.Begin(ctx, "user-3", "req-3", "crash.bet")
	if err != nil {
		t.Fatalf("begin after fail: %v", err)
	}
	if outcome.Fresh || outcome.Status != StatusFailed {
		t.Fatalf("expected terminal failed state, got %+v", outcome)
	}
}

func TestDifferentUsersIndependentRequestIDs(t *testing.T) {
	ledger := New(testPool)
	ctx := context.Background()

	o1, err := ledger.Begin(ctx, "user-a", "same-req", "dice.bet")
	if err != nil || !o1.Fresh {
		t.Fatalf("begin user-a: %v %+v", err, o1)
	}
	o2, err := ledger.Begin(ctx, "user-b", "same-req", "dice.bet")
	if err != nil || !o2.Fresh {
		t.Fatalf("begin user-b: %v %+v", err, o2)
	}
}
