package lockmgr

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
		)`); err != nil {
		os.Exit(0)
	}

	testPool = pool
	os.Exit(m.Run())
}

func TestAcquireRelease(t *testing.T) {
	mgr := New(testPool)
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "player:1", 1000, 5000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	lease2, err := mgr.Acquire(ctx, "player:1", 1000, 5000)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = mgr.Release(ctx, lease2)
}

func TestAcquireContendedTimesOut(t *testing.T) {
	mgr := New(testPool)
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "player:2", 1000, 5000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, lease)

	_, err = mgr.Acquire(ctx, "player:2", 100, 5000)
	if err == nil {
		t.Fatal("expected contended acquire to time out")
	}
	if apperr.CodeOf(err) != apperr.CodeLockTimeout {
		t.Fatalf("expected LOCK_TIMEOUT, got %v", apperr.CodeOf(err))
	}
}

func TestAcquireSeizesExpiredLease(t *testing.T) {
	mgr := New(testPool)
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "player:3", 1000, 50)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = lease

	time.Sleep(100 * time.Millisecond)

	lease2, err := mgr.Acquire(ctx, "player:3", 1000, 5000)
	if err != nil {
		t.Fatalf("expected seize of expired lease to succeed: %v", err)
	}
	_ = mgr.Release(ctx, lease2)
}

func TestRenewRejectsWrongOwner(t *testing.T) {
	mgr := New(testPool)
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "player:4", 1000, 5000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer mgr.Release(ctx, lease)

	stolen := &Lease{Key: lease.Key, OwnerID: "not-the-owner"}
	if _, err := mgr.Renew(ctx, stolen, 5000); err == nil {
		t.Fatal("expected renew with wrong owner to fail")
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	mgr := New(testPool)
	ctx := context.Background()

	ran := false
	err := mgr.WithLock(ctx, "player:5", 1000, 5000, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run")
	}

	// lock must be free again
	lease, err := mgr.Acquire(ctx, "player:5", 500, 5000)
	if err != nil {
		t.Fatalf("expected lock free after WithLock: %v", err)
	}
	_ = mgr.Release(ctx, lease)
}
