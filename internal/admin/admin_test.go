package admin

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

	"casino/internal/apperr"
	"casino/internal/config"
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
		CREATE TABLE settings (
			key        text PRIMARY KEY,
			value      jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		os.Exit(0)
	}

	testPool = pool
	os.Exit(m.Run())
}

func newTestStore(ttl time.Duration) *Store {
	cfg := &config.Config{
		SettingsTTL: ttl,
		Games: config.GameParams{
			MinBetAtomic: 1_000_000, MaxBetAtomic: 10_000_000_000,
			CommissionPercent: 5, BattleCountdownSec: 20,
		},
	}
	return NewStore(testPool, cfg)
}

func clearSettings(t *testing.T) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), `DELETE FROM settings`); err != nil {
		t.Fatalf("clear settings: %v", err)
	}
}

func TestGameParamsDefaultsWithoutRow(t *testing.T) {
	clearSettings(t)
	s := newTestStore(time.Millisecond)

	g := s.GameParams()
	if g.MinBetAtomic != 1_000_000 || g.CommissionPercent != 5 {
		t.Fatalf("expected env defaults, got %+v", g)
	}
}

func TestSaveOverlaysDefaults(t *testing.T) {
	clearSettings(t)
	s := newTestStore(time.Millisecond)

	payload, _ := json.Marshal(map[string]any{"commissionPercent": 7.5})
	g, err := s.Save(context.Background(), payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if g.CommissionPercent != 7.5 {
		t.Fatalf("commission = %v, want 7.5", g.CommissionPercent)
	}
	if g.MinBetAtomic != 1_000_000 {
		t.Fatalf("untouched field must keep its default, got %d", g.MinBetAtomic)
	}
}

func TestSaveMergesWithPriorSave(t *testing.T) {
	clearSettings(t)
	s := newTestStore(time.Millisecond)

	first, _ := json.Marshal(map[string]any{"commissionPercent": 8})
	if _, err := s.Save(context.Background(), first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, _ := json.Marshal(map[string]any{"battleCountdownSec": 30})
	g, err := s.Save(context.Background(), second)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if g.CommissionPercent != 8 {
		t.Fatalf("a later save must keep earlier overrides, commission = %v", g.CommissionPercent)
	}
	if g.BattleCountdownSec != 30 {
		t.Fatalf("battleCountdownSec = %d, want 30", g.BattleCountdownSec)
	}
}

func TestSaveRejectsInvalidValues(t *testing.T) {
	clearSettings(t)
	s := newTestStore(time.Millisecond)

	tests := []map[string]any{
		{"minBetAtomic": -1},
		{"maxBetAtomic": 0},
		{"commissionPercent": 100},
		{"commissionPercent": -1},
	}
	for _, payload := range tests {
		body, _ := json.Marshal(payload)
		if _, err := s.Save(context.Background(), body); apperr.CodeOf(err) != apperr.CodeValidation {
			t.Errorf("payload %v: expected VALIDATION_ERROR, got %v", payload, err)
		}
	}
}

func TestGameParamsServesCachedUntilTTL(t *testing.T) {
	clearSettings(t)
	s := newTestStore(time.Hour)

	before := s.GameParams()

	// A direct row write (another process's save) must stay invisible
	// until the TTL elapses; the hour-long TTL pins the cached value.
	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO settings (key, value) VALUES ('games', '{"commissionPercent": 50}')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`); err != nil {
		t.Fatalf("direct write: %v", err)
	}

	after := s.GameParams()
	if after.CommissionPercent != before.CommissionPercent {
		t.Fatalf("cached read changed within TTL: %v -> %v", before.CommissionPercent, after.CommissionPercent)
	}
}

func TestGameParamsRefreshesAfterTTL(t *testing.T) {
	clearSettings(t)
	s := newTestStore(10 * time.Millisecond)

	_ = s.GameParams()
	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO settings (key, value) VALUES ('games', '{"commissionPercent": 9}')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`); err != nil {
		t.Fatalf("direct write: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if g := s.GameParams(); g.CommissionPercent != 9 {
		t.Fatalf("expected refresh after TTL, commission = %v", g.CommissionPercent)
	}
}
