// Package database owns the Postgres connection pool: a small interface
// wrapping the driver with Health/Close, built on pgxpool since every
// write path (wallet, outbox, locks, idempotency) needs transactions.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"casino/internal/config"
)

// Service is the database collaborator every component depends on.
type Service interface {
	Pool() *pgxpool.Pool
	// ReadDB returns a struct-scanning sqlx handle for read-only,
	// multi-table lookups (internal/fair's fair.check), where one query
	// shape is reused across six tables.
	ReadDB() *sqlx.DB
	Health() map[string]string
	Close()
}

type service struct {
	pool   *pgxpool.Pool
	readDB *sqlx.DB
}

// New opens the pool against cfg.DatabaseURL. Unlike the cache, a
// database failure is fatal: every component in this system needs it.
func New(cfg *config.Config) Service {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[DB] invalid DATABASE_URL: %v", err)
	}
	poolCfg.MaxConns = 25
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("[DB] failed to open pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("[DB] ping failed: %v", err)
	}

	readDB, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[DB] failed to open read handle: %v", err)
	}

	log.Println("[DB] Postgres connected successfully")
	return &service{pool: pool, readDB: readDB}
}

func (s *service) Pool() *pgxpool.Pool { return s.pool }

func (s *service) ReadDB() *sqlx.DB { return s.readDB }

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("postgres down: %v", err)
		return stats
	}

	st := s.pool.Stat()
	stats["status"] = "up"
	stats["total_conns"] = fmt.Sprintf("%d", st.TotalConns())
	stats["idle_conns"] = fmt.Sprintf("%d", st.IdleConns())
	stats["acquired_conns"] = fmt.Sprintf("%d", st.AcquiredConns())
	return stats
}

func (s *service) Close() {
	log.Println("[DB] Disconnecting from Postgres")
	s.pool.Close()
	s.readDB.Close()
}
