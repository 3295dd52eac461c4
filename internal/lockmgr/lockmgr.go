// Package lockmgr implements a distributed mutex: named leases in a
// shared Postgres table with TTL and takeover-on-expiry. Each key maps to
// one lease row that survives across calls via expiresAt, so no
// transaction stays open for the lease's lifetime and a crashed holder is
// seized past its TTL.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
)

// Lease is a held named mutex.
type Lease struct {
	Key       string
	OwnerID   string
	ExpiresAt time.Time
}

// Manager acquires/renews/releases leases backed by the `locks` table.
type Manager struct {
	pool        *pgxpool.Pool
	defaultWait time.Duration
	defaultTTL  time.Duration
}

// New builds a Manager over pool with 8s wait / 5s TTL defaults.
func New(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool, defaultWait: 8 * time.Second, defaultTTL: 5 * time.Second}
}

// WithTimings overrides the default acquire wait and lease TTL applied
// when a caller passes zero, and returns m for chaining at construction.
func (m *Manager) WithTimings(wait, ttl time.Duration) *Manager {
	if wait > 0 {
		m.defaultWait = wait
	}
	if ttl > 0 {
		m.defaultTTL = ttl
	}
	return m
}

const (
	defaultBackoffBase = 15 * time.Millisecond
	backoffFactor      = 1.35
	backoffCap         = 250 * time.Millisecond
)

// Acquire blocks up to waitMs for the named lease, retrying the
// seize-or-insert step with jittered exponential backoff (15·1.35^n ms,
// capped at 250ms). It fails with a retryable LOCK_TIMEOUT error once
// waitMs elapses. Zero waitMs/ttlMs fall back to the manager defaults.
func (m *Manager) Acquire(ctx context.Context, key string, waitMs, ttlMs int) (*Lease, error) {
	wait := time.Duration(waitMs) * time.Millisecond
	if waitMs <= 0 {
		wait = m.defaultWait
	}
	ttl := time.Duration(ttlMs) * time.Millisecond
	if ttlMs <= 0 {
		ttl = m.defaultTTL
	}
	deadline := time.Now().Add(wait)
	ownerID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		lease, acquired, err := m.tryAcquire(ctx, key, ownerID, ttl)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "lock acquire failed", err)
		}
		if acquired {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, apperr.New(apperr.CodeLockTimeout, fmt.Sprintf("timed out acquiring lock %q", key))
		}

		backoff := time.Duration(float64(defaultBackoffBase) * math.Pow(backoffFactor, float64(attempt)))
		if backoff > backoffCap {
			backoff = backoffCap
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.CodeInternal, "lock acquire cancelled", ctx.Err())
		case <-time.After(backoff + jitter):
		}
	}
}

// tryAcquire performs one seize-or-insert attempt. The conditional update
// seizes any row whose lease has already expired (expiresAt <= now,
// inclusive, so a just-released lease is immediately reusable); a miss
// falls through to an insert, which only succeeds if no row exists yet.
func (m *Manager) tryAcquire(ctx context.Context, key, ownerID string, ttl time.Duration) (*Lease, bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	tag, err := m.pool.Exec(ctx, `
		UPDATE locks
		SET owner_id = $1, expires_at = $2
		WHERE key = $3 AND expires_at <= $4`,
		ownerID, expiresAt, key, now)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return &Lease{Key: key, OwnerID: ownerID, ExpiresAt: expiresAt}, true, nil
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO locks (key, owner_id, expires_at)
		VALUES ($1, $2, $3)`,
		key, ownerID, expiresAt)
	if err == nil {
		return &Lease{Key: key, OwnerID: ownerID, ExpiresAt: expiresAt}, true, nil
	}
	if isConflict(err) {
		return nil, false, nil
	}
	return nil, false, err
}

// Renew extends lease by ttlMs, failing if a different owner now holds the
// key.
func (m *Manager) Renew(ctx context.Context, lease *Lease, ttlMs int) (*Lease, error) {
	newExpiry := time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	tag, err := m.pool.Exec(ctx, `
		UPDATE locks
		SET expires_at = $1
		WHERE key = $2 AND owner_id = $3`,
		newExpiry, lease.Key, lease.OwnerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "lock renew failed", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, apperr.New(apperr.CodeConflict, "lease no longer held by this owner")
	}
	lease.ExpiresAt = newExpiry
	return lease, nil
}

// Release marks the lease expired without deleting the row, avoiding
// index churn. Release is idempotent: releasing an already-expired
// or already-released lease is a no-op, never an error.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE locks
		SET expires_at = now() - interval '1 second'
		WHERE key = $1 AND owner_id = $2`,
		lease.Key, lease.OwnerID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "lock release failed", err)
	}
	return nil
}

// WithLock acquires key, runs fn, and releases the lease regardless of
// fn's outcome. This is the common call shape every wallet/game caller
// uses.
func (m *Manager) WithLock(ctx context.Context, key string, waitMs, ttlMs int, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, key, waitMs, ttlMs)
	if err != nil {
		return err
	}
	defer func() {
		_ = m.Release(context.WithoutCancel(ctx), lease)
	}()
	return fn(ctx)
}

// isConflict reports whether err is the unique_violation raised when a
// concurrent caller wins the insert race for the same key.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
