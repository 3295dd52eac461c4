// Package idempotency implements the request ledger: a
// (userId, requestId)-keyed table of in-flight/completed/failed mutating
// commands, so a retried command collapses to the first committed effect
// and returns byte-identical response bytes.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
)

// Status is the lifecycle state of a request ledger row.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Outcome reports the ledger's verdict for a Begin call.
type Outcome struct {
	// Fresh is true when this call inserted a new processing row and the
	// caller should proceed to invoke the handler.
	Fresh bool
	// Status is the existing row's status when Fresh is false.
	Status Status
	// Response is the stored response bytes when Status == completed.
	Response json.RawMessage
}

// Ledger is the request-ledger store.
type Ledger struct {
	pool *pgxpool.Pool
}

// New builds a Ledger over pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Begin attempts to claim (userID, requestID) for cmdType. On success it
// inserts a `processing` row and returns Fresh=true. On conflict it
// reports the existing row's terminal or in-flight state. A `failed` row
// is terminal — a later identical requestId collides and is treated as an
// already-seen failure, never retried transparently.
func (l *Ledger) Begin(ctx context.Context, userID, requestID, cmdType string) (Outcome, error) {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO request_ledger (user_id, request_id, type, status)
		VALUES ($1, $2, $3, $4)`,
		userID, requestID, cmdType, StatusProcessing)
	if err == nil {
		return Outcome{Fresh: true}, nil
	}
	if !isUniqueViolation(err) {
		return Outcome{}, apperr.Wrap(apperr.CodeInternal, "request ledger insert failed", err)
	}

	var status Status
	var response []byte
	row := l.pool.QueryRow(ctx, `
		SELECT status, response FROM request_ledger
		WHERE user_id = $1 AND request_id = $2`,
		userID, requestID)
	if scanErr := row.Scan(&status, &response); scanErr != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeInternal, "request ledger lookup failed", scanErr)
	}

	switch status {
	case StatusProcessing:
		return Outcome{Fresh: false, Status: StatusProcessing}, nil
	case StatusCompleted:
		return Outcome{Fresh: false, Status: StatusCompleted, Response: response}, nil
	case StatusFailed:
		return Outcome{Fresh: false, Status: StatusFailed}, nil
	default:
		return Outcome{}, apperr.Newf(apperr.CodeInternal, "unknown request ledger status %q", status)
	}
}

// Complete stores response against (userID, requestID) and marks it
// completed, so a replay returns byte-identical data.
func (l *Ledger) Complete(ctx context.Context, userID, requestID string, response json.RawMessage) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE request_ledger
		SET status = $1, response = $2, updated_at = now()
		WHERE user_id = $3 AND request_id = $4`,
		StatusCompleted, response, userID, requestID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "request ledger complete failed", err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.New(apperr.CodeInternal, "request ledger row missing at complete")
	}
	return nil
}

// Fail marks (userID, requestID) failed so the handler's failure does
// not silently leave the row `processing` forever.
func (l *Ledger) Fail(ctx context.Context, userID, requestID string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE request_ledger
		SET status = $1, updated_at = now()
		WHERE user_id = $2 AND request_id = $3`,
		StatusFailed, userID, requestID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "request ledger fail failed", err)
	}
	return nil
}

// Request ledger rows live one week before the sweeper removes them.
// Postgres has no native TTL index, so Run polls instead.
const sweepInterval = time.Hour

// Run deletes rows older than the retention window on an hourly tick
// until ctx is cancelled, standing in for the TTL index the design
// assumes of its document store.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tag, err := l.pool.Exec(ctx, `
				DELETE FROM request_ledger WHERE created_at < now() - interval '7 days'`)
			if err != nil {
				log.Printf("[IDEMPOTENCY] sweep failed: %v", err)
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				log.Printf("[IDEMPOTENCY] swept %d expired request ledger rows", n)
			}
		}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
