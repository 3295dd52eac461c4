// Package outbox implements a transactional append-only event log plus an
// in-process event bus fed by a polling tailer. Writers append inside the
// same DB transaction as their business mutation so committed state and
// published events never diverge; the bus fans typed Event values out to
// Subscriber channels behind an eventId dedupe window.
package outbox

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
)

// Event is the normalized shape delivered to every subscriber.
type Event struct {
	ID            int64           `json:"-"`
	EventID       string          `json:"eventId"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Version       int64           `json:"version"`
	UserID        *string         `json:"userId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Append inserts an outbox row within tx, the caller's open transaction,
// so the event is visible to the tailer iff the mutation commits.
func Append(ctx context.Context, tx pgx.Tx, e Event) error {
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO event_outbox
			(event_id, type, aggregate_type, aggregate_id, version, user_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EventID, e.Type, e.AggregateType, e.AggregateID, e.Version, e.UserID, payload)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "outbox append failed", err)
	}
	return nil
}

// Subscriber is a bound, buffered delivery channel for one gateway
// connection or internal listener.
type Subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus is the in-process fan-out with an eventId dedupe ring buffer,
// mirroring Hub's register/unregister/broadcast channel triad.
type Bus struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	publish    chan Event

	dedupeWindow int
	mu           sync.RWMutex
	subs         map[*Subscriber]bool
	seen         map[string]bool
	seenOrder    []string
}

// NewBus builds a Bus whose dedupe window holds at most windowSize recent
// eventIds (default 10,000).
func NewBus(windowSize int) *Bus {
	if windowSize <= 0 {
		windowSize = 10_000
	}
	return &Bus{
		register:     make(chan *Subscriber),
		unregister:   make(chan *Subscriber),
		publish:      make(chan Event, 1024),
		dedupeWindow: windowSize,
		subs:         make(map[*Subscriber]bool),
		seen:         make(map[string]bool, windowSize),
	}
}

// Run drives the bus loop until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-b.register:
			b.mu.Lock()
			b.subs[s] = true
			b.mu.Unlock()
		case s := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		case e := <-b.publish:
			b.deliver(e)
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	if b.seen[e.EventID] {
		b.mu.Unlock()
		return
	}
	b.markSeenLocked(e.EventID)
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			log.Printf("[OUTBOX] subscriber channel full, dropping event %s", e.EventID)
		}
	}
}

func (b *Bus) markSeenLocked(eventID string) {
	b.seen[eventID] = true
	b.seenOrder = append(b.seenOrder, eventID)
	if len(b.seenOrder) > b.dedupeWindow {
		drop := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seen, drop)
	}
}

// Publish hands e to the bus loop. Used directly by tests and by the
// tailer; never blocks the caller's transaction since it runs after
// commit.
func (b *Bus) Publish(e Event) {
	select {
	case b.publish <- e:
	default:
		log.Printf("[OUTBOX] publish channel full, dropping event %s", e.EventID)
	}
}

// Subscribe registers a new Subscriber whose Events() channel receives
// events passing filter (nil filter receives everything).
func (b *Bus) Subscribe(filter func(Event) bool) *Subscriber {
	s := &Subscriber{ch: make(chan Event, 64), filter: filter}
	b.register <- s
	return s
}

// Unsubscribe removes s from the fan-out set and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.unregister <- s
}

// Tailer polls event_outbox past a persisted cursor and publishes each new
// row to the bus, in insert order, per aggregate. Polling (not LISTEN/
// NOTIFY) is a deliberate stdlib-adjacent choice — see DESIGN.md.
type Tailer struct {
	pool     *pgxpool.Pool
	bus      *Bus
	interval time.Duration
	cursor   int64
}

// NewTailer builds a Tailer reading from pool and publishing to bus.
func NewTailer(pool *pgxpool.Pool, bus *Bus, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Tailer{pool: pool, bus: bus, interval: interval}
}

// Run polls until ctx is cancelled. Each tick selects rows with id >
// cursor, publishes them in order, and advances the cursor past the last
// row seen — so a tailer restart re-delivers at most one window's worth of
// already-dedupable rows.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.pollOnce(ctx); err != nil {
				log.Printf("[OUTBOX] tailer poll failed: %v", err)
			}
		}
	}
}

func (t *Tailer) pollOnce(ctx context.Context) error {
	rows, err := t.pool.Query(ctx, `
		SELECT id, event_id, type, aggregate_type, aggregate_id, version, user_id, payload, created_at
		FROM event_outbox
		WHERE id > $1
		ORDER BY id ASC
		LIMIT 500`, t.cursor)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &e.AggregateType, &e.AggregateID,
			&e.Version, &e.UserID, &e.Payload, &e.CreatedAt); err != nil {
			return err
		}
		t.bus.Publish(e)
		t.cursor = e.ID
	}
	return rows.Err()
}
