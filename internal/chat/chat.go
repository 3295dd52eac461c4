// Package chat is the message store plus the online-count broadcast the
// gateway triggers on connect/disconnect. Messages are persisted so chat
// history survives a gateway restart.
package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
	"casino/internal/outbox"
)

func mustMarshalJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func itoaInt64(n int64) string { return strconv.FormatInt(n, 10) }

// Message is one chat line.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

const maxMessageLen = 500

// Service persists chat messages and publishes them on the outbox so the
// gateway fans them out to every subscribed connection.
type Service struct {
	pool *pgxpool.Pool
	bus  *outbox.Bus
}

// NewService builds a chat Service.
func NewService(pool *pgxpool.Pool, bus *outbox.Bus) *Service {
	return &Service{pool: pool, bus: bus}
}

// Send validates and stores a message, then publishes chat.message.
func (s *Service) Send(ctx context.Context, userID, username, body string) (*Message, error) {
	if len(body) == 0 || len(body) > maxMessageLen {
		return nil, apperr.Newf(apperr.CodeValidation, "message must be 1-%d characters", maxMessageLen)
	}
	var msg Message
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (user_id, username, body) VALUES ($1,$2,$3)
		RETURNING id, user_id, username, body, created_at`, userID, username, body)
	if err := row.Scan(&msg.ID, &msg.UserID, &msg.Username, &msg.Body, &msg.CreatedAt); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "chat message insert failed", err)
	}
	s.bus.Publish(outbox.Event{
		EventID: "chat:" + itoaInt64(msg.ID), Type: "chat.message", AggregateType: "chat", AggregateID: "global",
		Version: msg.ID, Payload: mustMarshalJSON(msg),
	})
	return &msg, nil
}

// Recent returns the last n messages, oldest first.
func (s *Service) Recent(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 || n > 200 {
		n = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, username, body, created_at FROM chat_messages
		ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "chat history query failed", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.Body, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "chat history scan failed", err)
		}
		out = append([]Message{m}, out...)
	}
	return out, nil
}

// PublishOnlineCount broadcasts chat.online with the gateway's current
// connection count, recomputed on every connect/disconnect.
func (s *Service) PublishOnlineCount(count int) {
	s.bus.Publish(outbox.Event{
		EventID: "chat:online:" + itoaInt64(int64(count)) + ":" + itoaInt64(time.Now().UnixNano()), Type: "chat.online", AggregateType: "chat", AggregateID: "global",
		Payload: mustMarshalJSON(map[string]any{"count": count}),
	})
}
