package game

import (
	"context"
	"testing"

	"casino/internal/apperr"
	"casino/internal/money"
)

func newCoinflipTestEngine() *CoinflipEngine {
	return NewCoinflipEngine(nil, nil, nil, NewStaticCoinflipSettings(5))
}

func TestCoinflipCreateValidatesSide(t *testing.T) {
	e := newCoinflipTestEngine()
	amount, _ := money.ToAtomic(10)
	_, err := e.Create(context.Background(), "u1", "alice", amount, CoinflipSide("edge"))
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for bad side, got %v", err)
	}
}

func TestCoinflipCreateValidatesAmount(t *testing.T) {
	e := newCoinflipTestEngine()
	_, err := e.Create(context.Background(), "u1", "alice", 0, CoinflipHeads)
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for zero amount, got %v", err)
	}
}

func TestCoinflipJoinUnknownGame(t *testing.T) {
	e := newCoinflipTestEngine()
	_, err := e.Join(context.Background(), "u2", "bob", "no-such-game")
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown game, got %v", err)
	}
}

func TestCoinflipJoinRefusesSelfJoin(t *testing.T) {
	e := newCoinflipTestEngine()
	amount, _ := money.ToAtomic(10)
	e.games["g1"] = &CoinflipGame{GameID: "g1", Status: StatusBetting, CreatorID: "u1", Amount: amount, CreatorEnd: 1001}

	_, err := e.Join(context.Background(), "u1", "alice", "g1")
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for self-join, got %v", err)
	}
}

func TestCoinflipJoinRefusesResolvedGame(t *testing.T) {
	e := newCoinflipTestEngine()
	amount, _ := money.ToAtomic(10)
	e.games["g2"] = &CoinflipGame{GameID: "g2", Status: StatusEnded, CreatorID: "u1", Amount: amount}

	_, err := e.Join(context.Background(), "u2", "bob", "g2")
	if apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("expected CONFLICT for resolved game, got %v", err)
	}
}

func TestCoinflipOpenGames(t *testing.T) {
	e := newCoinflipTestEngine()
	amount, _ := money.ToAtomic(10)
	e.games["open"] = &CoinflipGame{GameID: "open", Status: StatusBetting, CreatorID: "u1", Amount: amount}
	e.games["done"] = &CoinflipGame{GameID: "done", Status: StatusEnded, CreatorID: "u1", Amount: amount}

	open := e.OpenGames()
	if len(open) != 1 || open[0].GameID != "open" {
		t.Fatalf("expected exactly the open game, got %d game(s)", len(open))
	}
}
