package game

import (
	"context"
	"testing"
	"time"

	"casino/internal/apperr"
	"casino/internal/money"
	"casino/internal/outbox"
)

func jackpotTestConfig(room JackpotRoom) JackpotRoomConfig {
	minBet, _ := money.ToAtomic(1)
	maxBet, _ := money.ToAtomic(100)
	return JackpotRoomConfig{TimerSec: 15, MinBet: minBet, MaxBet: maxBet, MaxBetsPerUser: 2, CommissionPct: 10}
}

func TestJackpotSpin_WinnerTicketWithinRanges(t *testing.T) {
	e := NewJackpotEngine(nil, JackpotEasy, nil, nil, jackpotTestConfig, 0, 0)
	potA, _ := money.ToAtomic(10)
	potB, _ := money.ToAtomic(30)

	for i := 0; i < 200; i++ {
		round := &JackpotRoundState{
			RoomID: JackpotEasy, Status: StatusBetting, Bets: make(map[string][]*jackpotBet),
			ticketRanges: []jackpotTicketRange{{userID: "a", lo: 1, hi: 1000}, {userID: "b", lo: 1001, hi: 4000}},
			totalTickets: 4000,
			Pot:          potA.Add(potB),
		}
		e.spin(round)

		if round.WinnerTicket < 1 || round.WinnerTicket > 4000 {
			t.Fatalf("winner ticket %d out of [1, 4000]", round.WinnerTicket)
		}
		wantWinner := "a"
		if round.WinnerTicket > 1000 {
			wantWinner = "b"
		}
		if round.WinnerUserID != wantWinner {
			t.Fatalf("ticket %d resolved to %q, want %q", round.WinnerTicket, round.WinnerUserID, wantWinner)
		}
		// payout = pot * (1 - commission/100); 40 coins at 10% → 36.
		want, _ := money.ToAtomic(36)
		if round.Payout != want {
			t.Fatalf("payout = %d, want %d", round.Payout, want)
		}
	}
}

func TestJackpotSpin_EmptyRoundIsNoop(t *testing.T) {
	e := NewJackpotEngine(nil, JackpotEasy, nil, nil, jackpotTestConfig, 0, 0)
	round := &JackpotRoundState{RoomID: JackpotEasy, Status: StatusBetting, Bets: make(map[string][]*jackpotBet)}
	e.spin(round)
	if round.WinnerUserID != "" || round.WinnerTicket != 0 {
		t.Fatalf("spin on an empty round must not pick a winner, got %q/%d", round.WinnerUserID, round.WinnerTicket)
	}
}

func TestJackpotResolveDrawsAtMostOnce(t *testing.T) {
	// The hour-long winner delay keeps the scheduled credit from firing
	// inside the test; the bus is never run, so publishes just queue.
	e := NewJackpotEngine(nil, JackpotEasy, nil, outbox.NewBus(16), jackpotTestConfig, time.Hour, 0)
	pot, _ := money.ToAtomic(10)
	round := &JackpotRoundState{
		RoomID: JackpotEasy, RoundID: "r1", Status: StatusBetting, Bets: make(map[string][]*jackpotBet),
		ticketRanges: []jackpotTicketRange{{userID: "a", lo: 1, hi: 1000}},
		totalTickets: 1000, Pot: pot,
	}

	e.resolveWithRecovery(context.Background(), round)
	if !round.spun {
		t.Fatal("resolve must set the spun sentinel")
	}
	if round.Status != StatusEnded {
		t.Fatalf("status = %s, want ended", round.Status)
	}
	first := round.WinnerTicket

	// A re-entry must never draw a second winner.
	e.resolveWithRecovery(context.Background(), round)
	if round.WinnerTicket != first {
		t.Fatalf("second resolve redrew the winner: %d -> %d", first, round.WinnerTicket)
	}
}

func TestJackpotPlaceBetEnforcesPerUserCap(t *testing.T) {
	e := NewJackpotEngine(nil, JackpotEasy, nil, nil, jackpotTestConfig, 0, 0)
	amount, _ := money.ToAtomic(5)
	round := &JackpotRoundState{RoomID: JackpotEasy, Status: StatusBetting, Bets: make(map[string][]*jackpotBet)}
	bet := &jackpotBet{Bet: Bet{UserID: "u1", Amount: amount}, tickets: 500}
	round.Bets["u1"] = []*jackpotBet{bet, bet}

	err := e.placeBet(context.Background(), round, jackpotBetCmd{userID: "u1", amount: amount})
	if apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Fatalf("expected FORBIDDEN over the per-user cap, got %v", err)
	}
}

func TestJackpotPlaceBetRefusedWhileSpinning(t *testing.T) {
	e := NewJackpotEngine(nil, JackpotEasy, nil, nil, jackpotTestConfig, 0, 0)
	amount, _ := money.ToAtomic(5)
	round := &JackpotRoundState{RoomID: JackpotEasy, Status: StatusSpinning, Bets: make(map[string][]*jackpotBet)}

	err := e.placeBet(context.Background(), round, jackpotBetCmd{userID: "u1", amount: amount})
	if apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("expected CONFLICT while spinning, got %v", err)
	}
}

func TestJackpotColorAssignmentIsStable(t *testing.T) {
	e := NewJackpotEngine(nil, JackpotEasy, nil, nil, jackpotTestConfig, 0, 0)
	first := e.colorFor("u1")
	for i := 0; i < 10; i++ {
		if e.colorFor("u1") != first {
			t.Fatal("a user's color must stay stable across bets")
		}
	}
}
