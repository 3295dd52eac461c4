package game

import (
	"testing"

	"casino/internal/config"
	"casino/internal/money"
)

func TestConfigSettingsReadThrough(t *testing.T) {
	// configSettings must observe a params change on the next read, the
	// way a live admin-settings store surfaces an admin.settings.save.
	current := config.GameParams{MinBetAtomic: 1_000_000, MaxBetAtomic: 10_000_000, CommissionPercent: 5}
	s := configSettings{params: func() config.GameParams { return current }}

	min, _ := s.DiceMinMax()
	if min != money.Atomic(1_000_000) {
		t.Fatalf("min = %d, want 1000000", min)
	}

	current.MinBetAtomic = 2_000_000
	min, _ = s.DiceMinMax()
	if min != money.Atomic(2_000_000) {
		t.Fatalf("min after update = %d, want 2000000", min)
	}
}

func TestConfigSettingsJackpotRoomTiers(t *testing.T) {
	s := configSettings{params: func() config.GameParams {
		return config.GameParams{MinBetAtomic: 1_000_000, MaxBetAtomic: 100_000_000, CommissionPercent: 10}
	}}

	easy := s.jackpotRoomConfig(JackpotEasy)
	hard := s.jackpotRoomConfig(JackpotHard)
	if easy.MinBet != money.Atomic(1_000_000) {
		t.Fatalf("easy min = %d, want base", easy.MinBet)
	}
	if hard.MinBet != money.Atomic(25_000_000) {
		t.Fatalf("hard min = %d, want 25x base", hard.MinBet)
	}
	if easy.CommissionPct != 10 || hard.CommissionPct != 10 {
		t.Fatal("rooms must share the global commission")
	}
}
