// Package fair implements the `fair.check` command: given a round's
// published commitment hash, look up which game it belongs to and the
// outcome the hash committed to. This is the read side of the hash every
// engine writes to its history table, one lookup across all six games.
package fair

import (
	"context"

	"github.com/jmoiron/sqlx"

	"casino/internal/apperr"
)

// Result is the fair.check payload, e.g. `{game:"wheel", number:3}` for
// a red wheel round.
type Result struct {
	Game   string  `json:"game"`
	Number float64 `json:"number"`
}

// wheelColorNumber maps a wheel color to the number fair.check reports:
// the color's payout rate (black×2, red×3, green×5, yellow×50), the same
// table wheel.go pays out against.
var wheelColorNumber = map[string]float64{"black": 2, "red": 3, "green": 5, "yellow": 50}

// lookup is one game's row shape for the sole column fair.check reports;
// sqlx.Get scans directly into it.
type lookup struct {
	Value *float64 `db:"value"`
}

// Service looks up a round by its published hash across every game's
// history table.
type Service struct {
	db *sqlx.DB
}

// NewService builds a fair Service over a struct-scanning read handle.
func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// gameQueries is the fixed search order fair.check walks: one row-returning
// query per game, normalized to a single nullable "value" column so a
// single sqlx.Get shape covers all six tables.
var gameQueries = []struct {
	game  string
	query string
}{
	{"dice", `SELECT roll AS value FROM dice_games WHERE hash = $1`},
	{"crash", `SELECT crash_point AS value FROM crash_rounds WHERE hash = $1`},
	{"jackpot", `SELECT winner_ticket::float8 AS value FROM jackpot_rounds WHERE hash = $1 AND winner_ticket IS NOT NULL`},
	{"battle", `SELECT winner_ticket::float8 AS value FROM battle_rounds WHERE hash = $1 AND winner_ticket IS NOT NULL`},
	{"coinflip", `SELECT winner_ticket::float8 AS value FROM coinflip_games WHERE hash = $1 AND winner_ticket IS NOT NULL`},
}

// Check searches every game's history table for hash, in a fixed order,
// and returns the first match's outcome number. Wheel is looked up
// separately since its committed outcome is a color, not a number.
func (s *Service) Check(ctx context.Context, hash string) (*Result, error) {
	if hash == "" {
		return nil, apperr.New(apperr.CodeValidation, "hash is required")
	}

	for _, q := range gameQueries {
		var row lookup
		if err := s.db.GetContext(ctx, &row, q.query, hash); err == nil && row.Value != nil {
			return &Result{Game: q.game, Number: *row.Value}, nil
		}
	}

	var resultColor *string
	if err := s.db.GetContext(ctx, &resultColor, `SELECT result_color FROM wheel_rounds WHERE hash = $1`, hash); err == nil && resultColor != nil {
		return &Result{Game: "wheel", Number: wheelColorNumber[*resultColor]}, nil
	}

	return nil, apperr.New(apperr.CodeNotFound, "no round found for hash")
}
