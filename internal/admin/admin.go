// Package admin implements the runtime-tunable settings record behind
// admin.settings.save: an operator-written row in the `settings` table
// overlays the environment-derived defaults from internal/config, and
// every reader sees a change within SettingsTTL through a read-through
// cache. The settings row is the source of truth an operator edits, not
// a derived view, so it lives next to the rest of the transactional
// state rather than in Redis.
package admin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"casino/internal/apperr"
	"casino/internal/config"
)

// settingsKey is the single jsonb row game params persist under.
const settingsKey = "games"

// Store serves the current admin-tunable game params, re-reading the
// settings table at most once per ttl.
type Store struct {
	pool *pgxpool.Pool
	cfg  *config.Config
	ttl  time.Duration

	mu        sync.RWMutex
	cached    config.GameParams
	fetchedAt time.Time
}

// NewStore builds a Store whose defaults come from cfg.Games and whose
// refresh interval is cfg.SettingsTTL.
func NewStore(pool *pgxpool.Pool, cfg *config.Config) *Store {
	return &Store{pool: pool, cfg: cfg, ttl: cfg.SettingsTTL, cached: cfg.Games}
}

// gameParamsPatch is the wire shape of one admin.settings.save payload:
// every field optional, absent fields keep their current value.
type gameParamsPatch struct {
	MinBetAtomic       *int64   `json:"minBetAtomic,omitempty"`
	MaxBetAtomic       *int64   `json:"maxBetAtomic,omitempty"`
	CommissionPercent  *float64 `json:"commissionPercent,omitempty"`
	CrashRestartMs     *int     `json:"crashRestartMs,omitempty"`
	WheelRoundWaitMs   *int     `json:"wheelRoundWaitMs,omitempty"`
	JackpotWinnerDelay *int     `json:"jackpotWinnerDelayMs,omitempty"`
	JackpotResetDelay  *int     `json:"jackpotResetDelayMs,omitempty"`
	BattleCountdownSec *int     `json:"battleCountdownSec,omitempty"`
}

func (p gameParamsPatch) applyTo(g *config.GameParams) {
	if p.MinBetAtomic != nil {
		g.MinBetAtomic = *p.MinBetAtomic
	}
	if p.MaxBetAtomic != nil {
		g.MaxBetAtomic = *p.MaxBetAtomic
	}
	if p.CommissionPercent != nil {
		g.CommissionPercent = *p.CommissionPercent
	}
	if p.CrashRestartMs != nil {
		g.CrashRestartMs = *p.CrashRestartMs
	}
	if p.WheelRoundWaitMs != nil {
		g.WheelRoundWaitMs = *p.WheelRoundWaitMs
	}
	if p.JackpotWinnerDelay != nil {
		g.JackpotWinnerDelay = *p.JackpotWinnerDelay
	}
	if p.JackpotResetDelay != nil {
		g.JackpotResetDelay = *p.JackpotResetDelay
	}
	if p.BattleCountdownSec != nil {
		g.BattleCountdownSec = *p.BattleCountdownSec
	}
}

// GameParams returns the current effective params: the env defaults with
// the persisted overlay applied, cached for ttl. A failed read serves
// the last good value.
func (s *Store) GameParams() config.GameParams {
	s.mu.RLock()
	if time.Since(s.fetchedAt) < s.ttl {
		g := s.cached
		s.mu.RUnlock()
		return g
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.fetchedAt) < s.ttl {
		return s.cached
	}
	g := s.cfg.Games
	if patch, err := s.load(context.Background()); err == nil && patch != nil {
		patch.applyTo(&g)
	}
	s.cached = g
	s.fetchedAt = time.Now()
	return g
}

func (s *Store) load(ctx context.Context) (*gameParamsPatch, error) {
	var raw []byte
	row := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingsKey)
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	var patch gameParamsPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

// Save validates and upserts an admin.settings.save payload, invalidating
// the cache so the next GameParams call re-reads. Stored patches are
// merged: a field omitted from this save keeps the value a prior save
// wrote.
func (s *Store) Save(ctx context.Context, payload json.RawMessage) (config.GameParams, error) {
	var patch gameParamsPatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		return config.GameParams{}, apperr.Wrap(apperr.CodeValidation, "malformed settings payload", err)
	}
	if patch.MinBetAtomic != nil && *patch.MinBetAtomic <= 0 {
		return config.GameParams{}, apperr.New(apperr.CodeValidation, "minBetAtomic must be positive")
	}
	if patch.MaxBetAtomic != nil && *patch.MaxBetAtomic <= 0 {
		return config.GameParams{}, apperr.New(apperr.CodeValidation, "maxBetAtomic must be positive")
	}
	if patch.CommissionPercent != nil && (*patch.CommissionPercent < 0 || *patch.CommissionPercent >= 100) {
		return config.GameParams{}, apperr.New(apperr.CodeValidation, "commissionPercent must be in [0, 100)")
	}

	merged := patch
	if prior, err := s.load(ctx); err == nil && prior != nil {
		m := *prior
		mergePatch(&m, patch)
		merged = m
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return config.GameParams{}, apperr.Wrap(apperr.CodeInternal, "settings marshal failed", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		settingsKey, body); err != nil {
		return config.GameParams{}, apperr.Wrap(apperr.CodeInternal, "settings upsert failed", err)
	}

	s.mu.Lock()
	g := s.cfg.Games
	merged.applyTo(&g)
	s.cached = g
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return g, nil
}

func mergePatch(dst *gameParamsPatch, src gameParamsPatch) {
	if src.MinBetAtomic != nil {
		dst.MinBetAtomic = src.MinBetAtomic
	}
	if src.MaxBetAtomic != nil {
		dst.MaxBetAtomic = src.MaxBetAtomic
	}
	if src.CommissionPercent != nil {
		dst.CommissionPercent = src.CommissionPercent
	}
	if src.CrashRestartMs != nil {
		dst.CrashRestartMs = src.CrashRestartMs
	}
	if src.WheelRoundWaitMs != nil {
		dst.WheelRoundWaitMs = src.WheelRoundWaitMs
	}
	if src.JackpotWinnerDelay != nil {
		dst.JackpotWinnerDelay = src.JackpotWinnerDelay
	}
	if src.JackpotResetDelay != nil {
		dst.JackpotResetDelay = src.JackpotResetDelay
	}
	if src.BattleCountdownSec != nil {
		dst.BattleCountdownSec = src.BattleCountdownSec
	}
}
