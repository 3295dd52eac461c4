// Package auth implements register/login/refresh/logout against a bcrypt
// password hash and dual access/refresh JWTs signed with distinct
// secrets, plus a revocable sessions table so a refresh token can be
// invalidated before its JWT expiry.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"casino/internal/apperr"
	"casino/internal/money"
	"casino/internal/wallet"
)

// Claims extends jwt.RegisteredClaims with the fields the gateway's auth
// step needs to attach a user to a connection.
type Claims struct {
	jwt.RegisteredClaims
	TokenType    string `json:"type"` // "access" or "refresh"
	TokenVersion int64  `json:"tv"`
}

// User is the authenticated account row.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	TokenVersion int64
	CreatedAt    time.Time
}

// Session is one refresh-token grant; RefreshTokenHash stores
// SHA-256(token) only, so replaying a stolen row still needs the
// original token.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	Revoked          bool
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// TokenPair is the signed pair returned to the client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	ExpiresInSec int64
}

// Service implements registration, login, refresh, and session revocation.
type Service struct {
	pool           *pgxpool.Pool
	wallet         *wallet.Service
	accessSecret   []byte
	refreshSecret  []byte
	accessTTL      time.Duration
	refreshTTL     time.Duration
	referralBonus  money.Atomic
}

// NewService builds an auth Service.
func NewService(pool *pgxpool.Pool, w *wallet.Service, accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, referralBonus money.Atomic) *Service {
	return &Service{
		pool: pool, wallet: w,
		accessSecret: []byte(accessSecret), refreshSecret: []byte(refreshSecret),
		accessTTL: accessTTL, refreshTTL: refreshTTL, referralBonus: referralBonus,
	}
}

// Register creates a user with a 100-demo-coin starting balance,
// optionally crediting a referrer when refCode names an existing user.
func (s *Service) Register(ctx context.Context, username, password, refCode string) (*User, *TokenPair, error) {
	if len(username) < 3 || len(password) < 8 {
		return nil, nil, apperr.New(apperr.CodeValidation, "username must be >=3 chars and password >=8 chars")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeInternal, "password hash failed", err)
	}

	userID := uuid.NewString()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeInternal, "register begin tx failed", err)
	}
	defer tx.Rollback(ctx)

	const startingBalance = 100 * money.Scale // demo coins granted at signup
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, balance_main, balance_bonus, state_version, token_version)
		VALUES ($1,$2,$3,$4,0,0,0)`,
		userID, username, string(hash), int64(startingBalance)); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, apperr.New(apperr.CodeConflict, "username already taken")
		}
		return nil, nil, apperr.Wrap(apperr.CodeInternal, "register insert failed", err)
	}

	if refCode != "" {
		var referrerID string
		row := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 OR username = $1`, refCode)
		if err := row.Scan(&referrerID); err == nil && referrerID != "" && referrerID != userID {
			if _, err := tx.Exec(ctx, `
				UPDATE users SET balance_main = balance_main + $2, state_version = state_version + 1
				WHERE id = $1`, referrerID, int64(s.referralBonus)); err != nil {
				return nil, nil, apperr.Wrap(apperr.CodeInternal, "referral bonus credit failed", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE users SET referral_count = referral_count + 1 WHERE id = $1`, referrerID); err != nil {
				return nil, nil, apperr.Wrap(apperr.CodeInternal, "referral counter increment failed", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeInternal, "register commit failed", err)
	}

	user := &User{ID: userID, Username: username, PasswordHash: string(hash)}
	pair, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Login verifies credentials and issues a fresh session.
func (s *Service) Login(ctx context.Context, username, password string) (*User, *TokenPair, error) {
	user, err := s.loadUser(ctx, username)
	if err != nil {
		return nil, nil, apperr.New(apperr.CodeUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, apperr.New(apperr.CodeUnauthorized, "invalid credentials")
	}
	pair, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

func (s *Service) issueSession(ctx context.Context, user *User) (*TokenPair, error) {
	now := time.Now().UTC()
	sessionID := uuid.NewString()

	access, err := s.sign(s.accessSecret, user.ID, "access", user.TokenVersion, now.Add(s.accessTTL))
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(s.refreshSecret, user.ID, "refresh", user.TokenVersion, now.Add(s.refreshTTL))
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token_hash, revoked, expires_at)
		VALUES ($1,$2,$3,false,$4)`,
		sessionID, user.ID, hashToken(refresh), now.Add(s.refreshTTL)); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "session insert failed", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, SessionID: sessionID, ExpiresInSec: int64(s.refreshTTL.Seconds())}, nil
}

// ValidateAccessToken is called by the gateway on every frame carrying
// auth.accessToken.
func (s *Service) ValidateAccessToken(tokenString string) (userID string, err error) {
	claims, err := s.parse(s.accessSecret, tokenString)
	if err != nil || claims.TokenType != "access" {
		return "", apperr.New(apperr.CodeUnauthorized, "invalid or expired access token")
	}
	return claims.Subject, nil
}

// Refresh rotates a refresh token: the presented token must match an
// unrevoked session row and the user's current tokenVersion.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(s.refreshSecret, refreshToken)
	if err != nil || claims.TokenType != "refresh" {
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid refresh token")
	}

	var session Session
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, refresh_token_hash, revoked, expires_at
		FROM sessions WHERE user_id = $1 AND refresh_token_hash = $2`,
		claims.Subject, hashToken(refreshToken))
	if err := row.Scan(&session.ID, &session.UserID, &session.RefreshTokenHash, &session.Revoked, &session.ExpiresAt); err != nil {
		return nil, apperr.New(apperr.CodeUnauthorized, "session not found")
	}
	if session.Revoked || time.Now().After(session.ExpiresAt) {
		return nil, apperr.New(apperr.CodeUnauthorized, "session revoked or expired")
	}

	user, err := s.loadUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, apperr.New(apperr.CodeUnauthorized, "user not found")
	}
	if claims.TokenVersion != user.TokenVersion {
		return nil, apperr.New(apperr.CodeUnauthorized, "token version mismatch")
	}

	now := time.Now().UTC()
	newRefresh, err := s.sign(s.refreshSecret, user.ID, "refresh", user.TokenVersion, now.Add(s.refreshTTL))
	if err != nil {
		return nil, err
	}
	newAccess, err := s.sign(s.accessSecret, user.ID, "access", user.TokenVersion, now.Add(s.accessTTL))
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE sessions SET refresh_token_hash = $2, expires_at = $3 WHERE id = $1`,
		session.ID, hashToken(newRefresh), now.Add(s.refreshTTL)); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "session rotate failed", err)
	}

	return &TokenPair{AccessToken: newAccess, RefreshToken: newRefresh, SessionID: session.ID, ExpiresInSec: int64(s.refreshTTL.Seconds())}, nil
}

// Logout revokes one session.
func (s *Service) Logout(ctx context.Context, userID, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE sessions SET revoked = true WHERE id = $1 AND user_id = $2`, sessionID, userID); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "logout failed", err)
	}
	return nil
}

// ListSessions returns a user's active (non-revoked, unexpired) sessions.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, refresh_token_hash, revoked, expires_at, created_at
		FROM sessions WHERE user_id = $1 AND revoked = false AND expires_at > now()
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list sessions failed", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.RefreshTokenHash, &sess.Revoked, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "session scan failed", err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Service) sign(secret []byte, userID, tokenType string, tokenVersion int64, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: tokenType, TokenVersion: tokenVersion,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "token sign failed", err)
	}
	return tok, nil
}

func (s *Service) parse(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid token")
	}
	return claims, nil
}

func (s *Service) loadUser(ctx context.Context, username string) (*User, error) {
	var u User
	row := s.pool.QueryRow(ctx, `SELECT id, username, password_hash, token_version, created_at FROM users WHERE username = $1`, username)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.TokenVersion, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) loadUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	row := s.pool.QueryRow(ctx, `SELECT id, username, password_hash, token_version, created_at FROM users WHERE id = $1`, id)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.TokenVersion, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// HasRole reports whether the user's roles array contains role; used by
// the gateway to gate admin.* commands.
func (s *Service) HasRole(ctx context.Context, userID, role string) bool {
	var has bool
	row := s.pool.QueryRow(ctx, `SELECT $2 = ANY(roles) FROM users WHERE id = $1`, userID, role)
	if err := row.Scan(&has); err != nil {
		return false
	}
	return has
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.Code == "23505"
	}
	return false
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
