package auth

import (
	"testing"
	"time"

	"casino/internal/apperr"
)

func newTokenTestService() *Service {
	return NewService(nil, nil, "access-secret", "refresh-secret", 15*time.Minute, 14*24*time.Hour, 0)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	s := newTokenTestService()
	tok, err := s.sign(s.accessSecret, "user-1", "access", 3, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	userID, err := s.ValidateAccessToken(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("subject = %q, want user-1", userID)
	}
}

func TestValidateAccessTokenRejectsRefreshToken(t *testing.T) {
	s := newTokenTestService()
	// A refresh token signed with the access secret must still be refused:
	// the type claim, not just the signature, gates access.
	tok, err := s.sign(s.accessSecret, "user-1", "refresh", 0, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.ValidateAccessToken(tok); apperr.CodeOf(err) != apperr.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED for refresh-typed token, got %v", err)
	}
}

func TestValidateAccessTokenRejectsWrongSecret(t *testing.T) {
	s := newTokenTestService()
	tok, err := s.sign([]byte("some-other-secret"), "user-1", "access", 0, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.ValidateAccessToken(tok); apperr.CodeOf(err) != apperr.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED for wrong secret, got %v", err)
	}
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	s := newTokenTestService()
	tok, err := s.sign(s.accessSecret, "user-1", "access", 0, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.ValidateAccessToken(tok); apperr.CodeOf(err) != apperr.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED for expired token, got %v", err)
	}
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	s := newTokenTestService()
	if _, err := s.ValidateAccessToken("not.a.jwt"); apperr.CodeOf(err) != apperr.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED for garbage token, got %v", err)
	}
}

func TestHashTokenStableAndOpaque(t *testing.T) {
	h1 := hashToken("refresh-token-value")
	h2 := hashToken("refresh-token-value")
	if h1 != h2 {
		t.Fatal("hashToken must be deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("hashToken length = %d, want 64 hex chars", len(h1))
	}
	if h1 == hashToken("refresh-token-value2") {
		t.Fatal("hashToken collided for different tokens")
	}
}
