package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dialbridge/dialbridge/internal/config"
	"github.com/dialbridge/dialbridge/internal/store"
)

const testSecret = "test-secret-key-for-auth-unit-tests"

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:        testSecret,
		AccessTokenTTL:   config.Duration{Duration: time.Hour},
		DeviceSessionTTL: config.Duration{Duration: 24 * time.Hour},
		InitialAdmin:     &config.InitialAdmin{Username: "admin", Password: "admin-pass-123"},
	}
	svc := NewService(s, cfg)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return svc, s
}

func TestBootstrapIdempotent(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	// Second bootstrap must not create a duplicate or reset the password.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users after double bootstrap: got %d, want 1", len(users))
	}
	if users[0].Role != "admin" {
		t.Errorf("bootstrap role: got %q, want admin", users[0].Role)
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Login(ctx, "admin", "admin-pass-123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Username != "admin" {
		t.Errorf("Username: got %q, want admin", id.Username)
	}
	if id.Role != "admin" {
		t.Errorf("Role: got %q, want admin", id.Role)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Login(context.Background(), "admin", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	_, err = svc.Login(context.Background(), "nobody", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice", "password123", "alice@example.com", "Alice", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != "user" {
		t.Errorf("default role: got %q, want user", u.Role)
	}

	_, err = svc.Register(ctx, "alice", "other-pass", "", "", "")
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestDeviceSessionValidateAndRevoke(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	admin, err := s.GetUserByUsername(ctx, "admin")
	if err != nil || admin == nil {
		t.Fatalf("GetUserByUsername(admin): %v %v", admin, err)
	}

	token, err := svc.CreateDeviceSession(ctx, admin.ID, "phone")
	if err != nil {
		t.Fatalf("CreateDeviceSession: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken(session): %v", err)
	}
	if id.UserID != admin.ID {
		t.Errorf("UserID: got %q, want %q", id.UserID, admin.ID)
	}

	// Revoke, then the same token must be rejected even though its
	// signature and expiry are still valid.
	if err := svc.RevokeDeviceSession(ctx, token); err != nil {
		t.Fatalf("RevokeDeviceSession: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}
}

func TestRevokeRejectsAccessToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Login(ctx, "admin", "admin-pass-123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.RevokeDeviceSession(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized revoking an access token, got %v", err)
	}
}

func TestInvalidDiscriminatorRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// A structurally valid token signed with the right secret but carrying an
	// unknown typ must be rejected, not tried against both verification paths.
	for _, typ := range []string{"", "refresh", "ACCESS"} {
		claims := &Claims{
			UserID:    "u-1",
			Username:  "alice",
			Role:      "user",
			TokenType: typ,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ID:        "jti-1",
			},
		}
		tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := svc.ValidateToken(ctx, tokenStr); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("typ %q: expected ErrUnauthorized, got %v", typ, err)
		}
	}
}

func TestWrongSecretRejected(t *testing.T) {
	svc, _ := newTestService(t)

	claims := &Claims{
		UserID:    "u-1",
		Username:  "alice",
		TokenType: TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("some-other-secret-entirely"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), tokenStr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc, _ := newTestService(t)

	claims := &Claims{
		UserID:    "u-1",
		TokenType: TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), tokenStr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	svc, _ := newTestService(t)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.ValidateToken(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("token %q: expected ErrUnauthorized, got %v", tok, err)
		}
	}
}
