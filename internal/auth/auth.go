// Package auth provides authentication for the relay and the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dialbridge/dialbridge/internal/config"
	"github.com/dialbridge/dialbridge/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Token kinds carried in the "typ" claim. A token with any other (or missing)
// discriminator is rejected outright rather than tried against both paths.
const (
	TokenAccess  = "access"
	TokenSession = "session"
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID    string `json:"uid"`
	Username  string `json:"usr"`
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Service handles authentication operations.
// It implements Provider and LoginProvider.
type Service struct {
	store            store.Store
	jwtSecret        []byte
	accessTokenTTL   time.Duration
	deviceSessionTTL time.Duration
	initialAdmin     *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:            s,
		jwtSecret:        []byte(cfg.JWTSecret),
		accessTokenTTL:   cfg.AccessTokenTTL.Duration,
		deviceSessionTTL: cfg.DeviceSessionTTL.Duration,
		initialAdmin:     cfg.InitialAdmin,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the initial admin user if configured and not yet present.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUserByUsername(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Login authenticates a user and returns a short-lived access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.signToken(user, TokenAccess, s.accessTokenTTL, uuid.New().String())
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, email, fullName, role string) (*store.User, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Email:        email,
		FullName:     fullName,
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// CreateDeviceSession mints a long-lived session token for a paired device.
// The token's jti is persisted; deleting the row revokes the token.
func (s *Service) CreateDeviceSession(ctx context.Context, userID, device string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrUnauthorized
	}

	jti := uuid.New().String()
	now := time.Now()
	sess := &store.DeviceSession{
		ID:        jti,
		UserID:    user.ID,
		Device:    device,
		CreatedAt: now,
		ExpiresAt: now.Add(s.deviceSessionTTL),
	}
	if err := s.store.CreateDeviceSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create device session: %w", err)
	}

	return s.signToken(user, TokenSession, s.deviceSessionTTL, jti)
}

// RevokeDeviceSession deletes the session row backing a session token.
func (s *Service) RevokeDeviceSession(ctx context.Context, tokenStr string) error {
	claims, err := s.parseJWT(tokenStr)
	if err != nil {
		return err
	}
	if claims.TokenType != TokenSession {
		return ErrUnauthorized
	}
	return s.store.DeleteDeviceSession(ctx, claims.ID)
}

// ValidateToken validates a bearer token and returns an Identity.
// Access tokens are stateless; session tokens must additionally resolve to a
// live device_sessions row, so revocation takes effect immediately.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.parseJWT(tokenStr)
	if err != nil {
		return nil, err
	}

	switch claims.TokenType {
	case TokenAccess:
		// self-expiring, nothing else to check
	case TokenSession:
		sess, err := s.store.GetDeviceSession(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("get device session: %w", err)
		}
		if sess == nil || time.Now().After(sess.ExpiresAt) {
			return nil, ErrUnauthorized
		}
	default:
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}

func (s *Service) parseJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) signToken(user *store.User, tokenType string, ttl time.Duration, jti string) (string, error) {
	claims := &Claims{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
