package auth

import (
	"context"
	"fmt"

	"github.com/dialbridge/dialbridge/internal/config"
	"github.com/dialbridge/dialbridge/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		jwks, err := NewJWKSProvider(cfg.JWKSIssuer)
		if err != nil {
			return nil, err
		}
		// Wrap with a Service so device-session tokens minted locally keep
		// validating when operator logins come from the external issuer.
		svc := NewService(s, cfg)
		return &jwksWithSessions{JWKSProvider: jwks, svc: svc}, nil
	case "builtin", "":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// jwksWithSessions accepts both externally issued operator tokens and
// locally minted device-session tokens.
type jwksWithSessions struct {
	*JWKSProvider
	svc *Service
}

func (p *jwksWithSessions) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if id, err := p.JWKSProvider.ValidateToken(ctx, token); err == nil {
		return id, nil
	}
	return p.svc.ValidateToken(ctx, token)
}

func (p *jwksWithSessions) CreateDeviceSession(ctx context.Context, userID, device string) (string, error) {
	return p.svc.CreateDeviceSession(ctx, userID, device)
}

func (p *jwksWithSessions) RevokeDeviceSession(ctx context.Context, token string) error {
	return p.svc.RevokeDeviceSession(ctx, token)
}
