package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/templui/downloadgroups/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by API bearer tokens.
type Claims struct {
	TenantID     string   `json:"tenant_id"`
	Capabilities []string `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

type AuthService struct {
	jwtSecret string
	jwtExpiry time.Duration
}

func NewAuthService(jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

// GenerateJWT issues a token for a principal. Used by dlctl and tests;
// production tokens come from the identity provider sharing the secret.
func (s *AuthService) GenerateJWT(p *model.Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID:     p.TenantID,
		Capabilities: p.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// VerifyJWT validates a bearer token and returns its principal.
func (s *AuthService) VerifyJWT(tokenString string) (*model.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}

	return &model.Principal{
		ID:           claims.Subject,
		TenantID:     claims.TenantID,
		Capabilities: claims.Capabilities,
	}, nil
}
