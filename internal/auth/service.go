package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"edgecopilot/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for a missing or wrong password or token.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the payload of a session token.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Service trades the shared password for short-lived signed tokens.
type Service struct {
	mode       string
	password   string
	signKey    []byte
	tokenTTL   time.Duration
	headerName string
	now        func() time.Time
}

// NewService constructs an auth service from the auth config section.
func NewService(cfg config.AuthConfig) *Service {
	ttl := time.Duration(cfg.TokenTTL) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		mode:       cfg.Mode,
		password:   cfg.Token,
		signKey:    []byte(cfg.SignKey),
		tokenTTL:   ttl,
		headerName: "Authorization",
		now:        time.Now,
	}
}

// Enabled reports whether requests must carry a session token.
func (s *Service) Enabled() bool {
	return s.mode == config.AuthModeBasic
}

// ValidatePassword checks the shared password presented by a client.
func (s *Service) ValidatePassword(password string) error {
	if s.password == "" || password == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// SignUser mints a token for a fresh anonymous user.
func (s *Service) SignUser() (string, error) {
	if len(s.signKey) == 0 {
		return "", errors.New("sign key not configured")
	}
	suffix, err := generateToken(6)
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := Claims{
		UserID: fmt.Sprintf("user%s@example.com", suffix),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature and expiry and returns the claims.
func (s *Service) ValidateToken(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
