package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-simulator/internal/config"
	"github.com/lorawan-server/lorawan-simulator/pkg/crypto"
)

const issuer = "lorawan-simulator"

// ErrInvalidCredentials is returned by Authenticate for an unknown user or
// a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager issues and checks API tokens for the configured users.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	users  map[string]string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg config.APIConfig) *JWTManager {
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u.PasswordHash
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{
		secret: []byte(cfg.JWTSecret),
		ttl:    ttl,
		users:  users,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// TTL returns the lifetime of issued tokens.
func (m *JWTManager) TTL() time.Duration { return m.ttl }

// Authenticate checks the password against the configured bcrypt hash and
// returns a signed token.
func (m *JWTManager) Authenticate(username, password string) (string, error) {
	hash, ok := m.users[username]
	if !ok || !crypto.VerifyPassword(password, hash) {
		return "", ErrInvalidCredentials
	}
	return m.GenerateToken(username)
}

// GenerateToken signs an access token for username.
func (m *JWTManager) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return s, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
