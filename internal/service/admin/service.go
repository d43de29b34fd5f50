package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when email/password do not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken indicates the provided token could not be validated.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotConfigured is returned when no admin account or signing secret is configured.
	ErrNotConfigured = errors.New("admin login not configured")
)

// Config describes the single operator account and token settings.
type Config struct {
	Email        string
	PasswordHash string
	JWTSecret    string
	TokenTTL     time.Duration
	Issuer       string
}

// Service authenticates the shop operator.
type Service struct {
	email        string
	passwordHash []byte
	tokens       *tokenManager
}

// New creates a Service with sane defaults.
func New(cfg Config) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		email:        strings.ToLower(strings.TrimSpace(cfg.Email)),
		passwordHash: []byte(cfg.PasswordHash),
		tokens:       newTokenManager([]byte(cfg.JWTSecret), cfg.Issuer, ttl),
	}
}

// Login validates credentials and returns a bearer token with its expiry.
func (s *Service) Login(_ context.Context, email, password string) (string, time.Time, error) {
	if s.email == "" || len(s.passwordHash) == 0 || !s.tokens.configured() {
		return "", time.Time{}, ErrNotConfigured
	}
	email = strings.ToLower(strings.TrimSpace(email))
	emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(s.email)) == 1
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil || !emailOK {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.tokens.Issue(s.email)
}

// Verify checks a bearer token and returns the operator it was issued to.
func (s *Service) Verify(token string) (string, error) {
	if !s.tokens.configured() {
		return "", ErrNotConfigured
	}
	return s.tokens.Validate(token)
}

// HashPassword is used by tooling to produce the configured password hash.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
