package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("Abcdefg1"), bcrypt.MinCost)
	require.NoError(t, err)
	return New(Config{
		Email:        "Owner@Shop.example",
		PasswordHash: string(hash),
		JWTSecret:    "test-secret",
		TokenTTL:     time.Hour,
		Issuer:       "imobilerepair",
	})
}

func TestLoginAndVerify(t *testing.T) {
	svc := newService(t)

	token, exp, err := svc.Login(context.Background(), " owner@shop.example ", "Abcdefg1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	sub, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "owner@shop.example", sub)
}

func TestLoginInvalidCredentials(t *testing.T) {
	svc := newService(t)

	_, _, err := svc.Login(context.Background(), "owner@shop.example", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(context.Background(), "someone@else.example", "Abcdefg1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginNotConfigured(t *testing.T) {
	svc := New(Config{})
	_, _, err := svc.Login(context.Background(), "a@b.c", "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = svc.Verify("anything")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyRejects(t *testing.T) {
	svc := newService(t)
	token, _, err := svc.Login(context.Background(), "owner@shop.example", "Abcdefg1")
	require.NoError(t, err)

	other := newService(t)
	other.tokens.secret = []byte("different")
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := newService(t)
	wrongIssuer.tokens.issuer = "someone-else"
	_, err = wrongIssuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := newService(t)
	expired.tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = expired.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("Abcdefg1")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("Abcdefg1")))
}
