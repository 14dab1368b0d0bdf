package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	now := time.Now()
	a, err := NewAuthority(Config{Secret: []byte("s3cret"), TTL: time.Hour, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	token, err := a.Issue("user-1")
	require.NoError(t, err)

	userID, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	other, err := NewAuthority(Config{Secret: []byte("another")})
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Verify(token[:strings.LastIndex(token, ".")] + ".AAAA")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Verify("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	a, err := NewAuthority(Config{Secret: []byte("s3cret"), TTL: time.Minute, Clock: func() time.Time { return now }})
	require.NoError(t, err)
	token, err := a.Issue("user-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNoSecret(t *testing.T) {
	_, err := NewAuthority(Config{})
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotContains(t, string(hash), "correct horse")

	require.NoError(t, CheckPassword(hash, "correct horse"))
	require.ErrorIs(t, CheckPassword(hash, "battery staple"), ErrInvalidPassword)
}
