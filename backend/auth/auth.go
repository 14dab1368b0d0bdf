// Package auth issues and verifies user tokens and hashes passwords.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL = 7 * 24 * time.Hour
	issuer          = "meetroom"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidPassword = errors.New("invalid password")
	ErrNoSecret        = errors.New("token secret is not configured")
)

type (
	Config struct {
		Secret []byte
		TTL    time.Duration
		Clock  func() time.Time
	}

	// Authority signs and verifies HS256 tokens carrying a user id.
	Authority struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}

	claims struct {
		UserID string `json:"userId"`
		jwt.RegisteredClaims
	}
)

func NewAuthority(cfg Config) (*Authority, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Authority{
		secret: cfg.Secret,
		ttl:    ttl,
		now:    clock,
	}, nil
}

func (a *Authority) Issue(userID string) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("cannot sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the user id of a valid token.
func (a *Authority) Verify(token string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if c.UserID == "" {
		return "", fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return c.UserID, nil
}

func HashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("cannot hash password: %w", err)
	}
	return hash, nil
}

func CheckPassword(hash []byte, password string) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return errors.Join(ErrInvalidPassword, err)
	}
	return nil
}

// Passwords adapts the bcrypt helpers to an injectable dependency.
type Passwords struct{}

func (Passwords) Hash(password string) ([]byte, error) {
	return HashPassword(password)
}

func (Passwords) Check(hash []byte, password string) error {
	return CheckPassword(hash, password)
}
