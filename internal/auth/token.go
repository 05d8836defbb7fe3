package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Codec signs and verifies the opaque bearer tokens handed to clients.
// Tokens are HS256 JWTs whose subject is the decimal user id. The signing
// secret is injected at construction; the codec never reads configuration
// on its own.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign issues a token for userID and returns it together with its expiry.
func (c *Codec) Sign(userID int64) (string, time.Time, error) {
	now := c.now().UTC()
	exp := now.Add(c.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry of raw and returns the embedded
// user id and the token's expiry. Expired or malformed tokens, tokens
// signed with an unexpected algorithm, and tokens whose subject is missing
// or non-numeric all fail.
func (c *Codec) Verify(raw string) (int64, time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		return 0, time.Time{}, err
	}
	if !tok.Valid {
		return 0, time.Time{}, fmt.Errorf("invalid token")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("token subject is not a user id: %w", err)
	}
	if claims.ExpiresAt == nil {
		return 0, time.Time{}, fmt.Errorf("token has no expiry")
	}
	return userID, claims.ExpiresAt.Time, nil
}
