package auth

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

// Authentication failures are deliberately coarse: the caller learns that a
// request was rejected, never why. All three map to 401 at the HTTP
// boundary.
var (
	ErrNoAuthHeader   = errors.New("no authorization header")
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrAuthentication = errors.New("authentication failed")
)

// TokenVerifier is the signature-checking half of Codec. The gate depends
// on the interface so tests can count verification calls.
type TokenVerifier interface {
	Verify(raw string) (userID int64, expiry time.Time, err error)
}

// TokenCache is the shared key-value store consulted before signature
// verification. A miss is (0, false, nil); errors are treated as misses by
// the gate.
type TokenCache interface {
	Get(ctx context.Context, token string) (userID int64, ok bool, err error)
	Set(ctx context.Context, token string, userID int64, ttl time.Duration) error
}

// Gate makes the per-request authentication decision: parse the bearer
// header, try the cache, fall back to full signature verification, and
// populate the cache for the next request. The cache is never a source of
// truth; the gate stays correct when every lookup misses.
type Gate struct {
	verifier TokenVerifier
	cache    TokenCache
	now      func() time.Time
}

func NewGate(verifier TokenVerifier, cache TokenCache) *Gate {
	return &Gate{
		verifier: verifier,
		cache:    cache,
		now:      time.Now,
	}
}

// Authenticate resolves the Authorization header to a user id.
func (g *Gate) Authenticate(ctx context.Context, header string) (int64, error) {
	if header == "" {
		return 0, ErrNoAuthHeader
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return 0, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrInvalidToken
	}

	// Cache hit skips the signature check entirely. Cache failures fall
	// through to full verification and are logged, never surfaced.
	if userID, ok, err := g.cache.Get(ctx, token); err != nil {
		log.Printf("Token cache lookup failed, falling back to verification: %v", err)
	} else if ok {
		return userID, nil
	}

	userID, expiry, err := g.verifier.Verify(token)
	if err != nil {
		return 0, ErrInvalidToken
	}

	// Cache the verified token, but never past its own expiry.
	if ttl := expiry.Sub(g.now()); ttl > 0 {
		if err := g.cache.Set(ctx, token, userID, ttl); err != nil {
			log.Printf("Token cache write failed: %v", err)
		}
	}

	return userID, nil
}
