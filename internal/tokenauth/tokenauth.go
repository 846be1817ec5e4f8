package tokenauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/datapool/datapool-gateway/internal/durable"
	"github.com/datapool/datapool-gateway/internal/faststore"
	"github.com/datapool/datapool-gateway/internal/metrics"
)

// ErrUnauthorized is returned when a token resolves in neither store.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves bearer tokens to user identities, fast path through
// the authoritative store with a durable fallback, and rotates tokens.
type Authenticator struct {
	fast      faststore.Store
	store     durable.Store
	secret    string
	logger    *log.Logger
	collector *metrics.Collector
	timeout   time.Duration
}

// New creates an Authenticator with the provided signing secret.
func New(fast faststore.Store, store durable.Store, secret string) *Authenticator {
	if secret == "" {
		panic("token authenticator requires non-empty secret")
	}
	return &Authenticator{
		fast:    fast,
		store:   store,
		secret:  secret,
		timeout: 2 * time.Second,
	}
}

// SetLogger installs a logger for fallback and write-failure diagnostics.
func (a *Authenticator) SetLogger(logger *log.Logger) { a.logger = logger }

// SetCollector installs a metrics collector for fallback and reject counters.
func (a *Authenticator) SetCollector(c *metrics.Collector) { a.collector = c }

// Resolve maps a bearer token to a user. The fast store is checked first; on
// a miss the durable token table is consulted by hash and, on a hit, the fast
// store is back-filled so the next lookup stays on the fast path.
func (a *Authenticator) Resolve(ctx context.Context, token string) (int64, error) {
	if token == "" {
		if a.collector != nil {
			a.collector.RecordAuthReject()
		}
		return 0, ErrUnauthorized
	}
	userID, err := a.fast.ResolveToken(ctx, token)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, faststore.ErrTokenNotFound) {
		return 0, err
	}

	userID, err = a.store.UserByTokenHash(ctx, Hash(token))
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			if a.collector != nil {
				a.collector.RecordAuthReject()
			}
			return 0, ErrUnauthorized
		}
		return 0, err
	}
	// The fast store is authoritative. When it already holds a different
	// token for this user the durable row is a leftover from a failed
	// rotation write; the presented token is retired, not resurrected.
	current, tokErr := a.fast.TokenOf(ctx, userID)
	if tokErr == nil && current != token {
		if a.collector != nil {
			a.collector.RecordAuthReject()
		}
		if a.logger != nil {
			a.logger.Printf("[WARN] Authenticator.Resolve: stale durable token row for user %d, refreshing", userID)
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.UpsertToken(refreshCtx, userID, Hash(current)); err != nil && a.logger != nil {
			a.logger.Printf("[WARN] Authenticator.Resolve: durable token refresh failed for user %d: %v", userID, err)
		}
		return 0, ErrUnauthorized
	}
	if tokErr != nil && !errors.Is(tokErr, faststore.ErrTokenNotFound) {
		return 0, tokErr
	}

	if a.collector != nil {
		a.collector.RecordAuthFallback()
	}
	if a.logger != nil {
		a.logger.Printf("[INFO] Authenticator.Resolve: durable fallback hit user=%d, back-filling fast store", userID)
	}
	if err := a.fast.SetToken(ctx, userID, token); err != nil && a.logger != nil {
		a.logger.Printf("[WARN] Authenticator.Resolve: back-fill failed: %v", err)
	}
	return userID, nil
}

// Rotate issues a fresh token for the user, atomically retiring the old one
// in the fast store. The durable row is updated in the same call so the old
// hash stops authenticating through the slow path as well; a durable write
// failure is logged and repaired by the next reconciliation tick.
func (a *Authenticator) Rotate(ctx context.Context, userID int64, identity string) (string, error) {
	token := a.generate(identity)
	if err := a.fast.SetToken(ctx, userID, token); err != nil {
		return "", fmt.Errorf("install token: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.UpsertToken(writeCtx, userID, Hash(token)); err != nil && a.logger != nil {
		a.logger.Printf("[WARN] Authenticator.Rotate: durable token write failed for user %d: %v", userID, err)
	}
	return token, nil
}

// EnsureToken returns the user's current token, issuing a first one when none
// exists yet.
func (a *Authenticator) EnsureToken(ctx context.Context, userID int64, identity string) (string, error) {
	token, err := a.fast.TokenOf(ctx, userID)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, faststore.ErrTokenNotFound) {
		return "", err
	}
	return a.Rotate(ctx, userID, identity)
}

// generate derives a new opaque token from the identity, a random nonce, the
// clock, and the process secret, formatted as three dash-separated groups.
func (a *Authenticator) generate(identity string) string {
	payload := fmt.Sprintf("%s~%s~%d~%s", identity, uuid.NewString(), time.Now().UnixNano(), a.secret)
	sum := blake2b.Sum256([]byte(payload))
	digest := hex.EncodeToString(sum[:20])
	return fmt.Sprintf("%s-%s-%s", digest[0:10], digest[10:20], digest[20:])
}

// Hash is the durable-side representation of a token. Raw tokens never touch
// the relational store.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
