package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pixelforge/pkg/logging"
)

const (
	DefaultInFlightTTL = 2 * time.Minute
	DefaultClaimedTTL  = 24 * time.Hour

	claimedValue   = "claimed"
	inFlightPrefix = "inflight:"
)

// Claims reports whether a claim key was already credited durably.
type Claims interface {
	ClaimExists(ctx context.Context, claimKey string) (bool, error)
}

// Guard serialises claims on a key: at most one caller holds an in-flight
// reservation, and committed keys stay marked as claimed.
type Guard struct {
	cache       Cache
	claims      Claims
	inFlightTTL time.Duration
	claimedTTL  time.Duration
	logger      logging.Logger
}

type GuardOption func(*Guard)

func WithTTLs(inFlight, claimed time.Duration) GuardOption {
	return func(g *Guard) {
		if inFlight > 0 {
			g.inFlightTTL = inFlight
		}
		if claimed > 0 {
			g.claimedTTL = claimed
		}
	}
}

func NewGuard(cache Cache, claims Claims, logger logging.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		cache:       cache,
		claims:      claims,
		inFlightTTL: DefaultInFlightTTL,
		claimedTTL:  DefaultClaimedTTL,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reservation is an in-flight hold on a claim key.
type Reservation struct {
	guard *Guard
	key   string
	token string
}

func (r *Reservation) Key() string { return r.key }

// Reserve returns alreadyClaimed when the key is marked claimed, recorded in
// the durable store, or held by a concurrent caller.
func (g *Guard) Reserve(ctx context.Context, claimKey string) (*Reservation, bool, error) {
	value, ok, err := g.cache.Get(ctx, claimKey)
	if err != nil {
		return nil, false, err
	}
	if ok && value == claimedValue {
		return nil, true, nil
	}

	exists, err := g.claims.ClaimExists(ctx, claimKey)
	if err != nil {
		return nil, false, fmt.Errorf("check claim %s: %w", claimKey, err)
	}
	if exists {
		// Rebuild the marker lost with an evicted or restarted cache.
		if err := g.cache.Set(ctx, claimKey, claimedValue, g.claimedTTL); err != nil {
			g.logger.WithError(err).WithField("claim_key", claimKey).Warn("Failed to restore claimed marker")
		}
		return nil, true, nil
	}

	token := inFlightPrefix + uuid.NewString()
	won, err := g.cache.Reserve(ctx, claimKey, token, g.inFlightTTL)
	if err != nil {
		return nil, false, err
	}
	if !won {
		return nil, true, nil
	}
	return &Reservation{guard: g, key: claimKey, token: token}, false, nil
}

// Release drops the hold so the claim can be retried. It runs on a context
// detached from the request so a cancelled caller still frees the key.
func (r *Reservation) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.guard.cache.Release(ctx, r.key, r.token); err != nil {
		r.guard.logger.WithError(err).WithField("claim_key", r.key).Warn("Failed to release dedup reservation")
		return err
	}
	return nil
}

// Commit replaces the hold with the long-lived claimed marker.
func (r *Reservation) Commit(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.guard.cache.Set(ctx, r.key, claimedValue, r.guard.claimedTTL); err != nil {
		r.guard.logger.WithError(err).WithField("claim_key", r.key).Warn("Failed to commit dedup marker")
		return err
	}
	return nil
}
