package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/store"
	"k8s.io/utils/clock"
)

// StoreOptions configures a Store. Zero values are replaced by the
// package defaults.
type StoreOptions struct {
	// TTL is how long an issued challenge can be consumed.
	TTL time.Duration

	// Grace is how much longer than TTL the backend keeps the entry so
	// that late answers are reported as expired rather than unknown.
	Grace time.Duration

	Clock clock.PassiveClock
}

// Store keeps issued challenges keyed by session ID on top of a
// store.Interface backend. Expired entries are reclaimed by the backend's
// own sweep.
type Store struct {
	sessions *store.JSON[Challenge]
	ttl      time.Duration
	grace    time.Duration
	clock    clock.PassiveClock
}

// NewStore creates a Store that saves challenges in backend.
func NewStore(backend store.Interface, opts StoreOptions) *Store {
	if opts.TTL == 0 {
		opts.TTL = gasfree.SessionTTL
	}

	if opts.Grace == 0 {
		opts.Grace = gasfree.SessionGrace
	}

	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Store{
		sessions: &store.JSON[Challenge]{
			Underlying: backend,
			Prefix:     "challenge:",
		},
		ttl:   opts.TTL,
		grace: opts.Grace,
		clock: opts.Clock,
	}
}

// TTL returns how long issued challenges stay consumable.
func (s *Store) TTL() time.Duration { return s.ttl }

// Session IDs come from callers, so they are hashed into fixed-size keys.
func sessionKey(sessionID string) string {
	return internal.SHA256sum(sessionID)
}

// Issue records question as the active challenge for sessionID, replacing
// any earlier challenge for the same session.
func (s *Store) Issue(ctx context.Context, sessionID, question string, metadata map[string]string) (*Challenge, error) {
	chall := Challenge{
		SessionID: sessionID,
		Question:  question,
		CreatedAt: s.clock.Now(),
		Metadata:  metadata,
	}

	if err := s.sessions.Set(ctx, sessionKey(sessionID), chall, s.ttl+s.grace); err != nil {
		return nil, fmt.Errorf("can't store challenge: %w", err)
	}

	challengesIssued.Inc()

	return &chall, nil
}

// Consume atomically takes the challenge for sessionID if its question is
// exactly expectedQuestion and it has not outlived the TTL.
//
// It returns ErrNotFound when there is no such session (or it was already
// consumed), ErrMismatch when the question differs, in which case the
// session stays available, and ErrExpired when the TTL elapsed, in which
// case the session is removed.
func (s *Store) Consume(ctx context.Context, sessionID, expectedQuestion string) (*Challenge, error) {
	var expired, mismatch bool
	now := s.clock.Now()

	chall, err := s.sessions.Consume(ctx, sessionKey(sessionID), func(c Challenge) bool {
		// Backends may call this more than once when they retry.
		expired = c.Expired(now, s.ttl)
		mismatch = !expired && c.Question != expectedQuestion
		return !mismatch
	})

	switch {
	case errors.Is(err, store.ErrNotFound):
		challengesConsumed.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	case errors.Is(err, store.ErrCantDecode):
		slog.Warn("dropped undecodable challenge", "session_id", sessionID, "err", err)
		challengesConsumed.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	case err != nil:
		return nil, fmt.Errorf("can't consume challenge: %w", err)
	case expired:
		challengesConsumed.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("%w: issued at %s", ErrExpired, chall.CreatedAt.Format(time.RFC3339))
	case mismatch:
		challengesConsumed.WithLabelValues("mismatch").Inc()
		return nil, fmt.Errorf("%w: %q", ErrMismatch, sessionID)
	}

	challengesConsumed.WithLabelValues("ok").Inc()

	return &chall, nil
}

// Evict removes the challenge for sessionID.
func (s *Store) Evict(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionKey(sessionID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrNotFound, sessionID)
		}
		return fmt.Errorf("can't evict challenge: %w", err)
	}

	return nil
}
