// Package challengetest has helpers for tests that need challenges.
package challengetest

import (
	"testing"
	"time"

	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/store/memory"
	"github.com/google/uuid"
	testingclock "k8s.io/utils/clock/testing"
)

// Epoch is the time fake clocks returned by NewStore start at.
var Epoch = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

// New returns an unsaved challenge with a fresh session ID.
func New(t *testing.T) *challenge.Challenge {
	t.Helper()

	return &challenge.Challenge{
		SessionID: uuid.Must(uuid.NewV7()).String(),
		Question:  "如果水是液体，那冰是液体吗？",
		CreatedAt: time.Now(),
	}
}

// NewStore returns a memory-backed challenge store driven by a fake clock.
func NewStore(t *testing.T) (*challenge.Store, *testingclock.FakeClock) {
	t.Helper()

	clk := testingclock.NewFakeClock(Epoch)
	return challenge.NewStore(memory.New(t.Context()), challenge.StoreOptions{Clock: clk}), clk
}
