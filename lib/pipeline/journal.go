package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/lib/store"
)

var ErrJournalNotFound = errors.New("pipeline: no journal entry for fingerprint")

// State is how far a verification got.
type State string

const (
	StateLedgerWriting State = "LEDGER_WRITING"
	StateVerified      State = "VERIFIED_RECORDED"
	StateAdRecorded    State = "AD_RECORDED"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
)

// Journal records the progress of one verification's ledger writes so that
// a partial failure can be reconciled by hand.
type Journal struct {
	Fingerprint  string    `json:"fingerprint"`
	UserAddress  string    `json:"userAddress"`
	State        State     `json:"state"`
	TxHashVerify string    `json:"txHashVerify,omitempty"`
	TxHashAd     string    `json:"txHashAd,omitempty"`
	RewardTxHash string    `json:"rewardTxHash,omitempty"`
	RewardAmount string    `json:"rewardAmount"`
	FailedStep   string    `json:"failedStep,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type journal struct {
	entries *store.JSON[Journal]
}

func newJournal(backend store.Interface) *journal {
	return &journal{
		entries: &store.JSON[Journal]{
			Underlying: backend,
			Prefix:     "journal:",
		},
	}
}

func (j *journal) save(ctx context.Context, entry *Journal) error {
	if err := j.entries.Set(ctx, entry.Fingerprint, *entry, gasfree.JournalRetention); err != nil {
		return fmt.Errorf("can't write journal entry %s: %w", entry.Fingerprint, err)
	}

	return nil
}

// update writes entry and only logs on failure. After the first ledger
// write the chain is the source of truth.
func (j *journal) update(ctx context.Context, lg *slog.Logger, entry *Journal) {
	if err := j.save(ctx, entry); err != nil {
		lg.Error("journal is behind the ledger", "fingerprint", entry.Fingerprint, "state", entry.State, "err", err)
	}
}

func (j *journal) get(ctx context.Context, fingerprint string) (*Journal, error) {
	entry, err := j.entries.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJournalNotFound, fingerprint)
		}
		return nil, err
	}

	return &entry, nil
}
