// Package pipeline runs a verification from submitted answer to paid
// reward.
//
// The steps are: check the session, check the attention gate, classify the
// answer, then perform three ledger writes in order (record the
// verification, record the attention gate, pay the reward). Each write is
// awaited before the next starts. There is no rollback and no retry: a
// failed write surfaces as ErrLedger and the journal, keyed by the
// verification fingerprint, records which writes were confirmed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/ledger"
	"github.com/gasfree-labs/gasfree/lib/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"
)

var (
	ErrMissingFields   = errors.New("pipeline: missing required fields")
	ErrInvalidSession  = errors.New("pipeline: invalid session or question mismatch")
	ErrExpired         = errors.New("pipeline: question expired")
	ErrAdNotWatched    = errors.New("pipeline: ad not watched")
	ErrLooksAutomated  = errors.New("pipeline: answer looks automated")
	ErrLedger          = errors.New("pipeline: ledger write failed")
	ErrJournalDown     = errors.New("pipeline: can't open journal entry")
	ErrMissingResource = errors.New("pipeline: missing dependency")
)

// DefaultLedgerTimeout bounds a whole run of ledger writes.
const DefaultLedgerTimeout = 10 * time.Minute

var results = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gasfree_verifications",
	Help: "The number of verification attempts by outcome",
}, []string{"outcome"})

// Request is a submitted answer.
type Request struct {
	SessionID   string `json:"sessionId"`
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	UserAddress string `json:"userAddress"`
	AdWatched   bool   `json:"adWatched"`
}

// Outcome is the result of a successful verification.
type Outcome struct {
	Success      bool   `json:"success"`
	TxHashVerify string `json:"txHashVerify"`
	TxHashAd     string `json:"txHashAd"`
	RewardTxHash string `json:"rewardTxHash"`
	RewardAmount string `json:"rewardAmount"`
	Fingerprint  string `json:"fingerprint"`
}

// Classifier decides whether an answer was written by a person.
type Classifier interface {
	IsHuman(ctx context.Context, lg *slog.Logger, question, answer string) bool
}

// Options configures a Pipeline.
type Options struct {
	Challenges *challenge.Store
	Classifier Classifier
	Ledger     ledger.Client

	// Journal stores progress records. It should outlive the process.
	Journal store.Interface

	// RewardAmount is the decimal amount of the native coin paid per
	// verification.
	RewardAmount string

	// LedgerTimeout bounds the ledger writes of one run. Zero means
	// DefaultLedgerTimeout.
	LedgerTimeout time.Duration

	Clock clock.PassiveClock
}

// Pipeline verifies answers and pays rewards.
type Pipeline struct {
	challenges    *challenge.Store
	classifier    Classifier
	ledger        ledger.Client
	journal       *journal
	reward        *big.Int
	rewardAmount  string
	ledgerTimeout time.Duration
	clock         clock.PassiveClock
}

func New(opts Options) (*Pipeline, error) {
	var errs []error

	if opts.Challenges == nil {
		errs = append(errs, fmt.Errorf("%w: challenge store", ErrMissingResource))
	}

	if opts.Classifier == nil {
		errs = append(errs, fmt.Errorf("%w: classifier", ErrMissingResource))
	}

	if opts.Ledger == nil {
		errs = append(errs, fmt.Errorf("%w: ledger", ErrMissingResource))
	}

	if opts.Journal == nil {
		errs = append(errs, fmt.Errorf("%w: journal", ErrMissingResource))
	}

	if opts.RewardAmount == "" {
		opts.RewardAmount = gasfree.DefaultRewardAmount
	}

	reward, err := ledger.ParseEther(opts.RewardAmount)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return nil, fmt.Errorf("can't create pipeline:\n%w", errors.Join(errs...))
	}

	if opts.LedgerTimeout == 0 {
		opts.LedgerTimeout = DefaultLedgerTimeout
	}

	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Pipeline{
		challenges:    opts.Challenges,
		classifier:    opts.Classifier,
		ledger:        opts.Ledger,
		journal:       newJournal(opts.Journal),
		reward:        reward,
		rewardAmount:  opts.RewardAmount,
		ledgerTimeout: opts.LedgerTimeout,
		clock:         opts.Clock,
	}, nil
}

// RewardAmount returns the configured reward as a decimal string.
func (p *Pipeline) RewardAmount() string { return p.rewardAmount }

func fail(code string, err error) *challenge.Error {
	results.WithLabelValues(code).Inc()
	return challenge.NewError("verify", code, err)
}

// Fingerprint is the audit value recorded on chain with a verification.
func Fingerprint(question, answer, userAddress string, at time.Time) common.Hash {
	return crypto.Keccak256Hash([]byte(question + answer + userAddress + strconv.FormatInt(at.UnixMilli(), 10)))
}

// Verify runs req through every step. Failures are *challenge.Error values
// that unwrap to one of the sentinel errors of this package.
//
// Once ledger writes start they run to completion or failure even if ctx
// is cancelled.
func (p *Pipeline) Verify(ctx context.Context, lg *slog.Logger, req Request) (*Outcome, error) {
	if req.SessionID == "" || req.Question == "" || req.Answer == "" || req.UserAddress == "" {
		return nil, fail(challenge.CodeMissingFields, ErrMissingFields)
	}

	user, err := ledger.ParseAddress(req.UserAddress)
	if err != nil {
		return nil, fail(challenge.CodeMissingFields, fmt.Errorf("%w: %w", ErrMissingFields, err))
	}

	lg = lg.With("session_id", req.SessionID, "user_address", user.Hex())

	if _, err := p.challenges.Consume(ctx, req.SessionID, req.Question); err != nil {
		switch {
		case errors.Is(err, challenge.ErrExpired):
			return nil, fail(challenge.CodeExpired, fmt.Errorf("%w: %w", ErrExpired, err))
		case errors.Is(err, challenge.ErrNotFound), errors.Is(err, challenge.ErrMismatch):
			return nil, fail(challenge.CodeInvalidSession, fmt.Errorf("%w: %w", ErrInvalidSession, err))
		default:
			lg.Error("can't consume session", "err", err)
			return nil, fail(challenge.CodeInvalidSession, fmt.Errorf("%w: %w", ErrInvalidSession, err)).WithStatus(http.StatusInternalServerError)
		}
	}

	if !req.AdWatched {
		return nil, fail(challenge.CodeAdNotWatched, ErrAdNotWatched)
	}

	if !p.classifier.IsHuman(ctx, lg, req.Question, req.Answer) {
		lg.Info("answer classified as automated")
		return nil, fail(challenge.CodeLooksAutomated, ErrLooksAutomated)
	}

	now := p.clock.Now()
	fingerprint := Fingerprint(req.Question, req.Answer, req.UserAddress, now)
	lg = lg.With("fingerprint", fingerprint.Hex())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.ledgerTimeout)
	defer cancel()

	entry := &Journal{
		Fingerprint:  fingerprint.Hex(),
		UserAddress:  user.Hex(),
		State:        StateLedgerWriting,
		RewardAmount: p.rewardAmount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := p.journal.save(wctx, entry); err != nil {
		lg.Error("refusing to write to the ledger without a journal", "err", err)
		return nil, fail(challenge.CodeLedgerFailure, fmt.Errorf("%w: %w: %w", ErrLedger, ErrJournalDown, err)).WithStatus(http.StatusInternalServerError)
	}

	steps := []struct {
		name  string
		run   func() (common.Hash, error)
		state State
		save  func(hash string)
	}{
		{
			name: "set_user_verified",
			run: func() (common.Hash, error) {
				return p.ledger.SetUserVerified(wctx, user, req.Question, req.Answer, fingerprint)
			},
			state: StateVerified,
			save:  func(hash string) { entry.TxHashVerify = hash },
		},
		{
			name:  "set_user_ad_watched",
			run:   func() (common.Hash, error) { return p.ledger.SetUserAdWatched(wctx, user) },
			state: StateAdRecorded,
			save:  func(hash string) { entry.TxHashAd = hash },
		},
		{
			name:  "transfer",
			run:   func() (common.Hash, error) { return p.ledger.Transfer(wctx, user, p.reward) },
			state: StateCompleted,
			save:  func(hash string) { entry.RewardTxHash = hash },
		},
	}

	for _, step := range steps {
		hash, err := step.run()
		if err != nil {
			entry.State = StateFailed
			entry.FailedStep = step.name
			entry.Error = err.Error()
			entry.UpdatedAt = p.clock.Now()
			p.journal.update(wctx, lg, entry)

			lg.Error("ledger write failed, manual reconciliation needed", "step", step.name, "err", err)

			e := fail(challenge.CodeLedgerFailure, fmt.Errorf("%w: %s: %w", ErrLedger, step.name, err)).WithStatus(http.StatusInternalServerError)
			e.Fingerprint = fingerprint.Hex()
			return nil, e
		}

		step.save(hash.Hex())
		entry.State = step.state
		entry.UpdatedAt = p.clock.Now()
		p.journal.update(wctx, lg, entry)

		lg.Info("ledger write confirmed", "step", step.name, "tx_hash", hash.Hex())
	}

	results.WithLabelValues("ok").Inc()

	return &Outcome{
		Success:      true,
		TxHashVerify: entry.TxHashVerify,
		TxHashAd:     entry.TxHashAd,
		RewardTxHash: entry.RewardTxHash,
		RewardAmount: p.rewardAmount,
		Fingerprint:  entry.Fingerprint,
	}, nil
}

// Lookup returns the journal entry for a fingerprint.
func (p *Pipeline) Lookup(ctx context.Context, fingerprint string) (*Journal, error) {
	return p.journal.get(ctx, fingerprint)
}
