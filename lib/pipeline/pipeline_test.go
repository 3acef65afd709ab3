package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/challenge/challengetest"
	"github.com/gasfree-labs/gasfree/lib/ledger/ledgertest"
	"github.com/gasfree-labs/gasfree/lib/store"
	"github.com/gasfree-labs/gasfree/lib/store/memory"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	testQuestion = "如果水是液体，那冰是液体吗？"
	testAddress  = "0x00000000000000000000000000000000000000aa"
)

type fakeClassifier struct {
	human bool
	calls atomic.Int32
}

func (f *fakeClassifier) IsHuman(context.Context, *slog.Logger, string, string) bool {
	f.calls.Add(1)
	return f.human
}

type brokenStore struct {
	store.Interface
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

type harness struct {
	p          *Pipeline
	challenges *challenge.Store
	clock      *testingclock.FakeClock
	classifier *fakeClassifier
	ledger     *ledgertest.Fake
}

func newHarness(t *testing.T, journal store.Interface) *harness {
	t.Helper()

	challenges, clk := challengetest.NewStore(t)
	h := &harness{
		challenges: challenges,
		clock:      clk,
		classifier: &fakeClassifier{human: true},
		ledger:     ledgertest.New(),
	}

	if journal == nil {
		journal = memory.New(t.Context())
	}

	p, err := New(Options{
		Challenges: challenges,
		Classifier: h.classifier,
		Ledger:     h.ledger,
		Journal:    journal,
		Clock:      clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.p = p

	return h
}

func (h *harness) issue(t *testing.T, sessionID string) {
	t.Helper()

	if _, err := h.challenges.Issue(t.Context(), sessionID, testQuestion, nil); err != nil {
		t.Fatal(err)
	}
}

func validRequest() Request {
	return Request{
		SessionID:   "session",
		Question:    testQuestion,
		Answer:      "不是",
		UserAddress: testAddress,
		AdWatched:   true,
	}
}

func wantCode(t *testing.T, err error, sentinel error, code string, status int) *challenge.Error {
	t.Helper()

	if !errors.Is(err, sentinel) {
		t.Fatalf("wanted %v, got %v", sentinel, err)
	}

	var cerr *challenge.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("wanted a *challenge.Error, got %T", err)
	}

	if cerr.Code != code {
		t.Errorf("wanted code %s, got %s", code, cerr.Code)
	}

	if cerr.StatusCode != status {
		t.Errorf("wanted status %d, got %d", status, cerr.StatusCode)
	}

	return cerr
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrMissingResource) {
		t.Errorf("wanted ErrMissingResource, got %v", err)
	}

	challenges, _ := challengetest.NewStore(t)
	_, err := New(Options{
		Challenges:   challenges,
		Classifier:   &fakeClassifier{},
		Ledger:       ledgertest.New(),
		Journal:      memory.New(t.Context()),
		RewardAmount: "a lot",
	})
	if err == nil {
		t.Error("wanted a bad reward amount to be rejected")
	}
}

func TestVerifySuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.issue(t, "session")

	out, err := h.p.Verify(t.Context(), slog.Default(), validRequest())
	if err != nil {
		t.Fatal(err)
	}

	if !out.Success {
		t.Error("outcome is not marked successful")
	}

	if out.RewardAmount != gasfree.DefaultRewardAmount {
		t.Errorf("wanted reward %s, got %s", gasfree.DefaultRewardAmount, out.RewardAmount)
	}

	hashes := map[string]bool{out.TxHashVerify: true, out.TxHashAd: true, out.RewardTxHash: true}
	if len(hashes) != 3 {
		t.Errorf("wanted three distinct transaction hashes, got %+v", out)
	}

	wantFP := Fingerprint(testQuestion, "不是", testAddress, challengetest.Epoch).Hex()
	if out.Fingerprint != wantFP {
		t.Errorf("wanted fingerprint %s, got %s", wantFP, out.Fingerprint)
	}

	calls := h.ledger.Calls
	if len(calls) != 3 || calls[0].Method != "SetUserVerified" || calls[1].Method != "SetUserAdWatched" || calls[2].Method != "Transfer" {
		t.Fatalf("ledger writes happened in the wrong order: %+v", calls)
	}

	if common.Hash(calls[0].Fingerprint).Hex() != wantFP {
		t.Errorf("ledger got fingerprint %x, wanted %s", calls[0].Fingerprint, wantFP)
	}

	if calls[2].Value.String() != "1000000000000000" {
		t.Errorf("wanted reward of 1e15 wei, got %s", calls[2].Value)
	}

	entry, err := h.p.Lookup(t.Context(), out.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}

	if entry.State != StateCompleted || entry.RewardTxHash != out.RewardTxHash {
		t.Errorf("journal does not reflect completion: %+v", entry)
	}

	if _, err := h.p.Verify(t.Context(), slog.Default(), validRequest()); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("replaying a consumed session: wanted ErrInvalidSession, got %v", err)
	}
}

func TestVerifyMissingFields(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(*Request)
	}{
		{name: "session", mutate: func(r *Request) { r.SessionID = "" }},
		{name: "question", mutate: func(r *Request) { r.Question = "" }},
		{name: "answer", mutate: func(r *Request) { r.Answer = "" }},
		{name: "address", mutate: func(r *Request) { r.UserAddress = "" }},
		{name: "malformed address", mutate: func(r *Request) { r.UserAddress = "alice" }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.issue(t, "session")

			req := validRequest()
			tt.mutate(&req)

			_, err := h.p.Verify(t.Context(), slog.Default(), req)
			wantCode(t, err, ErrMissingFields, challenge.CodeMissingFields, http.StatusBadRequest)

			if _, err := h.challenges.Consume(t.Context(), "session", testQuestion); err != nil {
				t.Errorf("session was consumed by a request with missing fields: %v", err)
			}
		})
	}
}

func TestVerifySessionErrors(t *testing.T) {
	for _, tt := range []struct {
		name     string
		issue    bool
		advance  time.Duration
		question string
		sentinel error
		code     string
	}{
		{name: "unknown session", question: testQuestion, sentinel: ErrInvalidSession, code: challenge.CodeInvalidSession},
		{name: "question mismatch", issue: true, question: "别的问题？", sentinel: ErrInvalidSession, code: challenge.CodeInvalidSession},
		{name: "expired", issue: true, advance: gasfree.SessionTTL + time.Second, question: testQuestion, sentinel: ErrExpired, code: challenge.CodeExpired},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tt.issue {
				h.issue(t, "session")
			}
			h.clock.Step(tt.advance)

			req := validRequest()
			req.Question = tt.question

			_, err := h.p.Verify(t.Context(), slog.Default(), req)
			wantCode(t, err, tt.sentinel, tt.code, http.StatusBadRequest)

			if got := h.classifier.calls.Load(); got != 0 {
				t.Errorf("classifier was called %d times", got)
			}
		})
	}
}

func TestVerifyExpiredSessionIsGone(t *testing.T) {
	h := newHarness(t, nil)
	h.issue(t, "session")
	h.clock.Step(gasfree.SessionTTL + time.Second)

	if _, err := h.p.Verify(t.Context(), slog.Default(), validRequest()); !errors.Is(err, ErrExpired) {
		t.Fatalf("wanted ErrExpired, got %v", err)
	}

	if _, err := h.p.Verify(t.Context(), slog.Default(), validRequest()); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("wanted ErrInvalidSession after expiry, got %v", err)
	}
}

func TestVerifyAdNotWatched(t *testing.T) {
	h := newHarness(t, nil)
	h.issue(t, "session")

	req := validRequest()
	req.AdWatched = false

	_, err := h.p.Verify(t.Context(), slog.Default(), req)
	wantCode(t, err, ErrAdNotWatched, challenge.CodeAdNotWatched, http.StatusBadRequest)

	if got := h.classifier.calls.Load(); got != 0 {
		t.Errorf("classifier was called %d times", got)
	}

	if len(h.ledger.Calls) != 0 {
		t.Errorf("ledger was called: %+v", h.ledger.Calls)
	}
}

func TestVerifyLooksAutomated(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.human = false
	h.issue(t, "session")

	_, err := h.p.Verify(t.Context(), slog.Default(), validRequest())
	wantCode(t, err, ErrLooksAutomated, challenge.CodeLooksAutomated, http.StatusBadRequest)

	if len(h.ledger.Calls) != 0 {
		t.Errorf("ledger was called: %+v", h.ledger.Calls)
	}

	h.classifier.human = true
	if _, err := h.p.Verify(t.Context(), slog.Default(), validRequest()); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("wanted the session to be consumed, got %v", err)
	}
}

func TestVerifyLedgerFailure(t *testing.T) {
	for _, tt := range []struct {
		failing    string
		failedStep string
		wantCalls  []string
		wantVerify bool
		wantAd     bool
	}{
		{
			failing:    "SetUserVerified",
			failedStep: "set_user_verified",
			wantCalls:  []string{"SetUserVerified"},
		},
		{
			failing:    "SetUserAdWatched",
			failedStep: "set_user_ad_watched",
			wantCalls:  []string{"SetUserVerified", "SetUserAdWatched"},
			wantVerify: true,
		},
		{
			failing:    "Transfer",
			failedStep: "transfer",
			wantCalls:  []string{"SetUserVerified", "SetUserAdWatched", "Transfer"},
			wantVerify: true,
			wantAd:     true,
		},
	} {
		t.Run(tt.failing, func(t *testing.T) {
			h := newHarness(t, nil)
			h.ledger.Fail[tt.failing] = errors.New("nonce too low")
			h.issue(t, "session")

			_, err := h.p.Verify(t.Context(), slog.Default(), validRequest())
			cerr := wantCode(t, err, ErrLedger, challenge.CodeLedgerFailure, http.StatusInternalServerError)

			if cerr.Fingerprint == "" {
				t.Fatal("ledger failure did not carry a fingerprint")
			}

			if len(h.ledger.Calls) != len(tt.wantCalls) {
				t.Fatalf("wanted calls %v, got %+v", tt.wantCalls, h.ledger.Calls)
			}

			for i, method := range tt.wantCalls {
				if h.ledger.Calls[i].Method != method {
					t.Errorf("call %d: wanted %s, got %s", i, method, h.ledger.Calls[i].Method)
				}
			}

			entry, err := h.p.Lookup(t.Context(), cerr.Fingerprint)
			if err != nil {
				t.Fatal(err)
			}

			if entry.State != StateFailed || entry.FailedStep != tt.failedStep {
				t.Errorf("journal has state %s at step %s, wanted FAILED at %s", entry.State, entry.FailedStep, tt.failedStep)
			}

			if (entry.TxHashVerify != "") != tt.wantVerify {
				t.Errorf("journal verify hash presence is wrong: %+v", entry)
			}

			if (entry.TxHashAd != "") != tt.wantAd {
				t.Errorf("journal ad hash presence is wrong: %+v", entry)
			}

			if entry.RewardTxHash != "" {
				t.Errorf("journal has a reward hash for a failed run: %+v", entry)
			}
		})
	}
}

func TestVerifyJournalDown(t *testing.T) {
	h := newHarness(t, brokenStore{Interface: memory.New(t.Context())})
	h.issue(t, "session")

	_, err := h.p.Verify(t.Context(), slog.Default(), validRequest())
	wantCode(t, err, ErrJournalDown, challenge.CodeLedgerFailure, http.StatusInternalServerError)

	if len(h.ledger.Calls) != 0 {
		t.Errorf("ledger was written without a journal: %+v", h.ledger.Calls)
	}
}

type ctxCheckingLedger struct {
	*ledgertest.Fake
	t *testing.T
}

func (l ctxCheckingLedger) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		l.t.Errorf("ledger write saw a cancelled context: %v", err)
	}
	return l.Fake.Transfer(ctx, to, amount)
}

func TestVerifyIgnoresCancellation(t *testing.T) {
	challenges, clk := challengetest.NewStore(t)
	fake := ledgertest.New()

	p, err := New(Options{
		Challenges: challenges,
		Classifier: &fakeClassifier{human: true},
		Ledger:     ctxCheckingLedger{Fake: fake, t: t},
		Journal:    memory.New(t.Context()),
		Clock:      clk,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := challenges.Issue(t.Context(), "session", testQuestion, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := p.Verify(ctx, slog.Default(), validRequest()); err != nil {
		t.Fatal(err)
	}

	if got := fake.Count("Transfer"); got != 1 {
		t.Errorf("wanted one transfer, got %d", got)
	}
}

func TestLookupMissing(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.p.Lookup(t.Context(), "0xdeadbeef"); !errors.Is(err, ErrJournalNotFound) {
		t.Errorf("wanted ErrJournalNotFound, got %v", err)
	}
}
