package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/ledger/ledgertest"
)

var (
	user   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	target = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func validRequest() Request {
	return Request{
		UserAddress:    user.Hex(),
		TargetContract: target.Hex(),
		Data:           "0xa9059cbb",
	}
}

func TestRelay(t *testing.T) {
	for _, tt := range []struct {
		name       string
		mutate     func(*Request)
		eligible   bool
		failWith   map[string]error
		err        error
		code       string
		status     int
		executions int
	}{
		{
			name:       "eligible",
			eligible:   true,
			executions: 1,
		},
		{
			name:   "not eligible",
			err:    ErrNotEligible,
			code:   challenge.CodeNotEligible,
			status: http.StatusBadRequest,
		},
		{
			name:     "missing data",
			mutate:   func(r *Request) { r.Data = "" },
			eligible: true,
			err:      ErrMissingFields,
			code:     challenge.CodeMissingFields,
			status:   http.StatusBadRequest,
		},
		{
			name:     "missing target",
			mutate:   func(r *Request) { r.TargetContract = "" },
			eligible: true,
			err:      ErrMissingFields,
			code:     challenge.CodeMissingFields,
			status:   http.StatusBadRequest,
		},
		{
			name:     "data is not hex",
			mutate:   func(r *Request) { r.Data = "transfer()" },
			eligible: true,
			err:      ErrMissingFields,
			code:     challenge.CodeMissingFields,
			status:   http.StatusBadRequest,
		},
		{
			name:     "negative value",
			mutate:   func(r *Request) { r.Value = "-1" },
			eligible: true,
			err:      ErrMissingFields,
			code:     challenge.CodeMissingFields,
			status:   http.StatusBadRequest,
		},
		{
			name:     "eligibility lookup fails",
			failWith: map[string]error{"CanUserExecute": errors.New("connection refused")},
			err:      ErrLedger,
			code:     challenge.CodeLedgerFailure,
			status:   http.StatusInternalServerError,
		},
		{
			name:       "execution reverts",
			eligible:   true,
			failWith:   map[string]error{"ExecuteForUser": errors.New("execution reverted")},
			err:        ErrLedger,
			code:       challenge.CodeLedgerFailure,
			status:     http.StatusInternalServerError,
			executions: 1,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fake := ledgertest.New()
			fake.CanExecute[user] = tt.eligible
			for method, err := range tt.failWith {
				fake.Fail[method] = err
			}

			req := validRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			hash, err := New(fake, 0).Relay(t.Context(), slog.Default(), req)

			if got := fake.Count("ExecuteForUser"); got != tt.executions {
				t.Errorf("wanted %d executions, got %d", tt.executions, got)
			}

			if tt.err == nil {
				if err != nil {
					t.Fatal(err)
				}
				if hash == "" {
					t.Error("no transaction hash returned")
				}
				return
			}

			if !errors.Is(err, tt.err) {
				t.Fatalf("wanted %v, got %v", tt.err, err)
			}

			var cerr *challenge.Error
			if !errors.As(err, &cerr) {
				t.Fatalf("wanted *challenge.Error, got %T", err)
			}

			if cerr.Code != tt.code || cerr.StatusCode != tt.status {
				t.Errorf("wanted %s/%d, got %s/%d", tt.code, tt.status, cerr.Code, cerr.StatusCode)
			}
		})
	}
}

func TestRelayForwardsCall(t *testing.T) {
	fake := ledgertest.New()
	fake.CanExecute[user] = true

	req := validRequest()
	req.Value = "0.5"

	if _, err := New(fake, 0).Relay(t.Context(), slog.Default(), req); err != nil {
		t.Fatal(err)
	}

	call := fake.Calls[len(fake.Calls)-1]
	if call.User != user || call.Target != target {
		t.Errorf("wrong parties forwarded: %+v", call)
	}

	if common.Bytes2Hex(call.Data) != "a9059cbb" {
		t.Errorf("wrong call data forwarded: %x", call.Data)
	}

	if call.Value.String() != "500000000000000000" {
		t.Errorf("wanted 5e17 wei, got %s", call.Value)
	}
}

type ctxCheckingLedger struct {
	*ledgertest.Fake
	t *testing.T
}

func (l ctxCheckingLedger) CanUserExecute(ctx context.Context, user common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		l.t.Errorf("eligibility check saw a cancelled context: %v", err)
	}
	return l.Fake.CanUserExecute(ctx, user)
}

func (l ctxCheckingLedger) ExecuteForUser(ctx context.Context, user, target common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		l.t.Errorf("relayed call saw a cancelled context: %v", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		l.t.Error("relayed call has no deadline")
	}
	return l.Fake.ExecuteForUser(ctx, user, target, data, value)
}

func TestRelayIgnoresCancellation(t *testing.T) {
	fake := ledgertest.New()
	fake.CanExecute[user] = true

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := New(ctxCheckingLedger{Fake: fake, t: t}, time.Minute).Relay(ctx, slog.Default(), validRequest()); err != nil {
		t.Fatal(err)
	}

	if got := fake.Count("ExecuteForUser"); got != 1 {
		t.Errorf("wanted one relayed call, got %d", got)
	}
}
