// Package relay forwards calls to arbitrary contracts on behalf of users
// that the ledger reports as eligible.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrMissingFields = errors.New("relay: missing required fields")
	ErrNotEligible   = errors.New("relay: user is not eligible")
	ErrLedger        = errors.New("relay: ledger call failed")
)

// DefaultTimeout bounds the eligibility check and the relayed call.
const DefaultTimeout = 10 * time.Minute

var relays = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gasfree_relays",
	Help: "The number of relay attempts by outcome",
}, []string{"outcome"})

// Request is a call to forward.
type Request struct {
	UserAddress    string `json:"userAddress"`
	TargetContract string `json:"targetContract"`
	// Data is 0x-prefixed hex call data.
	Data string `json:"data"`
	// Value is a decimal amount of the native coin. Empty means zero.
	Value string `json:"value,omitempty"`
}

type Executor struct {
	ledger  ledger.Client
	timeout time.Duration
}

// New returns an Executor whose ledger calls may take up to timeout.
// Zero means DefaultTimeout.
func New(client ledger.Client, timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Executor{ledger: client, timeout: timeout}
}

func fail(code string, err error) *challenge.Error {
	relays.WithLabelValues(code).Inc()
	return challenge.NewError("relay", code, err)
}

// Relay checks eligibility and then executes the call through the ledger,
// returning the confirmed transaction hash. Eligibility is the only gate;
// the target and data are not inspected.
func (e *Executor) Relay(ctx context.Context, lg *slog.Logger, req Request) (string, error) {
	if req.UserAddress == "" || req.TargetContract == "" || req.Data == "" {
		return "", fail(challenge.CodeMissingFields, ErrMissingFields)
	}

	user, err := ledger.ParseAddress(req.UserAddress)
	if err != nil {
		return "", fail(challenge.CodeMissingFields, fmt.Errorf("%w: user: %w", ErrMissingFields, err))
	}

	target, err := ledger.ParseAddress(req.TargetContract)
	if err != nil {
		return "", fail(challenge.CodeMissingFields, fmt.Errorf("%w: target: %w", ErrMissingFields, err))
	}

	data, err := hexutil.Decode(req.Data)
	if err != nil {
		return "", fail(challenge.CodeMissingFields, fmt.Errorf("%w: data: %w", ErrMissingFields, err))
	}

	if req.Value == "" {
		req.Value = "0"
	}

	value, err := ledger.ParseEther(req.Value)
	if err != nil {
		return "", fail(challenge.CodeMissingFields, fmt.Errorf("%w: value: %w", ErrMissingFields, err))
	}

	lg = lg.With("user_address", user.Hex(), "target", target.Hex())

	// A client hanging up must not abandon a submitted transaction.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	ok, err := e.ledger.CanUserExecute(ctx, user)
	if err != nil {
		lg.Error("can't check relay eligibility", "err", err)
		return "", fail(challenge.CodeLedgerFailure, fmt.Errorf("%w: %w", ErrLedger, err)).WithStatus(http.StatusInternalServerError)
	}

	if !ok {
		lg.Info("relay refused, user not eligible")
		return "", fail(challenge.CodeNotEligible, ErrNotEligible)
	}

	hash, err := e.ledger.ExecuteForUser(ctx, user, target, data, value)
	if err != nil {
		lg.Error("relayed call failed", "err", err)
		return "", fail(challenge.CodeLedgerFailure, fmt.Errorf("%w: %w", ErrLedger, err)).WithStatus(http.StatusInternalServerError)
	}

	relays.WithLabelValues("ok").Inc()
	lg.Info("relayed call confirmed", "tx_hash", hash.Hex())

	return hash.Hex(), nil
}
