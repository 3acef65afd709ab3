// Package ledger records verifications on chain, pays rewards and relays
// calls for verified users through the gasfree contract.
package ledger

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//go:embed gasfree.abi.json
var contractABI string

var (
	ErrReverted       = errors.New("ledger: transaction reverted")
	ErrBadAddress     = errors.New("ledger: invalid address")
	ErrBadPrivateKey  = errors.New("ledger: invalid private key")
	ErrNoRPCURL       = errors.New("ledger: no RPC URL configured")
	ErrNoContract     = errors.New("ledger: no contract address configured")
	ErrUnexpectedType = errors.New("ledger: unexpected return type")
)

var writeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gasfree_ledger_write_duration_seconds",
	Help:    "Time from submitting a ledger write to its confirmation, by step",
	Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
}, []string{"step", "result"})

// Client is everything gasfree does on chain. Every write blocks until the
// transaction is mined and fails with ErrReverted if it did not succeed.
type Client interface {
	SetUserVerified(ctx context.Context, user common.Address, question, answer string, fingerprint [32]byte) (common.Hash, error)
	SetUserAdWatched(ctx context.Context, user common.Address) (common.Hash, error)
	ExecuteForUser(ctx context.Context, user, target common.Address, data []byte, value *big.Int) (common.Hash, error)
	CanUserExecute(ctx context.Context, user common.Address) (bool, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	Address() common.Address
}

// Backend is the subset of an Ethereum RPC client the ledger needs.
// *ethclient.Client implements it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config names the chain, wallet and contract to use.
type Config struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
}

func (c Config) Valid() error {
	var errs []error

	if c.RPCURL == "" {
		errs = append(errs, ErrNoRPCURL)
	}

	if c.ContractAddress == "" {
		errs = append(errs, ErrNoContract)
	} else if !common.IsHexAddress(c.ContractAddress) {
		errs = append(errs, fmt.Errorf("%w: contract %q", ErrBadAddress, c.ContractAddress))
	}

	if _, err := ParsePrivateKey(c.PrivateKey); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return fmt.Errorf("ledger config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// ParsePrivateKey parses a hex secp256k1 key with or without a 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPrivateKey, err)
	}

	return key, nil
}

// ParseAddress parses a hex account address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}

	return common.HexToAddress(s), nil
}

// Ethereum is a Client backed by an EVM chain.
type Ethereum struct {
	backend  Backend
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int

	// Submissions share the wallet nonce, so only one may be in flight
	// between nonce lookup and broadcast.
	submitLock sync.Mutex
}

// Dial connects to cfg.RPCURL and returns a ready Ethereum client.
func Dial(ctx context.Context, cfg Config) (*Ethereum, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("can't dial %s: %w", cfg.RPCURL, err)
	}

	// Valid already checked these.
	key, _ := ParsePrivateKey(cfg.PrivateKey)
	contract := common.HexToAddress(cfg.ContractAddress)

	return New(ctx, ec, key, contract)
}

// New creates an Ethereum client on an existing backend.
func New(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, contract common.Address) (*Ethereum, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("[unexpected] can't parse contract ABI: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't fetch chain ID: %w", err)
	}

	return &Ethereum{
		backend:  backend,
		contract: bind.NewBoundContract(contract, parsed, backend, backend, backend),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
	}, nil
}

// Address returns the service wallet address.
func (e *Ethereum) Address() common.Address { return e.from }

func (e *Ethereum) transact(ctx context.Context, step string, send func(opts *bind.TransactOpts) (*types.Transaction, error)) (common.Hash, error) {
	start := time.Now()
	lg := slog.With("step", step, "from", e.from.Hex())

	tx, err := e.submit(ctx, send)
	if err != nil {
		writeDuration.WithLabelValues(step, "submit_error").Observe(time.Since(start).Seconds())
		return common.Hash{}, fmt.Errorf("%s: can't submit transaction: %w", step, err)
	}

	lg.Info("submitted transaction", "tx_hash", tx.Hash().Hex(), "nonce", tx.Nonce())

	receipt, err := bind.WaitMined(ctx, e.backend, tx)
	if err != nil {
		writeDuration.WithLabelValues(step, "wait_error").Observe(time.Since(start).Seconds())
		return tx.Hash(), fmt.Errorf("%s: can't wait for %s: %w", step, tx.Hash().Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		writeDuration.WithLabelValues(step, "reverted").Observe(time.Since(start).Seconds())
		return tx.Hash(), fmt.Errorf("%s: %w: %s in block %s", step, ErrReverted, tx.Hash().Hex(), receipt.BlockNumber)
	}

	writeDuration.WithLabelValues(step, "ok").Observe(time.Since(start).Seconds())
	lg.Info("transaction confirmed", "tx_hash", tx.Hash().Hex(), "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)

	return tx.Hash(), nil
}

func (e *Ethereum) submit(ctx context.Context, send func(opts *bind.TransactOpts) (*types.Transaction, error)) (*types.Transaction, error) {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx

	return send(opts)
}

func (e *Ethereum) SetUserVerified(ctx context.Context, user common.Address, question, answer string, fingerprint [32]byte) (common.Hash, error) {
	return e.transact(ctx, "set_user_verified", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return e.contract.Transact(opts, "setUserVerified", user, question, answer, fingerprint)
	})
}

func (e *Ethereum) SetUserAdWatched(ctx context.Context, user common.Address) (common.Hash, error) {
	return e.transact(ctx, "set_user_ad_watched", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return e.contract.Transact(opts, "setUserAdWatched", user)
	})
}

func (e *Ethereum) ExecuteForUser(ctx context.Context, user, target common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}

	return e.transact(ctx, "execute_for_user", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return e.contract.Transact(opts, "executeForUser", user, target, data, value)
	})
}

// Transfer sends amount of the native coin from the service wallet to to.
func (e *Ethereum) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	// A bound contract with an empty ABI is a plain value transfer.
	recipient := bind.NewBoundContract(to, abi.ABI{}, e.backend, e.backend, e.backend)

	return e.transact(ctx, "transfer", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		// Gas estimation refuses addresses without code, and reward
		// recipients are plain wallets.
		opts.GasLimit = params.TxGas
		opts.Value = amount
		return recipient.Transfer(opts)
	})
}

func (e *Ethereum) CanUserExecute(ctx context.Context, user common.Address) (bool, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx, From: e.from}, &out, "canUserExecute", user); err != nil {
		return false, fmt.Errorf("can't call canUserExecute: %w", err)
	}

	if len(out) != 1 {
		return false, fmt.Errorf("%w: canUserExecute returned %d values", ErrUnexpectedType, len(out))
	}

	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("%w: canUserExecute returned %T", ErrUnexpectedType, out[0])
	}

	return ok, nil
}
