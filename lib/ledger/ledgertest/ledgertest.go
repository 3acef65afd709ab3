// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gasfree-labs/gasfree/lib/ledger"
)

// Call is one recorded ledger write.
type Call struct {
	Method      string
	User        common.Address
	Target      common.Address
	Question    string
	Answer      string
	Fingerprint [32]byte
	Data        []byte
	Value       *big.Int
	Hash        common.Hash
}

// Fake records every call and hands out distinct transaction hashes. Set
// Fail to make a method return an error, and CanExecute to control
// eligibility. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Wallet     common.Address
	CanExecute map[common.Address]bool
	Fail       map[string]error
	Calls      []Call

	nonce uint64
}

var _ ledger.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Wallet:     common.HexToAddress("0x000000000000000000000000000000000000fee0"),
		CanExecute: map[common.Address]bool{},
		Fail:       map[string]error{},
	}
}

// Count returns how many times method was called, including failed calls.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, c := range f.Calls {
		if c.Method == method {
			n++
		}
	}

	return n
}

func (f *Fake) record(c Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nonce++
	c.Hash = crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%d", c.Method, f.nonce)))
	f.Calls = append(f.Calls, c)

	if err := f.Fail[c.Method]; err != nil {
		return common.Hash{}, err
	}

	return c.Hash, nil
}

func (f *Fake) SetUserVerified(_ context.Context, user common.Address, question, answer string, fingerprint [32]byte) (common.Hash, error) {
	return f.record(Call{Method: "SetUserVerified", User: user, Question: question, Answer: answer, Fingerprint: fingerprint})
}

func (f *Fake) SetUserAdWatched(_ context.Context, user common.Address) (common.Hash, error) {
	return f.record(Call{Method: "SetUserAdWatched", User: user})
}

func (f *Fake) ExecuteForUser(_ context.Context, user, target common.Address, data []byte, value *big.Int) (common.Hash, error) {
	return f.record(Call{Method: "ExecuteForUser", User: user, Target: target, Data: data, Value: value})
}

func (f *Fake) Transfer(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return f.record(Call{Method: "Transfer", User: to, Value: amount})
}

func (f *Fake) CanUserExecute(_ context.Context, user common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, Call{Method: "CanUserExecute", User: user})

	if err := f.Fail["CanUserExecute"]; err != nil {
		return false, err
	}

	return f.CanExecute[user], nil
}

func (f *Fake) Address() common.Address { return f.Wallet }
