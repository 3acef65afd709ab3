package ledger

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
)

func TestContractABI(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		t.Fatal(err)
	}

	for name, sig := range map[string]string{
		"setUserVerified":  "setUserVerified(address,string,string,bytes32)",
		"setUserAdWatched": "setUserAdWatched(address)",
		"executeForUser":   "executeForUser(address,address,bytes,uint256)",
		"canUserExecute":   "canUserExecute(address)",
	} {
		m, ok := parsed.Methods[name]
		if !ok {
			t.Errorf("method %s is missing from the ABI", name)
			continue
		}

		if m.Sig != sig {
			t.Errorf("wanted signature %s, got %s", sig, m.Sig)
		}
	}

	for _, name := range []string{"UserVerified", "UserAdWatched"} {
		if _, ok := parsed.Events[name]; !ok {
			t.Errorf("event %s is missing from the ABI", name)
		}
	}

	var fp [32]byte
	if _, err := parsed.Pack("setUserVerified", common.Address{1}, "q", "a", fp); err != nil {
		t.Errorf("can't pack setUserVerified: %v", err)
	}
}

func TestConfigValid(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	for _, tt := range []struct {
		name string
		cfg  Config
		err  error
	}{
		{
			name: "valid",
			cfg:  Config{RPCURL: "http://localhost:8545", PrivateKey: hexKey, ContractAddress: "0x00000000000000000000000000000000000000aa"},
		},
		{
			name: "no rpc",
			cfg:  Config{PrivateKey: hexKey, ContractAddress: "0x00000000000000000000000000000000000000aa"},
			err:  ErrNoRPCURL,
		},
		{
			name: "no contract",
			cfg:  Config{RPCURL: "http://localhost:8545", PrivateKey: hexKey},
			err:  ErrNoContract,
		},
		{
			name: "bad contract",
			cfg:  Config{RPCURL: "http://localhost:8545", PrivateKey: hexKey, ContractAddress: "0xnope"},
			err:  ErrBadAddress,
		},
		{
			name: "bad key",
			cfg:  Config{RPCURL: "http://localhost:8545", PrivateKey: "hunter2", ContractAddress: "0x00000000000000000000000000000000000000aa"},
			err:  ErrBadPrivateKey,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Valid(); !errors.Is(err, tt.err) {
				t.Errorf("wanted %v, got %v", tt.err, err)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := ParseAddress("0x00000000000000000000000000000000000000aa"); err != nil {
		t.Error(err)
	}

	if _, err := ParseAddress("bob"); !errors.Is(err, ErrBadAddress) {
		t.Errorf("wanted ErrBadAddress, got %v", err)
	}
}

// newSimulated returns a ledger on an in-process chain that mines a block
// every 50ms, and the simulated backend itself.
func newSimulated(t *testing.T) (*Ethereum, *simulated.Backend) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	funds, _ := new(big.Int).SetString("100000000000000000000", 10)
	sim := simulated.NewBackend(types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	})
	t.Cleanup(func() { sim.Close() })

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				sim.Commit()
			}
		}
	}()

	e, err := New(t.Context(), sim.Client(), key, common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err != nil {
		t.Fatal(err)
	}

	return e, sim
}

func TestTransfer(t *testing.T) {
	e, sim := newSimulated(t)

	amount, err := ParseEther("0.001")
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		to   common.Address
	}{
		{
			name: "fresh wallet",
			to:   common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		},
		{
			name: "second wallet",
			to:   common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			code, err := sim.Client().CodeAt(t.Context(), tt.to, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(code) != 0 {
				t.Fatalf("%s has code, wanted a plain wallet", tt.to.Hex())
			}

			hash, err := e.Transfer(t.Context(), tt.to, amount)
			if err != nil {
				t.Fatal(err)
			}

			if hash == (common.Hash{}) {
				t.Error("got an empty transaction hash")
			}

			receipt, err := sim.Client().TransactionReceipt(t.Context(), hash)
			if err != nil {
				t.Fatal(err)
			}
			if receipt.GasUsed != params.TxGas {
				t.Errorf("wanted %d gas used, got %d", params.TxGas, receipt.GasUsed)
			}

			balance, err := sim.Client().BalanceAt(t.Context(), tt.to, nil)
			if err != nil {
				t.Fatal(err)
			}

			if balance.Cmp(amount) != 0 {
				t.Errorf("wanted balance %s, got %s", amount, balance)
			}
		})
	}
}

func TestCanUserExecuteNoContract(t *testing.T) {
	e, _ := newSimulated(t)

	if _, err := e.CanUserExecute(t.Context(), common.Address{1}); err == nil {
		t.Error("wanted an error calling a contract that is not deployed")
	}
}
