package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/classifier"
	"github.com/gasfree-labs/gasfree/lib/ledger"
	"github.com/gasfree-labs/gasfree/lib/llm"
	"github.com/gasfree-labs/gasfree/lib/pipeline"
	"github.com/gasfree-labs/gasfree/lib/policy"
	"github.com/gasfree-labs/gasfree/lib/question"
	"github.com/gasfree-labs/gasfree/lib/relay"
	"k8s.io/utils/clock"
)

var (
	ErrNoPolicy         = errors.New("lib: policy is required")
	ErrNoLedger         = errors.New("lib: ledger client is required")
	ErrUnknownProviders = errors.New("lib: unknown providers mode")
	ErrLLMRequired      = errors.New("lib: providers mode llm needs a language model")
)

// Providers selects which tiers answer question generation and
// classification.
type Providers string

const (
	// ProvidersAuto uses the language model when one is configured.
	ProvidersAuto Providers = "auto"
	// ProvidersLLM requires a language model.
	ProvidersLLM Providers = "llm"
	// ProvidersFallback never calls a language model.
	ProvidersFallback Providers = "fallback"
)

func (p Providers) Valid() error {
	switch p {
	case ProvidersAuto, ProvidersLLM, ProvidersFallback:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProviders, p)
	}
}

type Options struct {
	Policy *policy.ParsedConfig
	Ledger ledger.Client

	// Completer is the language model. Nil means none is configured.
	Completer llm.Completer
	Providers Providers

	RewardAmount  string
	LedgerTimeout time.Duration

	// RandomSeed seeds the fallback question pool and the RANDOM rule
	// action. Zero means a random seed.
	RandomSeed uint64

	Clock clock.PassiveClock
}

func (o Options) completer() (llm.Completer, error) {
	if o.Providers == "" {
		o.Providers = ProvidersAuto
	}

	if err := o.Providers.Valid(); err != nil {
		return nil, err
	}

	switch o.Providers {
	case ProvidersFallback:
		return nil, nil
	case ProvidersLLM:
		if o.Completer == nil {
			return nil, ErrLLMRequired
		}
	}

	return o.Completer, nil
}

func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Policy == nil {
		return nil, ErrNoPolicy
	}

	if opts.Ledger == nil {
		return nil, ErrNoLedger
	}

	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	completer, err := opts.completer()
	if err != nil {
		return nil, err
	}

	sessions, err := opts.Policy.Store.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't open session store: %w", err)
	}

	journal := sessions
	if !opts.Policy.Journal.Same(&opts.Policy.Store) {
		journal, err = opts.Policy.Journal.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't open journal store: %w", err)
		}
	}

	rng := internal.NewRand(opts.RandomSeed)

	fallback, err := question.NewStatic(opts.Policy.Questions.Fallback, rng)
	if err != nil {
		return nil, err
	}

	var primary question.Provider
	if completer != nil {
		primary = question.NewLLM(completer, opts.Policy.Questions.Prompt)
	}

	challenges := challenge.NewStore(sessions, challenge.StoreOptions{
		TTL:   gasfree.SessionTTL,
		Grace: gasfree.SessionGrace,
		Clock: opts.Clock,
	})

	pl, err := pipeline.New(pipeline.Options{
		Challenges: challenges,
		Classifier: classifier.New(classifier.Options{
			Completer:  completer,
			Prompt:     opts.Policy.ClassifierPrompt,
			Heuristics: opts.Policy.Heuristics,
			Degraded:   opts.Policy.Degraded,
			Rand:       rng,
		}),
		Ledger:        opts.Ledger,
		Journal:       journal,
		RewardAmount:  opts.RewardAmount,
		LedgerTimeout: opts.LedgerTimeout,
		Clock:         opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("server configured", "providers", opts.Providers, "llm", completer != nil, "reward_amount", pl.RewardAmount(), "wallet", opts.Ledger.Address().Hex())

	result := &Server{
		challenges: challenges,
		questions:  question.NewGenerator(primary, fallback),
		pipeline:   pl,
		relay:      relay.New(opts.Ledger, opts.LedgerTimeout),
	}
	result.mux = result.routes()

	return result, nil
}
