// Package policy turns a policy file into ready-to-run classifier rules
// and storage settings.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gasfree-labs/gasfree/data"
	"github.com/gasfree-labs/gasfree/lib/policy/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Applications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gasfree_policy_results",
	Help: "The results of each classifier rule",
}, []string{"rule", "action"})

// Rule is a compiled classifier rule.
type Rule struct {
	Name    string
	Action  config.Action
	Checker *CELChecker
}

// Hash identifies the rule by name and expression.
func (r Rule) Hash() string {
	return r.Name + "/" + r.Checker.Hash()
}

// RuleSet is an ordered list of compiled rules with a fallback action.
type RuleSet struct {
	Rules   []Rule
	Default config.Action
}

// Match returns the action of the first rule that holds for in, or the
// default. Rules that fail to evaluate are logged and skipped.
func (rs RuleSet) Match(ctx context.Context, lg *slog.Logger, in Input) (config.Action, string) {
	for _, r := range rs.Rules {
		ok, err := r.Checker.Check(ctx, in)
		if err != nil {
			lg.Warn("classifier rule failed to evaluate, skipping", "rule", r.Name, "rule_hash", r.Hash(), "err", err)
			continue
		}

		if ok {
			Applications.WithLabelValues(r.Name, string(r.Action)).Inc()
			return r.Action, r.Name
		}
	}

	Applications.WithLabelValues("default", string(rs.Default)).Inc()
	return rs.Default, "default"
}

// ParsedConfig is a policy with every rule compiled.
type ParsedConfig struct {
	Store            config.Store
	Journal          config.Store
	Questions        config.Questions
	ClassifierPrompt string
	Heuristics       RuleSet
	Degraded         RuleSet
}

func compileRules(rules []config.Rule, def config.Action) (RuleSet, error) {
	result := RuleSet{Default: def}
	var errs []error

	for _, r := range rules {
		c, err := NewCELChecker(r.Expression)
		if err != nil {
			errs = append(errs, fmt.Errorf("while processing rule %s expressions: %w", r.Name, err))
			continue
		}

		result.Rules = append(result.Rules, Rule{
			Name:    r.Name,
			Action:  r.Action,
			Checker: c,
		})
	}

	if len(errs) != 0 {
		return RuleSet{}, errors.Join(errs...)
	}

	return result, nil
}

// ParseConfig loads a policy from fin and compiles its rules.
func ParseConfig(ctx context.Context, fin io.Reader, fname string) (*ParsedConfig, error) {
	c, err := config.Load(fin, fname)
	if err != nil {
		return nil, err
	}

	var validationErrs []error

	heuristics, err := compileRules(c.Classifier.Heuristics.Rules, c.Classifier.Heuristics.Default)
	if err != nil {
		validationErrs = append(validationErrs, err)
	}

	degraded, err := compileRules(c.Classifier.Degraded.Rules, c.Classifier.Degraded.Default)
	if err != nil {
		validationErrs = append(validationErrs, err)
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, errors.Join(validationErrs...))
	}

	return &ParsedConfig{
		Store:            c.Store,
		Journal:          c.Journal,
		Questions:        c.Questions,
		ClassifierPrompt: c.Classifier.Prompt,
		Heuristics:       heuristics,
		Degraded:         degraded,
	}, nil
}

// LoadPoliciesOrDefault reads the policy at fname, or the embedded default
// policy when fname is empty.
func LoadPoliciesOrDefault(ctx context.Context, fname string) (*ParsedConfig, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/policy.yaml"
		fin, err = data.Policies.Open("policy.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't open default policy file: %w", err)
		}
	}

	defer func() {
		if err := fin.Close(); err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}()

	return ParseConfig(ctx, fin, fname)
}
