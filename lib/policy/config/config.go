package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/gasfree-labs/gasfree/data"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrNoFallbackQuestions              = errors.New("config.Questions: must define at least one (1) fallback question")
	ErrEmptyFallbackQuestion            = errors.New("config.Questions: fallback questions can't be empty")
	ErrRuleMustHaveName                 = errors.New("config.Rule: must set name")
	ErrRuleMustHaveExpression           = errors.New("config.Rule: must set expression")
	ErrUnknownAction                    = errors.New("config.Rule: unknown action")
	ErrInvalidImportStatement           = errors.New("config.ImportStatement: invalid source file")
	ErrCantSetRuleAndImportValuesAtOnce = errors.New("config.RuleOrImport: can't set rule fields and import values at the same time")
	ErrMustSetRuleOrImport              = errors.New("config.RuleOrImport: rule definition is invalid, you must set either rule fields or an import statement")
)

// Action is what the classifier concludes when a rule matches.
type Action string

const (
	ActionUnknown   Action = ""
	ActionHuman     Action = "HUMAN"
	ActionAutomated Action = "AUTOMATED"
	ActionRandom    Action = "RANDOM"
)

func (a Action) Valid() error {
	switch a {
	case ActionHuman, ActionAutomated, ActionRandom:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
}

// Rule is one classifier heuristic: a CEL expression over the question and
// answer, and the verdict to return when it matches.
type Rule struct {
	Expression *ExpressionOrList `json:"expression,omitempty" yaml:"expression,omitempty"`
	Name       string            `json:"name" yaml:"name"`
	Action     Action            `json:"action" yaml:"action"`
}

func (r *Rule) Valid() error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, ErrRuleMustHaveName)
	}

	if r.Expression == nil {
		errs = append(errs, ErrRuleMustHaveExpression)
	} else if err := r.Expression.Valid(); err != nil {
		errs = append(errs, err)
	}

	if err := r.Action.Valid(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: rule entry for %q is not valid:\n%w", r.Name, errors.Join(errs...))
	}

	return nil
}

// ImportStatement pulls a list of rules from another file. Paths starting
// with "(data)/" are read from the rules compiled into the binary.
type ImportStatement struct {
	Import string `json:"import"`
	Rules  []Rule `json:"-"`
}

func (is *ImportStatement) open() (fs.File, error) {
	if strings.HasPrefix(is.Import, "(data)/") {
		fname := strings.TrimPrefix(is.Import, "(data)/")
		return data.Policies.Open(fname)
	}

	return os.Open(is.Import)
}

func (is *ImportStatement) load() error {
	fin, err := is.open()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidImportStatement, is.Import, err)
	}
	defer fin.Close()

	var imported []RuleOrImport

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&imported); err != nil {
		return fmt.Errorf("can't parse %s: %w", is.Import, err)
	}

	rules, err := flatten(imported)
	if err != nil {
		return fmt.Errorf("config %s is not valid:\n%w", is.Import, err)
	}

	is.Rules = rules

	return nil
}

func (is *ImportStatement) Valid() error {
	return is.load()
}

// RuleOrImport is one entry of a rule list in a policy file.
type RuleOrImport struct {
	*Rule            `json:",inline"`
	*ImportStatement `json:",inline"`
}

func (roi *RuleOrImport) Valid() error {
	if roi.Rule != nil && roi.ImportStatement != nil {
		return ErrCantSetRuleAndImportValuesAtOnce
	}

	if roi.Rule != nil {
		return roi.Rule.Valid()
	}

	if roi.ImportStatement != nil {
		return roi.ImportStatement.Valid()
	}

	return ErrMustSetRuleOrImport
}

// flatten validates every entry and expands imports in order.
func flatten(entries []RuleOrImport) ([]Rule, error) {
	var (
		result []Rule
		errs   []error
	)

	for i, roi := range entries {
		if err := roi.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}

		if roi.ImportStatement != nil {
			result = append(result, roi.ImportStatement.Rules...)
		}

		if roi.Rule != nil {
			result = append(result, *roi.Rule)
		}
	}

	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	return result, nil
}

// Questions configures challenge generation.
type Questions struct {
	// Prompt is the system instruction given to the language model. Empty
	// means the built-in prompt.
	Prompt string `json:"prompt,omitempty"`

	// Fallback is the pool used when the language model is unavailable.
	Fallback []string `json:"fallback"`
}

func (q Questions) Valid() error {
	var errs []error

	if len(q.Fallback) == 0 {
		errs = append(errs, ErrNoFallbackQuestions)
	}

	for i, question := range q.Fallback {
		if strings.TrimSpace(question) == "" {
			errs = append(errs, fmt.Errorf("%w: question %d", ErrEmptyFallbackQuestion, i))
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: questions are not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

type fileRuleSet struct {
	Rules   []RuleOrImport `json:"rules"`
	Default Action         `json:"default"`
}

type fileClassifier struct {
	Prompt   string      `json:"prompt,omitempty"`
	Degraded fileRuleSet `json:"degraded"`
	fileRuleSet
}

type fileConfig struct {
	Store      *Store         `json:"store"`
	Journal    *Store         `json:"journal"`
	Questions  Questions      `json:"questions"`
	Classifier fileClassifier `json:"classifier"`
}

// RuleSet is an ordered list of rules. Default applies when none match.
type RuleSet struct {
	Rules   []Rule
	Default Action
}

// Classifier configures answer classification.
type Classifier struct {
	// Prompt is the system instruction given to the language model. Empty
	// means the built-in prompt.
	Prompt string

	// Heuristics apply when no language model is configured.
	Heuristics RuleSet

	// Degraded applies when the language model is configured but failed.
	Degraded RuleSet
}

// Config is a loaded and validated policy file.
type Config struct {
	Store      Store
	Journal    Store
	Questions  Questions
	Classifier Classifier
}

// Load parses a YAML or JSON policy from fin. fname is only used in error
// messages.
func Load(fin io.Reader, fname string) (*Config, error) {
	var c fileConfig

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&c); err != nil {
		return nil, fmt.Errorf("can't parse policy config YAML %s: %w", fname, err)
	}

	result := &Config{
		Store:     Store{Backend: "memory"},
		Journal:   Store{Backend: "memory"},
		Questions: c.Questions,
		Classifier: Classifier{
			Prompt: c.Classifier.Prompt,
			Heuristics: RuleSet{
				Default: c.Classifier.Default,
			},
			Degraded: RuleSet{
				Default: c.Classifier.Degraded.Default,
			},
		},
	}

	if c.Store != nil {
		result.Store = *c.Store
	}

	if c.Journal != nil {
		result.Journal = *c.Journal
	}

	if result.Classifier.Heuristics.Default == ActionUnknown {
		result.Classifier.Heuristics.Default = ActionRandom
	}

	if result.Classifier.Degraded.Default == ActionUnknown {
		result.Classifier.Degraded.Default = ActionAutomated
	}

	var validationErrs []error

	heuristics, err := flatten(c.Classifier.Rules)
	if err != nil {
		validationErrs = append(validationErrs, fmt.Errorf("classifier rules: %w", err))
	}
	result.Classifier.Heuristics.Rules = heuristics

	degraded, err := flatten(c.Classifier.Degraded.Rules)
	if err != nil {
		validationErrs = append(validationErrs, fmt.Errorf("degraded classifier rules: %w", err))
	}
	result.Classifier.Degraded.Rules = degraded

	if err := result.Valid(); err != nil {
		validationErrs = append(validationErrs, err)
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, errors.Join(validationErrs...))
	}

	return result, nil
}

func (c Config) Valid() error {
	var errs []error

	if err := c.Store.Valid(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	if err := c.Journal.Valid(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}

	if err := c.Questions.Valid(); err != nil {
		errs = append(errs, err)
	}

	for _, rs := range []RuleSet{c.Classifier.Heuristics, c.Classifier.Degraded} {
		if err := rs.Default.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("default action: %w", err))
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}
