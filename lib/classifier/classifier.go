// Package classifier decides whether an answer was written by a person.
//
// A language model is asked first when one is configured. Without one,
// ordered heuristic rules from the policy file decide. If the model is
// configured but fails, a stricter degraded rule set decides instead.
// Classification never returns an error.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/llm"
	"github.com/gasfree-labs/gasfree/lib/policy"
	"github.com/gasfree-labs/gasfree/lib/policy/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultPrompt is the system instruction used when the policy file does
// not set one.
const DefaultPrompt = "你是一个答案鉴别器。给你一个问题和一个答案，判断这个答案是人类写的还是 AI 生成的。" +
	"人类的回答通常简短、口语化、直接；AI 的回答通常结构完整、使用连接词、分点论述或过度解释。" +
	"只输出一个单词：human 或 ai。"

const (
	temperature = 0.2
	maxTokens   = 10
)

// Tiers reported in verdicts and metrics.
const (
	TierLLM        = "llm"
	TierHeuristics = "heuristics"
	TierDegraded   = "degraded"
)

var classifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gasfree_classifications",
	Help: "The number of answers classified by tier and verdict",
}, []string{"tier", "verdict"})

// Verdict is the outcome of classifying one answer.
type Verdict struct {
	Human bool
	Tier  string

	// Rule is the matching rule name for rule tiers, or the raw label for
	// the language model tier.
	Rule string
}

func (v Verdict) String() string {
	if v.Human {
		return "human"
	}
	return "automated"
}

// Options configures a Classifier.
type Options struct {
	// Completer is the language model. Nil means heuristics only.
	Completer  llm.Completer
	Prompt     string
	Heuristics policy.RuleSet
	Degraded   policy.RuleSet
	Rand       *internal.Rand
}

// Classifier labels answers as human or automated.
type Classifier struct {
	completer  llm.Completer
	prompt     string
	heuristics policy.RuleSet
	degraded   policy.RuleSet
	rng        *internal.Rand
}

func New(opts Options) *Classifier {
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}

	if opts.Rand == nil {
		opts.Rand = internal.NewRand(0)
	}

	return &Classifier{
		completer:  opts.Completer,
		prompt:     opts.Prompt,
		heuristics: opts.Heuristics,
		degraded:   opts.Degraded,
		rng:        opts.Rand,
	}
}

// IsHuman reports whether answer looks like it was written by a person.
func (c *Classifier) IsHuman(ctx context.Context, lg *slog.Logger, question, answer string) bool {
	return c.Classify(ctx, lg, question, answer).Human
}

// Classify labels answer and says which tier made the call.
func (c *Classifier) Classify(ctx context.Context, lg *slog.Logger, question, answer string) Verdict {
	var v Verdict

	switch {
	case c.completer == nil:
		v = c.byRules(ctx, lg, TierHeuristics, c.heuristics, question, answer)
	default:
		label, err := c.completer.Complete(ctx, llm.Request{
			System:      c.prompt,
			User:        fmt.Sprintf("问题：%s\n答案：%s\n这个答案是 human 还是 ai？", question, answer),
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			lg.Warn("can't classify answer with language model, using degraded rules", "err", err)
			v = c.byRules(ctx, lg, TierDegraded, c.degraded, question, answer)
			break
		}

		v = Verdict{
			Human: strings.ToLower(strings.TrimSpace(label)) == "human",
			Tier:  TierLLM,
			Rule:  label,
		}
	}

	classifications.WithLabelValues(v.Tier, v.String()).Inc()
	lg.Debug("classified answer", "tier", v.Tier, "rule", v.Rule, "verdict", v.String())

	return v
}

func (c *Classifier) byRules(ctx context.Context, lg *slog.Logger, tier string, rs policy.RuleSet, question, answer string) Verdict {
	action, rule := rs.Match(ctx, lg, policy.Input{Question: question, Answer: answer})

	var human bool
	switch action {
	case config.ActionHuman:
		human = true
	case config.ActionAutomated:
		human = false
	case config.ActionRandom:
		human = c.rng.Bool()
	}

	return Verdict{
		Human: human,
		Tier:  tier,
		Rule:  rule,
	}
}
