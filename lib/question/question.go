// Package question produces the challenge questions shown to users.
//
// Questions come from a language model when one is configured and from a
// fixed pool otherwise. Generation never fails: any problem with the
// model falls back to the pool.
package question

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultPrompt is the system instruction used when the policy file does
// not set one.
const DefaultPrompt = "你是一个出题助手，负责生成用于区分人类和 AI 的问题。" +
	"问题必须简短，并且自相矛盾、带有错误前提或模棱两可，" +
	"让人类可以凭常识一句话直接回答，而 AI 倾向于长篇解释。" +
	"只输出问题本身，不要输出编号、引号或任何解释。"

const (
	userPrompt  = "请生成一个这样的问题。"
	temperature = 1.3
	maxTokens   = 50
)

var ErrNoQuestions = errors.New("question: pool is empty")

var generated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gasfree_questions_generated",
	Help: "The number of questions generated by tier",
}, []string{"tier"})

// Provider is one source of questions.
type Provider interface {
	Question(ctx context.Context) (string, error)
}

// Static picks uniformly from a fixed pool.
type Static struct {
	questions []string
	rng       *internal.Rand
}

// NewStatic creates a Static provider over questions.
func NewStatic(questions []string, rng *internal.Rand) (*Static, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	return &Static{
		questions: questions,
		rng:       rng,
	}, nil
}

func (s *Static) Question(context.Context) (string, error) {
	return s.questions[s.rng.IntN(len(s.questions))], nil
}

// LLM asks a language model for a question.
type LLM struct {
	completer llm.Completer
	prompt    string
}

// NewLLM creates an LLM provider. An empty prompt means DefaultPrompt.
func NewLLM(completer llm.Completer, prompt string) *LLM {
	if prompt == "" {
		prompt = DefaultPrompt
	}

	return &LLM{
		completer: completer,
		prompt:    prompt,
	}
}

func (l *LLM) Question(ctx context.Context) (string, error) {
	q, err := l.completer.Complete(ctx, llm.Request{
		System:      l.prompt,
		User:        userPrompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}

	q = strings.Trim(q, " \t\r\n\"'“”「」")
	if q == "" {
		return "", llm.ErrEmptyResponse
	}

	return q, nil
}

// Generator tries the primary provider and falls back to the static pool.
type Generator struct {
	primary  Provider
	fallback *Static
}

// NewGenerator creates a Generator. primary may be nil, in which case only
// the fallback pool is used.
func NewGenerator(primary Provider, fallback *Static) *Generator {
	return &Generator{
		primary:  primary,
		fallback: fallback,
	}
}

// Generate returns a question ending in a question mark.
func (g *Generator) Generate(ctx context.Context, lg *slog.Logger) string {
	if g.primary != nil {
		q, err := g.primary.Question(ctx)
		if err == nil {
			generated.WithLabelValues("llm").Inc()
			return withQuestionMark(q)
		}

		lg.Warn("can't generate question with language model, using fallback pool", "err", err)
	}

	// Static never fails once constructed.
	q, _ := g.fallback.Question(ctx)
	generated.WithLabelValues("fallback").Inc()

	return withQuestionMark(q)
}

func withQuestionMark(q string) string {
	if strings.HasSuffix(q, "?") || strings.HasSuffix(q, "？") {
		return q
	}

	return q + "？"
}
