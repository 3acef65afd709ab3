package policy

import (
	"context"
	"fmt"

	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/policy/config"
	"github.com/gasfree-labs/gasfree/lib/policy/expressions"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// CELChecker evaluates one compiled rule expression against an answer.
type CELChecker struct {
	src     string
	program cel.Program
}

func NewCELChecker(cfg *config.ExpressionOrList) (*CELChecker, error) {
	env, err := expressions.NewEnvironment()
	if err != nil {
		return nil, err
	}

	var src string
	var ast *cel.Ast

	switch {
	case cfg.Expression != "":
		src = cfg.Expression
		ast, err = expressions.Clause(env, src)
	case len(cfg.All) != 0:
		ast, err = expressions.Combine(env, expressions.All, cfg.All...)
	case len(cfg.Any) != 0:
		ast, err = expressions.Combine(env, expressions.Any, cfg.Any...)
	default:
		return nil, config.ErrExpressionEmpty
	}

	if err != nil {
		return nil, err
	}

	if src == "" {
		if src, err = cel.AstToString(ast); err != nil {
			return nil, fmt.Errorf("can't decompile CEL program: %w", err)
		}
	}

	program, err := expressions.Compile(env, ast)
	if err != nil {
		return nil, fmt.Errorf("can't compile CEL program: %w", err)
	}

	return &CELChecker{
		src:     src,
		program: program,
	}, nil
}

// Hash identifies the expression.
func (cc *CELChecker) Hash() string {
	return internal.FastHash(cc.src)
}

// Check reports whether the expression holds for in.
func (cc *CELChecker) Check(ctx context.Context, in Input) (bool, error) {
	result, _, err := cc.program.ContextEval(ctx, &celInput{in})
	if err != nil {
		return false, err
	}

	if val, ok := result.(types.Bool); ok {
		return bool(val), nil
	}

	return false, nil
}

// Input is what classifier rules can look at.
type Input struct {
	Question string
	Answer   string
}

type celInput struct {
	Input
}

func (ci *celInput) Parent() cel.Activation { return nil }

func (ci *celInput) ResolveName(name string) (any, bool) {
	switch name {
	case "question":
		return ci.Question, true
	case "answer":
		return ci.Answer, true
	default:
		return nil, false
	}
}
