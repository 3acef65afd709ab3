package expressions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Connective is how the clauses of a heuristic rule combine.
type Connective string

const (
	// All holds when every clause holds.
	All Connective = "&&"
	// Any holds when at least one clause holds.
	Any Connective = "||"
)

func (c Connective) Valid() error {
	switch c {
	case All, Any:
		return nil
	}

	return fmt.Errorf("%w: %q", ErrBadConnective, string(c))
}

var (
	ErrBadConnective = errors.New("expressions: connective must be && or ||")
	ErrNoClauses     = errors.New("expressions: rule has no clauses")
	ErrCantCompile   = errors.New("expressions: can't compile clause")
	ErrNotPredicate  = errors.New("expressions: clause does not return bool")
)

// Clause compiles one rule clause. A clause must be a predicate over the
// question and the answer.
func Clause(env *cel.Env, src string) (*cel.Ast, error) {
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q gave: %w", ErrCantCompile, src, iss.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q returns %s", ErrNotPredicate, src, ast.OutputType())
	}

	return ast, nil
}

// Combine compiles clauses into one predicate. Every clause is checked on
// its own first so that the error names the broken ones.
//
// The clauses
//
//	answer.contains("因为")
//	size(answer) > 4
//
// combined with All behave like
//
//	answer.contains("因为") && size(answer) > 4
func Combine(env *cel.Env, c Connective, clauses ...string) (*cel.Ast, error) {
	if err := c.Valid(); err != nil {
		return nil, err
	}

	switch len(clauses) {
	case 0:
		return nil, ErrNoClauses
	case 1:
		return Clause(env, clauses[0])
	}

	parts := make([]string, 0, len(clauses))
	var errs []error

	for i, src := range clauses {
		if _, err := Clause(env, src); err != nil {
			errs = append(errs, fmt.Errorf("clause %d: %w", i, err))
			continue
		}

		// The newline ends any trailing line comment in src.
		parts = append(parts, "("+src+"\n)")
	}

	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	return Clause(env, strings.Join(parts, " "+string(c)+" "))
}
