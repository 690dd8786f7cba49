// Package querysql compiles queryir predicates to parameterized SQLite
// WHERE fragments.
package querysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/queryir"
)

// ErrInvalidPredicate wraps validation failures returned by Compile.
var ErrInvalidPredicate = errors.New("invalid predicate")

// SQLCompiler renders predicates against one table alias.
//
// Values are always bound as ? parameters, never interpolated. Column names
// come only from queryir.KnownFields, so they are safe to splice.
type SQLCompiler struct {
	// Prefix is prepended to every column, e.g. "a." for a joined alias.
	Prefix string
}

// NewSQLCompiler creates a compiler for columns under prefix.
func NewSQLCompiler(prefix string) *SQLCompiler {
	return &SQLCompiler{Prefix: prefix}
}

// Compile validates p and converts it to a WHERE fragment and its
// parameters. A nil predicate compiles to "1 = 1".
func (c *SQLCompiler) Compile(p queryir.Predicate) (string, []any, error) {
	if res := queryir.Validate(p); !res.Valid {
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidPredicate, strings.Join(res.Problems, "; "))
	}
	return c.compilePredicate(p)
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil
	}

	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileEquals(pred)
	case *queryir.Equals:
		return c.compileEquals(*pred)
	case queryir.In:
		return c.compileIn(pred)
	case *queryir.In:
		return c.compileIn(*pred)
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case *queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case *queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) column(f queryir.Field) string {
	return c.Prefix + string(f)
}

// compileEquals renders "field = ?".
func (c *SQLCompiler) compileEquals(eq queryir.Equals) (string, []any, error) {
	param, err := irValueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("convert value for %s: %w", eq.Field, err)
	}
	return c.column(eq.Field) + " = ?", []any{param}, nil
}

// compileIn renders "field IN (?, ?, ...)".
func (c *SQLCompiler) compileIn(in queryir.In) (string, []any, error) {
	params := make([]any, 0, len(in.Values))
	for _, v := range in.Values {
		param, err := irValueToParam(v)
		if err != nil {
			return "", nil, fmt.Errorf("convert value for %s: %w", in.Field, err)
		}
		params = append(params, param)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
	return c.column(in.Field) + " IN (" + marks + ")", params, nil
}

// compileJunction renders a parenthesized AND or OR. An empty junction
// renders as its identity.
func (c *SQLCompiler) compileJunction(preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return "(" + empty + ")", nil, nil
	}

	parts := make([]string, 0, len(preds))
	var params []any
	for _, pred := range preds {
		sql, ps, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

// irValueToParam converts a scalar ir.IRValue to a driver parameter.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		return bool(val), nil
	default:
		return nil, fmt.Errorf("%T cannot be used as SQL parameter", v)
	}
}
