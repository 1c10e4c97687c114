// Package resolve implements the fixed-point resolution engine that
// turns tagged placeholder values in an environment mapping and a
// configuration tree into fetched, transformed data.
package resolve

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/expr-lang/expr"

	"github.com/szaher/taskwrap/internal/secrets"
)

// splatSuffix forces a single-element transform result to stay a
// sequence instead of collapsing to the scalar.
const splatSuffix = "[*]"

// exprDialectPrefix selects the expression-language dialect instead of
// the default JSONPath one.
const exprDialectPrefix = "expr:"

// ApplyTransform evaluates a transform expression against parsed data.
//
// Two dialects are supported: "$"-rooted JSONPath expressions, and
// expr-language expressions behind the "expr:" prefix. A query with no
// matches returns an error wrapping secrets.ErrNotFound; a trailing
// "[*]" keeps single JSONPath matches as one-element sequences.
func ApplyTransform(expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	if strings.HasPrefix(expression, exprDialectPrefix) {
		return applyExpr(strings.TrimPrefix(expression, exprDialectPrefix), data)
	}

	splat := false
	if strings.HasSuffix(expression, splatSuffix) && expression != "$"+splatSuffix {
		splat = true
		expression = strings.TrimSuffix(expression, splatSuffix)
	}

	out, err := jsonpath.Get(expression, data)
	if err != nil {
		if isPathNotFound(err) {
			return nil, fmt.Errorf("path %q matched nothing: %w", expression, secrets.ErrNotFound)
		}
		return nil, fmt.Errorf("evaluating path %q: %w", expression, err)
	}

	if seq, ok := out.([]any); ok {
		if len(seq) == 0 {
			return nil, fmt.Errorf("path %q matched nothing: %w", expression, secrets.ErrNotFound)
		}
		return seq, nil
	}
	if splat {
		return []any{out}, nil
	}
	return out, nil
}

// applyExpr evaluates an expr-language expression. The parsed data is
// exposed as the top-level namespace when it is a mapping, and as the
// variable "value" otherwise.
func applyExpr(source string, data any) (any, error) {
	env, ok := data.(map[string]any)
	if !ok {
		env = map[string]any{"value": data}
	}
	out, err := expr.Eval(source, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression %q: %w", source, err)
	}
	if out == nil {
		return nil, fmt.Errorf("expression %q produced no value: %w", source, secrets.ErrNotFound)
	}
	return out, nil
}

// isPathNotFound distinguishes "nothing at this path" from a malformed
// expression. The jsonpath library reports missing keys and indices as
// unknown-key/out-of-bounds evaluation errors.
func isPathNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown key") ||
		strings.Contains(msg, "unknown parameter") ||
		strings.Contains(msg, "out of bounds") ||
		strings.Contains(msg, "could not select value")
}
