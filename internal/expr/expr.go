// Package expr evaluates CEL key expressions against a task's input.
//
// Expressions see two variables: `input` (the decoded JSON input) and
// `additional_metadata` (string map). The result is rendered as a string key, so
// `input.tenant_id` and `"tenant-" + input.tenant_id` are both valid.
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"

	"slotworker/pkg/boundedcache"
)

const defaultProgramCacheSize = 256

type Evaluator struct {
	env      *cel.Env
	programs *boundedcache.Cache[string, cel.Program]
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("additional_metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build cel env: %w", err)
	}
	programs, err := boundedcache.New[string, cel.Program](defaultProgramCacheSize, nil)
	if err != nil {
		return nil, err
	}
	return &Evaluator{env: env, programs: programs}, nil
}

// Compile checks an expression without evaluating it.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Key evaluates expression against the raw JSON input and metadata.
func (e *Evaluator) Key(expression string, input json.RawMessage, metadata map[string]string) (string, error) {
	prg, err := e.program(expression)
	if err != nil {
		return "", err
	}

	var decoded any = map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return "", fmt.Errorf("failed to decode input for %q: %w", expression, err)
		}
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	out, _, err := prg.Eval(map[string]any{
		"input":               decoded,
		"additional_metadata": metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to evaluate %q: %w", expression, err)
	}
	return render(out.Value())
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if prg, ok := e.programs.Get(expression); ok {
		return prg, nil
	}
	ast, iss := e.env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", expression, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expression, err)
	}
	e.programs.Put(expression, prg)
	return prg, nil
}

func render(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("key expression must yield a scalar, got %T", v)
}
