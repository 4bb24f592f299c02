package tddflow

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/tddflow/script"
)

// TestResultValidator is the pluggable RED/GREEN acceptance policy.
//
// RedPassing reports whether a RED run shows the feature already working;
// the machine then completes the subtask without GREEN or COMMIT.
// GreenPassing reports whether a GREEN run is acceptable; a false result is
// a policy violation.
type TestResultValidator interface {
	RedPassing(result *TestResult) bool
	GreenPassing(result *TestResult) bool
}

// failedCountValidator is the built-in rule: a run passes when it has zero
// failures.
type failedCountValidator struct{}

func (failedCountValidator) RedPassing(result *TestResult) bool {
	return result.Failed == 0
}

func (failedCountValidator) GreenPassing(result *TestResult) bool {
	return result.Failed == 0
}

// DefaultValidator returns the built-in failed-count acceptance policy.
func DefaultValidator() TestResultValidator {
	return failedCountValidator{}
}

// ScriptValidator evaluates user-supplied expressions against a test
// result. Each expression sees the globals total, passed, failed and
// skipped and must evaluate to a truthy value for the run to pass. An empty
// expression falls back to the built-in rule, as does an evaluation error.
type ScriptValidator struct {
	red      script.Script
	green    script.Script
	fallback TestResultValidator
}

// NewScriptValidator compiles the RED and GREEN acceptance expressions.
func NewScriptValidator(compiler script.Compiler, redExpr, greenExpr string) (*ScriptValidator, error) {
	v := &ScriptValidator{fallback: DefaultValidator()}
	var err error
	if redExpr != "" {
		if v.red, err = compiler.Compile(context.Background(), redExpr); err != nil {
			return nil, fmt.Errorf("failed to compile red expression: %w", err)
		}
	}
	if greenExpr != "" {
		if v.green, err = compiler.Compile(context.Background(), greenExpr); err != nil {
			return nil, fmt.Errorf("failed to compile green expression: %w", err)
		}
	}
	return v, nil
}

func (v *ScriptValidator) RedPassing(result *TestResult) bool {
	if v.red == nil {
		return v.fallback.RedPassing(result)
	}
	value, err := v.red.Evaluate(context.Background(), resultGlobals(result))
	if err != nil {
		return v.fallback.RedPassing(result)
	}
	return value.IsTruthy()
}

func (v *ScriptValidator) GreenPassing(result *TestResult) bool {
	if v.green == nil {
		return v.fallback.GreenPassing(result)
	}
	value, err := v.green.Evaluate(context.Background(), resultGlobals(result))
	if err != nil {
		return v.fallback.GreenPassing(result)
	}
	return value.IsTruthy()
}

// NewRisorValidator compiles acceptance expressions with the default Risor
// engine, seeded so expressions can reference the test-result globals.
func NewRisorValidator(redExpr, greenExpr string) (*ScriptValidator, error) {
	globals := script.DefaultGlobals()
	for name := range resultGlobals(&TestResult{}) {
		globals[name] = nil
	}
	return NewScriptValidator(script.NewRisorScriptingEngine(globals), redExpr, greenExpr)
}

func resultGlobals(result *TestResult) map[string]any {
	return map[string]any{
		"total":   result.Total,
		"passed":  result.Passed,
		"failed":  result.Failed,
		"skipped": result.Skipped,
	}
}
