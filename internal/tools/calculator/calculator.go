// Package calculator 提供基于 govaluate 的算术表达式求值工具，无需用户确认。
package calculator

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/Knetic/govaluate"
)

// Name 是工具注册名。
const Name = "calculator"

// Input 是计算器的输入。
type Input struct {
	Expression string `json:"expression" jsonschema:"description=Mathematical expression to evaluate such as 2 + 2 or sqrt(16) * pi. Use ** for powers." validate:"required"`
}

var constants = map[string]any{
	"pi":  math.Pi,
	"e":   math.E,
	"phi": math.Phi,
	"ln2": math.Ln2,
}

// Tool 是计算器工具。
type Tool struct {
	functions map[string]govaluate.ExpressionFunction
}

// New 创建计算器。
func New() *Tool {
	return &Tool{functions: functions()}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Evaluates arithmetic expressions: + - * / % **, parentheses, comparison operators, " +
		"the constants pi, e, phi and ln2, and the functions sqrt, abs, pow, exp, ln, log10, " +
		"sin, cos, tan, floor, ceil, round, min and max."
}

func (t *Tool) NewInput() any { return &Input{} }

func (t *Tool) RequiresConfirmation() bool { return false }

func (t *Tool) Preview(input any) string {
	return fmt.Sprintf("Evaluate %s", input.(*Input).Expression)
}

// Run 求值表达式并返回规范化的文本结果，整数结果不带小数点。
func (t *Tool) Run(_ context.Context, input any) (string, error) {
	in := input.(*Input)
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(in.Expression, t.functions)
	if err != nil {
		return "", fmt.Errorf("invalid expression: %w", err)
	}
	result, err := expr.Evaluate(constants)
	if err != nil {
		return "", fmt.Errorf("evaluation failed: %w", err)
	}
	return format(result), nil
}

func format(v any) string {
	switch typed := v.(type) {
	case float64:
		if math.IsInf(typed, 0) || math.IsNaN(typed) {
			return strconv.FormatFloat(typed, 'g', -1, 64)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(v)
	}
}

func functions() map[string]govaluate.ExpressionFunction {
	unary := func(name string, fn func(float64) float64) govaluate.ExpressionFunction {
		return func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(args))
			}
			x, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("%s expects a number", name)
			}
			return fn(x), nil
		}
	}
	variadic := func(name string, fn func(a, b float64) float64) govaluate.ExpressionFunction {
		return func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("%s expects at least 1 argument", name)
			}
			acc, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("%s expects numbers", name)
			}
			for _, arg := range args[1:] {
				x, ok := arg.(float64)
				if !ok {
					return nil, fmt.Errorf("%s expects numbers", name)
				}
				acc = fn(acc, x)
			}
			return acc, nil
		}
	}
	return map[string]govaluate.ExpressionFunction{
		"sqrt":  unary("sqrt", math.Sqrt),
		"abs":   unary("abs", math.Abs),
		"exp":   unary("exp", math.Exp),
		"ln":    unary("ln", math.Log),
		"log10": unary("log10", math.Log10),
		"sin":   unary("sin", math.Sin),
		"cos":   unary("cos", math.Cos),
		"tan":   unary("tan", math.Tan),
		"floor": unary("floor", math.Floor),
		"ceil":  unary("ceil", math.Ceil),
		"round": unary("round", math.Round),
		"pow": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("pow expects 2 arguments, got %d", len(args))
			}
			base, ok1 := args[0].(float64)
			exp, ok2 := args[1].(float64)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("pow expects numbers")
			}
			return math.Pow(base, exp), nil
		},
		"min": variadic("min", math.Min),
		"max": variadic("max", math.Max),
	}
}
