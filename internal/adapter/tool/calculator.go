package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log/slog"
	"math"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
)

const maxExpressionLength = 256

var errDivisionByZero = errors.New("division by zero")

// CalculatorTool evaluates arithmetic expressions.
type CalculatorTool struct {
	logger *slog.Logger
}

// NewCalculatorTool creates the calculator tool.
func NewCalculatorTool(logger *slog.Logger) *CalculatorTool {
	return &CalculatorTool{logger: logger}
}

func (t *CalculatorTool) Name() string { return "calculator" }
func (t *CalculatorTool) Description() string {
	return "Evaluates an arithmetic expression with + - * / %, parentheses and decimal numbers."
}

func (t *CalculatorTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "minLength": 1, "maxLength": 256}
			},
			"required": ["expression"],
			"additionalProperties": false
		}`),
	}
}

type calculatorParams struct {
	Expression string `json:"expression"`
}

func (t *CalculatorTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	return Execute(ctx, "tool.calculator", t.logger, params,
		func(_ context.Context, _ trace.Span, p calculatorParams) (any, error) {
			if len(p.Expression) > maxExpressionLength {
				return nil, fmt.Errorf("expression longer than %d bytes", maxExpressionLength)
			}
			v, err := Evaluate(p.Expression)
			if err != nil {
				return nil, err
			}
			return v, nil
		})
}

// Evaluate computes an arithmetic expression. The expression is parsed with
// the Go expression grammar and only numeric literals, parentheses, unary
// +/- and binary + - * / % are accepted.
func Evaluate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("parse expression: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

func eval(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return eval(n.X)
	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, errDivisionByZero
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, errDivisionByZero
			}
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	default:
		return 0, fmt.Errorf("unsupported expression %T", node)
	}
}
