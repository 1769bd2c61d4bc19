// Package calculator implements the arithmetic behind the calculator MCP
// servers and registers it as a set of MCP tools.
package calculator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrDivisionByZero is returned by Divide when the divisor is zero.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrInvalidTool is returned when a tool name is not one of the arithmetic
	// operations.
	ErrInvalidTool = errors.New("unknown tool")
)

// Name identifies one of the arithmetic operations.
type Name string

const (
	NameAdd      Name = "add_numbers"
	NameSubtract Name = "subtract_numbers"
	NameMultiply Name = "multiply_numbers"
	NameDivide   Name = "divide_numbers"
	NamePower    Name = "power"
)

// PowerAlias is accepted in place of NamePower.
const PowerAlias = "calculate_power"

// Names lists the operations in the order they are advertised.
var Names = []Name{NameAdd, NameSubtract, NameMultiply, NameDivide, NamePower}

// ParseName resolves s to an operation. Anything outside the fixed set yields
// an error wrapping ErrInvalidTool.
func ParseName(s string) (Name, error) {
	if s == PowerAlias {
		return NamePower, nil
	}
	for _, n := range Names {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidTool, s)
}

func Add(a, b float64) float64      { return a + b }
func Subtract(a, b float64) float64 { return a - b }
func Multiply(a, b float64) float64 { return a * b }

// Divide returns a / b, or ErrDivisionByZero when b is zero.
func Divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return a / b, nil
}

// Power returns base raised to exponent.
func Power(base, exponent float64) float64 { return math.Pow(base, exponent) }

// Evaluate applies the named operation to x and y. For NamePower x is the base
// and y the exponent.
func Evaluate(name Name, x, y float64) (float64, error) {
	switch name {
	case NameAdd:
		return Add(x, y), nil
	case NameSubtract:
		return Subtract(x, y), nil
	case NameMultiply:
		return Multiply(x, y), nil
	case NameDivide:
		return Divide(x, y)
	case NamePower:
		return Power(x, y), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidTool, name)
	}
}

// Describe renders the human readable sentence returned alongside a result.
func Describe(name Name, x, y, result float64) string {
	fx, fy, fr := FormatNumber(x), FormatNumber(y), FormatNumber(result)
	switch name {
	case NameAdd:
		return fmt.Sprintf("The sum of %s and %s is %s", fx, fy, fr)
	case NameSubtract:
		return fmt.Sprintf("The difference of %s and %s is %s", fx, fy, fr)
	case NameMultiply:
		return fmt.Sprintf("The product of %s and %s is %s", fx, fy, fr)
	case NameDivide:
		return fmt.Sprintf("The quotient of %s divided by %s is %s", fx, fy, fr)
	case NamePower:
		return fmt.Sprintf("%s raised to the power of %s is %s", fx, fy, fr)
	}
	return fr
}

// symbol is the operator used in "Calculating: ..." log lines.
func symbol(name Name) string {
	switch name {
	case NameAdd:
		return "+"
	case NameSubtract:
		return "-"
	case NameMultiply:
		return "×"
	case NameDivide:
		return "÷"
	default:
		return "^"
	}
}

// FormatNumber prints v in the shortest form that round-trips.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
