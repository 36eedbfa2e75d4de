package acreage

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
)

// Syntax selects how an Expr is serialized for the map library.
type Syntax string

const (
	// SyntaxLegacy emits [">", "acres", 20] style filters.
	SyntaxLegacy Syntax = "legacy"
	// SyntaxExpression emits [">", ["get", "acres"], 20] style expressions.
	SyntaxExpression Syntax = "expression"
)

// Op is a numeric comparison operator
type Op string

const (
	OpGT  Op = ">"
	OpGTE Op = ">="
	OpLT  Op = "<"
	OpLTE Op = "<="
	OpEQ  Op = "=="
)

// Expr is a boolean predicate over feature properties. The same value is
// evaluated in-process and serialized for the map library, so the two can
// never disagree.
type Expr interface {
	Eval(props geojson.Properties) bool
	Encode(syntax Syntax) []interface{}
}

// Comparison tests one numeric property against a constant
type Comparison struct {
	Field string
	Op    Op
	Value float64
}

// All is true when every member is true. An empty All is true.
type All []Expr

// Any is true when at least one member is true. An empty Any matches nothing.
type Any []Expr

// Eval implements Expr. Missing or non-numeric properties never match.
func (c Comparison) Eval(props geojson.Properties) bool {
	v, ok := numberProp(props, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGT:
		return v > c.Value
	case OpGTE:
		return v >= c.Value
	case OpLT:
		return v < c.Value
	case OpLTE:
		return v <= c.Value
	case OpEQ:
		return v == c.Value
	}
	return false
}

// Encode implements Expr
func (c Comparison) Encode(syntax Syntax) []interface{} {
	var operand interface{} = c.Field
	if syntax == SyntaxExpression {
		operand = []interface{}{"get", c.Field}
	}
	return []interface{}{string(c.Op), operand, c.Value}
}

// MarshalJSON emits the legacy filter form
func (c Comparison) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Encode(SyntaxLegacy))
}

// Eval implements Expr
func (a All) Eval(props geojson.Properties) bool {
	for _, e := range a {
		if !e.Eval(props) {
			return false
		}
	}
	return true
}

// Encode implements Expr
func (a All) Encode(syntax Syntax) []interface{} {
	return encodeList("all", a, syntax)
}

// MarshalJSON emits the legacy filter form
func (a All) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Encode(SyntaxLegacy))
}

// Eval implements Expr
func (a Any) Eval(props geojson.Properties) bool {
	for _, e := range a {
		if e.Eval(props) {
			return true
		}
	}
	return false
}

// Encode implements Expr
func (a Any) Encode(syntax Syntax) []interface{} {
	return encodeList("any", a, syntax)
}

// MarshalJSON emits the legacy filter form
func (a Any) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Encode(SyntaxLegacy))
}

func encodeList(op string, members []Expr, syntax Syntax) []interface{} {
	out := make([]interface{}, 0, len(members)+1)
	out = append(out, op)
	for _, e := range members {
		out = append(out, e.Encode(syntax))
	}
	return out
}

// ParseSyntax validates a configured syntax name. Empty means legacy.
func ParseSyntax(s string) (Syntax, error) {
	switch Syntax(s) {
	case "", SyntaxLegacy:
		return SyntaxLegacy, nil
	case SyntaxExpression:
		return SyntaxExpression, nil
	}
	return "", fmt.Errorf("unknown filter syntax %q (want %q or %q)", s, SyntaxLegacy, SyntaxExpression)
}

// numberProp reads a numeric property, accepting the shapes JSON decoding
// and hand-built property maps produce.
func numberProp(props geojson.Properties, key string) (float64, bool) {
	switch v := props[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
