// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package selector compiles a small declarative expression language into
// a subscription.Selector predicate that Go callers can set in
// subscription.Options in place of a hand-written closure. Neither the
// config file nor the admin API accepts selector expressions. Grammar:
//
//	expr       = conjunction ("or" conjunction)*
//	conjunction = comparison ("and" comparison)*
//	comparison  = field operator value
//	field       = "event_type" | "stream_uuid" | "stream_version" |
//	              "event_number" | "correlation_id" | "causation_id"
//	operator    = "=" | "!=" | ">" | ">=" | "<" | "<="
//	value       = string | number
package selector

import (
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/sequentdb/sequentdb/internal/event"
)

var selectorLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Number", Pattern: `-?[0-9]+`},
	{Name: "OpGe", Pattern: `>=`},
	{Name: "OpLe", Pattern: `<=`},
	{Name: "OpNe", Pattern: `!=`},
	{Name: "OpEq", Pattern: `=`},
	{Name: "OpGt", Pattern: `>`},
	{Name: "OpLt", Pattern: `<`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "whitespace", Pattern: `\s+`},
})

// Expr is the top-level disjunction.
type Expr struct {
	Conjunctions []*Conjunction `parser:"@@ ('or' @@)*"`
}

// Conjunction is a chain of comparisons joined by 'and'.
type Conjunction struct {
	Comparisons []*Comparison `parser:"@@ ('and' @@)*"`
}

// Comparison is a single field/operator/value test.
type Comparison struct {
	Field    string `parser:"@Ident"`
	Operator string `parser:"@(OpEq | OpNe | OpGe | OpLe | OpGt | OpLt)"`
	Value    *Value `parser:"@@"`
}

// Value is a string or number literal.
type Value struct {
	Str    *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
}

func newParser() (*participle.Parser[Expr], error) {
	return participle.Build[Expr](
		participle.Lexer(selectorLexer),
		participle.Unquote("String"),
	)
}

// Compile parses src and returns the equivalent predicate over an Event.
// An empty src compiles to a predicate that always matches.
func Compile(src string) (func(event.Event) bool, error) {
	if src == "" {
		return func(event.Event) bool { return true }, nil
	}
	parser, err := newParser()
	if err != nil {
		return nil, fmt.Errorf("build selector parser: %w", err)
	}
	expr, err := parser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("parse selector %q: %w", src, err)
	}
	return func(e event.Event) bool { return evalExpr(expr, e) }, nil
}

func evalExpr(e *Expr, evt event.Event) bool {
	for _, conj := range e.Conjunctions {
		if evalConjunction(conj, evt) {
			return true
		}
	}
	return false
}

func evalConjunction(c *Conjunction, evt event.Event) bool {
	for _, cmp := range c.Comparisons {
		if !evalComparison(cmp, evt) {
			return false
		}
	}
	return true
}

func evalComparison(c *Comparison, evt event.Event) bool {
	switch c.Field {
	case "event_type":
		return compareString(evt.EventType, c)
	case "stream_uuid":
		return compareString(evt.StreamUUID, c)
	case "correlation_id":
		return compareString(evt.CorrelationID, c)
	case "causation_id":
		return compareString(evt.CausationID, c)
	case "stream_version":
		return compareNumber(float64(evt.StreamVersion), c)
	case "event_number":
		return compareNumber(float64(evt.Number), c)
	default:
		return false
	}
}

func compareString(actual string, c *Comparison) bool {
	if c.Value.Str == nil {
		return false
	}
	want := *c.Value.Str
	switch c.Operator {
	case "=":
		return actual == want
	case "!=":
		return actual != want
	default:
		return false
	}
}

func compareNumber(actual float64, c *Comparison) bool {
	var want float64
	switch {
	case c.Value.Number != nil:
		want = *c.Value.Number
	case c.Value.Str != nil:
		parsed, err := strconv.ParseFloat(*c.Value.Str, 64)
		if err != nil {
			return false
		}
		want = parsed
	default:
		return false
	}
	switch c.Operator {
	case "=":
		return actual == want
	case "!=":
		return actual != want
	case ">":
		return actual > want
	case ">=":
		return actual >= want
	case "<":
		return actual < want
	case "<=":
		return actual <= want
	default:
		return false
	}
}
