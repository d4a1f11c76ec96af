/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

// Package properties parses "key op value" filter clauses into a typed
// predicate evaluated against resource attribute maps. Parsing happens
// once at the system boundary; the matcher only sees the typed form.
package properties

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpLT Op = "lt"
	OpGT Op = "gt"
	OpLE Op = "le"
	OpGE Op = "ge"
	OpEQ Op = "eq"
	OpNE Op = "ne"
	OpIn Op = "in"
)

var opTokens = map[string]Op{
	"<":  OpLT,
	">":  OpGT,
	"<=": OpLE,
	">=": OpGE,
	"==": OpEQ,
	"!=": OpNE,
	"in": OpIn,
	"lt": OpLT,
	"gt": OpGT,
	"le": OpLE,
	"ge": OpGE,
	"eq": OpEQ,
	"ne": OpNE,
}

// Clause is a single key/op/value predicate. For OpIn, Values holds the
// accepted set; Value is unused.
type Clause struct {
	Key    string
	Op     Op
	Value  string
	Values []string
}

// Filter is a conjunction of clauses. A nil or empty filter matches
// every resource.
type Filter []Clause

// ParseClause parses one "key op value" requirement string.
func ParseClause(raw string) (Clause, error) {
	fields := strings.Fields(raw)
	if len(fields) < 3 {
		return Clause{}, fmt.Errorf("malformed requirement %q: want \"key op value\"", raw)
	}
	op, ok := opTokens[fields[1]]
	if !ok {
		return Clause{}, fmt.Errorf("malformed requirement %q: unknown operator %q", raw, fields[1])
	}
	clause := Clause{Key: fields[0], Op: op}
	if op == OpIn {
		clause.Values = fields[2:]
	} else {
		if len(fields) != 3 {
			return Clause{}, fmt.Errorf("malformed requirement %q: trailing tokens", raw)
		}
		clause.Value = fields[2]
	}
	return clause, nil
}

// Parse parses a list of requirement strings into a Filter.
func Parse(raws []string) (Filter, error) {
	filter := make(Filter, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		clause, err := ParseClause(raw)
		if err != nil {
			return nil, err
		}
		filter = append(filter, clause)
	}
	return filter, nil
}

// ParseString parses a comma-separated requirement list, the form the
// filter is persisted in.
func ParseString(raw string) (Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return Parse(strings.Split(raw, ","))
}

// String renders the filter back to its persisted comma-separated form.
func (f Filter) String() string {
	parts := make([]string, 0, len(f))
	for _, c := range f {
		if c.Op == OpIn {
			parts = append(parts, c.Key+" in "+strings.Join(c.Values, " "))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s %s", c.Key, c.Op, c.Value))
		}
	}
	return strings.Join(parts, ",")
}

// References reports whether any clause uses the given attribute key.
func (f Filter) References(key string) bool {
	for _, c := range f {
		if c.Key == key {
			return true
		}
	}
	return false
}

// Matches evaluates the conjunction against an attribute map. A clause
// on an absent key never matches.
func (f Filter) Matches(attrs map[string]string) bool {
	for _, c := range f {
		val, ok := attrs[c.Key]
		if !ok {
			return false
		}
		if !c.matches(val) {
			return false
		}
	}
	return true
}

func (c Clause) matches(val string) bool {
	switch c.Op {
	case OpEQ:
		return compare(val, c.Value) == 0
	case OpNE:
		return compare(val, c.Value) != 0
	case OpLT:
		return compare(val, c.Value) < 0
	case OpLE:
		return compare(val, c.Value) <= 0
	case OpGT:
		return compare(val, c.Value) > 0
	case OpGE:
		return compare(val, c.Value) >= 0
	case OpIn:
		for _, want := range c.Values {
			if compare(val, want) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// compare orders numerically when both sides are numbers, lexically
// otherwise.
func compare(a, b string) int {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
