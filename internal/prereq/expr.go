// Package prereq implements trigger expressions and their per-instance
// bindings (prerequisites).
//
// An Expr is a template: a boolean tree over Triggers, each naming an
// upstream task, a cycle point offset and an output (or an xtrigger label).
// A Prerequisite binds an Expr to a concrete cycle point, turning every
// Trigger into a Key that the pool can satisfy.
package prereq

import (
	"strings"

	"github.com/me/gocycle/internal/cycling"
)

// Op is the node type of an expression tree.
type Op uint8

const (
	OpLeaf Op = iota
	OpAnd
	OpOr
)

// Trigger is one leaf of a trigger expression.
type Trigger struct {
	Task     string
	Offset   cycling.Interval
	Output   string
	XTrigger string
}

// IsXTrigger reports whether t refers to an external trigger rather than a task.
func (t Trigger) IsXTrigger() bool { return t.XTrigger != "" }

func (t Trigger) String() string {
	if t.IsXTrigger() {
		return "@" + t.XTrigger
	}
	var b strings.Builder
	b.WriteString(t.Task)
	if !t.Offset.IsZero() {
		b.WriteString("[" + t.Offset.String() + "]")
	}
	b.WriteString(":" + t.Output)
	return b.String()
}

// Expr is an immutable boolean expression over Triggers.
type Expr struct {
	Op      Op
	Trigger Trigger
	Args    []*Expr
}

// Leaf returns an expression with the single trigger t.
func Leaf(t Trigger) *Expr {
	return &Expr{Op: OpLeaf, Trigger: t}
}

// AllOf returns the conjunction of args, flattening nested conjunctions.
func AllOf(args ...*Expr) *Expr { return join(OpAnd, args) }

// AnyOf returns the disjunction of args, flattening nested disjunctions.
func AnyOf(args ...*Expr) *Expr { return join(OpOr, args) }

func join(op Op, args []*Expr) *Expr {
	var flat []*Expr
	for _, a := range args {
		if a == nil {
			continue
		}
		if a.Op == op {
			flat = append(flat, a.Args...)
			continue
		}
		flat = append(flat, a)
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &Expr{Op: op, Args: flat}
}

// Eval evaluates e, asking fn for the value of each trigger.
func (e *Expr) Eval(fn func(Trigger) bool) bool {
	if e == nil {
		return true
	}
	switch e.Op {
	case OpAnd:
		for _, a := range e.Args {
			if !a.Eval(fn) {
				return false
			}
		}
		return true
	case OpOr:
		for _, a := range e.Args {
			if a.Eval(fn) {
				return true
			}
		}
		return false
	}
	return fn(e.Trigger)
}

// Triggers returns the distinct triggers of e in first-seen order.
func (e *Expr) Triggers() []Trigger {
	var out []Trigger
	seen := make(map[string]bool)
	e.walk(func(t Trigger) {
		if s := t.String(); !seen[s] {
			seen[s] = true
			out = append(out, t)
		}
	})
	return out
}

// HasTaskTriggers reports whether any leaf refers to a task output.
func (e *Expr) HasTaskTriggers() bool {
	found := false
	e.walk(func(t Trigger) {
		if !t.IsXTrigger() {
			found = true
		}
	})
	return found
}

func (e *Expr) walk(fn func(Trigger)) {
	if e == nil {
		return
	}
	if e.Op == OpLeaf {
		fn(e.Trigger)
		return
	}
	for _, a := range e.Args {
		a.walk(fn)
	}
}

// String renders e in graph syntax.
func (e *Expr) String() string {
	return e.format(func(t Trigger) string { return t.String() })
}

func (e *Expr) format(leaf func(Trigger) string) string {
	if e == nil {
		return ""
	}
	if e.Op == OpLeaf {
		return leaf(e.Trigger)
	}
	sep := " & "
	if e.Op == OpOr {
		sep = " | "
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		s := a.format(leaf)
		if a.Op != OpLeaf {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}
