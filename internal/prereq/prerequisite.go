package prereq

import (
	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/pkg/model"
)

// Key identifies one concrete condition: an output of the task instance
// (Task, Point), or an xtrigger label at Point (Task "@label", no Output).
type Key struct {
	Point  cycling.Point
	Task   string
	Output string
}

// TaskKey returns the key for output of name at point.
func TaskKey(point cycling.Point, name, output string) Key {
	return Key{Point: point, Task: name, Output: output}
}

// XTriggerKey returns the key for xtrigger label at point.
func XTriggerKey(point cycling.Point, label string) Key {
	return Key{Point: point, Task: "@" + label}
}

// IsXTrigger reports whether k refers to an xtrigger.
func (k Key) IsXTrigger() bool { return len(k.Task) > 0 && k.Task[0] == '@' }

// Label returns the xtrigger label of an xtrigger key.
func (k Key) Label() string {
	if !k.IsXTrigger() {
		return ""
	}
	return k.Task[1:]
}

// TaskID returns "point/name" of the upstream instance.
func (k Key) TaskID() string { return k.Point.String() + "/" + k.Task }

func (k Key) String() string {
	if k.IsXTrigger() {
		return k.TaskID()
	}
	return k.TaskID() + ":" + k.Output
}

type condition struct {
	key         Key
	satisfied   bool
	unsatisfied bool
}

// Prerequisite is a trigger expression bound to one cycle point. Satisfying
// a condition is monotone: nothing but constructing a new Prerequisite
// clears it.
type Prerequisite struct {
	expr  *Expr
	point cycling.Point
	conds map[string]*condition
	order []string
	bound map[string]string // trigger string -> key string
}

// New binds expr at point. Task conditions that resolve to a point before
// initial are pre-satisfied, so the first instances of a self-referencing
// task are not blocked by instances that will never exist.
func New(expr *Expr, point, initial cycling.Point) (*Prerequisite, error) {
	p := &Prerequisite{
		expr:  expr,
		point: point,
		conds: make(map[string]*condition),
		bound: make(map[string]string),
	}
	for _, t := range expr.Triggers() {
		var k Key
		if t.IsXTrigger() {
			k = XTriggerKey(point, t.XTrigger)
		} else {
			at, err := point.Add(t.Offset)
			if err != nil {
				return nil, err
			}
			k = TaskKey(at, t.Task, t.Output)
		}
		ks := k.String()
		p.bound[t.String()] = ks
		if _, ok := p.conds[ks]; ok {
			continue
		}
		c := &condition{key: k}
		if !k.IsXTrigger() && !initial.IsZero() && k.Point.Before(initial) {
			c.satisfied = true
		}
		p.conds[ks] = c
		p.order = append(p.order, ks)
	}
	return p, nil
}

// Point returns the cycle point the prerequisite is bound to.
func (p *Prerequisite) Point() cycling.Point { return p.point }

// Expr returns the unbound expression.
func (p *Prerequisite) Expr() *Expr { return p.expr }

// Keys returns every condition key in expression order.
func (p *Prerequisite) Keys() []Key {
	out := make([]Key, len(p.order))
	for i, ks := range p.order {
		out[i] = p.conds[ks].key
	}
	return out
}

// Has reports whether k is one of the conditions.
func (p *Prerequisite) Has(k Key) bool {
	_, ok := p.conds[k.String()]
	return ok
}

// Satisfy marks k satisfied. It reports whether the condition existed and
// was not already satisfied.
func (p *Prerequisite) Satisfy(k Key) bool {
	c, ok := p.conds[k.String()]
	if !ok || c.satisfied {
		return false
	}
	c.satisfied = true
	c.unsatisfied = false
	return true
}

// SatisfyAll marks every condition satisfied.
func (p *Prerequisite) SatisfyAll() {
	for _, c := range p.conds {
		c.satisfied = true
		c.unsatisfied = false
	}
}

// IsSatisfied reports whether the condition k is satisfied.
func (p *Prerequisite) IsSatisfied(k Key) bool {
	c, ok := p.conds[k.String()]
	return ok && c.satisfied
}

// MarkUnsatisfiable records that k can never be satisfied. Satisfied
// conditions and xtriggers are left alone.
func (p *Prerequisite) MarkUnsatisfiable(k Key) bool {
	c, ok := p.conds[k.String()]
	if !ok || c.satisfied || k.IsXTrigger() || c.unsatisfied {
		return false
	}
	c.unsatisfied = true
	return true
}

// Eval reports whether the whole expression is satisfied.
func (p *Prerequisite) Eval() bool {
	return p.expr.Eval(func(t Trigger) bool {
		return p.conds[p.bound[t.String()]].satisfied
	})
}

// CanStillSucceed reports whether some assignment of the conditions not
// yet known to be unsatisfiable could still satisfy the expression.
func (p *Prerequisite) CanStillSucceed() bool {
	return p.expr.Eval(func(t Trigger) bool {
		c := p.conds[p.bound[t.String()]]
		return c.satisfied || !c.unsatisfied
	})
}

// Pending returns the unsatisfied conditions.
func (p *Prerequisite) Pending() []Key {
	var out []Key
	for _, ks := range p.order {
		if c := p.conds[ks]; !c.satisfied {
			out = append(out, c.key)
		}
	}
	return out
}

// Unsatisfiable returns the conditions marked unsatisfiable.
func (p *Prerequisite) Unsatisfiable() []Key {
	var out []Key
	for _, ks := range p.order {
		if c := p.conds[ks]; c.unsatisfied {
			out = append(out, c.key)
		}
	}
	return out
}

// SatisfiedKeys returns the string forms of satisfied conditions, for
// persistence.
func (p *Prerequisite) SatisfiedKeys() []string {
	var out []string
	for _, ks := range p.order {
		if p.conds[ks].satisfied {
			out = append(out, ks)
		}
	}
	return out
}

// Restore re-applies satisfied conditions previously returned by
// SatisfiedKeys. Unknown keys are ignored.
func (p *Prerequisite) Restore(keys []string) {
	for _, ks := range keys {
		if c, ok := p.conds[ks]; ok {
			c.satisfied = true
		}
	}
}

// String renders the bound expression, e.g. "1/foo:succeeded & 1/@clock".
func (p *Prerequisite) String() string {
	return p.expr.format(func(t Trigger) string { return p.bound[t.String()] })
}

// View returns the API representation.
func (p *Prerequisite) View() model.PrereqView {
	v := model.PrereqView{Expression: p.String(), Satisfied: p.Eval()}
	for _, ks := range p.order {
		c := p.conds[ks]
		v.Conditions = append(v.Conditions, model.ConditionView{
			TaskID:        c.key.TaskID(),
			Output:        c.key.Output,
			Satisfied:     c.satisfied,
			Unsatisfiable: c.unsatisfied,
		})
	}
	return v
}
