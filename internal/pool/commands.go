package pool

import (
	"fmt"
	"sort"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/matcher"
	"github.com/me/gocycle/pkg/model"
)

// Match returns the live instances matching any of patterns, and the
// patterns that matched none.
func (p *Pool) Match(patterns []string) ([]*Instance, []string, error) {
	list := p.Instances()
	items := make([]matcher.Item, len(list))
	byID := make(map[string]*Instance, len(list))
	for i, inst := range list {
		items[i] = inst.item()
		byID[inst.ID()] = inst
	}
	res, err := p.matcher.Filter(items, patterns)
	if err != nil {
		return nil, nil, model.NewValidationError(err.Error())
	}
	out := make([]*Instance, 0, len(res.Matched))
	for _, it := range res.Matched {
		out = append(out, byID[it.ID()])
	}
	return out, res.Unmatched, nil
}

// future resolves a literal pattern naming instances that are not in the
// pool. A family name expands to its member tasks.
func (p *Pool) future(pattern string) (cycling.Point, []string, bool) {
	pat, err := p.matcher.Compile(pattern)
	if err != nil {
		return cycling.Point{}, nil, false
	}
	ps, name, ok := pat.Literal()
	if !ok {
		return cycling.Point{}, nil, false
	}
	point, err := cycling.ParsePoint(p.cfg.Kind(), ps)
	if err != nil {
		return cycling.Point{}, nil, false
	}
	if _, ok := p.cfg.Task(name); ok {
		return point, []string{name}, true
	}
	if members, ok := p.cfg.Families[name]; ok && len(members) > 0 {
		out := append([]string(nil), members...)
		sort.Strings(out)
		return point, out, true
	}
	return cycling.Point{}, nil, false
}

// Hold holds matching instances. Literal patterns for instances not yet
// in the pool are remembered and applied when they spawn. It returns the
// patterns that could not be applied.
func (p *Pool) Hold(patterns []string) (held []string, unmatched []string, err error) {
	list, rest, err := p.Match(patterns)
	if err != nil {
		return nil, nil, err
	}
	for _, inst := range list {
		if inst.IsHeld {
			continue
		}
		inst.IsHeld, inst.HoldReason = true, HoldManual
		p.markDirty(inst)
		held = append(held, inst.ID())
	}
	for _, pat := range rest {
		point, names, ok := p.future(pat)
		if !ok {
			unmatched = append(unmatched, pat)
			continue
		}
		for _, name := range names {
			id := taskID(point, name)
			p.holdIntents[id] = HoldIntention
			held = append(held, id)
		}
	}
	if len(held) > 0 {
		p.logger.Info("held", "tasks", held)
	}
	return held, unmatched, nil
}

// Release releases matching held instances and forgets matching hold
// intents.
func (p *Pool) Release(patterns []string) (released []string, unmatched []string, err error) {
	list, rest, err := p.Match(patterns)
	if err != nil {
		return nil, nil, err
	}
	for _, inst := range list {
		if !inst.IsHeld {
			continue
		}
		inst.IsHeld, inst.HoldReason = false, ""
		p.markDirty(inst)
		released = append(released, inst.ID())
	}
	if len(p.holdIntents) > 0 {
		items := make([]matcher.Item, 0, len(p.holdIntents))
		for id := range p.holdIntents {
			point, name := splitID(id)
			it := matcher.Item{Point: point, Name: name, State: model.TaskStateWaiting}
			if def, ok := p.cfg.Task(name); ok {
				it.Families = def.Families()
			}
			items = append(items, it)
		}
		res, err := p.matcher.Filter(items, patterns)
		if err != nil {
			return nil, nil, model.NewValidationError(err.Error())
		}
		for _, it := range res.Matched {
			delete(p.holdIntents, it.ID())
			released = append(released, it.ID())
		}
		unmatched = intersect(rest, res.Unmatched)
	} else {
		unmatched = rest
	}
	if len(released) > 0 {
		p.logger.Info("released", "tasks", released)
	}
	return released, unmatched, nil
}

func splitID(id string) (point, name string) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}

// HoldIntents returns the IDs of instances to be held when they spawn.
func (p *Pool) HoldIntents() []string {
	out := make([]string, 0, len(p.holdIntents))
	for id := range p.holdIntents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RestoreHoldIntents re-registers hold intents, typically on restart.
func (p *Pool) RestoreHoldIntents(ids []string) {
	for _, id := range ids {
		p.holdIntents[id] = HoldIntention
	}
}

// SetHoldAfter holds every instance after pt, now and when spawned later.
func (p *Pool) SetHoldAfter(pt cycling.Point) error {
	if pt.Kind() != p.cfg.Kind() {
		return &model.DomainMismatchError{Op: "hold after", Left: string(pt.Kind()), Right: string(p.cfg.Kind())}
	}
	p.holdAfter = pt
	for _, inst := range p.tasks {
		if inst.Point.After(pt) && !inst.IsHeld {
			inst.IsHeld, inst.HoldReason = true, HoldAfter
			p.markDirty(inst)
		}
	}
	p.logger.Info("hold point set", "point", pt.String())
	return nil
}

// ReleaseAll clears the hold point and every hold intent, and releases
// every held instance.
func (p *Pool) ReleaseAll() []string {
	p.holdAfter = cycling.Point{}
	p.holdIntents = make(map[string]string)
	var released []string
	for _, inst := range p.Instances() {
		if inst.IsHeld {
			inst.IsHeld, inst.HoldReason = false, ""
			p.markDirty(inst)
			released = append(released, inst.ID())
		}
	}
	p.logger.Info("released all", "count", len(released))
	return released
}

// Trigger queues matching instances regardless of their prerequisites.
// Literal patterns for instances not in the pool spawn them first.
// Instances that are already active are left alone.
func (p *Pool) Trigger(patterns []string) (triggered []string, unmatched []string, err error) {
	list, rest, err := p.Match(patterns)
	if err != nil {
		return nil, nil, err
	}
	for _, pat := range rest {
		point, names, ok := p.future(pat)
		if !ok {
			unmatched = append(unmatched, pat)
			continue
		}
		for _, name := range names {
			inst, err := p.spawn(name, point, true)
			if err != nil {
				return triggered, unmatched, model.NewValidationError(err.Error())
			}
			list = append(list, inst)
		}
	}
	for _, inst := range list {
		if inst.IsActive() {
			p.logger.Info("trigger ignored, already active", "task", inst.ID())
			continue
		}
		if inst.IsOrphaned {
			p.logger.Info("trigger ignored, task no longer defined", "task", inst.ID())
			continue
		}
		inst.IsForced = true
		inst.IsHeld, inst.HoldReason = false, ""
		inst.IsRunahead = false
		inst.SubmitTries = 0
		if inst.State.IsFinal() {
			inst.TryNum = 1
		}
		p.queue(inst)
		triggered = append(triggered, inst.ID())
	}
	p.logger.Info("triggered", "tasks", triggered)
	return triggered, unmatched, nil
}

// SetOutputs marks outputs complete on matching instances, spawning them
// if needed, and satisfies everything downstream of those outputs. With
// no outputs, succeeded is set. Setting succeeded, failed or expired also
// moves a non-active instance to that state.
func (p *Pool) SetOutputs(patterns, outputs []string) (set []string, unmatched []string, err error) {
	if len(outputs) == 0 {
		outputs = []string{model.OutputSucceeded}
	}
	list, rest, err := p.Match(patterns)
	if err != nil {
		return nil, nil, err
	}
	for _, pat := range rest {
		point, names, ok := p.future(pat)
		if !ok {
			unmatched = append(unmatched, pat)
			continue
		}
		for _, name := range names {
			inst, err := p.spawn(name, point, true)
			if err != nil {
				return set, unmatched, model.NewValidationError(err.Error())
			}
			list = append(list, inst)
		}
	}
	for _, inst := range list {
		for _, o := range outputs {
			if !inst.def.HasOutput(o) {
				return set, unmatched, model.NewValidationError(
					fmt.Sprintf("%s has no output %q", inst.ID(), o),
					model.FieldError{Field: "outputs", Message: "unknown output " + o},
				)
			}
		}
	}
	for _, inst := range list {
		for _, o := range outputs {
			p.satisfyOutput(inst, o)
			if inst.IsActive() {
				continue
			}
			switch o {
			case model.OutputSucceeded:
				inst.RetryAt = time.Time{}
				p.setState(inst, model.TaskStateSucceeded)
			case model.OutputFailed:
				inst.RetryAt = time.Time{}
				p.setState(inst, model.TaskStateFailed)
			case model.OutputExpired:
				inst.RetryAt = time.Time{}
				p.setState(inst, model.TaskStateExpired)
			}
		}
		inst.IsForced = false
		p.settle(inst)
		set = append(set, inst.ID())
	}
	p.logger.Info("outputs set", "tasks", set, "outputs", outputs)
	return set, unmatched, nil
}

// Remove deletes matching instances that are not active. Removed
// instances count as having run and are not spawned again.
func (p *Pool) Remove(patterns []string) (removed []string, unmatched []string, err error) {
	list, unmatched, err := p.Match(patterns)
	if err != nil {
		return nil, nil, err
	}
	for _, inst := range list {
		if inst.IsActive() {
			p.logger.Info("remove ignored, task active", "task", inst.ID())
			continue
		}
		p.remove(inst)
		removed = append(removed, inst.ID())
	}
	p.logger.Info("removed", "tasks", removed)
	return removed, unmatched, nil
}
