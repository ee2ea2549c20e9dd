package pool

import (
	"sort"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/matcher"
	"github.com/me/gocycle/internal/prereq"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

// Hold reasons.
const (
	HoldManual    = "manual"
	HoldAfter     = "hold-after"
	HoldIntention = "held before spawn"
)

// Instance is one task at one cycle point. Instances are owned by the
// Pool and must only be mutated by the scheduling loop.
type Instance struct {
	Name  string
	Point cycling.Point
	def   *taskdef.Definition

	State      model.TaskState
	IsHeld     bool
	HoldReason string
	IsRunahead bool
	IsForced   bool
	IsOrphaned bool

	Prereqs []*prereq.Prerequisite
	outputs map[string]bool
	order   []string

	TryNum      int
	SubmitNum   int
	SubmitTries int
	Job         *model.Job
	RetryAt     time.Time
	QueuedSeq   uint64

	SpawnedAt      time.Time
	StateChangedAt time.Time

	unsatisfiableLogged bool
}

// ID returns "point/name".
func (i *Instance) ID() string { return taskID(i.Point, i.Name) }

func taskID(p cycling.Point, name string) string { return p.String() + "/" + name }

// Def returns the task definition the instance was spawned from.
func (i *Instance) Def() *taskdef.Definition { return i.def }

// HasOutput reports whether the instance has emitted output.
func (i *Instance) HasOutput(output string) bool { return i.outputs[output] }

// Outputs returns emitted outputs in emission order.
func (i *Instance) Outputs() []string { return append([]string(nil), i.order...) }

func (i *Instance) addOutput(output string) bool {
	if i.outputs[output] {
		return false
	}
	if i.outputs == nil {
		i.outputs = make(map[string]bool)
	}
	i.outputs[output] = true
	i.order = append(i.order, output)
	return true
}

// PrereqsSatisfied reports whether every prerequisite evaluates true.
func (i *Instance) PrereqsSatisfied() bool {
	for _, p := range i.Prereqs {
		if !p.Eval() {
			return false
		}
	}
	return true
}

// taskConditionsSatisfied is like PrereqsSatisfied but treats xtrigger
// conditions as met.
func (i *Instance) taskConditionsSatisfied() bool {
	for _, p := range i.Prereqs {
		for _, k := range p.Pending() {
			if !k.IsXTrigger() {
				return false
			}
		}
	}
	return true
}

// IsRetrying reports whether the instance is waiting out a retry delay.
func (i *Instance) IsRetrying() bool { return !i.RetryAt.IsZero() }

// IsActive reports whether the instance holds an execution slot.
func (i *Instance) IsActive() bool { return i.State.IsActive() }

// isTerminal reports whether the instance will not change again without
// outside intervention.
func (i *Instance) isTerminal() bool {
	switch i.State {
	case model.TaskStateSucceeded, model.TaskStateExpired:
		return true
	case model.TaskStateFailed, model.TaskStateSubmitFailed:
		return !i.IsRetrying()
	}
	return false
}

// IsIncomplete reports whether the instance ended in a failure that
// nothing in the graph handles. Incomplete instances stay in the pool.
func (i *Instance) IsIncomplete(cfg *taskdef.Config) bool {
	if !i.isTerminal() {
		return false
	}
	switch i.State {
	case model.TaskStateFailed:
		return len(cfg.Children(i.Name, model.OutputFailed)) == 0
	case model.TaskStateSubmitFailed:
		return len(cfg.Children(i.Name, model.OutputSubmitFailed)) == 0
	}
	return false
}

// isComplete reports whether the instance is finished with nothing left
// to do: terminal and not incomplete.
func (i *Instance) isComplete(cfg *taskdef.Config) bool {
	return i.isTerminal() && !i.IsIncomplete(cfg)
}

func (i *Instance) item() matcher.Item {
	return matcher.Item{
		Point:    i.Point.String(),
		Name:     i.Name,
		State:    i.State,
		Families: i.def.Families(),
	}
}

// Record returns the persisted form of the instance.
func (i *Instance) Record(now time.Time) model.TaskRecord {
	rec := model.TaskRecord{
		ID:          i.ID(),
		Name:        i.Name,
		Point:       i.Point.String(),
		State:       i.State,
		IsHeld:      i.IsHeld,
		HoldReason:  i.HoldReason,
		IsRunahead:  i.IsRunahead,
		IsForced:    i.IsForced,
		IsOrphaned:  i.IsOrphaned,
		TryNum:      i.TryNum,
		SubmitNum:   i.SubmitNum,
		SubmitTries: i.SubmitTries,
		Outputs:     i.Outputs(),
		QueuedSeq:   i.QueuedSeq,
		SpawnedAt:   i.SpawnedAt,
		UpdatedAt:   now,
	}
	for _, p := range i.Prereqs {
		rec.Prereqs = append(rec.Prereqs, p.SatisfiedKeys())
	}
	if i.IsRetrying() {
		t := i.RetryAt
		rec.RetryAt = &t
	}
	if i.Job != nil {
		j := *i.Job
		rec.Job = &j
	}
	return rec
}

// Proxy returns the API view of the instance.
func (i *Instance) Proxy(cfg *taskdef.Config) model.TaskProxy {
	tp := model.TaskProxy{
		ID:           i.ID(),
		Name:         i.Name,
		Point:        i.Point.String(),
		State:        i.State,
		IsHeld:       i.IsHeld,
		HoldReason:   i.HoldReason,
		IsRunahead:   i.IsRunahead,
		IsOrphaned:   i.IsOrphaned,
		IsForced:     i.IsForced,
		IsIncomplete: i.IsIncomplete(cfg),
		TryNum:       i.TryNum,
		SubmitNum:    i.SubmitNum,
		Platform:     i.def.Runtime.Platform,
		Families:     i.def.Families(),
		Outputs:      i.Outputs(),
		SpawnedAt:    i.SpawnedAt,
	}
	for _, p := range i.Prereqs {
		tp.Prerequisites = append(tp.Prerequisites, p.View())
	}
	if i.IsRetrying() {
		t := i.RetryAt
		tp.RetryAt = &t
	}
	if i.Job != nil {
		j := *i.Job
		tp.Job = &j
	}
	return tp
}

// sortInstances orders by point, then name.
func sortInstances(list []*Instance) {
	sort.Slice(list, func(a, b int) bool {
		pa, pb := list[a].Point, list[b].Point
		if !pa.Equal(pb) {
			return pa.Before(pb)
		}
		return list[a].Name < list[b].Name
	})
}
