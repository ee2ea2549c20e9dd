// Package taskdef holds the parsed, immutable workflow definition: task
// definitions with their merged runtime configuration, the graph bound to
// recurrence sequences, queues, xtriggers and workflow-level policy.
//
// A Config is read-only once loaded. Reloading builds a new Config.
package taskdef

import (
	"sort"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/prereq"
	"github.com/me/gocycle/pkg/model"
)

const (
	rootNamespace = "root"
	defaultQueue  = "default"
)

// UnsatisfiablePolicy decides what happens to an instance whose
// prerequisites can no longer be satisfied.
type UnsatisfiablePolicy string

const (
	// UnsatisfiableExpire moves the instance to expired.
	UnsatisfiableExpire UnsatisfiablePolicy = "expire"
	// UnsatisfiableWait leaves it waiting, so stall detection applies.
	UnsatisfiableWait UnsatisfiablePolicy = "wait"
)

// XTrigger kinds.
const (
	XTriggerWallClock = "wall_clock"
	XTriggerScript    = "script"
)

// XTrigger is an external trigger declared under scheduling.xtriggers.
type XTrigger struct {
	Label      string
	Kind       string
	Offset     time.Duration
	Expression string
}

// Queue limits how many member instances may be active at once. A zero
// limit means unlimited.
type Queue struct {
	Name    string
	Limit   int
	Members []string
}

// WorkflowEvents is the scheduler.events section.
type WorkflowEvents struct {
	AbortOnStall             bool      `yaml:"abort_on_stall"`
	StallTimeout             string    `yaml:"stall_timeout"`
	AbortOnStallTimeout      bool      `yaml:"abort_on_stall_timeout"`
	InactivityTimeout        string    `yaml:"inactivity_timeout"`
	AbortOnInactivityTimeout bool      `yaml:"abort_on_inactivity_timeout"`
	Handlers                 []string  `yaml:"handlers"`
	HandlerEvents            []string  `yaml:"handler_events"`
	HandlerRetryDelays       DelayList `yaml:"handler_retry_delays"`
}

// GraphEntry binds a trigger expression for one task to a sequence. A nil
// Trigger marks the task parentless on that sequence.
type GraphEntry struct {
	Recurrence string
	Sequence   *cycling.Sequence
	Trigger    *prereq.Expr
}

// Child is a reverse graph edge: output Output of the upstream task at
// point p contributes to Task at p - Offset, if Sequence is valid there.
type Child struct {
	Task     string
	Offset   cycling.Interval
	Output   string
	Sequence *cycling.Sequence
}

// Definition is one task's resolved definition.
type Definition struct {
	Name     string
	MRO      []string
	Settings Settings
	Runtime  Runtime
	Queue    string
	Entries  []GraphEntry

	ExecutionRetryDelays  []time.Duration
	SubmissionRetryDelays []time.Duration
	HandlerRetryDelays    []time.Duration
	ExecutionTimeLimit    time.Duration
	SubmissionTimeout     time.Duration
	ExecutionTimeout      time.Duration

	// ClockExpire, when set, expires instances that are not yet active
	// once the wall clock passes point + ClockExpire.
	ClockExpire *cycling.Interval

	initial cycling.Point
}

// Families returns the namespaces the task inherits from, nearest first.
func (d *Definition) Families() []string {
	if len(d.MRO) < 2 {
		return nil
	}
	return d.MRO[1:]
}

// HasOutput reports whether name is a built-in or declared custom output.
func (d *Definition) HasOutput(name string) bool {
	if model.IsBuiltinOutput(name) {
		return true
	}
	_, ok := d.Runtime.Outputs[name]
	return ok
}

// OutputForMessage maps a task message to a custom output name.
func (d *Definition) OutputForMessage(msg string) (string, bool) {
	for name, m := range d.Runtime.Outputs {
		if m == msg || name == msg {
			return name, true
		}
	}
	return "", false
}

// MaxTries is the number of execution attempts allowed.
func (d *Definition) MaxTries() int { return len(d.ExecutionRetryDelays) + 1 }

// MaxSubmitTries is the number of submission attempts allowed per try.
func (d *Definition) MaxSubmitTries() int { return len(d.SubmissionRetryDelays) + 1 }

// RuntimeWith applies overrides (such as broadcasts) on top of the task's
// merged settings.
func (d *Definition) RuntimeWith(overrides Settings) (Runtime, error) {
	if len(overrides) == 0 {
		return d.Runtime, nil
	}
	return Merge(clone(d.Settings), overrides).Decode()
}

// ValidAt reports whether the task has any graph entry at p.
func (d *Definition) ValidAt(p cycling.Point) bool {
	for _, e := range d.Entries {
		if e.Sequence.IsValid(p) {
			return true
		}
	}
	return false
}

// TriggersAt returns the trigger expressions that apply at p.
func (d *Definition) TriggersAt(p cycling.Point) []*prereq.Expr {
	var out []*prereq.Expr
	for _, e := range d.Entries {
		if e.Trigger != nil && e.Sequence.IsValid(p) {
			out = append(out, e.Trigger)
		}
	}
	return out
}

// PrerequisitesAt binds every trigger that applies at p.
func (d *Definition) PrerequisitesAt(p cycling.Point) ([]*prereq.Prerequisite, error) {
	var out []*prereq.Prerequisite
	for _, expr := range d.TriggersAt(p) {
		pr, err := prereq.New(expr, p, d.initial)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// IsParentlessAt reports whether nothing upstream will ever spawn the task
// at p: it is valid at p and every task condition that applies there lies
// before the initial cycle point. Such instances are spawned by the pool's
// sequence scan rather than by upstream outputs.
func (d *Definition) IsParentlessAt(p cycling.Point) bool {
	if !d.ValidAt(p) {
		return false
	}
	for _, expr := range d.TriggersAt(p) {
		ok := expr.Eval(func(t prereq.Trigger) bool {
			if t.IsXTrigger() {
				return true
			}
			at, err := p.Add(t.Offset)
			return err == nil && at.Before(d.initial)
		})
		if !ok {
			return false
		}
	}
	return true
}

// FirstPoint returns the first point at or after p on any of the task's sequences.
func (d *Definition) FirstPoint(p cycling.Point) (cycling.Point, bool) {
	var best cycling.Point
	for _, e := range d.Entries {
		if q, ok := e.Sequence.FirstPoint(p); ok {
			best = cycling.Min(best, q)
		}
	}
	return best, !best.IsZero()
}

// NextPoint returns the first point strictly after p on any of the task's sequences.
func (d *Definition) NextPoint(p cycling.Point) (cycling.Point, bool) {
	var best cycling.Point
	for _, e := range d.Entries {
		if q, ok := e.Sequence.NextPoint(p); ok {
			best = cycling.Min(best, q)
		}
	}
	return best, !best.IsZero()
}

// Config is a complete, validated workflow definition.
type Config struct {
	Name          string
	Context       cycling.Context
	HoldAfter     cycling.Point
	StopAfter     cycling.Point
	Runahead      cycling.Interval
	Retention     cycling.Interval
	MaxActive     int
	Queues        map[string]*Queue
	XTriggers     map[string]XTrigger
	Unsatisfiable UnsatisfiablePolicy
	AllowImplicit bool

	Events             WorkflowEvents
	StallTimeout       time.Duration
	InactivityTimeout  time.Duration
	HandlerRetryDelays []time.Duration

	Tasks    map[string]*Definition
	Families map[string][]string

	children map[string][]Child
}

// Kind returns the cycling mode.
func (c *Config) Kind() cycling.Kind { return c.Context.Kind }

// Task returns the definition of name.
func (c *Config) Task(name string) (*Definition, bool) {
	d, ok := c.Tasks[name]
	return d, ok
}

// TaskNames returns all task names, sorted.
func (c *Config) TaskNames() []string {
	names := make([]string, 0, len(c.Tasks))
	for n := range c.Tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FamilyNames returns all family names, sorted.
func (c *Config) FamilyNames() []string {
	names := make([]string, 0, len(c.Families))
	for n := range c.Families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsFamily reports whether name is a family namespace.
func (c *Config) IsFamily(name string) bool {
	_, ok := c.Families[name]
	return ok
}

// Children returns the downstream edges fed by output of task.
func (c *Config) Children(task, output string) []Child {
	var out []Child
	for _, ch := range c.children[task] {
		if ch.Output == output {
			out = append(out, ch)
		}
	}
	return out
}

// HasChildren reports whether any downstream task depends on task at all.
func (c *Config) HasChildren(task string) bool {
	return len(c.children[task]) > 0
}

// QueueOf returns the queue a task belongs to.
func (c *Config) QueueOf(task string) *Queue {
	if d, ok := c.Tasks[task]; ok {
		if q, ok := c.Queues[d.Queue]; ok {
			return q
		}
	}
	return c.Queues[defaultQueue]
}

// RunaheadPoint returns the last point that may be active when the oldest
// active point is oldest.
func (c *Config) RunaheadPoint(oldest cycling.Point) cycling.Point {
	p, err := oldest.Add(c.Runahead)
	if err != nil {
		return oldest
	}
	return p
}
