package taskdef

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/prereq"
	"github.com/me/gocycle/pkg/model"
)

// file is the YAML layout of a workflow definition.
type file struct {
	Name      string `yaml:"name"`
	Scheduler struct {
		AllowImplicitTasks bool           `yaml:"allow_implicit_tasks"`
		Unsatisfiable      string         `yaml:"unsatisfiable"`
		Events             WorkflowEvents `yaml:"events"`
	} `yaml:"scheduler"`
	Scheduling struct {
		CyclingMode         string                 `yaml:"cycling_mode"`
		InitialCyclePoint   string                 `yaml:"initial_cycle_point"`
		FinalCyclePoint     string                 `yaml:"final_cycle_point"`
		HoldAfterCyclePoint string                 `yaml:"hold_after_cycle_point"`
		StopAfterCyclePoint string                 `yaml:"stop_after_cycle_point"`
		RunaheadLimit       string                 `yaml:"runahead_limit"`
		Retention           string                 `yaml:"retention"`
		MaxActive           int                    `yaml:"max_active"`
		Queues              map[string]queueFile   `yaml:"queues"`
		XTriggers           map[string]xtriggerDef `yaml:"xtriggers"`
		SpecialTasks        struct {
			ClockExpire map[string]string `yaml:"clock_expire"`
		} `yaml:"special_tasks"`
		Graph map[string]string `yaml:"graph"`
	} `yaml:"scheduling"`
	Runtime map[string]Settings `yaml:"runtime"`
}

type queueFile struct {
	Limit   int      `yaml:"limit"`
	Members []string `yaml:"members"`
}

type xtriggerDef struct {
	Kind       string `yaml:"kind"`
	Offset     string `yaml:"offset"`
	Expression string `yaml:"expression"`
}

// Load reads and validates a workflow definition file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a Config from YAML. All validation problems are returned
// together as a *multierror.Error.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := strictUnmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	b := &builder{f: &f}
	cfg := b.build()
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// strictUnmarshal decodes YAML, rejecting keys that map to no field.
// Empty input decodes to the zero value.
func strictUnmarshal(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type builder struct {
	f    *file
	errs *multierror.Error
	cfg  *Config

	namespaces map[string]Settings
	parents    map[string][]string
	mros       map[string][]string
}

func (b *builder) fail(format string, args ...any) {
	b.errs = multierror.Append(b.errs, fmt.Errorf(format, args...))
}

func (b *builder) build() *Config {
	f := b.f
	cfg := &Config{
		Name:          f.Name,
		MaxActive:     f.Scheduling.MaxActive,
		AllowImplicit: f.Scheduler.AllowImplicitTasks,
		Events:        f.Scheduler.Events,
		Tasks:         make(map[string]*Definition),
		Families:      make(map[string][]string),
		Queues:        make(map[string]*Queue),
		XTriggers:     make(map[string]XTrigger),
		children:      make(map[string][]Child),
	}
	b.cfg = cfg
	if cfg.Name == "" {
		b.fail("name is required")
	}

	b.cycling()
	b.policy()
	b.inheritance()
	b.xtriggers()
	if b.errs.ErrorOrNil() != nil {
		// Graph binding needs valid cycling and namespaces.
		return cfg
	}
	b.graph()
	b.definitions()
	b.queues()
	b.clockExpire()
	b.checkCycles()
	return cfg
}

func (b *builder) cycling() {
	sc := b.f.Scheduling
	kind, err := cycling.ParseKind(sc.CyclingMode)
	if err != nil {
		b.fail("scheduling.cycling_mode: %v", err)
		return
	}
	ctx := cycling.Context{Kind: kind}
	point := func(field, s string) cycling.Point {
		if strings.TrimSpace(s) == "" {
			return cycling.Point{}
		}
		p, err := cycling.ParsePoint(kind, s)
		if err != nil {
			b.fail("scheduling.%s: %v", field, err)
		}
		return p
	}
	if sc.InitialCyclePoint == "" {
		b.fail("scheduling.initial_cycle_point is required")
	}
	ctx.Initial = point("initial_cycle_point", sc.InitialCyclePoint)
	ctx.Final = point("final_cycle_point", sc.FinalCyclePoint)
	if !ctx.Final.IsZero() && ctx.Final.Before(ctx.Initial) {
		b.fail("scheduling.final_cycle_point %s is before the initial cycle point %s", ctx.Final, ctx.Initial)
	}
	b.cfg.Context = ctx
	b.cfg.HoldAfter = point("hold_after_cycle_point", sc.HoldAfterCyclePoint)
	b.cfg.StopAfter = point("stop_after_cycle_point", sc.StopAfterCyclePoint)

	runahead := sc.RunaheadLimit
	if runahead == "" {
		runahead = "P4"
		if kind == cycling.Gregorian {
			runahead = "P4D"
		}
	}
	iv, err := cycling.ParseInterval(kind, runahead)
	switch {
	case err != nil:
		b.fail("scheduling.runahead_limit: %v", err)
	case iv.IsNegative():
		b.fail("scheduling.runahead_limit must not be negative")
	default:
		b.cfg.Runahead = iv
	}

	b.cfg.Retention = zeroInterval(kind)
	if sc.Retention != "" {
		iv, err := cycling.ParseInterval(kind, sc.Retention)
		if err != nil || iv.IsNegative() {
			b.fail("scheduling.retention: invalid interval %q", sc.Retention)
		} else {
			b.cfg.Retention = iv
		}
	}
}

func zeroInterval(kind cycling.Kind) cycling.Interval {
	if kind == cycling.Integer {
		return cycling.IntInterval(0)
	}
	return cycling.CalendarInterval(0, 0, 0, 0)
}

func (b *builder) policy() {
	switch UnsatisfiablePolicy(b.f.Scheduler.Unsatisfiable) {
	case "", UnsatisfiableExpire:
		b.cfg.Unsatisfiable = UnsatisfiableExpire
	case UnsatisfiableWait:
		b.cfg.Unsatisfiable = UnsatisfiableWait
	default:
		b.fail("scheduler.unsatisfiable: unknown policy %q (want expire or wait)", b.f.Scheduler.Unsatisfiable)
	}
	if b.f.Scheduling.MaxActive < 0 {
		b.fail("scheduling.max_active must not be negative")
	}
	ev := b.f.Scheduler.Events
	var err error
	if b.cfg.StallTimeout, err = optionalDuration(ev.StallTimeout); err != nil {
		b.fail("scheduler.events.stall_timeout: %v", err)
	}
	if b.cfg.InactivityTimeout, err = optionalDuration(ev.InactivityTimeout); err != nil {
		b.fail("scheduler.events.inactivity_timeout: %v", err)
	}
	if b.cfg.HandlerRetryDelays, err = ev.HandlerRetryDelays.Durations(); err != nil {
		b.fail("scheduler.events.handler_retry_delays: %v", err)
	}
}

// inheritance splits comma-joined namespace headers, reads inherit lists
// and linearizes every namespace.
func (b *builder) inheritance() {
	b.namespaces = make(map[string]Settings)
	b.parents = make(map[string][]string)
	b.mros = make(map[string][]string)

	headers := make([]string, 0, len(b.f.Runtime))
	for h := range b.f.Runtime {
		headers = append(headers, h)
	}
	sort.Strings(headers)
	for _, h := range headers {
		for _, name := range strings.Split(h, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			// Copy rather than Merge: nil values must survive as unset markers.
			ns := b.namespaces[name]
			if ns == nil {
				ns = make(Settings)
			}
			for k, v := range b.f.Runtime[h] {
				ns[k] = v
			}
			b.namespaces[name] = ns
		}
	}
	if _, ok := b.namespaces[rootNamespace]; !ok {
		b.namespaces[rootNamespace] = Settings{}
	}

	for name, s := range b.namespaces {
		if name == rootNamespace {
			if _, ok := s["inherit"]; ok {
				b.fail("runtime.root cannot inherit")
			}
			b.parents[name] = nil
			continue
		}
		ps, err := inheritList(s["inherit"])
		if err != nil {
			b.fail("runtime.%s.inherit: %v", name, err)
		}
		if len(ps) == 0 {
			ps = []string{rootNamespace}
		}
		b.parents[name] = ps
	}
	for name := range b.namespaces {
		if _, err := linearize(name, b.parents, b.mros, map[string]bool{}); err != nil {
			b.fail("runtime.%s: %v", name, err)
		}
	}
}

func inheritList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("inherit entries must be names, got %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("inherit must be a list of names")
}

func (b *builder) xtriggers() {
	for label, x := range b.f.Scheduling.XTriggers {
		xt := XTrigger{Label: label, Kind: x.Kind, Expression: x.Expression}
		switch x.Kind {
		case XTriggerWallClock:
			off, err := optionalDuration(x.Offset)
			if err != nil {
				b.fail("scheduling.xtriggers.%s.offset: %v", label, err)
			}
			xt.Offset = off
		case XTriggerScript:
			if strings.TrimSpace(x.Expression) == "" {
				b.fail("scheduling.xtriggers.%s: script xtrigger needs an expression", label)
			}
		default:
			b.fail("scheduling.xtriggers.%s: unknown kind %q", label, x.Kind)
		}
		b.cfg.XTriggers[label] = xt
	}
}

type recurrenceDeps struct {
	recurrence string
	seq        *cycling.Sequence
	deps       []dependency
}

// graph parses every graph section, works out which names are tasks and
// which are families, then binds trigger expressions to tasks.
func (b *builder) graph() {
	cfg := b.cfg
	if len(b.f.Scheduling.Graph) == 0 {
		b.fail("scheduling.graph is empty")
		return
	}
	recs := make([]string, 0, len(b.f.Scheduling.Graph))
	for r := range b.f.Scheduling.Graph {
		recs = append(recs, r)
	}
	sort.Strings(recs)

	var parsed []recurrenceDeps
	names := make(map[string]bool)
	for _, r := range recs {
		seq, err := cycling.ParseSequence(r, cfg.Context)
		if err != nil {
			b.fail("scheduling.graph: %v", err)
			continue
		}
		deps, err := parseGraph(b.f.Scheduling.Graph[r])
		if err != nil {
			b.fail("scheduling.graph[%s]: %v", r, err)
			continue
		}
		for _, d := range deps {
			d.left.atoms(func(a atom) {
				if !a.xtrigger {
					names[a.name] = true
				}
			})
			for _, a := range d.right {
				names[a.name] = true
			}
		}
		parsed = append(parsed, recurrenceDeps{recurrence: r, seq: seq, deps: deps})
	}

	// A namespace some other namespace inherits from is a family.
	for _, mro := range b.mros {
		for _, anc := range mro[1:] {
			if _, ok := cfg.Families[anc]; !ok {
				cfg.Families[anc] = nil
			}
		}
	}
	for name := range names {
		if cfg.IsFamily(name) {
			continue
		}
		if _, ok := b.namespaces[name]; !ok {
			if !cfg.AllowImplicit {
				b.fail("task %q is used in the graph but not defined under runtime (set scheduler.allow_implicit_tasks to allow this)", name)
				continue
			}
			b.namespaces[name] = Settings{}
			b.parents[name] = []string{rootNamespace}
			if _, err := linearize(name, b.parents, b.mros, map[string]bool{}); err != nil {
				b.fail("runtime.%s: %v", name, err)
				continue
			}
		}
		cfg.Tasks[name] = &Definition{Name: name, MRO: b.mros[name], initial: cfg.Context.Initial}
	}
	for _, name := range cfg.TaskNames() {
		for _, fam := range cfg.Tasks[name].Families() {
			cfg.Families[fam] = append(cfg.Families[fam], name)
		}
	}
	for fam, members := range cfg.Families {
		sort.Strings(members)
		cfg.Families[fam] = members
	}

	for _, rd := range parsed {
		b.bindRecurrence(rd)
	}
}

// expand returns the task names an atom stands for on the right of =>.
func (b *builder) expand(name string) []string {
	if b.cfg.IsFamily(name) {
		return b.cfg.Families[name]
	}
	if _, ok := b.cfg.Tasks[name]; ok {
		return []string{name}
	}
	return nil
}

func (b *builder) bindRecurrence(rd recurrenceDeps) {
	triggers := make(map[string][]*prereq.Expr)
	declared := make(map[string]bool)
	var order []string
	note := func(task string) {
		if _, ok := triggers[task]; !ok && !declared[task] {
			order = append(order, task)
		}
	}

	for _, d := range rd.deps {
		var expr *prereq.Expr
		if d.left != nil {
			var err error
			expr, err = b.expr(d.left)
			if err != nil {
				b.fail("scheduling.graph[%s]: %q: %v", rd.recurrence, d.line, err)
				continue
			}
			d.left.atoms(func(a atom) {
				if a.xtrigger || a.offset != "" {
					return
				}
				for _, t := range b.expand(a.name) {
					note(t)
					declared[t] = true
				}
			})
		}
		for _, a := range d.right {
			members := b.expand(a.name)
			if len(members) == 0 && b.cfg.IsFamily(a.name) {
				b.fail("scheduling.graph[%s]: family %q has no tasks", rd.recurrence, a.name)
			}
			for _, t := range members {
				note(t)
				if expr == nil {
					declared[t] = true
					continue
				}
				triggers[t] = append(triggers[t], expr)
			}
		}
	}

	for _, task := range order {
		def, ok := b.cfg.Tasks[task]
		if !ok {
			continue
		}
		exprs := triggers[task]
		if len(exprs) == 0 {
			def.Entries = append(def.Entries, GraphEntry{Recurrence: rd.recurrence, Sequence: rd.seq})
			continue
		}
		for _, e := range exprs {
			def.Entries = append(def.Entries, GraphEntry{Recurrence: rd.recurrence, Sequence: rd.seq, Trigger: e})
			for _, t := range e.Triggers() {
				if t.IsXTrigger() {
					continue
				}
				b.cfg.children[t.Task] = append(b.cfg.children[t.Task], Child{
					Task:     task,
					Offset:   t.Offset,
					Output:   t.Output,
					Sequence: rd.seq,
				})
			}
		}
	}
}

// expr converts a parsed left-hand side into a trigger expression,
// expanding family triggers and "finished" qualifiers.
func (b *builder) expr(n *node) (*prereq.Expr, error) {
	if n.op != prereq.OpLeaf {
		args := make([]*prereq.Expr, 0, len(n.args))
		for _, a := range n.args {
			e, err := b.expr(a)
			if err != nil {
				return nil, err
			}
			args = append(args, e)
		}
		if n.op == prereq.OpAnd {
			return prereq.AllOf(args...), nil
		}
		return prereq.AnyOf(args...), nil
	}

	a := n.atom
	if a.xtrigger {
		if _, ok := b.cfg.XTriggers[a.name]; !ok {
			return nil, fmt.Errorf("undefined xtrigger @%s", a.name)
		}
		return prereq.Leaf(prereq.Trigger{XTrigger: a.name}), nil
	}

	offset := zeroInterval(b.cfg.Kind())
	if a.offset != "" {
		iv, err := cycling.ParseInterval(b.cfg.Kind(), strings.TrimPrefix(a.offset, "+"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		offset = iv
	}

	if b.cfg.IsFamily(a.name) {
		members := b.cfg.Families[a.name]
		if len(members) == 0 {
			return nil, fmt.Errorf("family %q has no tasks", a.name)
		}
		q := a.qualifier
		if q == "" {
			q = "succeed-all"
		}
		base, all, ok := splitFamilyQualifier(q)
		if !ok {
			return nil, fmt.Errorf("%s: family triggers need a -all or -any qualifier", a)
		}
		var args []*prereq.Expr
		for _, m := range members {
			e, err := b.taskLeaf(m, offset, base)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", a, err)
			}
			args = append(args, e)
		}
		if all {
			return prereq.AllOf(args...), nil
		}
		return prereq.AnyOf(args...), nil
	}

	if _, ok := b.cfg.Tasks[a.name]; !ok {
		return nil, fmt.Errorf("unknown task %q", a.name)
	}
	if _, _, fam := splitFamilyQualifier(a.qualifier); fam {
		return nil, fmt.Errorf("%s: %q is a task, not a family", a, a.name)
	}
	return b.taskLeaf(a.name, offset, a.qualifier)
}

func (b *builder) taskLeaf(task string, offset cycling.Interval, qualifier string) (*prereq.Expr, error) {
	leaf := func(output string) *prereq.Expr {
		return prereq.Leaf(prereq.Trigger{Task: task, Offset: offset, Output: output})
	}
	if qualifier == finished || qualifier == "finish" {
		return prereq.AnyOf(leaf(model.OutputSucceeded), leaf(model.OutputFailed)), nil
	}
	if out, ok := taskOutputs[qualifier]; ok {
		return leaf(out), nil
	}
	// Custom output: must be declared in the upstream task's runtime.
	s := resolveRuntime(b.mros[task], b.namespaces)
	if outs, ok := asMap(s["outputs"]); ok {
		if _, declared := outs[qualifier]; declared {
			return leaf(qualifier), nil
		}
	}
	return nil, fmt.Errorf("task %q has no output %q", task, qualifier)
}

// definitions resolves runtime settings for every task.
func (b *builder) definitions() {
	for _, name := range b.cfg.TaskNames() {
		def := b.cfg.Tasks[name]
		def.Settings = resolveRuntime(def.MRO, b.namespaces)
		rt, err := def.Settings.Decode()
		if err != nil {
			b.fail("runtime.%s: %v", name, err)
			continue
		}
		def.Runtime = rt
		if def.ExecutionRetryDelays, err = rt.ExecutionRetryDelays.Durations(); err != nil {
			b.fail("runtime.%s.execution_retry_delays: %v", name, err)
		}
		if def.SubmissionRetryDelays, err = rt.SubmissionRetryDelays.Durations(); err != nil {
			b.fail("runtime.%s.submission_retry_delays: %v", name, err)
		}
		if def.HandlerRetryDelays, err = rt.Events.HandlerRetryDelays.Durations(); err != nil {
			b.fail("runtime.%s.events.handler_retry_delays: %v", name, err)
		}
		if def.ExecutionTimeLimit, err = optionalDuration(rt.ExecutionTimeLimit); err != nil {
			b.fail("runtime.%s.execution_time_limit: %v", name, err)
		}
		if def.SubmissionTimeout, err = optionalDuration(rt.Events.SubmissionTimeout); err != nil {
			b.fail("runtime.%s.events.submission_timeout: %v", name, err)
		}
		if def.ExecutionTimeout, err = optionalDuration(rt.Events.ExecutionTimeout); err != nil {
			b.fail("runtime.%s.events.execution_timeout: %v", name, err)
		}
		for out := range rt.Outputs {
			if model.IsBuiltinOutput(out) {
				b.fail("runtime.%s.outputs: %q is a built-in output", name, out)
			}
		}
	}
}

func (b *builder) queues() {
	cfg := b.cfg
	cfg.Queues[defaultQueue] = &Queue{Name: defaultQueue, Limit: cfg.MaxActive}
	owner := make(map[string]string)
	names := make([]string, 0, len(b.f.Scheduling.Queues))
	for n := range b.f.Scheduling.Queues {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, qn := range names {
		qf := b.f.Scheduling.Queues[qn]
		if qf.Limit < 0 {
			b.fail("scheduling.queues.%s.limit must not be negative", qn)
		}
		if qn == defaultQueue {
			if qf.Limit > 0 {
				cfg.Queues[defaultQueue].Limit = qf.Limit
			}
			continue
		}
		q := &Queue{Name: qn, Limit: qf.Limit}
		for _, m := range qf.Members {
			tasks := b.expand(m)
			if len(tasks) == 0 {
				b.fail("scheduling.queues.%s: unknown member %q", qn, m)
				continue
			}
			for _, t := range tasks {
				if prev, ok := owner[t]; ok && prev != qn {
					b.fail("scheduling.queues: task %q is in both %q and %q", t, prev, qn)
					continue
				}
				owner[t] = qn
				q.Members = append(q.Members, t)
				cfg.Tasks[t].Queue = qn
			}
		}
		cfg.Queues[qn] = q
	}
	for _, name := range cfg.TaskNames() {
		if cfg.Tasks[name].Queue == "" {
			cfg.Tasks[name].Queue = defaultQueue
			cfg.Queues[defaultQueue].Members = append(cfg.Queues[defaultQueue].Members, name)
		}
	}
}

func (b *builder) clockExpire() {
	for name, off := range b.f.Scheduling.SpecialTasks.ClockExpire {
		if b.cfg.Kind() != cycling.Gregorian {
			b.fail("scheduling.special_tasks.clock_expire needs gregorian cycling")
			return
		}
		iv, err := cycling.ParseInterval(cycling.Gregorian, strings.TrimPrefix(off, "+"))
		if err != nil {
			b.fail("scheduling.special_tasks.clock_expire.%s: %v", name, err)
			continue
		}
		tasks := b.expand(name)
		if len(tasks) == 0 {
			b.fail("scheduling.special_tasks.clock_expire: unknown task %q", name)
		}
		for _, t := range tasks {
			iv := iv
			b.cfg.Tasks[t].ClockExpire = &iv
		}
	}
}

// checkCycles rejects dependency cycles within a single cycle point, i.e.
// through edges with a zero offset.
func (b *builder) checkCycles() {
	edges := make(map[string][]string)
	for up, children := range b.cfg.children {
		for _, ch := range children {
			if ch.Offset.IsZero() {
				edges[up] = append(edges[up], ch.Task)
			}
		}
	}
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int)
	var path []string
	var visit func(string) bool
	visit = func(n string) bool {
		state[n] = active
		path = append(path, n)
		for _, m := range edges[n] {
			switch state[m] {
			case active:
				i := 0
				for path[i] != m {
					i++
				}
				b.fail("scheduling.graph: dependency cycle within a cycle point: %s => %s", strings.Join(path[i:], " => "), m)
				return true
			case unvisited:
				if visit(m) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[n] = done
		return false
	}
	for _, n := range b.cfg.TaskNames() {
		if state[n] == unvisited && visit(n) {
			return
		}
	}
}
