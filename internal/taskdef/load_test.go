package taskdef

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/pkg/model"
)

func mustParse(t *testing.T, src string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

const simpleWorkflow = `
name: simple
scheduling:
  initial_cycle_point: "2020"
  graph:
    R1: foo => bar
runtime:
  root:
    script: "true"
  foo: {}
  bar: {}
`

func TestParseSimple(t *testing.T) {
	cfg := mustParse(t, simpleWorkflow)
	if cfg.Kind() != cycling.Gregorian {
		t.Errorf("Kind = %q", cfg.Kind())
	}
	if diff := cmp.Diff([]string{"bar", "foo"}, cfg.TaskNames()); diff != "" {
		t.Errorf("TaskNames mismatch (-want +got):\n%s", diff)
	}
	p := cfg.Context.Initial
	foo, _ := cfg.Task("foo")
	bar, _ := cfg.Task("bar")
	if !foo.IsParentlessAt(p) {
		t.Error("foo should be parentless at the initial point")
	}
	if bar.IsParentlessAt(p) {
		t.Error("bar depends on foo")
	}
	prs, err := bar.PrerequisitesAt(p)
	if err != nil || len(prs) != 1 {
		t.Fatalf("PrerequisitesAt = %v, %v", prs, err)
	}
	if got := prs[0].String(); got != "20200101T0000Z/foo:succeeded" {
		t.Errorf("prerequisite = %q", got)
	}
	children := cfg.Children("foo", model.OutputSucceeded)
	if len(children) != 1 || children[0].Task != "bar" {
		t.Errorf("Children(foo, succeeded) = %+v", children)
	}
	if len(cfg.Children("foo", model.OutputFailed)) != 0 {
		t.Error("no task depends on foo:failed")
	}
	if foo.Runtime.Script != "true" {
		t.Errorf("inherited script = %q", foo.Runtime.Script)
	}
	if cfg.Unsatisfiable != UnsatisfiableExpire {
		t.Errorf("default unsatisfiable policy = %q", cfg.Unsatisfiable)
	}
	if got := cfg.Runahead.String(); got != "P4D" {
		t.Errorf("default runahead = %s", got)
	}
}

func TestSelfDependencyInitialExemption(t *testing.T) {
	cfg := mustParse(t, `
name: daily
scheduling:
  initial_cycle_point: "20200101T00"
  graph:
    T00: foo[-P1D] => foo
runtime:
  foo: {}
`)
	foo, _ := cfg.Task("foo")
	first := cfg.Context.Initial
	second := cycling.MustParsePoint(cycling.Gregorian, "20200102T00")
	if !foo.IsParentlessAt(first) {
		t.Error("the first instance only depends on a pre-initial instance")
	}
	if foo.IsParentlessAt(second) {
		t.Error("later instances depend on the previous day")
	}
	prs, _ := foo.PrerequisitesAt(first)
	if len(prs) != 1 || !prs[0].Eval() {
		t.Error("pre-initial prerequisite should be satisfied at spawn")
	}
	ch := cfg.Children("foo", model.OutputSucceeded)
	if len(ch) != 1 || ch[0].Offset.String() != "-P1D" {
		t.Errorf("Children = %+v", ch)
	}
}

func TestRuntimeInheritance(t *testing.T) {
	cfg := mustParse(t, `
name: inherit
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    P1: foo & bar & baz
runtime:
  root:
    script: echo root
    platform: local
    environment:
      A: "1"
      B: "2"
  FAM:
    environment:
      B: ~
      C: "3"
    execution_retry_delays: PT0S, 2*PT1S
  OTHER:
    platform: docker
    priority: 5
  foo:
    inherit: [FAM, OTHER]
    script: ~
  bar, baz:
    inherit: FAM
`)
	foo, _ := cfg.Task("foo")
	if diff := cmp.Diff([]string{"foo", "FAM", "OTHER", "root"}, foo.MRO); diff != "" {
		t.Errorf("MRO mismatch (-want +got):\n%s", diff)
	}
	if foo.Runtime.Script != "" {
		t.Errorf("script should be unset, got %q", foo.Runtime.Script)
	}
	if foo.Runtime.Platform != "docker" || foo.Runtime.Priority != 5 {
		t.Errorf("platform/priority = %q/%d", foo.Runtime.Platform, foo.Runtime.Priority)
	}
	if diff := cmp.Diff(map[string]string{"A": "1", "C": "3"}, foo.Runtime.Environment); diff != "" {
		t.Errorf("environment mismatch (-want +got):\n%s", diff)
	}
	want := []time.Duration{0, time.Second, time.Second}
	if diff := cmp.Diff(want, foo.ExecutionRetryDelays); diff != "" {
		t.Errorf("retry delays mismatch (-want +got):\n%s", diff)
	}
	if foo.MaxTries() != 4 {
		t.Errorf("MaxTries = %d, want 4", foo.MaxTries())
	}
	bar, _ := cfg.Task("bar")
	if bar.Runtime.Script != "echo root" || bar.Runtime.Platform != "local" {
		t.Errorf("bar runtime = %+v", bar.Runtime)
	}
	if diff := cmp.Diff([]string{"bar", "baz", "foo"}, cfg.Families["FAM"]); diff != "" {
		t.Errorf("FAM members mismatch (-want +got):\n%s", diff)
	}
	if !cfg.IsFamily("root") || cfg.IsFamily("foo") {
		t.Error("family detection")
	}
}

func TestRuntimeWithOverrides(t *testing.T) {
	cfg := mustParse(t, simpleWorkflow)
	foo, _ := cfg.Task("foo")
	rt, err := foo.RuntimeWith(Settings{"script": "echo override", "environment": map[string]any{"X": "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if rt.Script != "echo override" || rt.Environment["X"] != "y" {
		t.Errorf("override not applied: %+v", rt)
	}
	if foo.Runtime.Script != "true" || foo.Settings["environment"] != nil {
		t.Error("RuntimeWith must not modify the definition")
	}
}

func TestC3Linearization(t *testing.T) {
	parents := map[string][]string{
		"root": nil,
		"O":    {"root"},
		"A":    {"O"},
		"B":    {"O"},
		"C":    {"A", "B"},
	}
	mro, err := linearize("C", parents, map[string][]string{}, map[string]bool{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"C", "A", "B", "O", "root"}, mro); diff != "" {
		t.Errorf("MRO mismatch (-want +got):\n%s", diff)
	}

	cyclic := map[string][]string{"root": nil, "A": {"B"}, "B": {"A"}}
	if _, err := linearize("A", cyclic, map[string][]string{}, map[string]bool{}); err == nil {
		t.Error("expected inheritance cycle error")
	}
}

func TestMergeUnsetMarkers(t *testing.T) {
	base := Settings{"a": 1, "m": map[string]any{"x": 1, "y": 2}}
	got := Merge(clone(base), Settings{"a": nil, "m": map[string]any{"y": nil, "z": 3}, "b": "new"})
	want := Settings{"m": map[string]any{"x": 1, "z": 3}, "b": "new"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
	if _, ok := base["a"]; !ok {
		t.Error("merging into a clone must leave the original intact")
	}
}

func TestGraphTriggers(t *testing.T) {
	cfg := mustParse(t, `
name: triggers
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  final_cycle_point: "3"
  xtriggers:
    clock:
      kind: script
      expression: "true"
  graph:
    P1: |
      # families and qualifiers
      FAM:succeed-any => a
      m1:finished & m2:out1 => b
      @clock => c
      (a | b) &
        c => d
runtime:
  FAM: {}
  m1:
    inherit: FAM
  m2:
    inherit: FAM
    outputs:
      out1: "file ready"
  a: {}
  b: {}
  c: {}
  d: {}
`)
	p := cycling.IntPoint(2)
	exprs := map[string]string{
		"a": "m1:succeeded | m2:succeeded",
		"b": "(m1:succeeded | m1:failed) & m2:out1",
		"c": "@clock",
		"d": "(a:succeeded | b:succeeded) & c:succeeded",
	}
	for task, want := range exprs {
		def, _ := cfg.Task(task)
		trig := def.TriggersAt(p)
		if len(trig) != 1 {
			t.Errorf("%s: %d triggers", task, len(trig))
			continue
		}
		if got := trig[0].String(); got != want {
			t.Errorf("%s trigger = %q, want %q", task, got, want)
		}
	}
	c, _ := cfg.Task("c")
	if !c.IsParentlessAt(p) {
		t.Error("xtrigger-only task is parentless")
	}
	m2, _ := cfg.Task("m2")
	if out, ok := m2.OutputForMessage("file ready"); !ok || out != "out1" {
		t.Errorf("OutputForMessage = %q, %v", out, ok)
	}
	if !m2.HasOutput("out1") || !m2.HasOutput(model.OutputStarted) || m2.HasOutput("nope") {
		t.Error("HasOutput")
	}
	if !m2.IsParentlessAt(p) {
		t.Error("m2 only appears on the left")
	}
	if _, ok := c.NextPoint(cycling.IntPoint(3)); ok {
		t.Error("final point bounds the sequence")
	}
}

func TestParseErrorsAggregate(t *testing.T) {
	_, err := Parse([]byte(`
name: broken
scheduler:
  unsatisfiable: maybe
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  runahead_limit: PT1H
  graph:
    P1: a => b
runtime:
  a: {}
`))
	if err == nil {
		t.Fatal("expected errors")
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("error type %T, want *multierror.Error", err)
	}
	if len(merr.Errors) < 2 {
		t.Errorf("expected several errors, got %v", merr.Errors)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"scheduling", `
name: typo
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  runahead_limt: P2
  graph:
    R1: foo
runtime:
  foo: {}
`, "runahead_limt"},
		{"runtime", `
name: typo
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    execution_retry_delay: PT1M
`, "execution_retry_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil {
				t.Fatal("expected an error for an unknown key")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %q", err, tt.want)
			}
		})
	}
}

func TestParseGraphErrors(t *testing.T) {
	tests := []struct {
		name  string
		graph string
		want  string
	}{
		{"undefined task", "a => nope", "not defined under runtime"},
		{"offset on right", "a => b[-P1]", "offsets are only allowed"},
		{"or on right", "a => b | c", "only & may join"},
		{"unknown output", "a:bogus => b", "has no output"},
		{"cycle", "a => b => c => a", "dependency cycle"},
		{"undefined xtrigger", "@nope => a", "undefined xtrigger"},
		{"family qualifier on task", "a:succeed-all => b", "is a task"},
		{"unbalanced", "(a & b => c", "missing )"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `
name: g
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    P1: "` + tt.graph + `"
runtime:
  a: {}
  b: {}
  c: {}
`
			_, err := Parse([]byte(src))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestIntraPointCycleAllowedAcrossPoints(t *testing.T) {
	mustParse(t, `
name: ok
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    P1: |
      a => b
      b[-P1] => a
runtime:
  a: {}
  b: {}
`)
}

func TestQueuesAndClockExpire(t *testing.T) {
	cfg := mustParse(t, `
name: queues
scheduling:
  initial_cycle_point: "2020"
  max_active: 5
  queues:
    big:
      limit: 2
      members: [FAM]
  special_tasks:
    clock_expire:
      c: PT1H
  graph:
    PT12H: a & b & c
runtime:
  FAM: {}
  a:
    inherit: FAM
  b:
    inherit: FAM
  c: {}
`)
	if q := cfg.QueueOf("a"); q.Name != "big" || q.Limit != 2 {
		t.Errorf("QueueOf(a) = %+v", q)
	}
	if q := cfg.QueueOf("c"); q.Name != "default" || q.Limit != 5 {
		t.Errorf("QueueOf(c) = %+v", q)
	}
	c, _ := cfg.Task("c")
	if c.ClockExpire == nil || c.ClockExpire.String() != "PT1H" {
		t.Errorf("ClockExpire = %v", c.ClockExpire)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(simpleWorkflow), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "simple" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestLogicalLines(t *testing.T) {
	got := logicalLines("a =>\n  b # comment\n& c\n\n# only comment\nd")
	want := []string{"a => b & c", "d"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("logicalLines mismatch (-want +got):\n%s", diff)
	}
}
