// Package xtrigger evaluates external triggers declared in a workflow
// definition.
//
// A wall_clock xtrigger is satisfied once the wall clock passes the cycle
// point plus its offset. A script xtrigger runs a JavaScript expression
// against the cycle point and the current time and is satisfied when the
// result is truthy. Satisfied results are remembered per (label, point):
// an xtrigger never becomes unsatisfied again.
package xtrigger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/taskdef"
)

// DefaultScriptTimeout bounds a single script evaluation.
const DefaultScriptTimeout = time.Second

// Manager checks xtriggers for the pool.
type Manager struct {
	defs     map[string]taskdef.XTrigger
	programs map[string]*goja.Program
	timeout  time.Duration
	logger   *slog.Logger

	satisfied map[string]cycling.Point
}

// New compiles the script xtriggers in defs.
func New(defs map[string]taskdef.XTrigger, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		defs:      defs,
		programs:  make(map[string]*goja.Program),
		timeout:   DefaultScriptTimeout,
		logger:    logger.With("component", "xtrigger"),
		satisfied: make(map[string]cycling.Point),
	}
	for label, d := range defs {
		if d.Kind != taskdef.XTriggerScript {
			continue
		}
		prog, err := goja.Compile(label, d.Expression, false)
		if err != nil {
			return nil, fmt.Errorf("xtrigger %s: %w", label, err)
		}
		m.programs[label] = prog
	}
	return m, nil
}

// SetTimeout changes the per-evaluation script timeout.
func (m *Manager) SetTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

func key(label string, point cycling.Point) string { return point.String() + "/@" + label }

// Satisfied reports whether label is satisfied at point.
func (m *Manager) Satisfied(label string, point cycling.Point, now time.Time) (bool, error) {
	k := key(label, point)
	if _, ok := m.satisfied[k]; ok {
		return true, nil
	}
	d, ok := m.defs[label]
	if !ok {
		return false, fmt.Errorf("undefined xtrigger %q", label)
	}
	var (
		done bool
		err  error
	)
	switch d.Kind {
	case taskdef.XTriggerWallClock:
		done, err = wallClock(d, point, now)
	case taskdef.XTriggerScript:
		done, err = m.script(d, point, now)
	default:
		err = fmt.Errorf("xtrigger %s: unknown kind %q", label, d.Kind)
	}
	if err != nil {
		return false, err
	}
	if done {
		m.satisfied[k] = point
		m.logger.Debug("xtrigger satisfied", "xtrigger", label, "point", point.String())
	}
	return done, nil
}

func wallClock(d taskdef.XTrigger, point cycling.Point, now time.Time) (bool, error) {
	if point.Kind() != cycling.Gregorian {
		return false, fmt.Errorf("xtrigger %s: wall_clock needs gregorian cycling", d.Label)
	}
	return !now.Before(point.Time().Add(d.Offset)), nil
}

// script evaluates the expression in a fresh runtime with these globals:
//
//	label       the xtrigger label
//	point       the cycle point string
//	now         current time, unix seconds
//	cycle       {year, month, day, hour, minute, unix} for gregorian points,
//	            {value} for integer points
func (m *Manager) script(d taskdef.XTrigger, point cycling.Point, now time.Time) (bool, error) {
	prog, ok := m.programs[d.Label]
	if !ok {
		return false, fmt.Errorf("xtrigger %s: not compiled", d.Label)
	}
	vm := goja.New()
	cycle := map[string]any{}
	if point.Kind() == cycling.Gregorian {
		t := point.Time()
		cycle["year"] = t.Year()
		cycle["month"] = int(t.Month())
		cycle["day"] = t.Day()
		cycle["hour"] = t.Hour()
		cycle["minute"] = t.Minute()
		cycle["unix"] = t.Unix()
	} else {
		cycle["value"] = point.Int()
	}
	for name, v := range map[string]any{
		"label": d.Label,
		"point": point.String(),
		"now":   now.Unix(),
		"cycle": cycle,
	} {
		if err := vm.Set(name, v); err != nil {
			return false, fmt.Errorf("xtrigger %s: set %s: %w", d.Label, name, err)
		}
	}

	timer := time.AfterFunc(m.timeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()
	val, err := vm.RunProgram(prog)
	if err != nil {
		return false, fmt.Errorf("xtrigger %s: %w", d.Label, err)
	}
	return val.ToBoolean(), nil
}

// Forget drops remembered results for points before p.
func (m *Manager) Forget(p cycling.Point) {
	for k, pt := range m.satisfied {
		if pt.Before(p) {
			delete(m.satisfied, k)
		}
	}
}

// Results returns the remembered satisfied keys, "point/@label", sorted.
func (m *Manager) Results() []string {
	out := make([]string, 0, len(m.satisfied))
	for k := range m.satisfied {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Restore re-applies keys previously returned by Results.
func (m *Manager) Restore(kind cycling.Kind, keys []string) error {
	for _, k := range keys {
		ps, label, ok := strings.Cut(k, "/@")
		if !ok {
			return fmt.Errorf("bad xtrigger result %q", k)
		}
		pt, err := cycling.ParsePoint(kind, ps)
		if err != nil {
			return fmt.Errorf("xtrigger result %q: %w", k, err)
		}
		m.satisfied[key(label, pt)] = pt
	}
	return nil
}
