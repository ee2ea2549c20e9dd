package taskdef

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gocycle/internal/cycling"
)

// Runtime is the merged runtime configuration of a task.
type Runtime struct {
	Script                string            `yaml:"script"`
	Platform              string            `yaml:"platform"`
	Environment           map[string]string `yaml:"environment"`
	Directives            map[string]string `yaml:"directives"`
	ExecutionRetryDelays  DelayList         `yaml:"execution_retry_delays"`
	SubmissionRetryDelays DelayList         `yaml:"submission_retry_delays"`
	ExecutionTimeLimit    string            `yaml:"execution_time_limit"`
	Priority              int               `yaml:"priority"`
	Outputs               map[string]string `yaml:"outputs"`
	Events                TaskEvents        `yaml:"events"`
	Meta                  map[string]string `yaml:"meta"`
}

// TaskEvents configures event handlers and timeouts for a task.
type TaskEvents struct {
	Handlers                []string            `yaml:"handlers"`
	HandlerEvents           []string            `yaml:"handler_events"`
	EventHandlers           map[string][]string `yaml:"event_handlers"`
	HandlerRetryDelays      DelayList           `yaml:"handler_retry_delays"`
	SubmissionTimeout       string              `yaml:"submission_timeout"`
	ExecutionTimeout        string              `yaml:"execution_timeout"`
	FailOnSubmissionTimeout bool                `yaml:"fail_on_submission_timeout"`
	KillOnExecutionTimeout  bool                `yaml:"kill_on_execution_timeout"`
}

// HandlersFor returns the handler templates configured for event: the
// per-event list, plus the generic handlers when event is in HandlerEvents.
func (e TaskEvents) HandlersFor(event string) []string {
	out := append([]string(nil), e.EventHandlers[event]...)
	for _, ev := range e.HandlerEvents {
		if ev == event {
			out = append(out, e.Handlers...)
			break
		}
	}
	return out
}

// DelayList is a list of ISO 8601 durations. It accepts a YAML sequence or
// a comma-separated scalar, and "N*<duration>" repeats a delay N times.
type DelayList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DelayList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*d = nil
		for _, part := range strings.Split(node.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*d = append(*d, part)
			}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*d = items
		return nil
	}
	return fmt.Errorf("line %d: retry delays must be a list or a comma-separated string", node.Line)
}

// Durations expands multipliers and parses every delay.
func (d DelayList) Durations() ([]time.Duration, error) {
	var out []time.Duration
	for _, item := range d {
		n := 1
		spec := strings.TrimSpace(item)
		if count, rest, ok := strings.Cut(spec, "*"); ok {
			v, err := strconv.Atoi(strings.TrimSpace(count))
			if err != nil || v < 1 {
				return nil, fmt.Errorf("invalid delay multiplier in %q", item)
			}
			n, spec = v, strings.TrimSpace(rest)
		}
		dur, err := cycling.ParseDuration(spec)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			out = append(out, dur)
		}
	}
	return out, nil
}

// optionalDuration parses s, treating "" as zero.
func optionalDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return cycling.ParseDuration(s)
}

// Settings is one runtime namespace's raw settings. A key present with a
// nil value is an explicit unset; an absent key inherits.
type Settings map[string]any

// Merge applies src on top of dst and returns dst. Nested maps merge per
// key; nil values delete.
func Merge(dst, src Settings) Settings {
	if dst == nil {
		dst = make(Settings)
	}
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		if sm, ok := asMap(v); ok {
			if dm, ok := asMap(dst[k]); ok {
				dst[k] = map[string]any(Merge(clone(dm), sm))
				continue
			}
			dst[k] = map[string]any(Merge(make(Settings), sm))
			continue
		}
		dst[k] = v
	}
	return dst
}

func asMap(v any) (Settings, bool) {
	switch m := v.(type) {
	case map[string]any:
		return Settings(m), true
	case Settings:
		return m, true
	}
	return nil, false
}

func clone(m Settings) Settings {
	out := make(Settings, len(m))
	for k, v := range m {
		if sm, ok := asMap(v); ok {
			out[k] = map[string]any(clone(sm))
			continue
		}
		out[k] = v
	}
	return out
}

// Decode converts merged settings into a Runtime.
func (s Settings) Decode() (Runtime, error) {
	var rt Runtime
	data, err := yaml.Marshal(map[string]any(s))
	if err != nil {
		return rt, fmt.Errorf("encode runtime: %w", err)
	}
	if err := strictUnmarshal(data, &rt); err != nil {
		return rt, fmt.Errorf("decode runtime: %w", err)
	}
	return rt, nil
}

// linearize computes the C3 method resolution order of name: the name
// itself first, root last.
func linearize(name string, parents map[string][]string, memo map[string][]string, visiting map[string]bool) ([]string, error) {
	if mro, ok := memo[name]; ok {
		return mro, nil
	}
	if visiting[name] {
		return nil, fmt.Errorf("inheritance cycle through %q", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	ps := parents[name]
	var seqs [][]string
	for _, p := range ps {
		if _, ok := parents[p]; !ok && p != rootNamespace {
			return nil, fmt.Errorf("%q inherits undefined namespace %q", name, p)
		}
		l, err := linearize(p, parents, memo, visiting)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, append([]string(nil), l...))
	}
	seqs = append(seqs, append([]string(nil), ps...))

	mro := []string{name}
	for {
		nonEmpty := seqs[:0]
		for _, s := range seqs {
			if len(s) > 0 {
				nonEmpty = append(nonEmpty, s)
			}
		}
		seqs = nonEmpty
		if len(seqs) == 0 {
			break
		}
		var head string
		for _, s := range seqs {
			cand := s[0]
			if !inTail(cand, seqs) {
				head = cand
				break
			}
		}
		if head == "" {
			return nil, fmt.Errorf("inconsistent inheritance order for %q", name)
		}
		mro = append(mro, head)
		for i, s := range seqs {
			if s[0] == head {
				seqs[i] = s[1:]
			}
		}
	}
	memo[name] = mro
	return mro, nil
}

func inTail(x string, seqs [][]string) bool {
	for _, s := range seqs {
		for _, y := range s[1:] {
			if y == x {
				return true
			}
		}
	}
	return false
}

// resolveRuntime merges the namespaces of mro from root down to the task.
func resolveRuntime(mro []string, namespaces map[string]Settings) Settings {
	merged := make(Settings)
	for i := len(mro) - 1; i >= 0; i-- {
		layer := make(Settings)
		for k, v := range namespaces[mro[i]] {
			if k != "inherit" {
				layer[k] = v
			}
		}
		merged = Merge(merged, layer)
	}
	return merged
}
