// Package matcher selects task instances by "point/name[:state]" patterns.
//
// Point and name may be globs ("20*/foo", "*/f?o", "1/{a,b}"). A literal
// point is normalized before comparison, so "2020" matches
// "20200101T0000Z". A name matches a task's own name or any family it
// belongs to. Filtering is a pure function over a snapshot.
package matcher

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/pkg/model"
)

// Item is the view of a task instance the matcher needs.
type Item struct {
	Point    string
	Name     string
	State    model.TaskState
	Families []string
}

// ID returns "point/name".
func (it Item) ID() string { return it.Point + "/" + it.Name }

// Pattern is a compiled pattern.
type Pattern struct {
	raw   string
	point string
	name  string
	state model.TaskState

	pointGlob glob.Glob
	nameGlob  glob.Glob
}

const globMeta = "*?[]{}"

func isGlob(s string) bool { return strings.ContainsAny(s, globMeta) }

// String returns the pattern as written.
func (p *Pattern) String() string { return p.raw }

// Literal returns the point and name of a pattern without wildcards or a
// state selector. Such a pattern may refer to an instance that has not been
// spawned yet.
func (p *Pattern) Literal() (point, name string, ok bool) {
	if p.pointGlob != nil || p.nameGlob != nil || p.state != "" {
		return "", "", false
	}
	return p.point, p.name, true
}

// Match reports whether it matches the pattern.
func (p *Pattern) Match(it Item) bool {
	if p.state != "" && it.State != p.state {
		return false
	}
	if p.pointGlob != nil {
		if !p.pointGlob.Match(it.Point) {
			return false
		}
	} else if it.Point != p.point {
		return false
	}
	if p.matchName(it.Name) {
		return true
	}
	for _, f := range it.Families {
		if p.matchName(f) {
			return true
		}
	}
	return false
}

func (p *Pattern) matchName(name string) bool {
	if p.nameGlob != nil {
		return p.nameGlob.Match(name)
	}
	return name == p.name
}

// Matcher compiles patterns for one cycling mode and caches them.
type Matcher struct {
	kind  cycling.Kind
	cache *lru.Cache[string, *Pattern]
}

// New returns a Matcher holding up to size compiled patterns.
func New(kind cycling.Kind, size int) (*Matcher, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *Pattern](size)
	if err != nil {
		return nil, fmt.Errorf("create pattern cache: %w", err)
	}
	return &Matcher{kind: kind, cache: cache}, nil
}

// Compile parses pattern, using the cache when possible.
func (m *Matcher) Compile(pattern string) (*Pattern, error) {
	if p, ok := m.cache.Get(pattern); ok {
		return p, nil
	}
	p, err := compile(m.kind, pattern)
	if err != nil {
		return nil, err
	}
	m.cache.Add(pattern, p)
	return p, nil
}

func compile(kind cycling.Kind, pattern string) (*Pattern, error) {
	raw := strings.TrimSpace(pattern)
	pointPart, rest, ok := strings.Cut(raw, "/")
	if !ok {
		return nil, fmt.Errorf("pattern %q: want point/name[:state]", pattern)
	}
	namePart, statePart, hasState := strings.Cut(rest, ":")
	p := &Pattern{
		raw:   raw,
		point: strings.TrimSpace(pointPart),
		name:  strings.TrimSpace(namePart),
	}
	if p.point == "" || p.name == "" {
		return nil, fmt.Errorf("pattern %q: empty point or name", pattern)
	}
	if hasState {
		st := model.TaskState(strings.TrimSpace(statePart))
		if !st.Valid() {
			return nil, fmt.Errorf("pattern %q: unknown state %q", pattern, st)
		}
		p.state = st
	}

	var err error
	if isGlob(p.point) {
		if p.pointGlob, err = glob.Compile(p.point); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
	} else {
		pt, err := cycling.ParsePoint(kind, p.point)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		p.point = pt.String()
	}
	if isGlob(p.name) {
		if p.nameGlob, err = glob.Compile(p.name); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return p, nil
}

// Result is the outcome of Filter.
type Result struct {
	Matched   []Item
	Unmatched []string
}

// Filter returns the items matching any of patterns, in input order, and
// the patterns that matched nothing.
func (m *Matcher) Filter(items []Item, patterns []string) (Result, error) {
	compiled := make([]*Pattern, 0, len(patterns))
	for _, s := range patterns {
		p, err := m.Compile(s)
		if err != nil {
			return Result{}, err
		}
		compiled = append(compiled, p)
	}
	var res Result
	hits := make([]bool, len(compiled))
	for _, it := range items {
		matched := false
		for i, p := range compiled {
			if p.Match(it) {
				hits[i] = true
				matched = true
			}
		}
		if matched {
			res.Matched = append(res.Matched, it)
		}
	}
	for i, hit := range hits {
		if !hit {
			res.Unmatched = append(res.Unmatched, compiled[i].raw)
		}
	}
	return res, nil
}
