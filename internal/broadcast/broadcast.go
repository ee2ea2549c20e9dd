// Package broadcast keeps runtime setting overrides that operators push to
// a running workflow, scoped by cycle point and namespace.
package broadcast

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

// AllPoints scopes a broadcast to every cycle point.
const AllPoints = "*"

// Broadcast is one override: settings for a namespace at a point.
type Broadcast struct {
	Point     string           `json:"point"`
	Namespace string           `json:"namespace"`
	Settings  taskdef.Settings `json:"settings"`
}

// NamespaceChecker reports whether a namespace (task or family) exists.
type NamespaceChecker func(name string) bool

// Manager holds active broadcasts. It is owned by the scheduling loop.
type Manager struct {
	kind    cycling.Kind
	known   NamespaceChecker
	logger  *slog.Logger
	active  map[string]map[string]taskdef.Settings // point -> namespace -> settings
	changed bool
}

// New returns an empty Manager.
func New(kind cycling.Kind, known NamespaceChecker, logger *slog.Logger) *Manager {
	return &Manager{
		kind:   kind,
		known:  known,
		logger: logger.With("component", "broadcast"),
		active: make(map[string]map[string]taskdef.Settings),
	}
}

func (m *Manager) normalizePoint(s string) (string, error) {
	if s == "" || s == AllPoints {
		return AllPoints, nil
	}
	p, err := cycling.ParsePoint(m.kind, s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// Put applies settings for every combination of points and namespaces.
// Empty lists mean all points and the root namespace.
func (m *Manager) Put(points, namespaces []string, settings taskdef.Settings) ([]Broadcast, error) {
	if len(settings) == 0 {
		return nil, model.NewValidationError("broadcast has no settings")
	}
	if _, err := taskdef.Merge(nil, settings).Decode(); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("invalid settings: %v", err))
	}
	if len(points) == 0 {
		points = []string{AllPoints}
	}
	if len(namespaces) == 0 {
		namespaces = []string{"root"}
	}
	var fields []model.FieldError
	var pts []string
	for _, s := range points {
		p, err := m.normalizePoint(s)
		if err != nil {
			fields = append(fields, model.FieldError{Field: "points", Message: err.Error()})
			continue
		}
		pts = append(pts, p)
	}
	for _, ns := range namespaces {
		if m.known != nil && !m.known(ns) {
			fields = append(fields, model.FieldError{Field: "namespaces", Message: "unknown namespace " + ns})
		}
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError("invalid broadcast", fields...)
	}

	var out []Broadcast
	for _, p := range pts {
		byNS, ok := m.active[p]
		if !ok {
			byNS = make(map[string]taskdef.Settings)
			m.active[p] = byNS
		}
		for _, ns := range namespaces {
			byNS[ns] = overlay(byNS[ns], settings)
			out = append(out, Broadcast{Point: p, Namespace: ns, Settings: copySettings(settings)})
		}
	}
	m.changed = true
	m.logger.Info("broadcast set", "points", pts, "namespaces", namespaces)
	return out, nil
}

// Clear removes broadcasts. Empty lists match everything.
func (m *Manager) Clear(points, namespaces []string) ([]Broadcast, error) {
	pointSet := make(map[string]bool)
	for _, s := range points {
		p, err := m.normalizePoint(s)
		if err != nil {
			return nil, model.NewValidationError(err.Error())
		}
		pointSet[p] = true
	}
	nsSet := make(map[string]bool)
	for _, ns := range namespaces {
		nsSet[ns] = true
	}
	var cleared []Broadcast
	for p, byNS := range m.active {
		if len(pointSet) > 0 && !pointSet[p] {
			continue
		}
		for ns, s := range byNS {
			if len(nsSet) > 0 && !nsSet[ns] {
				continue
			}
			cleared = append(cleared, Broadcast{Point: p, Namespace: ns, Settings: s})
			delete(byNS, ns)
		}
		if len(byNS) == 0 {
			delete(m.active, p)
		}
	}
	if len(cleared) > 0 {
		m.changed = true
		m.logger.Info("broadcast cleared", "count", len(cleared))
	}
	sortBroadcasts(cleared)
	return cleared, nil
}

// Expire removes point-specific broadcasts for points before oldest.
func (m *Manager) Expire(oldest cycling.Point) int {
	n := 0
	for ps, byNS := range m.active {
		if ps == AllPoints {
			continue
		}
		p, err := cycling.ParsePoint(m.kind, ps)
		if err != nil || !p.Before(oldest) {
			continue
		}
		n += len(byNS)
		delete(m.active, ps)
	}
	if n > 0 {
		m.changed = true
		m.logger.Debug("broadcasts expired", "count", n, "before", oldest.String())
	}
	return n
}

// Overrides returns the settings that apply to a task with the given MRO
// (task first, root last) at point. Wildcard broadcasts apply before
// point-specific ones; within each, root applies first and the task last.
func (m *Manager) Overrides(point cycling.Point, mro []string) taskdef.Settings {
	var out taskdef.Settings
	for _, ps := range []string{AllPoints, point.String()} {
		byNS, ok := m.active[ps]
		if !ok {
			continue
		}
		for i := len(mro) - 1; i >= 0; i-- {
			if s, ok := byNS[mro[i]]; ok {
				out = overlay(out, s)
			}
		}
	}
	return out
}

// All returns every active broadcast, sorted by point then namespace.
func (m *Manager) All() []Broadcast {
	var out []Broadcast
	for p, byNS := range m.active {
		for ns, s := range byNS {
			out = append(out, Broadcast{Point: p, Namespace: ns, Settings: copySettings(s)})
		}
	}
	sortBroadcasts(out)
	return out
}

// Load replaces the active broadcasts, typically on restart.
func (m *Manager) Load(list []Broadcast) {
	m.active = make(map[string]map[string]taskdef.Settings)
	for _, b := range list {
		byNS, ok := m.active[b.Point]
		if !ok {
			byNS = make(map[string]taskdef.Settings)
			m.active[b.Point] = byNS
		}
		byNS[b.Namespace] = overlay(byNS[b.Namespace], b.Settings)
	}
	m.changed = false
}

// Changed reports whether broadcasts changed since the last ClearChanged.
func (m *Manager) Changed() bool { return m.changed }

// ClearChanged resets the change flag after a checkpoint.
func (m *Manager) ClearChanged() { m.changed = false }

func sortBroadcasts(list []Broadcast) {
	sort.Slice(list, func(a, b int) bool {
		if list[a].Point != list[b].Point {
			return list[a].Point < list[b].Point
		}
		return list[a].Namespace < list[b].Namespace
	})
}

// overlay applies src on top of dst and returns the result. Unlike
// taskdef.Merge, nil values are kept so they still unset the underlying
// runtime setting.
func overlay(dst, src taskdef.Settings) taskdef.Settings {
	out := copySettings(dst)
	if out == nil {
		out = make(taskdef.Settings)
	}
	for k, v := range src {
		sm, srcIsMap := v.(map[string]any)
		dm, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = map[string]any(overlay(dm, sm))
			continue
		}
		if srcIsMap {
			out[k] = map[string]any(copySettings(sm))
			continue
		}
		out[k] = v
	}
	return out
}

func copySettings(s taskdef.Settings) taskdef.Settings {
	if s == nil {
		return nil
	}
	out := make(taskdef.Settings, len(s))
	for k, v := range s {
		if m, ok := v.(map[string]any); ok {
			out[k] = map[string]any(copySettings(m))
			continue
		}
		out[k] = v
	}
	return out
}
