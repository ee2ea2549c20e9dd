// Package datastore keeps the published view of a running workflow: task
// proxies, family proxies and the workflow summary. The scheduling loop
// calls Update once per tick; readers get either the entire view or the
// deltas since a sequence number they already hold.
package datastore

import (
	"fmt"
	"hash/adler32"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/pkg/model"
)

// DefaultHistory is how many deltas are kept for DeltasSince.
const DefaultHistory = 256

// statePrecedence orders states for the summary state of a family: the
// first state present among the members wins.
var statePrecedence = []model.TaskState{
	model.TaskStateSubmitFailed,
	model.TaskStateFailed,
	model.TaskStateExpired,
	model.TaskStateRunning,
	model.TaskStateSubmitted,
	model.TaskStateReady,
	model.TaskStateQueued,
	model.TaskStateWaiting,
	model.TaskStateSucceeded,
}

// GroupState returns the summary state of a set of member states.
func GroupState(totals model.StateTotals) model.TaskState {
	for _, st := range statePrecedence {
		if totals[st] > 0 {
			return st
		}
	}
	return ""
}

// Task is a task proxy with its stamp.
type Task struct {
	model.TaskProxy
	Stamp string `json:"stamp"`
}

// Family is the aggregate view of the members of a family at one point.
type Family struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Point       string            `json:"point"`
	State       model.TaskState   `json:"state"`
	StateTotals model.StateTotals `json:"state_totals"`
	IsHeld      bool              `json:"is_held"`
	HeldTotal   int               `json:"held_total"`
	ChildTasks  []string          `json:"child_tasks"`
	Stamp       string            `json:"stamp"`
}

// Workflow is the workflow summary with its stamp.
type Workflow struct {
	model.WorkflowInfo
	Stamp string `json:"stamp"`
}

// Elements groups proxies of both kinds.
type Elements struct {
	Tasks    []Task   `json:"tasks,omitempty"`
	Families []Family `json:"families,omitempty"`
}

func (e Elements) empty() bool { return len(e.Tasks) == 0 && len(e.Families) == 0 }

// Delta is the change between two consecutive published views.
type Delta struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Added    Elements  `json:"added"`
	Updated  Elements  `json:"updated"`
	Pruned   []string  `json:"pruned,omitempty"`
	Workflow *Workflow `json:"workflow,omitempty"`
	Checksum uint32    `json:"checksum"`
}

// Snapshot is the entire published view.
type Snapshot struct {
	Seq      uint64   `json:"seq"`
	Workflow Workflow `json:"workflow"`
	Tasks    []Task   `json:"tasks"`
	Families []Family `json:"families"`
	Checksum uint32   `json:"checksum"`
}

// Store holds the published view. Update is called by the scheduling loop;
// the read methods are safe to call from any goroutine.
type Store struct {
	kind   cycling.Kind
	logger *slog.Logger
	keep   int

	mu       sync.RWMutex
	seq      uint64
	workflow Workflow
	tasks    map[string]Task
	families map[string]Family
	checksum uint32
	history  []Delta
}

// New returns an empty Store for a workflow cycling in kind.
func New(kind cycling.Kind, logger *slog.Logger) *Store {
	return &Store{
		kind:     kind,
		logger:   logger.With("component", "datastore"),
		keep:     DefaultHistory,
		tasks:    make(map[string]Task),
		families: make(map[string]Family),
	}
}

func stamp(id string, now time.Time) string {
	return fmt.Sprintf("%s@%d", id, now.UnixNano())
}

// Checksum returns the adler32 checksum of the sorted ids.
func Checksum(ids []string) uint32 {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return adler32.Checksum([]byte(strings.Join(sorted, "")))
}

// Update replaces the view with the given workflow summary and task
// proxies. It returns the resulting delta and false when nothing changed.
// The summary's totals and active point range are computed here.
func (s *Store) Update(info model.WorkflowInfo, proxies []model.TaskProxy, now time.Time) (Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := Delta{Time: now}
	seen := make(map[string]bool, len(proxies))
	for _, tp := range proxies {
		seen[tp.ID] = true
		old, ok := s.tasks[tp.ID]
		if ok && reflect.DeepEqual(old.TaskProxy, tp) {
			continue
		}
		t := Task{TaskProxy: tp, Stamp: stamp(tp.ID, now)}
		s.tasks[tp.ID] = t
		if ok {
			d.Updated.Tasks = append(d.Updated.Tasks, t)
		} else {
			d.Added.Tasks = append(d.Added.Tasks, t)
		}
	}
	for id := range s.tasks {
		if !seen[id] {
			delete(s.tasks, id)
			d.Pruned = append(d.Pruned, id)
		}
	}

	fams := familyProxies(proxies)
	for id, f := range fams {
		old, ok := s.families[id]
		if ok {
			f.Stamp = old.Stamp
			if reflect.DeepEqual(old, f) {
				continue
			}
		}
		f.Stamp = stamp(id, now)
		s.families[id] = f
		if ok {
			d.Updated.Families = append(d.Updated.Families, f)
		} else {
			d.Added.Families = append(d.Added.Families, f)
		}
	}
	for id := range s.families {
		if _, ok := fams[id]; !ok {
			delete(s.families, id)
			d.Pruned = append(d.Pruned, id)
		}
	}

	s.summarize(&info, proxies)
	if !sameWorkflow(s.workflow.WorkflowInfo, info) {
		s.workflow = Workflow{WorkflowInfo: info, Stamp: stamp(info.ID, now)}
		w := s.workflow
		d.Workflow = &w
	} else {
		s.workflow.Iteration = info.Iteration
	}

	if d.Added.empty() && d.Updated.empty() && len(d.Pruned) == 0 && d.Workflow == nil {
		return Delta{}, false
	}
	sortTasks(d.Added.Tasks)
	sortTasks(d.Updated.Tasks)
	sortFamilies(d.Added.Families)
	sortFamilies(d.Updated.Families)
	sort.Strings(d.Pruned)

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.checksum = Checksum(ids)
	s.seq++
	d.Seq = s.seq
	d.Checksum = s.checksum
	s.history = append(s.history, d)
	if len(s.history) > s.keep {
		s.history = s.history[len(s.history)-s.keep:]
	}
	s.logger.Debug("delta published", "seq", d.Seq,
		"added", len(d.Added.Tasks)+len(d.Added.Families),
		"updated", len(d.Updated.Tasks)+len(d.Updated.Families),
		"pruned", len(d.Pruned))
	return d, true
}

// summarize fills the totals and the active point range of info.
func (s *Store) summarize(info *model.WorkflowInfo, proxies []model.TaskProxy) {
	info.StateTotals = model.ComputeStateTotals(proxies)
	info.HeldTotal = 0
	var oldest, newest cycling.Point
	for _, tp := range proxies {
		if tp.IsHeld {
			info.HeldTotal++
		}
		pt, err := cycling.ParsePoint(s.kind, tp.Point)
		if err != nil {
			continue
		}
		if oldest.IsZero() || pt.Before(oldest) {
			oldest = pt
		}
		if newest.IsZero() || pt.After(newest) {
			newest = pt
		}
	}
	info.OldestActive, info.NewestActive = "", ""
	if !oldest.IsZero() {
		info.OldestActive = oldest.String()
		info.NewestActive = newest.String()
	}
}

// sameWorkflow compares summaries, ignoring the loop iteration counter.
func sameWorkflow(a, b model.WorkflowInfo) bool {
	a.Iteration, b.Iteration = 0, 0
	return reflect.DeepEqual(a, b)
}

// familyProxies aggregates task proxies into one family proxy per
// (point, family). Families of a task include every ancestor, so totals
// already cover nested families.
func familyProxies(proxies []model.TaskProxy) map[string]Family {
	out := make(map[string]Family)
	for _, tp := range proxies {
		for _, fam := range tp.Families {
			id := tp.Point + "/" + fam
			f, ok := out[id]
			if !ok {
				f = Family{ID: id, Name: fam, Point: tp.Point, StateTotals: model.StateTotals{}}
			}
			f.StateTotals[tp.State]++
			if tp.IsHeld {
				f.HeldTotal++
			}
			f.ChildTasks = append(f.ChildTasks, tp.ID)
			out[id] = f
		}
	}
	for id, f := range out {
		f.State = GroupState(f.StateTotals)
		f.IsHeld = f.HeldTotal > 0
		sort.Strings(f.ChildTasks)
		out[id] = f
	}
	return out
}

// Entire returns the whole current view.
func (s *Store) Entire() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Seq:      s.seq,
		Workflow: s.workflow,
		Tasks:    make([]Task, 0, len(s.tasks)),
		Families: make([]Family, 0, len(s.families)),
		Checksum: s.checksum,
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, f := range s.families {
		snap.Families = append(snap.Families, f)
	}
	sortTasks(snap.Tasks)
	sortFamilies(snap.Families)
	return snap
}

// DeltasSince returns the deltas published after seq. It returns false
// when seq is older than the retained history, in which case the caller
// should start again from Entire.
func (s *Store) DeltasSince(seq uint64) ([]Delta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= s.seq {
		return nil, true
	}
	if len(s.history) == 0 || s.history[0].Seq > seq+1 {
		return nil, false
	}
	i := sort.Search(len(s.history), func(i int) bool { return s.history[i].Seq > seq })
	return append([]Delta(nil), s.history[i:]...), true
}

// Seq returns the sequence number of the latest delta.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Workflow returns the current workflow summary.
func (s *Store) Workflow() Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflow
}

// Task returns the proxy with the given id.
func (s *Store) Task(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns every task proxy, ordered by point then name.
func (s *Store) Tasks() []model.TaskProxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TaskProxy, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.TaskProxy)
	}
	sort.Slice(out, func(a, b int) bool { return s.lessID(out[a].Point, out[a].Name, out[b].Point, out[b].Name) })
	return out
}

func (s *Store) lessID(pa, na, pb, nb string) bool {
	if pa != pb {
		a, errA := cycling.ParsePoint(s.kind, pa)
		b, errB := cycling.ParsePoint(s.kind, pb)
		if errA == nil && errB == nil {
			return a.Before(b)
		}
		return pa < pb
	}
	return na < nb
}

func sortTasks(list []Task) {
	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
}

func sortFamilies(list []Family) {
	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
}
