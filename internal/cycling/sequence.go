package cycling

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Context carries the workflow bounds that recurrence expressions are
// resolved against ("^" is the initial point, "$" the final point).
type Context struct {
	Kind    Kind
	Initial Point
	Final   Point // zero when the workflow is unbounded
}

// Sequence is a recurrence over cycle points: either a regular series
// start + k*step (optionally bounded by a count or an end point), or an
// explicit set of points. Either form may exclude individual points.
type Sequence struct {
	spec     string
	kind     Kind
	start    Point
	step     Interval
	count    int64
	end      Point
	explicit []Point
	exclude  map[string]struct{}

	// last is the highest valid index when bounded is true.
	bounded bool
	last    int64
}

// ParseSequence parses a recurrence expression. Accepted forms:
//
//	R1                 the initial point only
//	R1/<point>         a single point
//	<interval>         every interval from the initial point
//	R/<point>/<interval>, <point>/<interval>
//	Rn/<point>/<interval>
//	Rn/<interval>/<point>   n points ending at point
//	Thh, Thhmm         daily at a time of day (gregorian)
//	[p1, p2, ...]      an explicit set
//	<seq>!<point>, <seq>!(p1, p2)   exclusions
//
// Points may be written "^" (initial), "$" (final), "^+P1D", "+PT6H" or as
// literal points.
func ParseSequence(spec string, ctx Context) (*Sequence, error) {
	if ctx.Initial.IsZero() {
		return nil, fmt.Errorf("sequence %q: no initial cycle point", spec)
	}
	base, excl, hasExcl := strings.Cut(strings.TrimSpace(spec), "!")
	seq, err := parseRecurrence(strings.TrimSpace(base), ctx)
	if err != nil {
		return nil, fmt.Errorf("sequence %q: %w", spec, err)
	}
	seq.spec = strings.TrimSpace(spec)
	seq.kind = ctx.Kind

	if hasExcl {
		excl = strings.TrimSpace(excl)
		excl = strings.TrimSuffix(strings.TrimPrefix(excl, "("), ")")
		seq.exclude = make(map[string]struct{})
		for _, item := range strings.Split(excl, ",") {
			p, err := parsePointExpr(strings.TrimSpace(item), ctx)
			if err != nil {
				return nil, fmt.Errorf("sequence %q: exclusion: %w", spec, err)
			}
			seq.exclude[p.String()] = struct{}{}
		}
	}

	if !ctx.Final.IsZero() && (seq.end.IsZero() || ctx.Final.Before(seq.end)) {
		seq.end = ctx.Final
	}
	seq.finalize()
	return seq, nil
}

// MustParseSequence is like ParseSequence but panics on error.
func MustParseSequence(spec string, ctx Context) *Sequence {
	s, err := ParseSequence(spec, ctx)
	if err != nil {
		panic(err)
	}
	return s
}

// NewExplicitSequence returns a sequence over exactly the given points.
func NewExplicitSequence(points ...Point) (*Sequence, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("explicit sequence needs at least one point")
	}
	kind := points[0].Kind()
	parts := make([]string, len(points))
	for i, p := range points {
		if p.Kind() != kind {
			return nil, mismatch("explicit sequence", kind, p.Kind())
		}
		parts[i] = p.String()
	}
	seq := &Sequence{
		spec:     "[" + strings.Join(parts, ", ") + "]",
		kind:     kind,
		explicit: append([]Point(nil), points...),
	}
	seq.finalize()
	return seq, nil
}

func parseRecurrence(s string, ctx Context) (*Sequence, error) {
	if s == "" {
		return nil, fmt.Errorf("empty recurrence")
	}

	if strings.HasPrefix(s, "[") {
		body := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		seq := &Sequence{}
		for _, item := range strings.Split(body, ",") {
			p, err := parsePointExpr(strings.TrimSpace(item), ctx)
			if err != nil {
				return nil, err
			}
			seq.explicit = append(seq.explicit, p)
		}
		return seq, nil
	}

	parts := strings.Split(s, "/")
	count := int64(0)
	if strings.HasPrefix(parts[0], "R") {
		if n := parts[0][1:]; n != "" {
			v, err := strconv.ParseInt(n, 10, 64)
			if err != nil || v < 1 {
				return nil, fmt.Errorf("invalid repetition count %q", parts[0])
			}
			count = v
		}
		parts = parts[1:]
	} else if len(parts) == 1 && !isIntervalExpr(parts[0]) && !isTimeOfDay(parts[0]) {
		// A bare point means a single occurrence.
		count = 1
	}

	seq := &Sequence{count: count}
	switch len(parts) {
	case 0:
		if count != 1 {
			return nil, fmt.Errorf("R%d needs a start point and interval", count)
		}
		seq.start = ctx.Initial
	case 1:
		x := parts[0]
		switch {
		case isIntervalExpr(x):
			step, err := ParseInterval(ctx.Kind, strings.TrimPrefix(x, "+"))
			if err != nil {
				return nil, err
			}
			seq.start, seq.step = ctx.Initial, step
		case isTimeOfDay(x) && count == 0:
			start, err := timeOfDay(x, ctx)
			if err != nil {
				return nil, err
			}
			seq.start, seq.step = start, CalendarInterval(0, 0, 1, 0)
		default:
			start, err := parsePointExpr(x, ctx)
			if err != nil {
				return nil, err
			}
			seq.start = start
		}
	case 2:
		a, b := parts[0], parts[1]
		if isIntervalExpr(a) && !strings.HasPrefix(a, "+") && !strings.HasPrefix(a, "-") {
			// Rn/<interval>/<end>: count back from the end point.
			if count == 0 {
				return nil, fmt.Errorf("a recurrence ending at a point needs a repetition count")
			}
			step, err := ParseInterval(ctx.Kind, a)
			if err != nil {
				return nil, err
			}
			end, err := parsePointExpr(b, ctx)
			if err != nil {
				return nil, err
			}
			start, err := end.Sub(step.Mul(count - 1))
			if err != nil {
				return nil, err
			}
			seq.start, seq.step, seq.end = start, step, end
		} else {
			start, err := parsePointExpr(a, ctx)
			if err != nil {
				return nil, err
			}
			step, err := ParseInterval(ctx.Kind, b)
			if err != nil {
				return nil, err
			}
			seq.start, seq.step = start, step
		}
	default:
		return nil, fmt.Errorf("too many components in %q", s)
	}

	if seq.step.IsNegative() {
		return nil, fmt.Errorf("negative recurrence interval %s", seq.step)
	}
	if seq.step.IsZero() && seq.count != 1 {
		if seq.count == 0 && len(parts) <= 1 {
			seq.count = 1
		} else {
			return nil, fmt.Errorf("zero recurrence interval with %d repetitions", seq.count)
		}
	}
	return seq, nil
}

// parsePointExpr resolves "^", "$", offsets from them, "+<interval>",
// time-of-day truncations and literal points.
func parsePointExpr(x string, ctx Context) (Point, error) {
	switch {
	case x == "":
		return Point{}, fmt.Errorf("empty point")
	case strings.HasPrefix(x, "^"):
		return offsetFrom(ctx.Initial, x[1:], ctx)
	case strings.HasPrefix(x, "$"):
		if ctx.Final.IsZero() {
			return Point{}, fmt.Errorf("%q refers to the final cycle point, which is not set", x)
		}
		return offsetFrom(ctx.Final, x[1:], ctx)
	case strings.HasPrefix(x, "+P"), strings.HasPrefix(x, "-P"):
		return offsetFrom(ctx.Initial, x, ctx)
	case isTimeOfDay(x):
		return timeOfDay(x, ctx)
	}
	return ParsePoint(ctx.Kind, x)
}

func offsetFrom(base Point, rest string, ctx Context) (Point, error) {
	if rest == "" {
		return base, nil
	}
	iv, err := ParseInterval(ctx.Kind, strings.TrimPrefix(rest, "+"))
	if err != nil {
		return Point{}, err
	}
	return base.Add(iv)
}

func isIntervalExpr(x string) bool {
	return strings.HasPrefix(strings.TrimLeft(x, "+-"), "P")
}

func isTimeOfDay(x string) bool {
	if !strings.HasPrefix(x, "T") || (len(x) != 3 && len(x) != 5) {
		return false
	}
	for _, c := range x[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// timeOfDay returns the first point at or after the initial point whose
// time of day matches Thh or Thhmm.
func timeOfDay(x string, ctx Context) (Point, error) {
	if ctx.Kind != Gregorian {
		return Point{}, fmt.Errorf("time of day %q needs gregorian cycling", x)
	}
	hh, _ := strconv.Atoi(x[1:3])
	mm := 0
	if len(x) == 5 {
		mm, _ = strconv.Atoi(x[3:5])
	}
	if hh > 23 || mm > 59 {
		return Point{}, fmt.Errorf("invalid time of day %q", x)
	}
	t0 := ctx.Initial.Time()
	t := time.Date(t0.Year(), t0.Month(), t0.Day(), hh, mm, 0, 0, time.UTC)
	if t.Before(t0) {
		t = t.AddDate(0, 0, 1)
	}
	return TimePoint(t), nil
}

func (s *Sequence) finalize() {
	if s.explicit != nil {
		sort.Slice(s.explicit, func(i, j int) bool { return s.explicit[i].Before(s.explicit[j]) })
		uniq := s.explicit[:0]
		for _, p := range s.explicit {
			if len(uniq) > 0 && uniq[len(uniq)-1].Equal(p) {
				continue
			}
			if !s.end.IsZero() && p.After(s.end) {
				continue
			}
			uniq = append(uniq, p)
		}
		s.explicit = uniq
		return
	}
	s.bounded = false
	if s.step.IsZero() {
		s.bounded, s.last = true, 0
	}
	if s.count > 0 {
		s.bounded, s.last = true, s.count-1
	}
	if !s.end.IsZero() {
		k := s.indexOnOrBefore(s.end)
		if !s.bounded || k < s.last {
			s.bounded, s.last = true, k
		}
	}
}

// String returns the recurrence expression the sequence was parsed from.
func (s *Sequence) String() string { return s.spec }

// Kind returns the coordinate space of the sequence.
func (s *Sequence) Kind() Kind { return s.kind }

// Start returns the first point of the sequence, or false if it is empty.
func (s *Sequence) Start() (Point, bool) {
	if s.explicit != nil {
		for _, p := range s.explicit {
			if !s.excluded(p) {
				return p, true
			}
		}
		return Point{}, false
	}
	if s.IsValid(s.start) {
		return s.start, true
	}
	return s.NextPoint(s.start)
}

// End returns the bound of the sequence, if any.
func (s *Sequence) End() (Point, bool) {
	if s.explicit != nil {
		if len(s.explicit) == 0 {
			return Point{}, false
		}
		return s.explicit[len(s.explicit)-1], true
	}
	if !s.bounded || s.last < 0 {
		return Point{}, false
	}
	return s.pointAt(s.last), true
}

func (s *Sequence) pointAt(k int64) Point {
	if k == 0 {
		return s.start
	}
	p, _ := s.start.Add(s.step.Mul(k))
	return p
}

func (s *Sequence) excluded(p Point) bool {
	if s.exclude == nil {
		return false
	}
	_, ok := s.exclude[p.String()]
	return ok
}

// indexOnOrBefore returns the largest k >= 0 with pointAt(k) <= p, or -1
// when p precedes the start. Sequence bounds are not applied.
func (s *Sequence) indexOnOrBefore(p Point) int64 {
	if p.Before(s.start) {
		return -1
	}
	if s.step.IsZero() {
		return 0
	}
	k := int64(math.Floor(nominalSeconds(p, s.start) / s.step.nominal()))
	if k < 0 {
		k = 0
	}
	// The nominal estimate is within a step or two of the true index for
	// calendar steps; these loops only correct that drift.
	for k > 0 && s.pointAt(k).After(p) {
		k--
	}
	for !s.pointAt(k + 1).After(p) {
		k++
	}
	return k
}

// IsValid reports whether p is a point of the sequence.
func (s *Sequence) IsValid(p Point) bool {
	if p.Kind() != s.kind || s.excluded(p) {
		return false
	}
	if s.explicit != nil {
		i := sort.Search(len(s.explicit), func(i int) bool { return !s.explicit[i].Before(p) })
		return i < len(s.explicit) && s.explicit[i].Equal(p)
	}
	k := s.indexOnOrBefore(p)
	if k < 0 || (s.bounded && k > s.last) {
		return false
	}
	return s.pointAt(k).Equal(p)
}

// NextPoint returns the first sequence point strictly after p.
func (s *Sequence) NextPoint(p Point) (Point, bool) {
	if p.Kind() != s.kind {
		return Point{}, false
	}
	if s.explicit != nil {
		i := sort.Search(len(s.explicit), func(i int) bool { return s.explicit[i].After(p) })
		for ; i < len(s.explicit); i++ {
			if !s.excluded(s.explicit[i]) {
				return s.explicit[i], true
			}
		}
		return Point{}, false
	}
	k := s.indexOnOrBefore(p) + 1
	for i := 0; i <= len(s.exclude); i++ {
		if s.bounded && k > s.last {
			return Point{}, false
		}
		q := s.pointAt(k)
		if !s.excluded(q) {
			return q, true
		}
		k++
	}
	return Point{}, false
}

// PrevPoint returns the last sequence point strictly before p.
func (s *Sequence) PrevPoint(p Point) (Point, bool) {
	if p.Kind() != s.kind {
		return Point{}, false
	}
	if s.explicit != nil {
		i := sort.Search(len(s.explicit), func(i int) bool { return !s.explicit[i].Before(p) }) - 1
		for ; i >= 0; i-- {
			if !s.excluded(s.explicit[i]) {
				return s.explicit[i], true
			}
		}
		return Point{}, false
	}
	k := s.indexOnOrBefore(p)
	if k >= 0 && s.pointAt(k).Equal(p) {
		k--
	}
	if s.bounded && k > s.last {
		k = s.last
	}
	for i := 0; i <= len(s.exclude); i++ {
		if k < 0 {
			return Point{}, false
		}
		q := s.pointAt(k)
		if !s.excluded(q) {
			return q, true
		}
		k--
	}
	return Point{}, false
}

// FirstPoint returns the first sequence point at or after p.
func (s *Sequence) FirstPoint(p Point) (Point, bool) {
	if s.IsValid(p) {
		return p, true
	}
	return s.NextPoint(p)
}
