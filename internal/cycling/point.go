// Package cycling implements cycle points, intervals and recurrence
// sequences in either an integer or a gregorian (UTC) coordinate space.
//
// All values are immutable. Operations that mix the two spaces fail with an
// error matching model.ErrDomainMismatch.
package cycling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// Kind identifies the coordinate space of points and intervals.
type Kind string

const (
	Integer   Kind = "integer"
	Gregorian Kind = "gregorian"
)

// ParseKind converts a cycling mode string to a Kind. An empty string selects
// gregorian.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer":
		return Integer, nil
	case "", "gregorian", "calendar":
		return Gregorian, nil
	}
	return "", fmt.Errorf("unknown cycling mode %q", s)
}

// Point is a single coordinate in one of the cycling spaces.
type Point struct {
	kind Kind
	n    int64
	t    time.Time
}

// IntPoint returns the integer point n.
func IntPoint(n int64) Point {
	return Point{kind: Integer, n: n}
}

// TimePoint returns the gregorian point at t, normalized to UTC.
func TimePoint(t time.Time) Point {
	return Point{kind: Gregorian, t: t.UTC()}
}

// basic and extended ISO 8601 layouts accepted for gregorian points.
var timeLayouts = []string{
	"2006",
	"200601",
	"20060102",
	"20060102T15",
	"20060102T15Z07",
	"20060102T1504",
	"20060102T1504Z0700",
	"20060102T1504Z07",
	"20060102T150405",
	"20060102T150405Z0700",
	"2006-01",
	"2006-01-02",
	"2006-01-02T15",
	"2006-01-02T15Z07:00",
	"2006-01-02T15:04",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

// ParsePoint parses s as a point of the given kind.
func ParsePoint(kind Kind, s string) (Point, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Point{}, fmt.Errorf("empty cycle point")
	}
	switch kind {
	case Integer:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Point{}, fmt.Errorf("invalid integer cycle point %q", s)
		}
		return IntPoint(n), nil
	case Gregorian:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return TimePoint(t), nil
			}
		}
		return Point{}, fmt.Errorf("invalid gregorian cycle point %q", s)
	}
	return Point{}, fmt.Errorf("unknown cycling kind %q", kind)
}

// MustParsePoint is like ParsePoint but panics on error. For tests and constants.
func MustParsePoint(kind Kind, s string) Point {
	p, err := ParsePoint(kind, s)
	if err != nil {
		panic(err)
	}
	return p
}

// Kind returns the coordinate space of p.
func (p Point) Kind() Kind { return p.kind }

// IsZero reports whether p is the zero Point (no value).
func (p Point) IsZero() bool { return p.kind == "" }

// Int returns the integer value of an integer point.
func (p Point) Int() int64 { return p.n }

// Time returns the time of a gregorian point.
func (p Point) Time() time.Time { return p.t }

// String formats p canonically: decimal for integer points,
// CCYYMMDDThhmmZ for gregorian points (seconds only when non-zero).
func (p Point) String() string {
	switch p.kind {
	case Integer:
		return strconv.FormatInt(p.n, 10)
	case Gregorian:
		if p.t.Second() != 0 {
			return p.t.Format("20060102T150405Z")
		}
		return p.t.Format("20060102T1504Z")
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (p Point) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Cmp compares p with o. It returns -1, 0 or +1, or a DomainMismatchError
// if the points belong to different spaces.
func (p Point) Cmp(o Point) (int, error) {
	if p.kind != o.kind {
		return 0, mismatch("compare", p.kind, o.kind)
	}
	switch p.kind {
	case Integer:
		switch {
		case p.n < o.n:
			return -1, nil
		case p.n > o.n:
			return 1, nil
		}
		return 0, nil
	default:
		return p.t.Compare(o.t), nil
	}
}

// Before reports whether p < o. Points of different kinds are never ordered.
func (p Point) Before(o Point) bool {
	c, err := p.Cmp(o)
	return err == nil && c < 0
}

// After reports whether p > o.
func (p Point) After(o Point) bool {
	c, err := p.Cmp(o)
	return err == nil && c > 0
}

// Equal reports whether p and o are the same point.
func (p Point) Equal(o Point) bool {
	c, err := p.Cmp(o)
	return err == nil && c == 0
}

// Add returns p + iv. The zero Interval is an identity for either kind.
func (p Point) Add(iv Interval) (Point, error) {
	if iv.kind == "" && iv.IsZero() {
		return p, nil
	}
	if p.kind != iv.kind {
		return Point{}, mismatch("add", p.kind, iv.kind)
	}
	switch p.kind {
	case Integer:
		return IntPoint(p.n + iv.n), nil
	default:
		return TimePoint(addCalendar(p.t, iv)), nil
	}
}

// Sub returns p - iv.
func (p Point) Sub(iv Interval) (Point, error) {
	return p.Add(iv.Neg())
}

// Min returns the earlier of p and o; a zero point loses to any value.
func Min(p, o Point) Point {
	if p.IsZero() {
		return o
	}
	if o.IsZero() || !o.Before(p) {
		return p
	}
	return o
}

// Max returns the later of p and o; a zero point loses to any value.
func Max(p, o Point) Point {
	if p.IsZero() {
		return o
	}
	if o.IsZero() || !o.After(p) {
		return p
	}
	return o
}

// nominalSeconds returns the approximate distance p - q in seconds for
// gregorian points, or units for integer points.
func nominalSeconds(p, q Point) float64 {
	if p.kind == Integer {
		return float64(p.n - q.n)
	}
	return float64(p.t.Unix()-q.t.Unix()) + float64(p.t.Nanosecond()-q.t.Nanosecond())/1e9
}

func mismatch(op string, a, b Kind) error {
	return &model.DomainMismatchError{Op: op, Left: string(a), Right: string(b)}
}
