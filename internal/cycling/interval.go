package cycling

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Interval is a signed offset between points. Gregorian intervals keep
// years, months and days separate from the time part so that adding them
// follows the calendar rather than a fixed number of seconds.
type Interval struct {
	kind   Kind
	n      int64
	years  int
	months int
	days   int
	dur    time.Duration
}

// IntInterval returns an integer interval of n.
func IntInterval(n int64) Interval {
	return Interval{kind: Integer, n: n}
}

// CalendarInterval returns a gregorian interval.
func CalendarInterval(years, months, days int, dur time.Duration) Interval {
	return Interval{kind: Gregorian, years: years, months: months, days: days, dur: dur}
}

var (
	isoDuration = regexp.MustCompile(`^([+-])?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
	intDuration = regexp.MustCompile(`^([+-])?P(\d+)$`)
)

// ParseInterval parses an ISO 8601 duration for the given kind. Integer
// intervals are written Pn (e.g. P1, -P2).
func ParseInterval(kind Kind, s string) (Interval, error) {
	s = strings.TrimSpace(s)
	switch kind {
	case Integer:
		m := intDuration.FindStringSubmatch(s)
		if m == nil {
			return Interval{}, fmt.Errorf("invalid integer interval %q", s)
		}
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return Interval{}, fmt.Errorf("invalid integer interval %q: %w", s, err)
		}
		if m[1] == "-" {
			n = -n
		}
		return IntInterval(n), nil
	case Gregorian:
		m := isoDuration.FindStringSubmatch(s)
		if m == nil || s == "P" || s == "-P" || s == "+P" || strings.HasSuffix(s, "T") {
			return Interval{}, fmt.Errorf("invalid ISO 8601 duration %q", s)
		}
		atoi := func(v string) int {
			if v == "" {
				return 0
			}
			n, _ := strconv.Atoi(v)
			return n
		}
		iv := Interval{
			kind:   Gregorian,
			years:  atoi(m[2]),
			months: atoi(m[3]),
			days:   atoi(m[4])*7 + atoi(m[5]),
			dur:    time.Duration(atoi(m[6]))*time.Hour + time.Duration(atoi(m[7]))*time.Minute,
		}
		if m[8] != "" {
			secs, err := strconv.ParseFloat(m[8], 64)
			if err != nil {
				return Interval{}, fmt.Errorf("invalid seconds in %q: %w", s, err)
			}
			iv.dur += time.Duration(secs * float64(time.Second))
		}
		if m[1] == "-" {
			iv = iv.Neg()
		}
		return iv, nil
	}
	return Interval{}, fmt.Errorf("unknown cycling kind %q", kind)
}

// MustParseInterval is like ParseInterval but panics on error.
func MustParseInterval(kind Kind, s string) Interval {
	iv, err := ParseInterval(kind, s)
	if err != nil {
		panic(err)
	}
	return iv
}

// ParseDuration parses an ISO 8601 duration with no calendar component
// (weeks and days count as fixed 24h days) into a time.Duration. It is used
// for wall-clock settings such as timeouts and retry delays.
func ParseDuration(s string) (time.Duration, error) {
	iv, err := ParseInterval(Gregorian, s)
	if err != nil {
		return 0, err
	}
	if iv.years != 0 || iv.months != 0 {
		return 0, fmt.Errorf("duration %q: years and months have no fixed length", s)
	}
	return time.Duration(iv.days)*24*time.Hour + iv.dur, nil
}

// Kind returns the coordinate space of iv.
func (iv Interval) Kind() Kind { return iv.kind }

// IsZero reports whether iv has no extent.
func (iv Interval) IsZero() bool {
	return iv.n == 0 && iv.years == 0 && iv.months == 0 && iv.days == 0 && iv.dur == 0
}

// Neg returns -iv.
func (iv Interval) Neg() Interval {
	return iv.Mul(-1)
}

// Mul returns iv scaled by k.
func (iv Interval) Mul(k int64) Interval {
	return Interval{
		kind:   iv.kind,
		n:      iv.n * k,
		years:  iv.years * int(k),
		months: iv.months * int(k),
		days:   iv.days * int(k),
		dur:    iv.dur * time.Duration(k),
	}
}

// Plus returns iv + o.
func (iv Interval) Plus(o Interval) (Interval, error) {
	if iv.kind != o.kind {
		return Interval{}, mismatch("add interval", iv.kind, o.kind)
	}
	return Interval{
		kind:   iv.kind,
		n:      iv.n + o.n,
		years:  iv.years + o.years,
		months: iv.months + o.months,
		days:   iv.days + o.days,
		dur:    iv.dur + o.dur,
	}, nil
}

// IsNegative reports whether iv points backwards.
func (iv Interval) IsNegative() bool {
	return iv.nominal() < 0
}

// nominal returns the approximate length in seconds (or integer units).
func (iv Interval) nominal() float64 {
	if iv.kind == Integer {
		return float64(iv.n)
	}
	const day = 86400.0
	return float64(iv.years)*365.2425*day +
		float64(iv.months)*30.436875*day +
		float64(iv.days)*day +
		iv.dur.Seconds()
}

// String formats iv as an ISO 8601 duration.
func (iv Interval) String() string {
	if iv.kind == Integer {
		if iv.n < 0 {
			return fmt.Sprintf("-P%d", -iv.n)
		}
		return fmt.Sprintf("P%d", iv.n)
	}
	if iv.IsZero() {
		return "P0Y"
	}
	a := iv
	sign := ""
	if iv.IsNegative() {
		a = iv.Neg()
		sign = "-"
	}
	var b strings.Builder
	b.WriteString(sign + "P")
	if a.years != 0 {
		fmt.Fprintf(&b, "%dY", a.years)
	}
	if a.months != 0 {
		fmt.Fprintf(&b, "%dM", a.months)
	}
	if a.days != 0 {
		fmt.Fprintf(&b, "%dD", a.days)
	}
	if a.dur != 0 {
		b.WriteString("T")
		d := a.dur
		if h := d / time.Hour; h != 0 {
			fmt.Fprintf(&b, "%dH", h)
			d -= h * time.Hour
		}
		if m := d / time.Minute; m != 0 {
			fmt.Fprintf(&b, "%dM", m)
			d -= m * time.Minute
		}
		if d != 0 {
			b.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "S")
		}
	}
	return b.String()
}

// addCalendar adds a gregorian interval to t. Years and months move the
// calendar month and clamp the day to the target month's length (Jan 31 +
// P1M = Feb 28/29); days then move whole calendar days; the time part is
// added last.
func addCalendar(t time.Time, iv Interval) time.Time {
	if iv.years != 0 || iv.months != 0 {
		y, m, d := t.Date()
		total := int(m) - 1 + iv.months + 12*iv.years
		ny := y + floorDiv(total, 12)
		nm := time.Month(floorMod(total, 12) + 1)
		if last := daysIn(nm, ny); d > last {
			d = last
		}
		t = time.Date(ny, nm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	if iv.days != 0 {
		t = t.AddDate(0, 0, iv.days)
	}
	return t.Add(iv.dur)
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
