package cycling

import (
	"testing"
)

func gregCtx(initial, final string) Context {
	ctx := Context{Kind: Gregorian, Initial: MustParsePoint(Gregorian, initial)}
	if final != "" {
		ctx.Final = MustParsePoint(Gregorian, final)
	}
	return ctx
}

func intCtx(initial, final int64) Context {
	ctx := Context{Kind: Integer, Initial: IntPoint(initial)}
	if final != 0 {
		ctx.Final = IntPoint(final)
	}
	return ctx
}

// walk returns up to n points of seq starting from its first point.
func walk(t *testing.T, seq *Sequence, n int) []string {
	t.Helper()
	var out []string
	p, ok := seq.Start()
	for ok && len(out) < n {
		out = append(out, p.String())
		p, ok = seq.NextPoint(p)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseSequence(t *testing.T) {
	tests := []struct {
		name string
		spec string
		ctx  Context
		n    int
		want []string
	}{
		{"R1 is initial point", "R1", gregCtx("2020", ""), 5, []string{"20200101T0000Z"}},
		{"R1 at offset", "R1/^+P1D", gregCtx("2020", ""), 5, []string{"20200102T0000Z"}},
		{"bare interval", "P1D", gregCtx("2020", "20200103"), 10, []string{"20200101T0000Z", "20200102T0000Z", "20200103T0000Z"}},
		{"T00 daily", "T00", gregCtx("20200101T06", "20200103"), 10, []string{"20200102T0000Z", "20200103T0000Z"}},
		{"T0630 daily", "T0630", gregCtx("2020", ""), 2, []string{"20200101T0630Z", "20200102T0630Z"}},
		{"offset start", "+PT6H/PT12H", gregCtx("2020", ""), 3, []string{"20200101T0600Z", "20200101T1800Z", "20200102T0600Z"}},
		{"repeat count", "R3/2020/P1M", gregCtx("2019", ""), 10, []string{"20200101T0000Z", "20200201T0000Z", "20200301T0000Z"}},
		{"count back from end", "R3/P1D/20200110", gregCtx("2020", ""), 10, []string{"20200108T0000Z", "20200109T0000Z", "20200110T0000Z"}},
		{"unbounded R", "R/20200131/P1M", gregCtx("2020", ""), 4, []string{"20200131T0000Z", "20200229T0000Z", "20200331T0000Z", "20200430T0000Z"}},
		{"final caps", "PT12H", gregCtx("2020", "20200101T12"), 10, []string{"20200101T0000Z", "20200101T1200Z"}},
		{"exclusion", "P1D!20200102", gregCtx("2020", "20200104"), 10, []string{"20200101T0000Z", "20200103T0000Z", "20200104T0000Z"}},
		{"exclusion list", "P1D!(^, 20200103)", gregCtx("2020", "20200104"), 10, []string{"20200102T0000Z", "20200104T0000Z"}},
		{"explicit", "[20200105, 20200101, 20200103]", gregCtx("2020", ""), 10, []string{"20200101T0000Z", "20200103T0000Z", "20200105T0000Z"}},
		{"integer P1", "P1", intCtx(1, 3), 10, []string{"1", "2", "3"}},
		{"integer P2 offset", "+P1/P2", intCtx(1, 8), 10, []string{"2", "4", "6", "8"}},
		{"integer R1 final", "R1/$", intCtx(1, 5), 10, []string{"5"}},
		{"integer end offset", "R1/$-P1", intCtx(1, 5), 10, []string{"4"}},
		{"bare point", "3", intCtx(1, 0), 10, []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := ParseSequence(tt.spec, tt.ctx)
			if err != nil {
				t.Fatalf("ParseSequence(%q): %v", tt.spec, err)
			}
			if got := walk(t, seq, tt.n); !equalStrings(got, tt.want) {
				t.Errorf("points = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSequenceErrors(t *testing.T) {
	ctx := gregCtx("2020", "")
	for _, spec := range []string{
		"",
		"R0/P1D",
		"R3/2020",
		"R/P1D/2021",
		"2020/-P1D",
		"R1/$",
		"T25",
		"2020/P1D/P1D/P1D",
	} {
		if _, err := ParseSequence(spec, ctx); err == nil {
			t.Errorf("ParseSequence(%q) should fail", spec)
		}
	}
	if _, err := ParseSequence("T00", intCtx(1, 0)); err == nil {
		t.Error("time of day should fail for integer cycling")
	}
	if _, err := ParseSequence("P1D", Context{Kind: Gregorian}); err == nil {
		t.Error("missing initial point should fail")
	}
}

func TestSequenceIsValid(t *testing.T) {
	seq := MustParseSequence("R/20200131/P1M!20200331", gregCtx("2020", "2021"))
	tests := []struct {
		point string
		want  bool
	}{
		{"20200131", true},
		{"20200229", true},
		{"20200331", false},
		{"20200430", true},
		{"20200201", false},
		{"20191231", false},
		{"20201231", true},
		{"20210131", false},
	}
	for _, tt := range tests {
		if got := seq.IsValid(MustParsePoint(Gregorian, tt.point)); got != tt.want {
			t.Errorf("IsValid(%s) = %v, want %v", tt.point, got, tt.want)
		}
	}
	if seq.IsValid(IntPoint(1)) {
		t.Error("integer point must not be valid on a gregorian sequence")
	}
}

func TestSequenceNextPrevRoundTrip(t *testing.T) {
	specs := []struct {
		spec string
		ctx  Context
	}{
		{"P1D", gregCtx("2020", "")},
		{"PT6H", gregCtx("20200101T03", "")},
		{"R/20200131/P1M", gregCtx("2020", "")},
		{"R/20200229/P1Y", gregCtx("2020", "")},
		{"P1D!(20200105, 20200106)", gregCtx("2020", "")},
		{"P3", intCtx(1, 0)},
		{"[1, 4, 9, 16]", intCtx(1, 0)},
	}
	for _, s := range specs {
		t.Run(s.spec, func(t *testing.T) {
			seq := MustParseSequence(s.spec, s.ctx)
			p, ok := seq.Start()
			if !ok {
				t.Fatal("empty sequence")
			}
			for i := 0; i < 60; i++ {
				next, ok := seq.NextPoint(p)
				if !ok {
					return
				}
				if !next.After(p) {
					t.Fatalf("NextPoint(%s) = %s, not after", p, next)
				}
				if !seq.IsValid(next) {
					t.Fatalf("NextPoint(%s) = %s, not valid", p, next)
				}
				prev, ok := seq.PrevPoint(next)
				if !ok || !prev.Equal(p) {
					t.Fatalf("PrevPoint(NextPoint(%s)) = %s (%v)", p, prev, ok)
				}
				p = next
			}
		})
	}
}

func TestSequenceFirstPoint(t *testing.T) {
	seq := MustParseSequence("PT6H", gregCtx("2020", ""))
	got, ok := seq.FirstPoint(MustParsePoint(Gregorian, "20200101T07"))
	if !ok || got.String() != "20200101T1200Z" {
		t.Errorf("FirstPoint = %s, %v", got, ok)
	}
	got, ok = seq.FirstPoint(MustParsePoint(Gregorian, "20200101T12"))
	if !ok || got.String() != "20200101T1200Z" {
		t.Errorf("FirstPoint on a valid point = %s, %v", got, ok)
	}
	got, ok = seq.FirstPoint(MustParsePoint(Gregorian, "2019"))
	if !ok || got.String() != "20200101T0000Z" {
		t.Errorf("FirstPoint before start = %s, %v", got, ok)
	}
}

func TestSequenceNoDriftAfterManySteps(t *testing.T) {
	seq := MustParseSequence("R/20200131/P1M", gregCtx("2020", ""))
	p := MustParsePoint(Gregorian, "20200131")
	for i := 0; i < 1200; i++ {
		var ok bool
		p, ok = seq.NextPoint(p)
		if !ok {
			t.Fatal("sequence ended early")
		}
	}
	// 100 years on, January still falls on the 31st.
	if got := p.String(); got != "21200131T0000Z" {
		t.Errorf("after 1200 months = %s, want 21200131T0000Z", got)
	}
}

func TestSequenceEnd(t *testing.T) {
	seq := MustParseSequence("R3/2020/P1D", gregCtx("2020", ""))
	end, ok := seq.End()
	if !ok || end.String() != "20200103T0000Z" {
		t.Errorf("End = %s, %v", end, ok)
	}
	if _, ok := MustParseSequence("P1D", gregCtx("2020", "")).End(); ok {
		t.Error("unbounded sequence should have no end")
	}
	if _, ok := seq.NextPoint(end); ok {
		t.Error("NextPoint past the end should fail")
	}
	if p, ok := seq.PrevPoint(MustParsePoint(Gregorian, "2021")); !ok || !p.Equal(end) {
		t.Errorf("PrevPoint beyond end = %s, %v", p, ok)
	}
}

func TestNewExplicitSequence(t *testing.T) {
	seq, err := NewExplicitSequence(IntPoint(3), IntPoint(1), IntPoint(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := walk(t, seq, 10); !equalStrings(got, []string{"1", "3"}) {
		t.Errorf("points = %v", got)
	}
	if _, err := NewExplicitSequence(IntPoint(1), MustParsePoint(Gregorian, "2020")); err == nil {
		t.Error("mixed kinds should fail")
	}
}
