package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRange(t *testing.T, s string) Range {
	t.Helper()
	r, err := ParseRange(s)
	require.NoError(t, err)
	return r
}

func TestParseRangeExact(t *testing.T) {
	r := mustRange(t, "1.2.3")
	assert.True(t, r.Contains(MustParse("1.2.3")))
	assert.False(t, r.Contains(MustParse("1.2.4")))
	assert.Equal(t, "1.2.3", r.String())
}

func TestParseRangeExclusion(t *testing.T) {
	r := mustRange(t, "!1.2.3")
	assert.False(t, r.Contains(MustParse("1.2.3")))
	assert.True(t, r.Contains(MustParse("1.2.4")))
	assert.True(t, r.Contains(MustParse("1.2.2")))
	assert.Equal(t, "!1.2.3", r.String())
}

func TestParseRangeIntervalBothBounds(t *testing.T) {
	r := mustRange(t, "1.0..!2.0")
	assert.True(t, r.Contains(MustParse("1.0")))
	assert.True(t, r.Contains(MustParse("1.5")))
	assert.False(t, r.Contains(MustParse("2.0")))
	assert.False(t, r.Contains(MustParse("0.9")))
	assert.Equal(t, "1.0..!2.0", r.String())
}

func TestParseRangeOpenLowerBound(t *testing.T) {
	r := mustRange(t, "..!2.0")
	assert.True(t, r.Contains(MustParse("0.0")))
	assert.True(t, r.Contains(MustParse("1.9")))
	assert.False(t, r.Contains(MustParse("2.0")))
}

func TestParseRangeOpenUpperBound(t *testing.T) {
	r := mustRange(t, "1.0..")
	assert.True(t, r.Contains(MustParse("1.0")))
	assert.True(t, r.Contains(MustParse("99.0")))
	assert.False(t, r.Contains(MustParse("0.9")))
}

func TestParseRangeDisjunction(t *testing.T) {
	r := mustRange(t, "1.0|2.0|3.0..!4.0")
	assert.True(t, r.Contains(MustParse("1.0")))
	assert.True(t, r.Contains(MustParse("2.0")))
	assert.True(t, r.Contains(MustParse("3.5")))
	assert.False(t, r.Contains(MustParse("1.5")))
	assert.False(t, r.Contains(MustParse("4.0")))
}

func TestParseRangeInvalid(t *testing.T) {
	cases := []string{"", "1.0..2.0", "!"}
	for _, c := range cases {
		_, err := ParseRange(c)
		assert.Errorf(t, err, "expected %q to be rejected", c)
	}
}

// ".." with no bound on either side is a degenerate but legal range that
// matches every version.
func TestParseRangeUnboundedBothSides(t *testing.T) {
	r := mustRange(t, "..")
	assert.True(t, r.Contains(MustParse("0")))
	assert.True(t, r.Contains(MustParse("999.0")))
}

func TestIntersectExactWithExact(t *testing.T) {
	a := mustRange(t, "1.0")
	b := mustRange(t, "1.0")
	r := Intersect(a, b)
	assert.True(t, r.Contains(MustParse("1.0")))

	c := mustRange(t, "2.0")
	empty := Intersect(a, c)
	assert.False(t, empty.Contains(MustParse("1.0")))
	assert.False(t, empty.Contains(MustParse("2.0")))
}

func TestIntersectIntervalsOverlap(t *testing.T) {
	a := mustRange(t, "1.0..!3.0")
	b := mustRange(t, "2.0..!4.0")
	r := Intersect(a, b)

	assert.False(t, r.Contains(MustParse("1.5")))
	assert.True(t, r.Contains(MustParse("2.5")))
	assert.False(t, r.Contains(MustParse("3.5")))
}

func TestIntersectWithExclusion(t *testing.T) {
	a := mustRange(t, "1.0..!3.0")
	b := mustRange(t, "!2.0")
	r := Intersect(a, b)

	assert.True(t, r.Contains(MustParse("1.0")))
	assert.False(t, r.Contains(MustParse("2.0")))
	assert.True(t, r.Contains(MustParse("2.5")))
}

func TestIntersectDisjoint(t *testing.T) {
	a := mustRange(t, "1.0..!2.0")
	b := mustRange(t, "3.0..!4.0")
	r := Intersect(a, b)

	for _, s := range []string{"1.0", "1.5", "3.0", "3.5"} {
		assert.Falsef(t, r.Contains(MustParse(s)), "expected %q excluded", s)
	}
}

// TestIntersectIdempotent covers spec property: r ∩ r == r, checked by
// behavioral equivalence (Contains agreement over a sample) rather than
// structural equality, since Intersect may retain redundant subset parts
// that don't change what the range matches.
func TestIntersectIdempotent(t *testing.T) {
	samples := []string{"0", "0.5", "1.0", "1.5", "2.0", "2.5", "3.0", "10.0"}
	ranges := []string{"1.0..!3.0", "1.0", "!2.0", "1.0|2.0..!3.0"}

	for _, rs := range ranges {
		r := mustRange(t, rs)
		squared := Intersect(r, r)
		for _, s := range samples {
			v := MustParse(s)
			assert.Equalf(t, r.Contains(v), squared.Contains(v),
				"range %q: idempotence mismatch at %q", rs, s)
		}
	}
}

// TestIntersectCommutative covers spec property: a ∩ b == b ∩ a.
func TestIntersectCommutative(t *testing.T) {
	samples := []string{"0", "0.5", "1.0", "1.5", "2.0", "2.5", "3.0", "10.0"}
	pairs := [][2]string{
		{"1.0..!3.0", "2.0..!4.0"},
		{"1.0", "1.0..!2.0"},
		{"!2.0", "1.0..!3.0"},
		{"1.0|2.0", "2.0|3.0"},
	}

	for _, p := range pairs {
		a := mustRange(t, p[0])
		b := mustRange(t, p[1])
		ab := Intersect(a, b)
		ba := Intersect(b, a)
		for _, s := range samples {
			v := MustParse(s)
			assert.Equalf(t, ab.Contains(v), ba.Contains(v),
				"ranges %q/%q: commutativity mismatch at %q", p[0], p[1], s)
		}
	}
}

func TestIntersectImpossibleAbsorbs(t *testing.T) {
	a := mustRange(t, "1.0")
	impossible := mustRange(t, "2.0")
	r := Intersect(a, impossible)

	// An impossible range intersected with anything stays impossible.
	further := Intersect(r, mustRange(t, "1.0|2.0|3.0"))
	for _, s := range []string{"1.0", "2.0", "3.0"} {
		assert.False(t, further.Contains(MustParse(s)))
	}
}
