package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"1.0",
		"1.2.3",
		"1.2.3-pre",
		"1.2.3-pre1",
		"1.2.3-rc2",
		"1.2.3-post1",
		"1.2.3-",
		"1.2.3--pre",
		"1.0-1",
	}
	for _, c := range cases {
		v, ok := Parse(c)
		assert.Truef(t, ok, "expected %q to parse", c)
		assert.False(t, v.Unspecified())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"a.b.c",
		".1.2",
		"1..2",
		"1.2.3-pre.",
	}
	for _, c := range cases {
		_, ok := Parse(c)
		assert.Falsef(t, ok, "expected %q to be rejected", c)
	}
}

func TestOpaqueTemplateVariable(t *testing.T) {
	v, ok := Parse("{version}")
	require.True(t, ok)
	assert.Equal(t, "{version}", v.String())

	v2, ok := Parse("{version}")
	require.True(t, ok)
	assert.True(t, v.Equal(v2))
}

func TestUnspecified(t *testing.T) {
	var v Version
	assert.True(t, v.Unspecified())

	parsed := MustParse("1.0")
	assert.False(t, parsed.Unspecified())
}

func TestCompareTotalOrder(t *testing.T) {
	ordered := []string{
		"0",
		"1",
		"1.0.1",
		"1.1-pre",
		"1.1-pre1",
		"1.1-pre2",
		"1.1-rc1",
		"1.1",
		"1.1-post1",
		"1.2",
	}

	var prev Version
	for i, s := range ordered {
		v := MustParse(s)
		if i > 0 {
			if prev.Equal(v) {
				continue
			}
			assert.Truef(t, Compare(prev, v) < 0, "expected %q < %q", prev, v)
			assert.Truef(t, Compare(v, prev) > 0, "expected %q > %q", v, prev)
		}
		prev = v
	}
}

func TestCompareTransitivity(t *testing.T) {
	a := MustParse("1.0")
	b := MustParse("1.1")
	c := MustParse("1.2")

	require.True(t, Compare(a, b) < 0)
	require.True(t, Compare(b, c) < 0)
	assert.True(t, Compare(a, c) < 0)
}

func TestModifierOrdering(t *testing.T) {
	base := MustParse("1.0")
	pre := MustParse("1.0-pre")
	rc := MustParse("1.0-rc")
	post := MustParse("1.0-post")

	assert.True(t, Compare(pre, rc) < 0)
	assert.True(t, Compare(rc, base) < 0)
	assert.True(t, Compare(base, post) < 0)
}

func TestTrailingDashWithNoDottedListIsLegal(t *testing.T) {
	v, ok := Parse("1.0-")
	require.True(t, ok)
	assert.Equal(t, "1.0-", v.String())
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"1", "1.2.3", "1.2.3-pre1", "1.2.3-rc", "1.0-post2"}
	for _, c := range cases {
		v := MustParse(c)
		assert.Equal(t, c, v.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	v := MustParse("1.2.3-rc1")
	b, err := v.MarshalJSON()
	require.NoError(t, err)

	var v2 Version
	require.NoError(t, v2.UnmarshalJSON(b))
	assert.True(t, v.Equal(v2))
}

func TestJSONUnspecifiedIsNull(t *testing.T) {
	var v Version
	b, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestGT(t *testing.T) {
	a := MustParse("2.0")
	b := MustParse("1.0")
	assert.True(t, a.GT(b))
	assert.False(t, b.GT(a))
}
