// Package version implements the version algebra described by the
// specification: an ordered sequence of parts, where the first part is a
// dotted list of non-negative integers and every subsequent part is an
// optional modifier (pre < rc < none < post) followed by an optional
// dotted list.
//
// Grammar: DottedList ("-" Modifier? DottedList?)*
package version

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Modifier orders the non-numeric qualifier of a version part.
// The ordering pre < rc < None < post is encoded directly in the
// numeric values so that comparison is a plain integer compare.
type Modifier int

const (
	ModifierPre  Modifier = iota // "pre"
	ModifierRC                   // "rc"
	ModifierNone                 // no modifier keyword present
	ModifierPost                 // "post"
)

func (m Modifier) String() string {
	switch m {
	case ModifierPre:
		return "pre"
	case ModifierRC:
		return "rc"
	case ModifierPost:
		return "post"
	default:
		return ""
	}
}

// part is one of the "-" Modifier? DottedList? segments following the
// mandatory leading release segment.
type part struct {
	modifier  Modifier
	dotted    []int
	hasDotted bool
}

// Version holds a parsed version string.
//
// The zero value is the "unspecified" version, matching rope's convention
// of using the type's zero value to mean "no version requested" (see
// Unspecified).
type Version struct {
	release []int
	parts   []part

	// opaque holds the verbatim input when it contains a template
	// variable (a substring like "{var}"), per spec §3. Opaque versions
	// are stored and compared as plain strings.
	opaque   string
	isOpaque bool

	raw string
}

// Unspecified reports whether v is the zero value, i.e. no version was
// requested.
func (v Version) Unspecified() bool {
	return len(v.release) == 0 && len(v.parts) == 0 && !v.isOpaque
}

// hasTemplateVariable reports whether s contains a "{...}" substring.
func hasTemplateVariable(s string) bool {
	open := strings.IndexByte(s, '{')
	if open < 0 {
		return false
	}
	return strings.IndexByte(s[open:], '}') > 0
}

// Parse parses a version string. If the grammar is violated and the
// string does not contain a template variable, ok is false.
func Parse(input string) (v Version, ok bool) {
	if input == "" {
		return Version{}, false
	}
	if hasTemplateVariable(input) {
		return Version{opaque: input, isOpaque: true, raw: input}, true
	}

	p := &parser{s: input}
	release, ok := parseDottedList(p)
	if !ok || len(release) == 0 {
		return Version{}, false
	}

	var parts []part
	for p.peekRune() == '-' {
		p.next() // consume '-'

		pt := part{modifier: p.consumeModifier()}

		if isDigit(p.peekRune()) {
			dotted, ok := parseDottedList(p)
			if !ok {
				return Version{}, false
			}
			pt.dotted = dotted
			pt.hasDotted = true
		}

		parts = append(parts, pt)
	}

	if p.peekRune() != eof {
		return Version{}, false
	}

	return Version{release: release, parts: parts, raw: input}, true
}

// MustParse parses a version and panics if it is malformed.
func MustParse(input string) Version {
	v, ok := Parse(input)
	if !ok {
		panic(fmt.Sprintf("invalid version: %q", input))
	}
	return v
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func parseDottedList(p *parser) ([]int, bool) {
	var list []int
	for {
		digits := p.expectFunc(func(r rune, _ int) bool { return isDigit(r) })
		if digits == "" {
			return nil, false
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return nil, false
		}
		list = append(list, n)

		if p.peekRune() == '.' {
			p.next()
			continue
		}
		return list, true
	}
}

// String renders the canonical form of v.
func (v Version) String() string {
	if v.Unspecified() {
		return "<unspecified>"
	}
	if v.isOpaque {
		return v.opaque
	}

	sb := &strings.Builder{}
	for i, n := range v.release {
		if i > 0 {
			sb.WriteByte('.')
		}
		fmt.Fprintf(sb, "%d", n)
	}

	for _, pt := range v.parts {
		sb.WriteByte('-')
		sb.WriteString(pt.modifier.String())
		if pt.hasDotted {
			for i, n := range pt.dotted {
				if i > 0 {
					sb.WriteByte('.')
				}
				fmt.Fprintf(sb, "%d", n)
			}
		}
	}

	return sb.String()
}

// Equal reports whether v and v2 denote the same version.
func (v Version) Equal(v2 Version) bool {
	return Compare(v, v2) == 0
}

// GreaterThan reports whether v is strictly greater than v2.
func (v Version) GreaterThan(v2 Version) bool {
	return Compare(v, v2) > 0
}

// GT is an alias for GreaterThan, matching the teacher's naming.
func (v Version) GT(v2 Version) bool {
	return v.GreaterThan(v2)
}

func compareDotted(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func comparePart(a, b *part) int {
	// A missing part compares like a bare "-": no modifier, no dotted list.
	absent := part{modifier: ModifierNone}
	if a == nil {
		a = &absent
	}
	if b == nil {
		b = &absent
	}
	if a.modifier != b.modifier {
		if a.modifier < b.modifier {
			return -1
		}
		return 1
	}
	if !a.hasDotted && !b.hasDotted {
		return 0
	}
	if !a.hasDotted {
		return -1
	}
	if !b.hasDotted {
		return 1
	}
	return compareDotted(a.dotted, b.dotted)
}

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b.
//
// Versions carrying an opaque template variable compare by their raw
// string representation; this still yields a total order, it just isn't
// meaningful as a version ordering (spec §3 treats such strings as
// opaque).
func Compare(a, b Version) int {
	if a.isOpaque || b.isOpaque {
		switch {
		case a.raw == b.raw:
			return 0
		case a.raw < b.raw:
			return -1
		default:
			return 1
		}
	}

	if cmp := compareDotted(a.release, b.release); cmp != 0 {
		return cmp
	}

	n := len(a.parts)
	if len(b.parts) > n {
		n = len(b.parts)
	}
	for i := 0; i < n; i++ {
		var pa, pb *part
		if i < len(a.parts) {
			pa = &a.parts[i]
		}
		if i < len(b.parts) {
			pb = &b.parts[i]
		}
		if cmp := comparePart(pa, pb); cmp != 0 {
			return cmp
		}
	}

	return 0
}

func (v *Version) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	parsed, ok := Parse(s)
	if !ok {
		return fmt.Errorf("unmarshaling invalid version: %q", s)
	}
	*v = parsed
	return nil
}

func (v Version) MarshalJSON() ([]byte, error) {
	if v.Unspecified() {
		return []byte("null"), nil
	}
	return json.Marshal(v.String())
}
