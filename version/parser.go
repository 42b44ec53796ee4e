package version

import "unicode/utf8"

var eof rune = -1

// modifierKeywords lists a version part's recognized Modifier prefixes,
// in match order — "pre"/"rc"/"post" all share a leading letter with no
// other part of the grammar, so a simple ordered scan is enough; no
// keyword is a prefix of another.
var modifierKeywords = []struct {
	text     string
	modifier Modifier
}{
	{"pre", ModifierPre},
	{"rc", ModifierRC},
	{"post", ModifierPost},
}

// parser walks a version string one rune at a time. It knows nothing
// about dotted-list digits; parseDottedList in version.go owns that.
type parser struct {
	s   string
	pos int
}

// consumeModifier consumes and returns the Modifier keyword at the
// cursor, or ModifierNone if none of modifierKeywords match.
func (p *parser) consumeModifier() Modifier {
	for _, kw := range modifierKeywords {
		if p.consumeLiteral(kw.text) {
			return kw.modifier
		}
	}
	return ModifierNone
}

// consumeLiteral advances past s if the cursor is positioned exactly at
// s, reporting whether it matched.
func (p *parser) consumeLiteral(s string) bool {
	if len(p.s)-p.pos < len(s) || p.s[p.pos:p.pos+len(s)] != s {
		return false
	}
	p.pos += len(s)
	return true
}

// expectFunc consumes the longest run of runes satisfying f, starting
// at the cursor, and returns it.
func (p *parser) expectFunc(f func(r rune, i int) bool) string {
	start := p.pos
	for i, r := range p.s[p.pos:] {
		if !f(r, i) {
			return p.s[start : start+i]
		}
		p.pos += utf8.RuneLen(r)
	}
	return p.s[start:]
}

// peekRune returns the rune at the cursor without advancing it, or eof
// at end of input.
func (p *parser) peekRune() rune {
	for _, r := range p.s[p.pos:] {
		return r
	}
	return eof
}

// next consumes and returns the rune at the cursor, or eof at end of
// input.
func (p *parser) next() rune {
	for _, r := range p.s[p.pos:] {
		p.pos += utf8.RuneLen(r)
		return r
	}
	return eof
}
