package views

import (
	"strings"
	"unicode"
)

// dropped lists codepoints tcell renders with the wrong cell width: skin
// tone modifiers, the zero width joiner and variation selectors. Removing
// them turns a composed emoji into its base glyph.
var dropped = []struct{ lo, hi rune }{
	{0x1F3FB, 0x1F3FF},
	{0x200D, 0x200D},
	{0xFE00, 0xFE0F},
	{0xE0100, 0xE01EF},
}

// sanitizeForTerminal strips codepoints that break row layout, and turns
// line breaks and other control characters into spaces so every message
// stays on one row.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		for _, d := range dropped {
			if r >= d.lo && r <= d.hi {
				return -1
			}
		}
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}
