package diag

import (
	"fmt"
	"strings"
)

var escaper = newEscaper()

func newEscaper() *strings.Replacer {
	named := []string{
		"\b", `\b`,
		"\n", `\n`,
		"\t", `\t`,
		"\f", `\f`,
		"\r", `\r`,
		`\`, `\\`,
	}
	skip := map[rune]bool{'\b': true, '\n': true, '\t': true, '\f': true, '\r': true}

	pairs := make([]string, 0, 2*(0x20+0x21)+len(named))
	for c := rune(0x00); c <= 0x1f; c++ {
		if skip[c] {
			continue
		}
		pairs = append(pairs, string(c), unicodeEscape(c))
	}
	for c := rune(0x7f); c <= 0x9f; c++ {
		pairs = append(pairs, string(c), unicodeEscape(c))
	}
	pairs = append(pairs, named...)
	return strings.NewReplacer(pairs...)
}

func unicodeEscape(c rune) string {
	return fmt.Sprintf(`\u00%02X`, c)
}

// Escape rewrites control characters so a value can never break a log line.
// C0 and C1 controls become \u00XX, except \b \n \t \f \r which (with the
// backslash itself) get their two-character escapes.
func Escape(value string) string {
	return escaper.Replace(value)
}
