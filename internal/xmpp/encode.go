package xmpp

import "strings"

var (
	escaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	unescaper = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
)

// Escape replaces the five XML-reserved characters with entities.
func Escape(s string) string { return escaper.Replace(s) }

// Unescape is the inverse of Escape.
func Unescape(s string) string { return unescaper.Replace(s) }

// EscapedLen returns the length of the XML-escaped form of s in UTF-16
// code units. Reference spans are position-sensitive and counted over the
// escaped wire text, so multi-byte entities and surrogate pairs must be
// accounted for with the same function on both ends.
func EscapedLen(s string) int {
	n := 0
	for _, r := range Escape(s) {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
