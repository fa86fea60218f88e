package refs

import "strings"

// runeEscapedLen is the width of one rune in the escaped-UTF-16 space
// spans are counted in.
func runeEscapedLen(r rune) int {
	switch r {
	case '&':
		return 5 // &amp;
	case '<', '>':
		return 4 // &lt; &gt;
	case '"', '\'':
		return 6 // &quot; &apos;
	}
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// CutSpans removes every body character covered by a reference of one of
// the given types. Span bounds are inclusive and counted over the
// escaped body.
func CutSpans(body string, refs []Reference, types ...string) string {
	var spans [][2]int
	for _, r := range refs {
		for _, t := range types {
			if r.Type == t {
				spans = append(spans, [2]int{r.Begin, r.End})
				break
			}
		}
	}
	if len(spans) == 0 {
		return body
	}

	var b strings.Builder
	pos := 0
	for _, r := range body {
		w := runeEscapedLen(r)
		covered := false
		for _, s := range spans {
			if pos <= s[1] && pos+w-1 >= s[0] {
				covered = true
				break
			}
		}
		if !covered {
			b.WriteRune(r)
		}
		pos += w
	}
	return b.String()
}

// Comment returns the user-typed text accompanying forwarded content:
// the body with all forward spans removed, trimmed of surrounding
// whitespace.
func Comment(body string, refs []Reference) string {
	return strings.TrimSpace(CutSpans(body, refs, TypeForward))
}

// StripAuthorPrefix removes the group author span injected at the front
// of relayed room messages.
func StripAuthorPrefix(body string, refs []Reference) string {
	return CutSpans(body, refs, TypeAuthor)
}

// RewriteBody applies the remaining reference spans to the body text:
// media spans carry file URLs that live on as attachments and are cut
// from the plain text, and markup spans render into a rich twin with
// the styling spelled out as HTML tags. The twin is empty when the
// message carries no markup.
func RewriteBody(body string, refs []Reference) (string, string) {
	var cut [][2]int
	var marks []Reference
	for _, r := range refs {
		switch {
		case r.Type == TypeMedia:
			cut = append(cut, [2]int{r.Begin, r.End})
		case r.Type == TypeMarkup && r.Markup != nil:
			marks = append(marks, r)
		}
	}
	if len(cut) == 0 && len(marks) == 0 {
		return body, ""
	}

	var plain, rich strings.Builder
	pos := 0
	for _, r := range body {
		w := runeEscapedLen(r)
		covered := false
		for _, s := range cut {
			if pos <= s[1] && pos+w-1 >= s[0] {
				covered = true
				break
			}
		}
		if !covered {
			for i := range marks {
				if marks[i].Begin >= pos && marks[i].Begin < pos+w {
					rich.WriteString(marks[i].Markup.openTags())
				}
			}
			plain.WriteRune(r)
			rich.WriteString(htmlEscape(r))
			for i := len(marks) - 1; i >= 0; i-- {
				if marks[i].End >= pos && marks[i].End < pos+w {
					rich.WriteString(marks[i].Markup.closeTags())
				}
			}
		}
		pos += w
	}

	p := strings.TrimSpace(plain.String())
	if len(marks) == 0 {
		return p, ""
	}
	return p, strings.TrimSpace(rich.String())
}

func (m *Markup) openTags() string {
	var b strings.Builder
	if m.Bold {
		b.WriteString("<b>")
	}
	if m.Italic {
		b.WriteString("<i>")
	}
	if m.Underline {
		b.WriteString("<u>")
	}
	if m.Strike {
		b.WriteString("<s>")
	}
	if m.URI != "" {
		b.WriteString(`<a href="` + m.URI + `">`)
	}
	return b.String()
}

func (m *Markup) closeTags() string {
	var b strings.Builder
	if m.URI != "" {
		b.WriteString("</a>")
	}
	if m.Strike {
		b.WriteString("</s>")
	}
	if m.Underline {
		b.WriteString("</u>")
	}
	if m.Italic {
		b.WriteString("</i>")
	}
	if m.Bold {
		b.WriteString("</b>")
	}
	return b.String()
}

func htmlEscape(r rune) string {
	switch r {
	case '&':
		return "&amp;"
	case '<':
		return "&lt;"
	case '>':
		return "&gt;"
	}
	return string(r)
}
