package textnorm

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Generated classes; any other class value is dropped.
const (
	ClassCenter  = "text-center"
	ClassRight   = "text-right"
	ClassJustify = "text-justify"
	ClassLarge   = "text-large"
	ClassSmall   = "text-small"
)

var allowedClasses = map[string]bool{
	ClassCenter:  true,
	ClassRight:   true,
	ClassJustify: true,
	ClassLarge:   true,
	ClassSmall:   true,
}

// tagMap maps source tags to the tag they are emitted as. Tags that are not
// listed are unwrapped: their children survive, the tag does not.
var tagMap = map[string]string{
	"p":          "p",
	"div":        "p",
	"section":    "p",
	"article":    "p",
	"tr":         "p",
	"caption":    "p",
	"dt":         "p",
	"dd":         "p",
	"ul":         "ul",
	"ol":         "ol",
	"li":         "li",
	"strong":     "strong",
	"b":          "strong",
	"em":         "em",
	"i":          "em",
	"u":          "u",
	"a":          "a",
	"blockquote": "blockquote",
	"h1":         "h3",
	"h2":         "h3",
	"h3":         "h3",
	"h4":         "h4",
	"h5":         "h4",
	"h6":         "h4",
}

var blockTags = map[string]bool{
	"p": true, "li": true, "h3": true, "h4": true, "blockquote": true,
}

// dropped together with everything inside them
var dropTags = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true,
	"embed": true, "input": true, "button": true, "select": true,
	"textarea": true, "noscript": true, "svg": true, "head": true,
	"title": true, "template": true, "canvas": true, "video": true,
	"audio": true,
}

var voidTags = map[string]bool{
	"area": true, "base": true, "col": true, "hr": true, "img": true,
	"link": true, "meta": true, "param": true, "source": true,
	"track": true, "wbr": true, "input": true, "embed": true,
}

// cellTags are unwrapped but keep their content apart from the neighbours.
var cellTags = map[string]bool{"td": true, "th": true}

// separator owed before the next text
type separator int

const (
	sepNone separator = iota
	sepSpace
	sepBreak
)

type openTag struct {
	name    string
	mapped  string
	closers []string
	// sep is owed when the tag ends
	sep separator
}

// insideParagraph reports whether a new paragraph would nest in an emitted
// p or heading.
func insideParagraph(stack []openTag) bool {
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i].mapped {
		case "li", "blockquote":
			return false
		case "p", "h3", "h4":
			return true
		}
	}
	return false
}

// SanitizeDescription reduces job description HTML to a small safe subset.
// Applying it to its own output returns the output unchanged.
func SanitizeDescription(raw string) string {
	z := html.NewTokenizer(strings.NewReader(raw))

	var (
		out      strings.Builder
		pending  strings.Builder
		stack    []openTag
		skipTag  string
		skipping int
		sep      separator
		// atStart is true while the current block has no visible text yet
		atStart = true
	)
	owe := func(k separator) {
		if k > sep {
			sep = k
		}
	}
	// settle writes the owed separator when the block already has text
	settle := func() {
		if sep != sepNone && (!atStart || strings.TrimSpace(pending.String()) != "") {
			if sep == sepBreak {
				out.WriteString(html.EscapeString(collapseSpace(pending.String())))
				pending.Reset()
				out.WriteString("<br>")
				atStart = true
			} else {
				pending.WriteByte(' ')
			}
		}
		sep = sepNone
	}
	addText := func(text string) {
		if strings.TrimSpace(text) == "" {
			pending.WriteString(text)
			return
		}
		settle()
		atStart = false
		pending.WriteString(text)
	}

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		out.WriteString(html.EscapeString(collapseSpace(pending.String())))
		pending.Reset()
	}
	closeTo := func(idx int) {
		for len(stack) > idx {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, c := range top.closers {
				out.WriteString(c)
			}
			if blockTags[top.mapped] {
				atStart = true
				sep = sepNone
			}
			owe(top.sep)
		}
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			flush()
			closeTo(0)
			return strings.TrimSpace(out.String())

		case html.TextToken:
			if skipping > 0 {
				continue
			}
			addText(string(z.Text()))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			name := tok.Data
			if skipping > 0 {
				if name == skipTag && tt == html.StartTagToken {
					skipping++
				}
				continue
			}
			if dropTags[name] {
				if tt == html.StartTagToken && !voidTags[name] {
					skipTag = name
					skipping = 1
				}
				continue
			}
			if name == "br" {
				flush()
				out.WriteString("<br>")
				atStart = true
				sep = sepNone
				continue
			}
			if voidTags[name] {
				continue
			}
			mapped := tagMap[name]
			var tagSep separator
			switch {
			case cellTags[name]:
				tagSep = sepSpace
			case mapped == "p" && insideParagraph(stack):
				// a paragraph inside a paragraph keeps only its inline styling
				mapped = ""
				tagSep = sepBreak
			}
			owe(tagSep)

			var opening string
			var closers []string
			if mapped == tagMap[name] {
				opening, closers = renderTag(name, tok.Attr)
			} else {
				opening, closers = renderTag("span", tok.Attr)
			}
			if opening == "" {
				// unwrapped tag with nothing to emit; still tracked so its end
				// tag is matched
				if tt == html.StartTagToken {
					stack = append(stack, openTag{name: name, sep: tagSep})
				}
				continue
			}
			if blockTags[mapped] {
				flush()
				atStart = true
				sep = sepNone
			} else {
				settle()
				flush()
			}
			out.WriteString(opening)
			if tt == html.SelfClosingTagToken {
				for _, c := range closers {
					out.WriteString(c)
				}
				continue
			}
			stack = append(stack, openTag{name: name, mapped: mapped, closers: closers, sep: tagSep})

		case html.EndTagToken:
			tok := z.Token()
			if skipping > 0 {
				if tok.Data == skipTag {
					skipping--
				}
				continue
			}
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == tok.Data {
					idx = i
					break
				}
			}
			if idx < 0 {
				continue
			}
			if hasClosers(stack[idx:]) {
				flush()
			}
			closeTo(idx)
		}
	}
}

func hasClosers(tags []openTag) bool {
	for _, t := range tags {
		if len(t.closers) > 0 {
			return true
		}
	}
	return false
}

// renderTag returns the opening markup for a source tag and the closing
// markup in the order it must be written.
func renderTag(name string, attrs []html.Attribute) (string, []string) {
	mapped := tagMap[name]
	st := parseStyle(attrValue(attrs, "style"))

	classes := map[string]bool{}
	for _, c := range strings.Fields(attrValue(attrs, "class")) {
		if allowedClasses[c] {
			classes[c] = true
		}
	}
	if st.align != "" {
		classes[st.align] = true
	}
	if st.size != "" {
		classes[st.size] = true
	}

	var (
		open    strings.Builder
		closers []string
	)
	push := func(tag, attrText string) {
		open.WriteString("<" + tag + attrText + ">")
		closers = append([]string{"</" + tag + ">"}, closers...)
	}

	switch {
	case mapped == "a":
		href := sanitizeHref(attrValue(attrs, "href"))
		if href != "" {
			push("a", ` href="`+html.EscapeString(href)+`" rel="noopener noreferrer" target="_blank"`)
		}
	case blockTags[mapped]:
		push(mapped, classAttr(classes))
	case mapped != "":
		push(mapped, "")
	}

	// size classes on inline content need a carrier element
	if !blockTags[mapped] {
		inline := map[string]bool{}
		for c := range classes {
			if c == ClassLarge || c == ClassSmall {
				inline[c] = true
			}
		}
		if len(inline) > 0 {
			push("span", classAttr(inline))
		}
	}
	if st.bold && mapped != "strong" {
		push("strong", "")
	}
	if st.italic && mapped != "em" {
		push("em", "")
	}
	return open.String(), closers
}

func classAttr(classes map[string]bool) string {
	if len(classes) == 0 {
		return ""
	}
	list := make([]string, 0, len(classes))
	for c := range classes {
		list = append(list, c)
	}
	sort.Strings(list)
	return ` class="` + strings.Join(list, " ") + `"`
}

func attrValue(attrs []html.Attribute, key string) string {
	for _, a := range attrs {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func sanitizeHref(href string) string {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(lower, "javascript:"),
		strings.HasPrefix(lower, "data:"),
		strings.HasPrefix(lower, "vbscript:"):
		return ""
	case strings.HasPrefix(lower, "http://"):
		return "https://" + href[len("http://"):]
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	}
	return href
}

type inlineStyle struct {
	bold   bool
	italic bool
	align  string
	size   string
}

func parseStyle(style string) inlineStyle {
	var st inlineStyle
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important")))
		switch prop {
		case "font-weight":
			if val == "bold" || val == "bolder" {
				st.bold = true
			} else if n, err := strconv.Atoi(val); err == nil && n >= 600 {
				st.bold = true
			}
		case "font-style":
			st.italic = val == "italic" || val == "oblique"
		case "text-align":
			switch val {
			case "center":
				st.align = ClassCenter
			case "right":
				st.align = ClassRight
			case "justify":
				st.align = ClassJustify
			}
		case "font-size":
			st.size = fontSizeClass(val)
		}
	}
	return st
}

func fontSizeClass(val string) string {
	switch val {
	case "large", "larger", "x-large", "xx-large", "xxx-large":
		return ClassLarge
	case "small", "smaller", "x-small", "xx-small":
		return ClassSmall
	}
	px, ok := fontSizePx(val)
	switch {
	case !ok:
		return ""
	case px >= 18:
		return ClassLarge
	case px <= 11:
		return ClassSmall
	}
	return ""
}

func fontSizePx(val string) (float64, bool) {
	units := []struct {
		suffix string
		factor float64
	}{
		{"px", 1}, {"pt", 4.0 / 3.0}, {"rem", 16}, {"em", 16},
	}
	for _, u := range units {
		if strings.HasSuffix(val, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(val, u.suffix)), 64)
			if err != nil {
				return 0, false
			}
			return n * u.factor, true
		}
	}
	return 0, false
}

func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
