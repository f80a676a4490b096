package textnorm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jobref/pipeline/internal/domain"
)

// FoldText lowercases, strips diacritics and collapses whitespace, giving a
// stable key for case- and accent-insensitive comparisons.
func FoldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.TrimSpace(collapseSpace(strings.ToLower(folded)))
}

// PlainText returns the visible text of an HTML fragment with element
// boundaries turned into single spaces.
func PlainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(collapseSpace(fragment))
	}
	doc.Find("script, style, noscript").Remove()

	var parts []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, child *goquery.Selection) {
			if goquery.NodeName(child) == "#text" {
				parts = append(parts, child.Text())
				return
			}
			walk(child)
		})
	}
	walk(doc.Selection)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// NormalizeEmploymentType maps source wording onto the domain employment
// types. Unrecognized or empty input yields fallback.
func NormalizeEmploymentType(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	switch {
	case s == "":
		return fallback
	case strings.Contains(s, "intern"):
		return domain.EmploymentInternship
	case strings.Contains(s, "part time"), strings.Contains(s, "parttime"):
		return domain.EmploymentPartTime
	case strings.Contains(s, "contract"), strings.Contains(s, "freelance"):
		return domain.EmploymentContract
	case strings.Contains(s, "temp"), strings.Contains(s, "seasonal"):
		return domain.EmploymentTemporary
	case strings.Contains(s, "full time"), strings.Contains(s, "fulltime"),
		strings.Contains(s, "permanent"), strings.Contains(s, "regular"):
		return domain.EmploymentFullTime
	}
	return fallback
}

var (
	daysAgoRe  = regexp.MustCompile(`(\d+)\+?\s*days?`)
	hoursAgoRe = regexp.MustCompile(`(\d+)\+?\s*(?:hours?|hrs?)`)
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// ParsePostedDate understands absolute dates, unix milliseconds and the
// relative phrases job boards use ("today", "3 days ago"). Unknown input
// returns nil.
func ParsePostedDate(text string, now time.Time) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil && ms > 1e11 {
		t := time.UnixMilli(ms).UTC()
		return &t
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "just posted") || strings.Contains(lower, "today") ||
		strings.Contains(lower, "just now") {
		t := now.UTC()
		return &t
	}
	if strings.Contains(lower, "yesterday") {
		t := now.UTC().AddDate(0, 0, -1)
		return &t
	}
	if m := daysAgoRe.FindStringSubmatch(lower); len(m) > 1 {
		if days, err := strconv.Atoi(m[1]); err == nil {
			t := now.UTC().AddDate(0, 0, -days)
			return &t
		}
	}
	if m := hoursAgoRe.FindStringSubmatch(lower); len(m) > 1 {
		if hours, err := strconv.Atoi(m[1]); err == nil {
			t := now.UTC().Add(-time.Duration(hours) * time.Hour)
			return &t
		}
	}
	return nil
}
