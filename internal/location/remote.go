package location

import (
	"regexp"
	"strings"

	"github.com/jobref/pipeline/internal/domain"
)

var (
	remoteRe      = regexp.MustCompile(`(?i)\b(remote|anywhere|virtual)\b`)
	strayPunctRe  = regexp.MustCompile(`[:()\[\]{}]`)
	edgeSepCutset = " ,;-–—/|·"
)

// IsRemoteText reports whether text names a remote arrangement.
func IsRemoteText(text string) bool {
	return remoteRe.MatchString(text)
}

// WithRemoteMarker appends a remote marker to each location when the title
// says the role is remote but no location string does. With no locations it
// yields the plain remote placeholder.
func WithRemoteMarker(locations []string, title string) []string {
	if !IsRemoteText(title) {
		return locations
	}
	var nonEmpty []string
	for _, loc := range locations {
		if strings.TrimSpace(loc) == "" {
			continue
		}
		if IsRemoteText(loc) {
			return locations
		}
		nonEmpty = append(nonEmpty, loc)
	}
	if len(nonEmpty) == 0 {
		return []string{domain.RemoteLocationText}
	}
	out := make([]string, len(nonEmpty))
	for i, loc := range nonEmpty {
		out[i] = strings.TrimSpace(loc) + " (Remote)"
	}
	return out
}

// cleanLocationText removes remote words and punctuation the geocoder would
// choke on, leaving the place name.
func cleanLocationText(raw string) string {
	s := remoteRe.ReplaceAllString(raw, " ")
	s = strayPunctRe.ReplaceAllString(s, " ")

	parts := strings.Split(s, ",")
	kept := parts[:0]
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		p = strings.Trim(p, edgeSepCutset)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Trim(strings.Join(kept, ", "), edgeSepCutset)
}
