package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Placeholder display texts for locations that could not be geocoded.
const (
	RemoteLocationText  = "Remote"
	UnknownLocationText = "Unknown"
)

// MaxLookupTextLength caps LocationLookup.Text.
const MaxLookupTextLength = 255

// CanonicalLocation is a deduplicated, geocoded location. Both
// (IsRemote, lower(Text)) and (IsRemote, LatText, LongText) are unique.
type CanonicalLocation struct {
	ID          uuid.UUID `json:"id"`
	Text        string    `json:"text"`
	IsRemote    bool      `json:"is_remote"`
	City        string    `json:"city,omitempty"`
	State       string    `json:"state,omitempty"`
	Country     string    `json:"country,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
	PostalCode  string    `json:"postal_code,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	LatText     string    `json:"-"`
	LongText    string    `json:"-"`
	Audit
}

// HasCoordinates reports whether both coordinate texts are set.
func (l *CanonicalLocation) HasCoordinates() bool {
	return l.LatText != "" && l.LongText != ""
}

// IsPlaceholder reports whether l is the Remote or Unknown singleton.
func (l *CanonicalLocation) IsPlaceholder() bool {
	return !l.HasCoordinates() &&
		(l.Text == RemoteLocationText || l.Text == UnknownLocationText)
}

// Clone returns a copy that shares no pointers with l.
func (l *CanonicalLocation) Clone() *CanonicalLocation {
	if l == nil {
		return nil
	}
	c := *l
	if l.Latitude != nil {
		v := *l.Latitude
		c.Latitude = &v
	}
	if l.Longitude != nil {
		v := *l.Longitude
		c.Longitude = &v
	}
	return &c
}

// LocationLookup memoizes a geocoding lookup for one raw input text.
type LocationLookup struct {
	Text        string          `json:"text"`
	LocationID  uuid.UUID       `json:"location_id"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	Audit
}

// CapLookupText trims text to MaxLookupTextLength runes.
func CapLookupText(text string) string {
	r := []rune(text)
	if len(r) <= MaxLookupTextLength {
		return text
	}
	return string(r[:MaxLookupTextLength])
}
