package location

import (
	"context"
	"encoding/json"
	"strings"
)

// GeocodeResult is a parsed geocoder response. Raw keeps the provider payload
// for the lookup cache.
type GeocodeResult struct {
	FormattedText string
	City          string
	State         string
	Country       string
	CountryCode   string
	PostalCode    string
	Latitude      float64
	Longitude     float64
	Raw           json.RawMessage
}

// DisplayText is "City, State, Country" built from the non-empty parts,
// falling back to the provider's formatted text.
func (r *GeocodeResult) DisplayText() string {
	var parts []string
	for _, p := range []string{r.City, r.State, r.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ", ")
	}
	return strings.TrimSpace(r.FormattedText)
}

// Geocoder looks up addresses. A nil result with a nil error means the
// provider found nothing; errors mean the provider could not answer.
type Geocoder interface {
	Lookup(ctx context.Context, address string) (*GeocodeResult, error)
	LookupLatLong(ctx context.Context, lat, long float64) (*GeocodeResult, error)
}
