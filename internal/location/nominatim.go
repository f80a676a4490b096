package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultUserAgent    = "jobref-pipeline-geocoder/1.0"
)

// Nominatim is a Geocoder backed by the OpenStreetMap Nominatim API.
type Nominatim struct {
	baseURL     string
	httpClient  *http.Client
	userAgent   string
	minInterval time.Duration
	mu          sync.Mutex
	lastRequest time.Time
}

var _ Geocoder = (*Nominatim)(nil)

type NominatimOption func(*Nominatim)

func WithBaseURL(baseURL string) NominatimOption {
	return func(n *Nominatim) {
		if strings.TrimSpace(baseURL) != "" {
			n.baseURL = baseURL
		}
	}
}

func WithHTTPClient(client *http.Client) NominatimOption {
	return func(n *Nominatim) {
		if client != nil {
			n.httpClient = client
		}
	}
}

func WithUserAgent(userAgent string) NominatimOption {
	return func(n *Nominatim) {
		if strings.TrimSpace(userAgent) != "" {
			n.userAgent = userAgent
		}
	}
}

// WithMinInterval spaces requests; Nominatim's usage policy asks for one
// request per second.
func WithMinInterval(interval time.Duration) NominatimOption {
	return func(n *Nominatim) {
		n.minInterval = interval
	}
}

func NewNominatim(opts ...NominatimOption) *Nominatim {
	n := &Nominatim{
		baseURL:     DefaultNominatimURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		userAgent:   defaultUserAgent,
		minInterval: time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		Hamlet      string `json:"hamlet"`
		State       string `json:"state"`
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
		Postcode    string `json:"postcode"`
	} `json:"address"`
}

// Lookup geocodes a free-text address.
func (n *Nominatim) Lookup(ctx context.Context, address string) (*GeocodeResult, error) {
	if strings.TrimSpace(address) == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("q", address)
	params.Set("limit", "1")

	body, err := n.get(ctx, "/search", params)
	if err != nil {
		return nil, err
	}
	var places []json.RawMessage
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, fmt.Errorf("geocode: decode search response: %w", err)
	}
	if len(places) == 0 {
		return nil, nil
	}
	return parsePlace(places[0])
}

// LookupLatLong reverse-geocodes a coordinate pair.
func (n *Nominatim) LookupLatLong(ctx context.Context, lat, long float64) (*GeocodeResult, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(long, 'f', -1, 64))

	body, err := n.get(ctx, "/reverse", params)
	if err != nil {
		return nil, err
	}
	return parsePlace(body)
}

func (n *Nominatim) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if n == nil {
		return nil, errors.New("geocode: nominatim is nil")
	}
	if err := n.waitRateLimit(ctx); err != nil {
		return nil, err
	}

	params.Set("format", "jsonv2")
	params.Set("addressdetails", "1")
	endpoint := strings.TrimRight(n.baseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// parsePlace turns one Nominatim place into a result. Places without usable
// coordinates yield nil.
func parsePlace(raw json.RawMessage) (*GeocodeResult, error) {
	var p nominatimPlace
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("geocode: decode place: %w", err)
	}
	if p.Error != "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return nil, nil
	}
	lng, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return nil, nil
	}

	city := p.Address.City
	for _, alt := range []string{p.Address.Town, p.Address.Village, p.Address.Hamlet} {
		if city == "" {
			city = alt
		}
	}
	return &GeocodeResult{
		FormattedText: p.DisplayName,
		City:          city,
		State:         p.Address.State,
		Country:       p.Address.Country,
		CountryCode:   strings.ToUpper(p.Address.CountryCode),
		PostalCode:    p.Address.Postcode,
		Latitude:      lat,
		Longitude:     lng,
		Raw:           append(json.RawMessage(nil), raw...),
	}, nil
}

func (n *Nominatim) waitRateLimit(ctx context.Context) error {
	if n.minInterval <= 0 {
		return nil
	}
	n.mu.Lock()
	now := time.Now()
	next := n.lastRequest.Add(n.minInterval)
	if !next.After(now) {
		n.lastRequest = now
		n.mu.Unlock()
		return nil
	}
	n.lastRequest = next
	n.mu.Unlock()
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
