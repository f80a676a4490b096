package location

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNominatimLookup(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
			assert.Equal(t, "1", r.URL.Query().Get("addressdetails"))
			if r.URL.Query().Get("q") == "Nowhere" {
				w.Write([]byte(`[]`))
				return
			}
			w.Write([]byte(`[{"lat":"42.3554334","lon":"-71.060511","display_name":"Boston, Suffolk County, Massachusetts, United States",
				"address":{"city":"Boston","state":"Massachusetts","country":"United States","country_code":"us","postcode":"02108"}}]`))
		case "/reverse":
			w.Write([]byte(`{"lat":"39.7392","lon":"-104.9903","display_name":"Denver",
				"address":{"town":"Denver","state":"Colorado","country":"United States","country_code":"us"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	n := NewNominatim(WithBaseURL(srv.URL), WithMinInterval(0), WithUserAgent("test-agent"))
	ctx := context.Background()

	res, err := n.Lookup(ctx, "Boston, MA")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "Boston", res.City)
	assert.Equal(t, "US", res.CountryCode)
	assert.Equal(t, "02108", res.PostalCode)
	assert.InDelta(t, 42.3554334, res.Latitude, 1e-9)
	assert.Equal(t, "Boston, Massachusetts, United States", res.DisplayText())
	assert.NotEmpty(t, res.Raw)

	res, err = n.Lookup(ctx, "Nowhere")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = n.LookupLatLong(ctx, 39.7392, -104.9903)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "Denver", res.City, "town falls back into city")
}

func TestNominatimStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewNominatim(WithBaseURL(srv.URL), WithMinInterval(0))
	_, err := n.Lookup(context.Background(), "Boston")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	res, err := n.Lookup(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, res)
}
