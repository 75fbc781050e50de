package geocode

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	collyfetcher "github.com/JakeFAU/carharvest/internal/fetcher/colly"
)

// Default endpoints.
const (
	DefaultCensusURL    = "https://geocoding.geo.census.gov/geocoder/locations/address"
	DefaultNominatimURL = "http://127.0.0.1:8080/search"
)

// JSONGetter fetches and decodes a JSON document.
type JSONGetter interface {
	GetJSON(ctx context.Context, req collyfetcher.Request, out any) error
}

// Census queries the US Census Bureau geocoder.
type Census struct {
	BaseURL   string
	Benchmark string
	client    JSONGetter
}

// NewCensus builds a Census provider. An empty baseURL uses the public endpoint.
func NewCensus(client JSONGetter, baseURL string) *Census {
	if baseURL == "" {
		baseURL = DefaultCensusURL
	}
	return &Census{BaseURL: baseURL, Benchmark: "2020", client: client}
}

// Name implements Provider.
func (c *Census) Name() string { return "census" }

type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			Coordinates struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"coordinates"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// Lookup implements Provider.
func (c *Census) Lookup(ctx context.Context, query url.Values) (float64, float64, error) {
	q := cloneValues(query)
	q.Set("benchmark", c.Benchmark)
	q.Set("format", "json")
	var resp censusResponse
	if err := c.client.GetJSON(ctx, collyfetcher.Request{URL: c.BaseURL, Query: q, RateKey: "census"}, &resp); err != nil {
		return 0, 0, err
	}
	if len(resp.Result.AddressMatches) == 0 {
		return 0, 0, ErrNoMatch
	}
	m := resp.Result.AddressMatches[0].Coordinates
	return m.Y, m.X, nil
}

// Nominatim queries an OpenStreetMap Nominatim instance.
type Nominatim struct {
	BaseURL string
	client  JSONGetter
}

// NewNominatim builds a Nominatim provider. An empty baseURL uses a local instance.
func NewNominatim(client JSONGetter, baseURL string) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	return &Nominatim{BaseURL: baseURL, client: client}
}

// Name implements Provider.
func (n *Nominatim) Name() string { return "nominatim" }

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Lookup implements Provider.
func (n *Nominatim) Lookup(ctx context.Context, query url.Values) (float64, float64, error) {
	q := cloneValues(query)
	q.Set("format", "json")
	var places []nominatimPlace
	if err := n.client.GetJSON(ctx, collyfetcher.Request{URL: n.BaseURL, Query: q, RateKey: "nominatim"}, &places); err != nil {
		return 0, 0, err
	}
	if len(places) == 0 {
		return 0, 0, ErrNoMatch
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("nominatim lat %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("nominatim lon %q: %w", places[0].Lon, err)
	}
	return lat, lon, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
