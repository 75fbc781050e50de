// Package geocode resolves dealership addresses to coordinates, preferring
// coordinates already in the store and falling back through public
// geocoders in order of decreasing precision.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/record"
)

var (
	// ErrNoMatch is returned by a Provider that has no result for a query.
	ErrNoMatch = errors.New("geocode: no match")
	// ErrNotGeocoded means every lookup failed for an address.
	ErrNotGeocoded = errors.New("geocode: address could not be geocoded")
)

// DefaultCacheSize bounds each resolver's memo.
const DefaultCacheSize = 4096

// Address is the input to a lookup.
type Address struct {
	Street string
	Zip    string
	City   string
	State  string
}

// Locator finds coordinates already stored for an address.
type Locator interface {
	LookupCoordinates(ctx context.Context, address, zip string) (record.Location, bool, error)
}

// Provider is a remote geocoder.
type Provider interface {
	Name() string
	// Lookup returns ErrNoMatch when the query has no result.
	Lookup(ctx context.Context, query url.Values) (lat, lon float64, err error)
}

type step struct {
	provider Provider
	quality  record.GeocodeQuality
	query    func(Address) (url.Values, bool)
}

type memo struct {
	lat, lon float64
	found    bool
}

// Resolver looks addresses up in the store, then Census, then Nominatim.
type Resolver struct {
	locator Locator
	steps   []step
	logger  *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache
}

// NewResolver builds a Resolver. Either provider may be nil to skip it.
func NewResolver(locator Locator, census, nominatim Provider, cacheSize int, logger *zap.Logger) *Resolver {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var steps []step
	if census != nil {
		steps = append(steps,
			step{provider: census, quality: record.QualityCensusZip, query: censusByZip},
			step{provider: census, quality: record.QualityCensusCity, query: censusByCity},
		)
	}
	if nominatim != nil {
		steps = append(steps,
			step{provider: nominatim, quality: record.QualityOSMPostal, query: nominatimByPostal},
			step{provider: nominatim, quality: record.QualityOSMCityState, query: nominatimByCity},
		)
	}
	return &Resolver{
		locator: locator,
		steps:   steps,
		logger:  logger,
		cache:   lru.New(cacheSize),
	}
}

// Resolve returns coordinates for a. Stored coordinates are returned with
// their stored quality and without any network call. Transport failures
// are returned as is so the caller can retry; ErrNotGeocoded means every
// provider answered without a match.
func (r *Resolver) Resolve(ctx context.Context, a Address) (record.Location, error) {
	if strings.TrimSpace(a.Street) == "" {
		return record.Location{}, fmt.Errorf("%w: street is empty", ErrNotGeocoded)
	}
	if r.locator != nil {
		loc, ok, err := r.locator.LookupCoordinates(ctx, a.Street, a.Zip)
		if err != nil {
			return record.Location{}, fmt.Errorf("stored coordinates: %w", err)
		}
		if ok {
			metrics.ObserveGeocode("store", "hit")
			return loc, nil
		}
	}
	for _, s := range r.steps {
		q, ok := s.query(a)
		if !ok {
			continue
		}
		lat, lon, found, err := r.lookup(ctx, s.provider, q)
		if err != nil {
			return record.Location{}, err
		}
		if found {
			return record.Location{Lat: round6(lat), Lon: round6(lon), Quality: s.quality}, nil
		}
	}
	r.logger.Debug("address not geocoded",
		zap.String("street", a.Street), zap.String("zip", a.Zip),
		zap.String("city", a.City), zap.String("state", a.State))
	return record.Location{}, ErrNotGeocoded
}

func (r *Resolver) lookup(ctx context.Context, p Provider, q url.Values) (float64, float64, bool, error) {
	key := p.Name() + "?" + q.Encode()
	r.mu.Lock()
	v, ok := r.cache.Get(key)
	r.mu.Unlock()
	if ok {
		m := v.(memo)
		metrics.ObserveGeocode(p.Name(), "cached")
		return m.lat, m.lon, m.found, nil
	}

	lat, lon, err := p.Lookup(ctx, q)
	switch {
	case errors.Is(err, ErrNoMatch):
		metrics.ObserveGeocode(p.Name(), "miss")
		r.remember(key, memo{})
		return 0, 0, false, nil
	case err != nil:
		metrics.ObserveGeocode(p.Name(), "error")
		return 0, 0, false, fmt.Errorf("%s lookup: %w", p.Name(), err)
	}
	metrics.ObserveGeocode(p.Name(), "match")
	r.remember(key, memo{lat: lat, lon: lon, found: true})
	return lat, lon, true, nil
}

func (r *Resolver) remember(key string, m memo) {
	r.mu.Lock()
	r.cache.Add(key, m)
	r.mu.Unlock()
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func censusByZip(a Address) (url.Values, bool) {
	if a.Zip == "" {
		return nil, false
	}
	return url.Values{"street": {a.Street}, "zip": {a.Zip}}, true
}

func censusByCity(a Address) (url.Values, bool) {
	if a.City == "" || a.State == "" {
		return nil, false
	}
	return url.Values{"street": {a.Street}, "city": {a.City}, "state": {a.State}}, true
}

func nominatimByPostal(a Address) (url.Values, bool) {
	if a.Zip == "" {
		return nil, false
	}
	return url.Values{"street": {a.Street}, "postalcode": {a.Zip}}, true
}

func nominatimByCity(a Address) (url.Values, bool) {
	if a.City == "" || a.State == "" {
		return nil, false
	}
	return url.Values{"street": {a.Street}, "city": {a.City}, "state": {a.State}}, true
}
