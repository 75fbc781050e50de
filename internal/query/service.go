// Package query answers the read-side questions asked of a harvested
// dataset: listings inside a numeric window, dealerships near a zip code
// and attribute rows for a set of vehicles.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/mmcloughlin/geohash"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/storage/postgres"
)

const (
	// DefaultCacheSize bounds the zip distance cache.
	DefaultCacheSize = 256
	// DefaultLimit caps a listing search when the filter sets none.
	DefaultLimit = 500
	// MaxLimit is the largest listing page a caller may ask for.
	MaxLimit = 5000

	earthRadiusMiles = 3958.7613
	milesPerDegLat   = 69.09
	milesPerDegLon   = 69.17
	maxPrefix        = 6
)

// ErrUnknownZip is returned when no geocoded dealership shares the zip.
var ErrUnknownZip = errors.New("zip has no geocoded dealerships")

// ErrInvalidFilter wraps rejected query parameters.
var ErrInvalidFilter = errors.New("invalid filter")

// Store is the subset of postgres.Store the service reads from.
type Store interface {
	Listings(ctx context.Context, q postgres.ListingQuery) ([]postgres.ListingRow, error)
	DealersByGeohash(ctx context.Context, prefixes []string) ([]postgres.DealerLocation, error)
	ZipCentroid(ctx context.Context, zip string) (lat, lon float64, ok bool, err error)
	Attributes(ctx context.Context, selectors []postgres.AttrSelector) ([]postgres.AttrRow, error)
}

// Near restricts a listing search to dealerships within Miles of Zip.
type Near struct {
	Zip   string
	Miles float64
}

// ListingFilter bounds a listing search. A zero maximum leaves that side
// open. MPG is the combined figure 0.45*highway + 0.55*city.
type ListingFilter struct {
	YearMin, YearMax       int
	MileageMin, MileageMax int
	PriceMin, PriceMax     float64
	MPGMin, MPGMax         float64
	DealerIDs              []int64
	Near                   *Near
	Limit                  int
}

// DealerDistance is a dealership with its distance from a zip centroid.
type DealerDistance struct {
	postgres.DealerLocation
	Miles float64
}

// YMMT selects attribute rows by year, make, model and trim slug.
type YMMT struct {
	Year     int
	Make     string
	Model    string
	TrimSlug string
}

// Service runs read queries against a Store. It is safe for concurrent use.
type Service struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache
}

// NewService builds a Service whose distance cache holds cacheSize entries.
func NewService(store Store, cacheSize int, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger.Named("query"), cache: lru.New(cacheSize)}, nil
}

// Listings returns listings matching f ordered by id.
func (s *Service) Listings(ctx context.Context, f ListingFilter) ([]postgres.ListingRow, error) {
	q, err := f.toQuery()
	if err != nil {
		return nil, err
	}
	if f.Near != nil {
		near, err := s.DealersWithin(ctx, f.Near.Zip, f.Near.Miles)
		if err != nil {
			return nil, err
		}
		ids := make(map[int64]bool, len(near))
		for _, d := range near {
			ids[d.ID] = true
		}
		q.DealerIDs = intersect(q.DealerIDs, ids)
		if len(q.DealerIDs) == 0 {
			return nil, nil
		}
	}
	return s.store.Listings(ctx, q)
}

func (f ListingFilter) toQuery() (postgres.ListingQuery, error) {
	q := postgres.ListingQuery{
		YearMin:    f.YearMin,
		YearMax:    openInt(f.YearMax),
		MileageMin: f.MileageMin,
		MileageMax: openInt(f.MileageMax),
		PriceMin:   f.PriceMin,
		PriceMax:   openFloat(f.PriceMax),
		MPGMin:     f.MPGMin,
		MPGMax:     openFloat(f.MPGMax),
		DealerIDs:  f.DealerIDs,
		Limit:      f.Limit,
	}
	switch {
	case q.YearMin > q.YearMax:
		return q, fmt.Errorf("%w: year window %d..%d is empty", ErrInvalidFilter, q.YearMin, q.YearMax)
	case q.MileageMin > q.MileageMax:
		return q, fmt.Errorf("%w: mileage window %d..%d is empty", ErrInvalidFilter, q.MileageMin, q.MileageMax)
	case q.PriceMin > q.PriceMax:
		return q, fmt.Errorf("%w: price window %.2f..%.2f is empty", ErrInvalidFilter, q.PriceMin, q.PriceMax)
	case q.MPGMin > q.MPGMax:
		return q, fmt.Errorf("%w: mpg window %.2f..%.2f is empty", ErrInvalidFilter, q.MPGMin, q.MPGMax)
	case q.Limit < 0 || q.Limit > MaxLimit:
		return q, fmt.Errorf("%w: limit must be between 0 and %d", ErrInvalidFilter, MaxLimit)
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	return q, nil
}

func openInt(v int) int {
	if v == 0 {
		return math.MaxInt32
	}
	return v
}

func openFloat(v float64) float64 {
	if v == 0 {
		return math.MaxFloat64
	}
	return v
}

// intersect returns the ids in allowed, limited to want when want is set.
func intersect(want []int64, allowed map[int64]bool) []int64 {
	var out []int64
	if len(want) == 0 {
		for id := range allowed {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
	for _, id := range want {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}

// DealersWithin returns the geocoded dealerships within miles of the
// centroid of zip, nearest first. Results are cached per (zip, miles).
func (s *Service) DealersWithin(ctx context.Context, zip string, miles float64) ([]DealerDistance, error) {
	zip = strings.TrimSpace(zip)
	if zip == "" {
		return nil, fmt.Errorf("%w: zip is required", ErrInvalidFilter)
	}
	if miles < 0 || math.IsNaN(miles) || math.IsInf(miles, 0) {
		return nil, fmt.Errorf("%w: invalid radius %v", ErrInvalidFilter, miles)
	}
	key := zip + "|" + strconv.FormatFloat(miles, 'f', -1, 64)
	if cached, ok := s.cached(key); ok {
		return cached, nil
	}

	lat, lon, ok, err := s.store.ZipCentroid(ctx, zip)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZip, zip)
	}
	prefixes := CoveringPrefixes(lat, lon, miles)
	candidates, err := s.store.DealersByGeohash(ctx, prefixes)
	if err != nil {
		return nil, err
	}

	var out []DealerDistance
	for _, d := range candidates {
		dist := Haversine(lat, lon, d.Lat, d.Lon)
		if dist <= miles {
			out = append(out, DealerDistance{DealerLocation: d, Miles: dist})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Miles < out[j].Miles })
	s.logger.Debug("dealers within radius",
		zap.String("zip", zip),
		zap.Float64("miles", miles),
		zap.Strings("prefixes", prefixes),
		zap.Int("candidates", len(candidates)),
		zap.Int("matched", len(out)),
	)

	s.mu.Lock()
	s.cache.Add(key, out)
	s.mu.Unlock()
	return clone(out), nil
}

func (s *Service) cached(key string) ([]DealerDistance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	return clone(v.([]DealerDistance)), true
}

func clone(in []DealerDistance) []DealerDistance {
	if in == nil {
		return nil
	}
	return append([]DealerDistance(nil), in...)
}

// CoveringPrefixes returns geohash cells that together cover every point
// within miles of (lat, lon): the cell holding the point plus its eight
// neighbours, at the finest precision whose cells are at least miles
// across. A nil result means no precision is coarse enough and every
// dealership is a candidate.
func CoveringPrefixes(lat, lon, miles float64) []string {
	for p := uint(maxPrefix); p >= 1; p-- {
		cell := geohash.EncodeWithPrecision(lat, lon, p)
		box := geohash.BoundingBox(cell)
		height := (box.MaxLat - box.MinLat) * milesPerDegLat
		width := (box.MaxLng - box.MinLng) * milesPerDegLon * math.Cos(lat*math.Pi/180)
		if height >= miles && width >= miles {
			return append([]string{cell}, geohash.Neighbors(cell)...)
		}
	}
	return nil
}

// Haversine is the great-circle distance in miles between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Attributes returns the attribute rows matching any selector.
func (s *Service) Attributes(ctx context.Context, selectors []YMMT) ([]postgres.AttrRow, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	sel := make([]postgres.AttrSelector, len(selectors))
	for i, y := range selectors {
		sel[i] = postgres.AttrSelector{Year: y.Year, Make: y.Make, Model: y.Model, TrimSlug: y.TrimSlug}
	}
	return s.store.Attributes(ctx, sel)
}
