package query

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/mmcloughlin/geohash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/carharvest/internal/storage/postgres"
)

type stubStore struct {
	centroids map[string][2]float64
	dealers   []postgres.DealerLocation
	listings  []postgres.ListingRow
	attrs     []postgres.AttrRow

	centroidCalls int
	prefixes      [][]string
	lastQuery     *postgres.ListingQuery
	lastSel       []postgres.AttrSelector
	err           error
}

func (s *stubStore) Listings(_ context.Context, q postgres.ListingQuery) ([]postgres.ListingRow, error) {
	s.lastQuery = &q
	return s.listings, s.err
}

func (s *stubStore) DealersByGeohash(_ context.Context, prefixes []string) ([]postgres.DealerLocation, error) {
	s.prefixes = append(s.prefixes, prefixes)
	if s.err != nil {
		return nil, s.err
	}
	if len(prefixes) == 0 {
		return s.dealers, nil
	}
	var out []postgres.DealerLocation
	for _, d := range s.dealers {
		h := geohash.EncodeWithPrecision(d.Lat, d.Lon, uint(len(prefixes[0])))
		for _, p := range prefixes {
			if h == p {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) ZipCentroid(_ context.Context, zip string) (float64, float64, bool, error) {
	s.centroidCalls++
	if s.err != nil {
		return 0, 0, false, s.err
	}
	c, ok := s.centroids[zip]
	return c[0], c[1], ok, nil
}

func (s *stubStore) Attributes(_ context.Context, sel []postgres.AttrSelector) ([]postgres.AttrRow, error) {
	s.lastSel = sel
	return s.attrs, s.err
}

// Springfield IL and a few dealers at known distances from it.
func springfield() *stubStore {
	return &stubStore{
		centroids: map[string][2]float64{"62701": {39.7990, -89.6440}},
		dealers: []postgres.DealerLocation{
			{ID: 1, Name: "Downtown Motors", Zip: "62701", Lat: 39.8017, Lon: -89.6437},
			{ID: 2, Name: "Chatham Auto", Zip: "62629", Lat: 39.6761, Lon: -89.7043},
			{ID: 3, Name: "Peoria Cars", Zip: "61602", Lat: 40.6936, Lon: -89.5890},
			{ID: 4, Name: "Chicago Lot", Zip: "60601", Lat: 41.8858, Lon: -87.6181},
		},
	}
}

func TestHaversine(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0, Haversine(40, -89, 40, -89), 1e-9)
	// One degree of latitude.
	assert.InDelta(t, 69.09, Haversine(0, 0, 1, 0), 0.01)
	// Springfield to Chicago is a little under 180 miles.
	d := Haversine(39.7990, -89.6440, 41.8858, -87.6181)
	assert.Greater(t, d, 170.0)
	assert.Less(t, d, 185.0)
	assert.InDelta(t, d, Haversine(41.8858, -87.6181, 39.7990, -89.6440), 1e-9)
}

func TestCoveringPrefixes(t *testing.T) {
	t.Parallel()

	prefixes := CoveringPrefixes(39.7990, -89.6440, 10)
	require.Len(t, prefixes, 9)
	assert.Equal(t, geohash.EncodeWithPrecision(39.7990, -89.6440, 4), prefixes[0])
	for _, p := range prefixes {
		assert.Len(t, p, 4, "cells share one precision")
	}

	assert.Len(t, CoveringPrefixes(39.7990, -89.6440, 0)[0], maxPrefix)
	assert.Nil(t, CoveringPrefixes(39.7990, -89.6440, 5000), "no cell is wide enough")
}

func TestCoveringPrefixesCoverRadius(t *testing.T) {
	t.Parallel()

	lat, lon := 39.7990, -89.6440
	for _, miles := range []float64{1, 5, 25, 80, 300} {
		prefixes := CoveringPrefixes(lat, lon, miles)
		require.NotEmpty(t, prefixes)
		set := map[string]bool{}
		for _, p := range prefixes {
			set[p] = true
		}
		// Points on the circle at the eight compass bearings stay inside.
		for i := 0; i < 8; i++ {
			bearing := float64(i) * math.Pi / 4
			pLat := lat + miles/milesPerDegLat*math.Cos(bearing)*0.999
			pLon := lon + miles/(milesPerDegLon*math.Cos(lat*math.Pi/180))*math.Sin(bearing)*0.999
			h := geohash.EncodeWithPrecision(pLat, pLon, uint(len(prefixes[0])))
			assert.True(t, set[h], "radius %v bearing %d escaped the cover", miles, i)
		}
	}
}

func TestDealersWithinSortsAndCaches(t *testing.T) {
	t.Parallel()

	store := springfield()
	svc, err := NewService(store, 4, nil)
	require.NoError(t, err)

	got, err := svc.DealersWithin(context.Background(), "62701", 80)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})
	assert.Less(t, got[0].Miles, got[1].Miles)
	assert.LessOrEqual(t, got[2].Miles, 80.0)

	got[0].Name = "mutated"
	again, err := svc.DealersWithin(context.Background(), " 62701 ", 80)
	require.NoError(t, err)
	assert.Equal(t, "Downtown Motors", again[0].Name, "cached results are copies")
	assert.Equal(t, 1, store.centroidCalls, "second lookup served from cache")

	_, err = svc.DealersWithin(context.Background(), "62701", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, store.centroidCalls, "radius is part of the cache key")
}

func TestDealersWithinPrefilters(t *testing.T) {
	t.Parallel()

	store := springfield()
	svc, err := NewService(store, 0, nil)
	require.NoError(t, err)

	got, err := svc.DealersWithin(context.Background(), "62701", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, store.prefixes, 1)
	assert.Len(t, store.prefixes[0], 9)

	got, err = svc.DealersWithin(context.Background(), "62701", 10000)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Empty(t, store.prefixes[1], "wide radius scans every dealer")
}

func TestDealersWithinErrors(t *testing.T) {
	t.Parallel()

	svc, err := NewService(springfield(), 0, nil)
	require.NoError(t, err)

	_, err = svc.DealersWithin(context.Background(), "99999", 10)
	require.ErrorIs(t, err, ErrUnknownZip)
	_, err = svc.DealersWithin(context.Background(), "", 10)
	require.Error(t, err)
	_, err = svc.DealersWithin(context.Background(), "62701", -1)
	require.ErrorIs(t, err, ErrInvalidFilter)
	_, err = svc.DealersWithin(context.Background(), "62701", math.NaN())
	require.Error(t, err)

	broken := &stubStore{err: errors.New("connection refused")}
	svc, err = NewService(broken, 0, nil)
	require.NoError(t, err)
	_, err = svc.DealersWithin(context.Background(), "62701", 10)
	require.ErrorContains(t, err, "connection refused")

	_, err = NewService(nil, 0, nil)
	require.Error(t, err)
}

func TestListingsFilterDefaults(t *testing.T) {
	t.Parallel()

	store := &stubStore{listings: []postgres.ListingRow{{ID: 7, VIN: "1HGCV1F3XLA000001"}}}
	svc, err := NewService(store, 0, nil)
	require.NoError(t, err)

	rows, err := svc.Listings(context.Background(), ListingFilter{YearMin: 2015, PriceMax: 30000})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	q := store.lastQuery
	require.NotNil(t, q)
	assert.Equal(t, 2015, q.YearMin)
	assert.Equal(t, math.MaxInt32, q.YearMax)
	assert.Equal(t, 30000.0, q.PriceMax)
	assert.Equal(t, math.MaxFloat64, q.MPGMax)
	assert.Equal(t, DefaultLimit, q.Limit)
	assert.Empty(t, q.DealerIDs)
}

func TestListingsRejectsEmptyWindows(t *testing.T) {
	t.Parallel()

	svc, err := NewService(&stubStore{}, 0, nil)
	require.NoError(t, err)

	for name, f := range map[string]ListingFilter{
		"year":    {YearMin: 2020, YearMax: 2010},
		"mileage": {MileageMin: 100, MileageMax: 10},
		"price":   {PriceMin: 5, PriceMax: 1},
		"mpg":     {MPGMin: 40, MPGMax: 20},
		"limit":   {Limit: MaxLimit + 1},
	} {
		_, err := svc.Listings(context.Background(), f)
		assert.ErrorIs(t, err, ErrInvalidFilter, name)
	}
}

func TestListingsNearZip(t *testing.T) {
	t.Parallel()

	store := springfield()
	svc, err := NewService(store, 0, nil)
	require.NoError(t, err)

	_, err = svc.Listings(context.Background(), ListingFilter{Near: &Near{Zip: "62701", Miles: 80}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, store.lastQuery.DealerIDs)

	store.lastQuery = nil
	_, err = svc.Listings(context.Background(), ListingFilter{DealerIDs: []int64{3, 4}, Near: &Near{Zip: "62701", Miles: 80}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, store.lastQuery.DealerIDs)

	store.lastQuery = nil
	rows, err := svc.Listings(context.Background(), ListingFilter{DealerIDs: []int64{4}, Near: &Near{Zip: "62701", Miles: 80}})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Nil(t, store.lastQuery, "no dealer in range means no listing query")
}

func TestAttributes(t *testing.T) {
	t.Parallel()

	store := &stubStore{attrs: []postgres.AttrRow{{ID: 9}}}
	svc, err := NewService(store, 0, nil)
	require.NoError(t, err)

	rows, err := svc.Attributes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Nil(t, store.lastSel)

	rows, err = svc.Attributes(context.Background(), []YMMT{{Year: 2020, Make: "Honda", Model: "Accord", TrimSlug: "ex-l"}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []postgres.AttrSelector{{Year: 2020, Make: "Honda", Model: "Accord", TrimSlug: "ex-l"}}, store.lastSel)
}
