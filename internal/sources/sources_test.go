package sources

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/carharvest/internal/geocode"
	"github.com/JakeFAU/carharvest/internal/normalize"
	"github.com/JakeFAU/carharvest/internal/record"
)

type stubGeocoder struct {
	loc   record.Location
	err   error
	calls []geocode.Address
}

func (g *stubGeocoder) Resolve(_ context.Context, a geocode.Address) (record.Location, error) {
	g.calls = append(g.calls, a)
	return g.loc, g.err
}

// rawItem is a minimal vendor record for exercising the pipeline.
type rawItem struct {
	vin     string
	err     error
	located bool
	owners  uint8
}

func parseRaw(it rawItem, now int64) (record.ListingWithContext, error) {
	lc := record.ListingWithContext{
		Dealer: record.Dealership{Name: "Lincoln Motors", Address: "100 Main Street", Zip: "62701", City: "Springfield", State: "IL"},
		Attrs: record.VehicleAttributes{
			Year: 2019, Make: "Honda", Model: "Civic", Style: "EX", TrimSlug: "ex",
			MPGCity: 30, MPGHwy: 38, Fuel: record.FuelGas, Drivetrain: record.DriveFWD, Body: record.BodySedan,
		},
		Listing: record.Listing{
			Source: record.SourceAutotrader, VIN: it.vin, FirstSeen: now, LastSeen: now,
			Mileage: 1200, Price: 18000, History: &record.VehicleHistory{Owners: it.owners},
		},
	}
	if it.located {
		lc.Dealer.Lat, lc.Dealer.Lon, lc.Dealer.Quality = 40, -89, record.QualityVendor
	}
	return lc, it.err
}

func TestCollectGeocodesAndFiltersRecords(t *testing.T) {
	t.Parallel()

	geo := &stubGeocoder{loc: record.Location{Lat: 39.78, Lon: -89.65, Quality: record.QualityCensusZip}}
	c := Collector{Source: record.SourceAutotrader, Geocoder: geo}
	items := []rawItem{
		{vin: "A1"},
		{vin: "B2", err: Skipf("missing mpg")},
		{vin: "C3", located: true},
		{vin: "D4", owners: 16},
		{vin: "E5", err: fmt.Errorf("%w: body %q", normalize.ErrNotCanonical, "Limo")},
	}

	out, err := Collect(context.Background(), c, items, 1700000000, parseRaw)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "A1", out[0].Listing.VIN)
	assert.Equal(t, record.QualityCensusZip, out[0].Dealer.Quality)
	assert.InDelta(t, 39.78, out[0].Dealer.Lat, 1e-9)
	assert.Equal(t, "C3", out[1].Listing.VIN)
	assert.Equal(t, record.QualityVendor, out[1].Dealer.Quality)

	// A1 and D4 needed coordinates; C3 brought its own.
	require.Len(t, geo.calls, 2)
	assert.Equal(t, geocode.Address{Street: "100 Main Street", Zip: "62701", City: "Springfield", State: "IL"}, geo.calls[0])
}

func TestCollectDropsUngeocodedRecords(t *testing.T) {
	t.Parallel()

	geo := &stubGeocoder{err: geocode.ErrNotGeocoded}
	out, err := Collect(context.Background(), Collector{Source: record.SourceEdmunds, Geocoder: geo},
		[]rawItem{{vin: "A1"}, {vin: "B2", located: true}}, 1, parseRaw)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "B2", out[0].Listing.VIN)
}

func TestCollectAbortsOnGeocoderOutage(t *testing.T) {
	t.Parallel()

	outage := errors.New("dial tcp: connection refused")
	geo := &stubGeocoder{err: outage}
	_, err := Collect(context.Background(), Collector{Source: record.SourceEdmunds, Geocoder: geo},
		[]rawItem{{vin: "A1"}}, 1, parseRaw)
	require.ErrorIs(t, err, outage)
}

func TestCollectWithoutGeocoderDropsUnlocated(t *testing.T) {
	t.Parallel()

	out, err := Collect(context.Background(), Collector{Source: record.SourceTrueCar},
		[]rawItem{{vin: "A1"}, {vin: "B2", located: true}}, 1, parseRaw)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "B2", out[0].Listing.VIN)
}

func TestReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "missing_field", Reason(Skipf("vin %s: missing price", "X")))
	assert.Equal(t, "not_canonical", Reason(fmt.Errorf("wrap: %w", normalize.ErrNotCanonical)))
	assert.Equal(t, "not_geocoded", Reason(geocode.ErrNotGeocoded))
	assert.Equal(t, "invalid", Reason(errors.New("mileage -1 is negative")))
}
