package autotrader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/carharvest/internal/clock"
	collyfetcher "github.com/JakeFAU/carharvest/internal/fetcher/colly"
	"github.com/JakeFAU/carharvest/internal/geocode"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/shard"
	"github.com/JakeFAU/carharvest/internal/sources"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	body, err := os.ReadFile("testdata/search.json")
	require.NoError(t, err)
	return body
}

func fixtureItems(t *testing.T) []Item {
	t.Helper()
	var resp searchResponse
	require.NoError(t, json.Unmarshal(loadFixture(t), &resp))
	return resp.join()
}

type fixedGeocoder struct {
	calls []geocode.Address
}

func (g *fixedGeocoder) Resolve(_ context.Context, a geocode.Address) (record.Location, error) {
	g.calls = append(g.calls, a)
	return record.Location{Lat: 39.801, Lon: -89.644, Quality: record.QualityCensusZip}, nil
}

func TestJoinResolvesOwnersAndLabels(t *testing.T) {
	t.Parallel()

	items := fixtureItems(t)
	require.Len(t, items, 4)
	require.NotNil(t, items[0].Owner)
	assert.Equal(t, "Lincoln Land Honda", items[0].Owner.Name)
	assert.Equal(t, flexID("611000001"), items[0].Listing.ID)
	assert.Equal(t, "Sedan", items[0].BodyLabels["SEDAN"])
	assert.True(t, items[2].Owner.PrivateSeller)
}

func TestJoinLeavesUnknownOwnerNil(t *testing.T) {
	t.Parallel()

	resp := searchResponse{Listings: []listing{{ID: "1", OwnerID: "missing"}}}
	items := resp.join()
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Owner)

	_, err := Parse(items[0], 1)
	require.ErrorIs(t, err, sources.ErrSkip)
}

func TestParseDealerListing(t *testing.T) {
	t.Parallel()

	lc, err := Parse(fixtureItems(t)[0], 1700000000)
	require.NoError(t, err)

	assert.Equal(t, record.Dealership{
		Name:    "Lincoln Land Honda",
		Address: "100 North Main Street",
		City:    "Springfield",
		State:   "IL",
		Zip:     "62701",
		Phone:   "2175550100",
	}, lc.Dealer)
	assert.Equal(t, record.VehicleAttributes{
		Year:       2020,
		Make:       "Honda",
		Model:      "Accord",
		Style:      "EX-L",
		TrimSlug:   "ex-l 1.5t",
		MPGCity:    30,
		MPGHwy:     38,
		Fuel:       record.FuelGas,
		IsAuto:     true,
		Drivetrain: record.DriveFWD,
		Body:       record.BodySedan,
		Source:     record.SourceAutotrader,
	}, lc.Attrs)
	assert.Equal(t, record.Listing{
		Source:        record.SourceAutotrader,
		VIN:           "1HGCV1F34LA000001",
		FirstSeen:     1700000000,
		LastSeen:      1700000000,
		Mileage:       21408,
		Price:         23995,
		ExteriorColor: "000080",
	}, lc.Listing)
}

func TestParseFallsBackToBodyCode(t *testing.T) {
	t.Parallel()

	lc, err := Parse(fixtureItems(t)[1], 1)
	require.NoError(t, err)
	assert.Equal(t, record.BodySUV, lc.Attrs.Body)
	assert.Equal(t, record.DriveAWD, lc.Attrs.Drivetrain)
	assert.Equal(t, "LX", lc.Attrs.Style)
}

func TestParseSkips(t *testing.T) {
	t.Parallel()

	items := fixtureItems(t)
	_, err := Parse(items[2], 1)
	require.ErrorIs(t, err, sources.ErrSkip, "private seller")
	assert.Contains(t, err.Error(), "private seller")

	_, err = Parse(items[3], 1)
	require.ErrorIs(t, err, sources.ErrSkip)
	assert.Contains(t, err.Error(), "missing mpg")
}

func TestEveryBodyCodeNormalizes(t *testing.T) {
	t.Parallel()

	for _, code := range BodyCodes {
		_, err := bodyOf(Item{Listing: listing{BodyStyleCodes: []string{code}}})
		assert.NoError(t, err, code)
	}
}

func TestBackendSearchQuery(t *testing.T) {
	t.Parallel()

	body := loadFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/rest/searchresults/base", r.URL.Path)
		assert.Equal(t, "USED", q.Get("allListingType"))
		assert.Equal(t, "d", q.Get("sellerTypes"))
		assert.Equal(t, "25", q.Get("numRecords"))
		assert.Equal(t, "1000", q.Get("minPrice"))
		assert.Equal(t, "1128", q.Get("maxPrice"))
		assert.Equal(t, "50", q.Get("firstRecord"))
		assert.Equal(t, "SUV", q.Get("vehicleStyleCodes"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	b := NewBackend(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), srv.URL+"/rest/searchresults/base", false)
	res, err := b.Search(context.Background(), shard.Query{Min: 1000, Max: 1128, Category: "SUV", Offset: 50})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Len(t, res.Items, 4)
}

func TestJobStepCollectsGeocodedBatch(t *testing.T) {
	t.Parallel()

	body := loadFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Empty(t, r.URL.Query().Get("firstRecord"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	geo := &fixedGeocoder{}
	job, err := NewJob(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), geo,
		clock.NewFixed(time.Unix(1700000000, 0)),
		Options{BaseURL: srv.URL, Shard: DefaultShardConfig()}, nil)
	require.NoError(t, err)
	assert.Equal(t, record.SourceAutotrader, job.Source())

	st := job.Fresh()
	assert.Equal(t, 0, st.Cursor)
	assert.Equal(t, 256, st.Delta)

	unit, err := job.Step(context.Background(), &st)
	require.NoError(t, err)
	require.False(t, unit.Done)
	require.Len(t, unit.Batch, 2)
	for _, lc := range unit.Batch {
		assert.Equal(t, record.QualityCensusZip, lc.Dealer.Quality)
		require.NoError(t, lc.Validate())
	}
	assert.Len(t, geo.calls, 2)
	assert.Equal(t, int32(1), hits.Load())

	// Four results fit one page, so the window is already drained.
	assert.Equal(t, 257, st.Cursor)
	assert.Empty(t, st.Shards)
}

func TestNewJobValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJob(nil, nil, clock.NewFixed(time.Unix(0, 0)), Options{Shard: DefaultShardConfig()}, nil)
	require.Error(t, err)

	_, err = NewJob(collyfetcher.New(collyfetcher.Config{}), nil, clock.NewFixed(time.Unix(0, 0)), Options{}, nil)
	require.Error(t, err, "zero shard config has no page size")
}
