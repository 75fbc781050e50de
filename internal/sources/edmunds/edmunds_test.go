package edmunds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/carharvest/internal/clock"
	"github.com/JakeFAU/carharvest/internal/fetcher/headless"
	"github.com/JakeFAU/carharvest/internal/geocode"
	"github.com/JakeFAU/carharvest/internal/policy/retry"
	"github.com/JakeFAU/carharvest/internal/record"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	body, err := os.ReadFile("testdata/inventory.json")
	require.NoError(t, err)
	return body
}

func fixtureResults(t *testing.T) []Result {
	t.Helper()
	var p inventoryPayload
	require.NoError(t, json.Unmarshal(loadFixture(t), &p))
	return p.Inventories.Results
}

// pagedCapturer serves captures per page number.
type pagedCapturer struct {
	pages map[string][]headless.Capture
	err   error
	urls  []string
	seen  headless.Intercept
}

func (c *pagedCapturer) Capture(_ context.Context, pageURL string, in headless.Intercept) ([]headless.Capture, error) {
	c.urls = append(c.urls, pageURL)
	c.seen = in
	if c.err != nil {
		return nil, c.err
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	return c.pages[u.Query().Get("pagenumber")], nil
}

type memArchiver struct {
	source string
	bodies int
}

func (a *memArchiver) Archive(_ context.Context, source string, _ []byte) error {
	a.source = source
	a.bodies++
	return nil
}

type addrGeocoder struct{ got []geocode.Address }

func (g *addrGeocoder) Resolve(_ context.Context, a geocode.Address) (record.Location, error) {
	g.got = append(g.got, a)
	return record.Location{Lat: 40.5, Lon: -88.98, Quality: record.QualityCensusCity}, nil
}

func TestParseInventoryResult(t *testing.T) {
	t.Parallel()

	lc, err := Parse(fixtureResults(t)[0], 1700000000)
	require.NoError(t, err)

	assert.Equal(t, record.Dealership{
		Name:    "Prairie Jeep",
		Address: "3100 Rte 66",
		City:    "Normal",
		State:   "IL",
		Zip:     "61761",
		Phone:   "3095550199",
		Website: "http://www.prairiejeep.example/used/1C4RJFBG0KC000001",
	}, lc.Dealer)
	assert.Equal(t, record.VehicleAttributes{
		Year:       2019,
		Make:       "Jeep",
		Model:      "Grand Cherokee",
		Style:      "Limited 4dr SUV 4WD",
		TrimSlug:   "limited",
		MPGCity:    18,
		MPGHwy:     25,
		Fuel:       record.FuelGas,
		IsAuto:     true,
		Drivetrain: record.Drive4WD,
		Body:       record.BodySUV,
		Source:     record.SourceEdmunds,
	}, lc.Attrs)

	l := lc.Listing
	assert.Equal(t, int64(1699000000), l.FirstSeen)
	assert.Equal(t, int64(1700000000), l.LastSeen)
	assert.Equal(t, 45012, l.Mileage)
	assert.Equal(t, "000000", l.InteriorColor)
	assert.Equal(t, "800A1A", l.ExteriorColor)
	require.NotNil(t, l.History)
	assert.Equal(t, record.VehicleHistory{Owners: 2, Fleet: true, Rental: true}, *l.History)
}

func TestParseRejectsUnknownBody(t *testing.T) {
	t.Parallel()

	_, err := Parse(fixtureResults(t)[1], 1700000000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Limousine")
}

func TestHistoryDefaults(t *testing.T) {
	t.Parallel()

	h := history(&historyInfo{NoAccidents: false, UsageType: "Personal Use"})
	assert.True(t, h.Accident)
	assert.Equal(t, uint8(1), h.Owners)
	assert.False(t, h.Fleet)
	assert.False(t, h.Rental)

	assert.Equal(t, uint8(3), owners("3+ owners"))
	assert.True(t, history(&historyInfo{UsageType: "Taxi"}).Rental)
}

func TestColorRequiresAllChannels(t *testing.T) {
	t.Parallel()

	r := 10
	assert.Empty(t, color(rgb{R: &r}))
	assert.Equal(t, "0A0A0A", color(rgb{R: &r, G: &r, B: &r}))
}

func TestInterceptRules(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInventoryAPI("https://www.edmunds.com/gateway/api/purchasefunnel/v1/srp/inventory?pagenumber=2"))
	assert.False(t, IsInventoryAPI("https://www.edmunds.com/inventory/srp.html"))

	for _, tc := range []struct {
		url     string
		blocked bool
	}{
		{"https://www.edmunds.com/inventory/srp.html?pagenumber=1", false},
		{"https://static.ed.edmunds-media.com/app.js", false},
		{"https://media.ed.edmunds-media.com/jeep/photo.jpg", true},
		{"https://www.edmunds.com/logo.png", true},
		{"https://www.googletagmanager.com/gtm.js", true},
		{"https://www.edmunds.com/car-buying/activate-offer", true},
		{"https://www.edmunds.com/certified-program/jeep", true},
		{"://bad", true},
	} {
		assert.Equal(t, tc.blocked, Blocked(tc.url), tc.url)
	}
}

func TestStepCollectsPageAndAdvances(t *testing.T) {
	t.Parallel()

	capt := &pagedCapturer{pages: map[string][]headless.Capture{
		"1": {
			{URL: "https://www.edmunds.com/gateway/api/inventory?page=1", Status: http.StatusOK, Body: loadFixture(t)},
			{URL: "https://www.edmunds.com/gateway/api/inventory/facets", Status: http.StatusNotFound, Body: []byte("{}")},
			{URL: "https://www.edmunds.com/gateway/api/inventory/broken", Status: http.StatusOK, Body: []byte("{not json")},
		},
	}}
	arch := &memArchiver{}
	geo := &addrGeocoder{}
	job, err := NewJob(capt, geo, clock.NewFixed(time.Unix(1700000000, 0)), Options{Archiver: arch}, nil)
	require.NoError(t, err)

	st := job.Fresh()
	require.Equal(t, 1, st.Cursor)

	unit, err := job.Step(context.Background(), &st)
	require.NoError(t, err)
	require.False(t, unit.Done)
	require.Len(t, unit.Batch, 1)
	assert.Equal(t, "1C4RJFBG0KC000001", unit.Batch[0].Listing.VIN)
	assert.Equal(t, record.QualityCensusCity, unit.Batch[0].Dealer.Quality)
	assert.Equal(t, 2, st.Cursor)

	require.Len(t, geo.got, 1)
	assert.Equal(t, "3100 Rte 66", geo.got[0].Street)

	assert.Equal(t, "edmunds", arch.source)
	assert.Equal(t, 2, arch.bodies)

	require.Len(t, capt.urls, 1)
	u, err := url.Parse(capt.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "mileage:asc", u.Query().Get("sort"))
	assert.Equal(t, "used,cpo", u.Query().Get("inventorytype"))
	assert.Equal(t, "500", u.Query().Get("radius"))
	assert.Equal(t, DefaultUserAgent, capt.seen.Headers.Get("User-Agent"))
	require.NotNil(t, capt.seen.Match)
	require.NotNil(t, capt.seen.Block)
}

func TestStepEndsPassOnlyOnDecodedEmptyInventory(t *testing.T) {
	t.Parallel()

	capt := &pagedCapturer{pages: map[string][]headless.Capture{
		"7": {{URL: "https://www.edmunds.com/gateway/api/inventory?page=7", Status: http.StatusServiceUnavailable, Body: []byte("upstream busy")}},
		"9": {{URL: "https://www.edmunds.com/gateway/api/inventory?page=9", Status: http.StatusOK, Body: []byte("{truncated")}},
		"10": {
			{URL: "https://www.edmunds.com/gateway/api/inventory/facets", Status: http.StatusNotFound, Body: []byte("{}")},
			{URL: "https://www.edmunds.com/gateway/api/inventory?page=10", Status: http.StatusOK, Body: []byte(`{"inventories":{"results":[]}}`)},
		},
	}}
	job, err := NewJob(capt, nil, clock.NewFixed(time.Unix(1700000000, 0)), Options{FirstPage: 7}, nil)
	require.NoError(t, err)

	// 503 only, nothing captured, undecodable body: retried, not finished.
	for _, page := range []int{7, 8, 9} {
		st := job.Fresh()
		st.Cursor = page
		unit, err := job.Step(context.Background(), &st)
		require.Error(t, err, "page %d", page)
		assert.True(t, retry.IsTransient(err), "page %d: %v", page, err)
		assert.False(t, unit.Done, "page %d", page)
		assert.Equal(t, page, st.Cursor, "cursor must stay on page %d", page)
	}

	st := job.Fresh()
	st.Cursor = 10
	unit, err := job.Step(context.Background(), &st)
	require.NoError(t, err)
	assert.True(t, unit.Done)
	assert.Equal(t, 10, st.Cursor)
}

func TestStepStopsPastLastPage(t *testing.T) {
	t.Parallel()

	capt := &pagedCapturer{}
	job, err := NewJob(capt, nil, clock.NewFixed(time.Unix(0, 0)), Options{FirstPage: 3, LastPage: 4}, nil)
	require.NoError(t, err)

	st := job.Fresh()
	st.Cursor = 5
	unit, err := job.Step(context.Background(), &st)
	require.NoError(t, err)
	assert.True(t, unit.Done)
	assert.Empty(t, capt.urls)
}

func TestStepPropagatesBrowserErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("chrome exited")
	job, err := NewJob(&pagedCapturer{err: boom}, nil, clock.NewFixed(time.Unix(0, 0)), Options{}, nil)
	require.NoError(t, err)
	st := job.Fresh()
	_, err = job.Step(context.Background(), &st)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, st.Cursor)
}

func TestNewJobValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJob(nil, nil, clock.NewFixed(time.Unix(0, 0)), Options{}, nil)
	require.Error(t, err)
	_, err = NewJob(&pagedCapturer{}, nil, clock.NewFixed(time.Unix(0, 0)), Options{FirstPage: 9, LastPage: 2}, nil)
	require.Error(t, err)
}
