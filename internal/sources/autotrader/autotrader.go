// Package autotrader harvests dealer listings from the Autotrader search
// API. The API serves at most 1000 records per filter, so the price axis
// is sharded and, when a one-dollar window is still too large, split by
// body style.
package autotrader

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/clock"
	collyfetcher "github.com/JakeFAU/carharvest/internal/fetcher/colly"
	"github.com/JakeFAU/carharvest/internal/normalize"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/shard"
	"github.com/JakeFAU/carharvest/internal/sources"
)

// DefaultBaseURL is the search endpoint.
const DefaultBaseURL = "http://www.autotrader.com/rest/searchresults/base"

// BodyCodes are the vehicleStyleCodes used to split over-full windows.
var BodyCodes = []string{"CONVERT", "COUPE", "HATCH", "SEDAN", "SUV", "TRUCKS", "VANS", "WAGON"}

// DefaultShardConfig walks prices from 0 to 1,000,000 aiming for 750
// results per window.
func DefaultShardConfig() shard.Config {
	return shard.Config{
		Lower:         0,
		Upper:         1_000_000,
		InitialDelta:  256,
		MinDelta:      1,
		Limit:         1000,
		PageSize:      25,
		TargetTotal:   750,
		RescaleOffset: 100,
		Categories:    BodyCodes,
	}
}

// Getter fetches and decodes JSON.
type Getter interface {
	GetJSON(ctx context.Context, req collyfetcher.Request, out any) error
}

// Backend adapts the search API to shard.Backend.
type Backend struct {
	client  Getter
	baseURL string
	archive bool
}

// NewBackend builds a Backend. An empty baseURL selects DefaultBaseURL.
// When archive is set every response body is handed to the fetcher's
// archiver.
func NewBackend(client Getter, baseURL string, archive bool) *Backend {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Backend{client: client, baseURL: baseURL, archive: archive}
}

// Search issues one page query.
func (b *Backend) Search(ctx context.Context, q shard.Query) (shard.Result[Item], error) {
	params := url.Values{
		"allListingType": {"USED"},
		"sellerTypes":    {"d"},
		"searchRadius":   {"0"},
		"numRecords":     {"25"},
		"minPrice":       {strconv.Itoa(q.Min)},
		"maxPrice":       {strconv.Itoa(q.Max)},
	}
	if q.Offset > 0 {
		params.Set("firstRecord", strconv.Itoa(q.Offset))
	}
	if q.Category != "" {
		params.Set("vehicleStyleCodes", q.Category)
	}
	req := collyfetcher.Request{URL: b.baseURL, Query: params, RateKey: string(record.SourceAutotrader)}
	if b.archive {
		req.Archive = string(record.SourceAutotrader)
	}
	var resp searchResponse
	if err := b.client.GetJSON(ctx, req, &resp); err != nil {
		return shard.Result[Item]{}, err
	}
	return shard.Result[Item]{Total: resp.TotalResultCount, Items: resp.join()}, nil
}

// Options configure a Job.
type Options struct {
	BaseURL string
	Archive bool
	Shard   shard.Config
}

// NewJob assembles the Autotrader harvest job.
func NewJob(client Getter, geocoder sources.Geocoder, clk clock.Clock, opts Options, logger *zap.Logger) (*sources.PagedJob[Item], error) {
	if client == nil {
		return nil, fmt.Errorf("autotrader: client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("autotrader")
	pager, err := shard.New[Item](opts.Shard, NewBackend(client, opts.BaseURL, opts.Archive), logger)
	if err != nil {
		return nil, fmt.Errorf("autotrader: %w", err)
	}
	collector := sources.Collector{
		Source:   record.SourceAutotrader,
		Geocoder: geocoder,
		Logger:   logger,
	}
	return sources.NewPagedJob[Item](pager, collector, Parse, clk), nil
}

var mpgPair = regexp.MustCompile(`([0-9]+) .*?([0-9]+)`)

// Parse converts one joined search item. Dealers come back ungeocoded.
func Parse(it Item, now int64) (record.ListingWithContext, error) {
	ld := it.Listing
	if it.Owner == nil {
		return record.ListingWithContext{}, sources.Skipf("listing %s: owner %q not in response", ld.ID, ld.OwnerID)
	}
	if it.Owner.PrivateSeller {
		return record.ListingWithContext{}, sources.Skipf("listing %s: private seller", ld.ID)
	}
	specs := ld.Specifications
	for _, need := range []struct {
		name string
		v    *specValue
	}{
		{"transmission", specs.Transmission},
		{"driveType", specs.DriveType},
		{"mpg", specs.MPG},
		{"mileage", specs.Mileage},
	} {
		if need.v == nil || need.v.Value == "" {
			return record.ListingWithContext{}, sources.Skipf("listing %s: missing %s", ld.ID, need.name)
		}
	}
	if len(ld.BodyStyleCodes) == 0 {
		return record.ListingWithContext{}, sources.Skipf("listing %s: no body style", ld.ID)
	}
	if len(ld.Style) == 0 {
		return record.ListingWithContext{}, sources.Skipf("listing %s: no style", ld.ID)
	}

	mpg := mpgPair.FindStringSubmatch(specs.MPG.Value)
	if mpg == nil {
		return record.ListingWithContext{}, sources.Skipf("listing %s: unreadable mpg %q", ld.ID, specs.MPG.Value)
	}
	city, _ := strconv.Atoi(mpg[1])
	hwy, _ := strconv.Atoi(mpg[2])
	mileage, err := strconv.Atoi(strings.ReplaceAll(specs.Mileage.Value, ",", ""))
	if err != nil {
		return record.ListingWithContext{}, sources.Skipf("listing %s: mileage %q", ld.ID, specs.Mileage.Value)
	}

	body, err := bodyOf(it)
	if err != nil {
		return record.ListingWithContext{}, err
	}
	fuel, err := normalize.Fuel(ld.FuelType)
	if err != nil {
		return record.ListingWithContext{}, err
	}
	drive, err := normalize.Drivetrain(specs.DriveType.Value)
	if err != nil {
		return record.ListingWithContext{}, err
	}

	trim := ld.Style[0]
	style := ld.Trim
	if style == "" {
		style = trim
	}

	addr := it.Owner.Location.Address
	dealer := record.Dealership{
		Name:    it.Owner.Name,
		Address: normalize.Address(addr.Address1),
		City:    normalize.City(addr.City),
		State:   addr.State,
		Zip:     addr.Zip,
	}
	if it.Owner.Phone != nil {
		dealer.Phone = it.Owner.Phone.Value
	}

	listing := record.Listing{
		Source:    record.SourceAutotrader,
		VIN:       ld.VIN,
		FirstSeen: now,
		LastSeen:  now,
		Mileage:   mileage,
		Price:     ld.PricingDetail.SalePrice,
	}
	if specs.InteriorColor != nil {
		listing.InteriorColor, _ = normalize.Color(specs.InteriorColor.Value)
	}
	if specs.Color != nil {
		listing.ExteriorColor, _ = normalize.Color(specs.Color.Value)
	}

	return record.ListingWithContext{
		Dealer: dealer,
		Attrs: record.VehicleAttributes{
			Year:       ld.Year,
			Make:       ld.Make,
			Model:      ld.Model,
			Style:      style,
			TrimSlug:   strings.ToLower(trim),
			MPGCity:    city,
			MPGHwy:     hwy,
			Fuel:       fuel,
			IsAuto:     specs.Transmission.Value == "Automatic",
			Drivetrain: drive,
			Body:       body,
			Source:     record.SourceAutotrader,
		},
		Listing: listing,
	}, nil
}

// bodyOf prefers the filter label for the first body code and falls back
// to the code itself, which normalizes for every entry in BodyCodes.
func bodyOf(it Item) (record.Body, error) {
	code := it.Listing.BodyStyleCodes[0]
	if label, ok := it.BodyLabels[code]; ok {
		if b, err := normalize.Body(label); err == nil {
			return b, nil
		}
	}
	return normalize.Body(code)
}
