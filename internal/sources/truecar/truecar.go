// Package truecar harvests the TrueCar used-listings API, sharding on
// mileage and splitting over-full windows by fuel type.
package truecar

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/clock"
	collyfetcher "github.com/JakeFAU/carharvest/internal/fetcher/colly"
	"github.com/JakeFAU/carharvest/internal/normalize"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/shard"
	"github.com/JakeFAU/carharvest/internal/sources"
)

// DefaultBaseURL is the used-listings endpoint.
const DefaultBaseURL = "https://www.truecar.com/abp/api/vehicles/used/listings"

// FuelCategories split windows that stay over the limit at the 5 mile floor.
var FuelCategories = []string{"Gas", "Hybrid", "Electric"}

// PageSize is the per_page value the API is queried with.
const PageSize = 30

// DefaultShardConfig walks mileage from 1 to 500,000 aiming for 1000
// listings per window. Windows narrower than 5 miles misbehave upstream.
func DefaultShardConfig() shard.Config {
	return shard.Config{
		Lower:        1,
		Upper:        500_000,
		InitialDelta: 10,
		MinDelta:     5,
		Limit:        990,
		PageSize:     PageSize,
		TargetTotal:  1000,
		Categories:   FuelCategories,
	}
}

// Getter fetches and decodes JSON.
type Getter interface {
	GetJSON(ctx context.Context, req collyfetcher.Request, out any) error
}

// Backend adapts the listings API to shard.Backend.
type Backend struct {
	client  Getter
	baseURL string
	archive bool
}

// NewBackend builds a Backend. An empty baseURL selects DefaultBaseURL.
func NewBackend(client Getter, baseURL string, archive bool) *Backend {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Backend{client: client, baseURL: baseURL, archive: archive}
}

// Search issues one page query. Offsets map onto 1-based page numbers.
func (b *Backend) Search(ctx context.Context, q shard.Query) (shard.Result[Listing], error) {
	params := url.Values{
		"collapse":        {"false"},
		"fallback":        {"false"},
		"mileage_low":     {strconv.Itoa(q.Min)},
		"mileage_high":    {strconv.Itoa(q.Max)},
		"list_price_low":  {"0"},
		"list_price_high": {"2500000"},
		"year_low":        {"1900"},
		"year_high":       {"2030"},
		"new_or_used":     {"u"},
		"per_page":        {strconv.Itoa(PageSize)},
		"page":            {strconv.Itoa(q.Offset/PageSize + 1)},
	}
	if q.Category != "" {
		params["fuel_type[]"] = []string{q.Category}
	} else {
		params["fuel_type[]"] = FuelCategories
	}
	req := collyfetcher.Request{URL: b.baseURL, Query: params, RateKey: string(record.SourceTrueCar)}
	if b.archive {
		req.Archive = string(record.SourceTrueCar)
	}
	var resp listingsResponse
	if err := b.client.GetJSON(ctx, req, &resp); err != nil {
		return shard.Result[Listing]{}, err
	}
	return shard.Result[Listing]{Total: resp.Total, Items: resp.Listings}, nil
}

// Options configure a Job.
type Options struct {
	BaseURL string
	Archive bool
	Shard   shard.Config
}

// NewJob assembles the TrueCar harvest job. Dealers normally carry vendor
// coordinates; the geocoder only serves the ones that do not.
func NewJob(client Getter, geocoder sources.Geocoder, clk clock.Clock, opts Options, logger *zap.Logger) (*sources.PagedJob[Listing], error) {
	if client == nil {
		return nil, fmt.Errorf("truecar: client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("truecar")
	pager, err := shard.New[Listing](opts.Shard, NewBackend(client, opts.BaseURL, opts.Archive), logger)
	if err != nil {
		return nil, fmt.Errorf("truecar: %w", err)
	}
	collector := sources.Collector{
		Source:   record.SourceTrueCar,
		Geocoder: geocoder,
		Logger:   logger,
	}
	return sources.NewPagedJob[Listing](pager, collector, Parse, clk), nil
}

// Parse converts one API listing.
func Parse(l Listing, now int64) (record.ListingWithContext, error) {
	v := l.Vehicle
	switch {
	case v.MPGCity == nil || v.MPGHighway == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing mpg", v.VIN)
	case v.Mileage == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing mileage", v.VIN)
	case l.Pricing.TotalPrice == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing price", v.VIN)
	}

	fuel, err := normalize.Fuel(v.FuelType)
	if err != nil {
		return record.ListingWithContext{}, err
	}
	body, err := normalize.Body(v.BodyStyle)
	if err != nil {
		return record.ListingWithContext{}, err
	}
	drive, err := normalize.Drivetrain(v.DriveTrain)
	if err != nil {
		return record.ListingWithContext{}, err
	}

	loc := l.Dealership.Location
	street := loc.Address1
	if loc.Address2 != nil && strings.TrimSpace(*loc.Address2) != "" {
		street += " " + *loc.Address2
	}
	dealer := record.Dealership{
		Name:    l.Dealership.Name,
		Address: normalize.Address(street),
		City:    normalize.City(loc.City),
		State:   loc.State,
		Zip:     loc.PostalCode,
	}
	if loc.Lat != nil && loc.Lng != nil {
		dealer.Lat = round6(*loc.Lat)
		dealer.Lon = round6(*loc.Lng)
		dealer.Quality = record.QualityVendor
	}
	if l.Dealership.Links.WebsiteLink != nil {
		dealer.Website = *l.Dealership.Links.WebsiteLink
	}

	listing := record.Listing{
		Source:        record.SourceTrueCar,
		VIN:           v.VIN,
		FirstSeen:     min(listedAt(l.ListedAt, now), now),
		LastSeen:      now,
		Mileage:       *v.Mileage,
		Price:         *l.Pricing.TotalPrice,
		InteriorColor: pickColor(v.InteriorColorRGB, v.InteriorColor, v.InteriorColorGeneric),
		ExteriorColor: pickColor(v.ExteriorColorRGB, v.ExteriorColor, v.ExteriorColorGeneric),
		History:       history(v.ConditionHistory),
	}

	return record.ListingWithContext{
		Dealer: dealer,
		Attrs: record.VehicleAttributes{
			Year:       v.Year,
			Make:       v.Make,
			Model:      v.Model,
			Style:      v.Style,
			TrimSlug:   v.TrimSlug,
			MPGCity:    *v.MPGCity,
			MPGHwy:     *v.MPGHighway,
			Fuel:       fuel,
			IsAuto:     v.Transmission == "Automatic",
			Drivetrain: drive,
			Body:       body,
			Engine:     v.Engine,
			Source:     record.SourceTrueCar,
		},
		Listing: listing,
	}, nil
}

func history(h *conditionHistory) *record.VehicleHistory {
	if h == nil {
		return nil
	}
	out := &record.VehicleHistory{
		Accident:    h.AccidentCount != nil && *h.AccidentCount > 0,
		FrameDamage: h.TitleInfo.IsFrameDamaged,
		Salvage:     h.TitleInfo.IsSalvage,
		Lemon:       h.TitleInfo.IsLemon,
		Theft:       h.TitleInfo.IsTheftRecovered,
		Fleet:       h.IsFleetCar,
		Rental:      h.IsRentalCar,
	}
	if h.OwnerCount != nil && *h.OwnerCount > 0 {
		// Counts past 255 still fail validation rather than wrapping.
		out.Owners = uint8(min(*h.OwnerCount, 255))
	}
	return out
}

// pickColor prefers the vendor hex, then the specific name, then the
// generic one.
func pickColor(rgb, name, generic string) string {
	if hex, ok := normalize.CleanHex(rgb); ok {
		return hex
	}
	for _, n := range []string{name, generic} {
		if hex, ok := normalize.Color(n); ok {
			return hex
		}
	}
	return ""
}

var listedAtLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02"}

func listedAt(raw string, fallback int64) int64 {
	for _, layout := range listedAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix()
		}
	}
	return fallback
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
