// Package edmunds harvests Edmunds inventory by loading search result
// pages in headless Chrome and reading the inventory API responses the
// page fetches for itself. Progress is the SRP page number.
package edmunds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/clock"
	"github.com/JakeFAU/carharvest/internal/fetcher/headless"
	"github.com/JakeFAU/carharvest/internal/harvest"
	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/normalize"
	"github.com/JakeFAU/carharvest/internal/policy/retry"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/sources"
	"github.com/JakeFAU/carharvest/internal/state"
)

// DefaultSearchURL is the search results page.
const DefaultSearchURL = "https://www.edmunds.com/inventory/srp.html"

// DefaultUserAgent is sent with every browser request.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/99.0.4844.82 Safari/537.36 Vivaldi/4.3"

// Capturer loads a page and returns the responses it intercepted.
type Capturer interface {
	Capture(ctx context.Context, pageURL string, in headless.Intercept) ([]headless.Capture, error)
}

// Archiver stores raw payloads.
type Archiver interface {
	Archive(ctx context.Context, source string, body []byte) error
}

// Page and radius defaults.
const (
	DefaultLastPage = 10_000
	DefaultRadius   = 500
)

// Options configure a Job.
type Options struct {
	SearchURL string
	FirstPage int
	LastPage  int
	// Radius is the search radius in miles.
	Radius    int
	UserAgent string
	Archiver  Archiver
}

func (o *Options) defaults() {
	if o.SearchURL == "" {
		o.SearchURL = DefaultSearchURL
	}
	if o.FirstPage < 1 {
		o.FirstPage = 1
	}
	if o.LastPage == 0 {
		o.LastPage = DefaultLastPage
	}
	if o.Radius == 0 {
		o.Radius = DefaultRadius
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
}

// Job walks SRP pages sorted by ascending mileage.
type Job struct {
	capturer  Capturer
	collector sources.Collector
	clock     clock.Clock
	opts      Options
	logger    *zap.Logger
}

var _ harvest.Job = (*Job)(nil)

// NewJob builds the Edmunds job.
func NewJob(capturer Capturer, geocoder sources.Geocoder, clk clock.Clock, opts Options, logger *zap.Logger) (*Job, error) {
	if capturer == nil {
		return nil, errors.New("edmunds: capturer is required")
	}
	opts.defaults()
	if opts.LastPage < opts.FirstPage {
		return nil, fmt.Errorf("edmunds: last page %d before first page %d", opts.LastPage, opts.FirstPage)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("edmunds")
	return &Job{
		capturer: capturer,
		collector: sources.Collector{
			Source:   record.SourceEdmunds,
			Geocoder: geocoder,
			Logger:   logger,
		},
		clock:  clk,
		opts:   opts,
		logger: logger,
	}, nil
}

// Source names the site.
func (j *Job) Source() record.Source { return record.SourceEdmunds }

// Fresh starts at the first page.
func (j *Job) Fresh() state.State {
	return state.State{Cursor: j.opts.FirstPage, Shards: []state.Shard{}}
}

// Step loads one results page. Only a page whose inventory response came
// back 200 and decoded with no results ends the pass. A page that yielded
// no usable inventory response at all is a transient failure, so the
// page is retried rather than the pass being cut short.
func (j *Job) Step(ctx context.Context, st *state.State) (harvest.Unit, error) {
	if st.Cursor < j.opts.FirstPage {
		st.Cursor = j.opts.FirstPage
	}
	if st.Cursor > j.opts.LastPage {
		return harvest.Unit{Done: true}, nil
	}
	pageURL := j.pageURL(st.Cursor)
	captures, err := j.capturer.Capture(ctx, pageURL, j.intercept())
	if err != nil {
		return harvest.Unit{}, fmt.Errorf("load page %d: %w", st.Cursor, err)
	}

	var (
		results []Result
		decoded int
	)
	for _, c := range captures {
		if c.Status != http.StatusOK {
			j.logger.Debug("ignoring inventory response", zap.String("url", c.URL), zap.Int("status", c.Status))
			continue
		}
		if j.opts.Archiver != nil {
			if err := j.opts.Archiver.Archive(ctx, string(record.SourceEdmunds), c.Body); err != nil {
				j.logger.Warn("archive payload failed", zap.String("url", c.URL), zap.Error(err))
			}
		}
		var payload inventoryPayload
		if err := json.Unmarshal(c.Body, &payload); err != nil {
			metrics.ObserveSkipped(string(record.SourceEdmunds), "malformed_payload")
			j.logger.Warn("undecodable inventory payload", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		decoded++
		results = append(results, payload.Inventories.Results...)
	}
	if decoded == 0 {
		return harvest.Unit{}, retry.Transient(fmt.Errorf("page %d: no usable inventory response among %d captures", st.Cursor, len(captures)))
	}
	if len(results) == 0 {
		j.logger.Info("no inventory on page, ending pass", zap.Int("page", st.Cursor))
		return harvest.Unit{Done: true}, nil
	}

	batch, err := sources.Collect(ctx, j.collector, results, j.clock.Now().Unix(), Parse)
	if err != nil {
		return harvest.Unit{}, err
	}
	j.logger.Debug("page collected", zap.Int("page", st.Cursor), zap.Int("results", len(results)), zap.Int("accepted", len(batch)))
	st.Cursor++
	return harvest.Unit{Batch: batch}, nil
}

func (j *Job) pageURL(page int) string {
	q := url.Values{
		"inventorytype": {"used,cpo"},
		"pagenumber":    {strconv.Itoa(page)},
		"sort":          {"mileage:asc"},
		"radius":        {strconv.Itoa(j.opts.Radius)},
	}
	return j.opts.SearchURL + "?" + q.Encode()
}

func (j *Job) intercept() headless.Intercept {
	return headless.Intercept{
		Match:   IsInventoryAPI,
		Block:   Blocked,
		Headers: http.Header{"User-Agent": {j.opts.UserAgent}},
	}
}

// IsInventoryAPI reports whether a response carries inventory JSON.
func IsInventoryAPI(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Path, "inventory") && strings.Contains(u.Path, "api")
}

// Blocked refuses images, off-site requests and promotional pages.
func Blocked(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	switch {
	case strings.HasSuffix(u.Path, ".png"), strings.HasSuffix(u.Path, ".jpg"), strings.HasSuffix(u.Path, ".gif"):
		return true
	case !strings.Contains(u.Host, "edmunds.com") && !strings.Contains(u.Host, "edmunds-media.com"):
		return true
	case strings.Contains(u.Path, "activate"), strings.Contains(u.Path, "certified-program"):
		return true
	}
	return false
}

// Parse converts one inventory result. Dealers come back ungeocoded.
func Parse(r Result, now int64) (record.ListingWithContext, error) {
	vi := r.VehicleInfo
	si := vi.StyleInfo
	switch {
	case si.Fuel.EPACityMPG == nil || si.Fuel.EPAHighwayMPG == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing mpg", r.VIN)
	case vi.Mileage == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing mileage", r.VIN)
	case r.Prices.DisplayPrice == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing price", r.VIN)
	case r.HistoryInfo == nil:
		return record.ListingWithContext{}, sources.Skipf("vin %s: missing history", r.VIN)
	}

	fuel, err := normalize.Fuel(vi.PartsInfo.EngineType)
	if err != nil {
		return record.ListingWithContext{}, err
	}
	body, err := normalize.Body(si.BodyType)
	if err != nil {
		return record.ListingWithContext{}, err
	}
	drive, err := normalize.Drivetrain(vi.PartsInfo.DriveTrain)
	if err != nil {
		return record.ListingWithContext{}, err
	}

	dd := r.DealerInfo
	dealer := record.Dealership{
		Name:    dd.Name,
		Address: normalize.Address(normalize.PatchAddress(dd.Address.Street)),
		City:    normalize.City(dd.Address.City),
		State:   dd.Address.StateCode,
		Zip:     dd.Address.Zip,
		Phone:   phone(dd),
	}
	if strings.HasPrefix(r.ListingURL, "http://") || strings.HasPrefix(r.ListingURL, "https://") {
		dealer.Website = r.ListingURL
	}

	firstSeen := r.FirstPublishedDate / 1000
	if firstSeen <= 0 || firstSeen > now {
		firstSeen = now
	}

	return record.ListingWithContext{
		Dealer: dealer,
		Attrs: record.VehicleAttributes{
			Year:       si.Year,
			Make:       si.Make,
			Model:      si.Model,
			Style:      strings.TrimSpace(strings.SplitN(si.Style, "(", 2)[0]),
			TrimSlug:   strings.ToLower(si.Trim),
			MPGCity:    *si.Fuel.EPACityMPG,
			MPGHwy:     *si.Fuel.EPAHighwayMPG,
			Fuel:       fuel,
			IsAuto:     vi.PartsInfo.Transmission == "Automatic",
			Drivetrain: drive,
			Body:       body,
			Source:     record.SourceEdmunds,
		},
		Listing: record.Listing{
			Source:        record.SourceEdmunds,
			VIN:           r.VIN,
			FirstSeen:     firstSeen,
			LastSeen:      now,
			Mileage:       *vi.Mileage,
			Price:         *r.Prices.DisplayPrice,
			InteriorColor: color(vi.VehicleColors.Interior),
			ExteriorColor: color(vi.VehicleColors.Exterior),
			History:       history(r.HistoryInfo),
		},
	}, nil
}

func phone(d dealerInfo) string {
	p := d.PhoneNumbers.Basic
	if p == nil {
		p = d.PhoneNumbers.Trackable
	}
	if p == nil {
		return ""
	}
	return p.AreaCode + p.Prefix + p.Postfix
}

func color(c rgb) string {
	if c.R == nil || c.G == nil || c.B == nil {
		return ""
	}
	return normalize.HexFromRGB(*c.R, *c.G, *c.B)
}

func history(h *historyInfo) *record.VehicleHistory {
	return &record.VehicleHistory{
		Accident:    !h.NoAccidents,
		FrameDamage: h.FrameDamage,
		Salvage:     h.SalvageHistory,
		Lemon:       h.LemonHistory,
		Theft:       h.TheftHistory,
		Owners:      owners(h.OwnerText),
		Fleet:       h.UsageType != "Personal Use",
		Rental:      h.UsageType == "Taxi" || h.UsageType == "Lease",
	}
}

// owners reads the leading number of ownerText; an empty text means one.
func owners(text string) uint8 {
	digits := strings.TrimSpace(text)
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	if end == 0 {
		return 1
	}
	n, err := strconv.Atoi(digits[:end])
	if err != nil || n > 255 {
		return 255
	}
	return uint8(n)
}
