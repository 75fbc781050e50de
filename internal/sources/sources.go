// Package sources holds what the per-site drivers share: the skip
// sentinel, the geocoding hook and the per-record collection loop that
// turns raw vendor items into validated listings.
package sources

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/geocode"
	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/normalize"
	"github.com/JakeFAU/carharvest/internal/record"
)

// ErrSkip marks a vendor record missing a field the schema requires.
var ErrSkip = errors.New("record skipped")

// Skipf returns an error wrapping ErrSkip.
func Skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...))
}

// Geocoder resolves dealer addresses that arrive without coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, a geocode.Address) (record.Location, error)
}

// ParseFunc converts one vendor item. now is the observation time in unix
// seconds.
type ParseFunc[T any] func(item T, now int64) (record.ListingWithContext, error)

// Collector runs the per-record pipeline: parse, geocode, validate.
// Rejections are logged and counted; they never fail the batch.
type Collector struct {
	Source   record.Source
	Geocoder Geocoder
	Logger   *zap.Logger
}

// Collect parses items in order. The returned error is non-nil only for
// failures that should abort the step, such as a geocoder outage.
func Collect[T any](ctx context.Context, c Collector, items []T, now int64, parse ParseFunc[T]) ([]record.ListingWithContext, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]record.ListingWithContext, 0, len(items))
	for _, item := range items {
		lc, err := parse(item, now)
		if err != nil {
			c.reject(logger, err, lc)
			continue
		}
		if lc.Dealer.Quality == record.QualityNone {
			if err := c.locate(ctx, &lc); err != nil {
				if errors.Is(err, geocode.ErrNotGeocoded) {
					c.reject(logger, err, lc)
					continue
				}
				return nil, err
			}
		}
		if err := lc.Validate(); err != nil {
			c.reject(logger, err, lc)
			continue
		}
		out = append(out, lc)
	}
	return out, nil
}

func (c Collector) locate(ctx context.Context, lc *record.ListingWithContext) error {
	if c.Geocoder == nil {
		return fmt.Errorf("%w: no geocoder configured", geocode.ErrNotGeocoded)
	}
	street := lc.Dealer.Address
	loc, err := c.Geocoder.Resolve(ctx, geocode.Address{
		Street: street,
		Zip:    lc.Dealer.Zip,
		City:   lc.Dealer.City,
		State:  lc.Dealer.State,
	})
	if err != nil {
		return fmt.Errorf("geocode %q %s: %w", street, lc.Dealer.Zip, err)
	}
	lc.Dealer.Lat, lc.Dealer.Lon, lc.Dealer.Quality = loc.Lat, loc.Lon, loc.Quality
	return nil
}

func (c Collector) reject(logger *zap.Logger, err error, lc record.ListingWithContext) {
	reason := Reason(err)
	metrics.ObserveSkipped(string(c.Source), reason)
	logger.Debug("record rejected",
		zap.String("source", string(c.Source)),
		zap.String("vin", lc.Listing.VIN),
		zap.String("reason", reason),
		zap.Error(err))
}

// Reason labels a rejection for the skipped-records counter.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSkip):
		return "missing_field"
	case errors.Is(err, normalize.ErrNotCanonical):
		return "not_canonical"
	case errors.Is(err, geocode.ErrNotGeocoded):
		return "not_geocoded"
	default:
		return "invalid"
	}
}
