// Package postgres provides the Postgres-backed listing store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mmcloughlin/geohash"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// GeohashPrecision is the length of the geohash stored for each dealership.
const GeohashPrecision = 9

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists dealerships, vehicle attributes and listings.
type Store struct {
	pool   pool
	logger *zap.Logger
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(p, logger)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const upsertDealerSQL = `
INSERT INTO dealerships (
	address, zip, name, city, state, lat, lon, geohash, phone, website, geocode_quality
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (address, zip, name) DO UPDATE SET
	city = EXCLUDED.city,
	state = EXCLUDED.state,
	lat = CASE WHEN EXCLUDED.geocode_quality > dealerships.geocode_quality THEN EXCLUDED.lat ELSE dealerships.lat END,
	lon = CASE WHEN EXCLUDED.geocode_quality > dealerships.geocode_quality THEN EXCLUDED.lon ELSE dealerships.lon END,
	geohash = CASE WHEN EXCLUDED.geocode_quality > dealerships.geocode_quality THEN EXCLUDED.geohash ELSE dealerships.geohash END,
	geocode_quality = GREATEST(dealerships.geocode_quality, EXCLUDED.geocode_quality),
	phone = COALESCE(EXCLUDED.phone, dealerships.phone),
	website = COALESCE(EXCLUDED.website, dealerships.website)
RETURNING id`

const upsertAttrsSQL = `
INSERT INTO ymms_attrs (
	year, make, model, style, trim_slug, mpg_city, mpg_hwy, fuel_type, is_auto, drivetrain, body, engine, source
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (year, make, model, style) DO UPDATE SET
	source = COALESCE(ymms_attrs.source, EXCLUDED.source)
RETURNING id`

const upsertListingSQL = `
INSERT INTO listings (
	source, vin, first_seen, last_seen, mileage, price, color_rgb_int, color_rgb_ext, history_flags, dealer_id, ymms_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (source, vin) DO UPDATE SET
	first_seen = LEAST(listings.first_seen, EXCLUDED.first_seen),
	last_seen = GREATEST(listings.last_seen, EXCLUDED.last_seen),
	mileage = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.mileage ELSE listings.mileage END,
	price = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.price ELSE listings.price END,
	color_rgb_int = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.color_rgb_int ELSE listings.color_rgb_int END,
	color_rgb_ext = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.color_rgb_ext ELSE listings.color_rgb_ext END,
	history_flags = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.history_flags ELSE listings.history_flags END,
	dealer_id = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.dealer_id ELSE listings.dealer_id END,
	ymms_id = CASE WHEN EXCLUDED.last_seen >= listings.last_seen THEN EXCLUDED.ymms_id ELSE listings.ymms_id END`

// UpsertBatch writes a batch in one transaction: dealerships and
// attributes first, then the listings referencing them. Invalid records
// are logged and left out. It returns the number of listings written.
func (s *Store) UpsertBatch(ctx context.Context, batch []record.ListingWithContext) (int, error) {
	b := coalesce(batch, s.logger)
	if len(b.listings) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback batch failed", zap.Error(rbErr))
			}
		}
	}()

	dealerIDs := make(map[record.DealerKey]int64, len(b.dealers))
	for _, d := range b.dealers {
		var id int64
		if err := tx.QueryRow(ctx, upsertDealerSQL, dealerArgs(d)...).Scan(&id); err != nil {
			return 0, fmt.Errorf("upsert dealership %q: %w", d.Name, err)
		}
		dealerIDs[d.Key()] = id
	}
	attrIDs := make(map[record.AttrKey]int64, len(b.attrs))
	for _, a := range b.attrs {
		var id int64
		if err := tx.QueryRow(ctx, upsertAttrsSQL, attrArgs(a)...).Scan(&id); err != nil {
			return 0, fmt.Errorf("upsert attributes %d %s %s: %w", a.Year, a.Make, a.Model, err)
		}
		attrIDs[a.Key()] = id
	}
	for _, lc := range b.listings {
		args, err := listingArgs(lc.Listing, dealerIDs[lc.Dealer.Key()], attrIDs[lc.Attrs.Key()])
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, upsertListingSQL, args...); err != nil {
			return 0, fmt.Errorf("upsert listing %s/%s: %w", lc.Listing.Source, lc.Listing.VIN, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	committed = true

	source := string(b.listings[0].Listing.Source)
	metrics.ObserveBatchWrite(source, time.Since(start))
	metrics.ObserveWritten(source, len(b.listings))
	return len(b.listings), nil
}

type coalesced struct {
	dealers  []record.Dealership
	attrs    []record.VehicleAttributes
	listings []record.ListingWithContext
}

// coalesce merges rows sharing a natural key so each is written once per
// batch. Dealers keep the best-quality coordinates and the latest non-empty
// phone and website; listings keep the latest observation and the earliest
// first_seen.
func coalesce(batch []record.ListingWithContext, logger *zap.Logger) coalesced {
	var out coalesced
	dealerAt := map[record.DealerKey]int{}
	attrAt := map[record.AttrKey]int{}
	listingAt := map[record.ListingKey]int{}

	for _, lc := range batch {
		if err := lc.Validate(); err != nil {
			logger.Warn("dropping invalid record",
				zap.String("source", string(lc.Listing.Source)),
				zap.String("vin", lc.Listing.VIN),
				zap.Error(err))
			metrics.ObserveSkipped(string(lc.Listing.Source), "invalid")
			continue
		}

		if i, ok := dealerAt[lc.Dealer.Key()]; ok {
			out.dealers[i] = mergeDealer(out.dealers[i], lc.Dealer)
		} else {
			dealerAt[lc.Dealer.Key()] = len(out.dealers)
			out.dealers = append(out.dealers, lc.Dealer)
		}

		if i, ok := attrAt[lc.Attrs.Key()]; ok {
			if out.attrs[i].Source == "" {
				out.attrs[i].Source = lc.Attrs.Source
			}
		} else {
			attrAt[lc.Attrs.Key()] = len(out.attrs)
			out.attrs = append(out.attrs, lc.Attrs)
		}

		if i, ok := listingAt[lc.Listing.Key()]; ok {
			prev := out.listings[i]
			firstSeen := min(prev.Listing.FirstSeen, lc.Listing.FirstSeen)
			if lc.Listing.LastSeen >= prev.Listing.LastSeen {
				out.listings[i] = lc
			}
			out.listings[i].Listing.FirstSeen = firstSeen
		} else {
			listingAt[lc.Listing.Key()] = len(out.listings)
			out.listings = append(out.listings, lc)
		}
	}
	return out
}

func mergeDealer(stored, next record.Dealership) record.Dealership {
	out := stored
	out.City, out.State = next.City, next.State
	if next.Quality > stored.Quality {
		out.Lat, out.Lon, out.Quality = next.Lat, next.Lon, next.Quality
	}
	if next.Phone != "" {
		out.Phone = next.Phone
	}
	if next.Website != "" {
		out.Website = next.Website
	}
	return out
}

func dealerArgs(d record.Dealership) []any {
	var lat, lon *float64
	var hash *string
	if d.Quality > record.QualityNone {
		lat, lon = &d.Lat, &d.Lon
		h := geohash.EncodeWithPrecision(d.Lat, d.Lon, GeohashPrecision)
		hash = &h
	}
	return []any{
		d.Address, d.Zip, d.Name, d.City, d.State,
		lat, lon, hash,
		nullString(d.Phone), nullString(d.Website),
		int16(d.Quality),
	}
}

func attrArgs(a record.VehicleAttributes) []any {
	return []any{
		a.Year, a.Make, a.Model, a.Style, a.TrimSlug,
		a.MPGCity, a.MPGHwy, string(a.Fuel), a.IsAuto,
		string(a.Drivetrain), string(a.Body),
		nullString(a.Engine), nullString(string(a.Source)),
	}
}

func listingArgs(l record.Listing, dealerID, attrID int64) ([]any, error) {
	var flags *int32
	if l.History != nil {
		packed, err := l.History.Pack()
		if err != nil {
			return nil, fmt.Errorf("pack history for %s: %w", l.VIN, err)
		}
		v := int32(packed)
		flags = &v
	}
	return []any{
		string(l.Source), l.VIN, l.FirstSeen, l.LastSeen, l.Mileage, l.Price,
		nullString(l.InteriorColor), nullString(l.ExteriorColor), flags,
		dealerID, attrID,
	}, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LookupCoordinates returns the best stored coordinates for a dealership
// address. ok is false when no geocoded row matches.
func (s *Store) LookupCoordinates(ctx context.Context, address, zip string) (record.Location, bool, error) {
	const q = `
SELECT lat, lon, geocode_quality
FROM dealerships
WHERE address = $1 AND zip = $2 AND geocode_quality > 0
ORDER BY geocode_quality DESC
LIMIT 1`
	var (
		loc     record.Location
		quality int16
	)
	err := s.pool.QueryRow(ctx, q, address, zip).Scan(&loc.Lat, &loc.Lon, &quality)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Location{}, false, nil
	}
	if err != nil {
		return record.Location{}, false, fmt.Errorf("lookup coordinates: %w", err)
	}
	loc.Quality = record.GeocodeQuality(quality)
	return loc, true, nil
}

// DeleteStale removes listings of source last seen before the cutoff.
func (s *Store) DeleteStale(ctx context.Context, source record.Source, before int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM listings WHERE source = $1 AND last_seen < $2`, string(source), before)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s listings: %w", source, err)
	}
	return tag.RowsAffected(), nil
}
