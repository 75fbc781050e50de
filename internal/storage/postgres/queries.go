package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/carharvest/internal/record"
)

// ListingQuery bounds a listing search. Bounds are inclusive.
type ListingQuery struct {
	YearMin, YearMax       int
	MileageMin, MileageMax int
	PriceMin, PriceMax     float64
	MPGMin, MPGMax         float64
	// DealerIDs restricts the search when non-empty.
	DealerIDs []int64
	Limit     int
}

// ListingRow is a listing joined with its vehicle attributes.
type ListingRow struct {
	ID            int64
	Source        record.Source
	VIN           string
	FirstSeen     int64
	LastSeen      int64
	Mileage       int
	Price         float64
	InteriorColor string
	ExteriorColor string
	History       *record.VehicleHistory
	DealerID      int64
	AttrsID       int64
	Year          int
	Make          string
	Model         string
	Style         string
	TrimSlug      string
	MPG           float64
}

const listingsSQL = `
SELECT l.id, l.source, l.vin, l.first_seen, l.last_seen, l.mileage, l.price,
	COALESCE(l.color_rgb_int, ''), COALESCE(l.color_rgb_ext, ''), l.history_flags,
	l.dealer_id, l.ymms_id,
	a.year, a.make, a.model, a.style, a.trim_slug,
	0.45 * a.mpg_hwy + 0.55 * a.mpg_city AS mpg
FROM listings l
JOIN ymms_attrs a ON a.id = l.ymms_id
WHERE a.year BETWEEN $1 AND $2
	AND l.mileage BETWEEN $3 AND $4
	AND l.price BETWEEN $5 AND $6
	AND 0.45 * a.mpg_hwy + 0.55 * a.mpg_city BETWEEN $7 AND $8
	AND (cardinality($9::bigint[]) = 0 OR l.dealer_id = ANY($9::bigint[]))
ORDER BY l.id
LIMIT $10`

// Listings returns listings matching q ordered by id.
func (s *Store) Listings(ctx context.Context, q ListingQuery) ([]ListingRow, error) {
	dealers := q.DealerIDs
	if dealers == nil {
		dealers = []int64{}
	}
	rows, err := s.pool.Query(ctx, listingsSQL,
		q.YearMin, q.YearMax, q.MileageMin, q.MileageMax,
		q.PriceMin, q.PriceMax, q.MPGMin, q.MPGMax,
		dealers, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var out []ListingRow
	for rows.Next() {
		var (
			r      ListingRow
			source string
			flags  *int32
		)
		if err := rows.Scan(
			&r.ID, &source, &r.VIN, &r.FirstSeen, &r.LastSeen, &r.Mileage, &r.Price,
			&r.InteriorColor, &r.ExteriorColor, &flags,
			&r.DealerID, &r.AttrsID,
			&r.Year, &r.Make, &r.Model, &r.Style, &r.TrimSlug, &r.MPG,
		); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		r.Source = record.Source(source)
		if flags != nil {
			h := record.UnpackHistory(uint16(*flags))
			r.History = &h
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

// DealerLocation is the subset of a dealership used for distance queries.
type DealerLocation struct {
	ID   int64
	Name string
	Zip  string
	Lat  float64
	Lon  float64
}

// DealersByGeohash lists geocoded dealerships whose geohash starts with
// one of prefixes. An empty prefix list returns every geocoded dealership.
func (s *Store) DealersByGeohash(ctx context.Context, prefixes []string) ([]DealerLocation, error) {
	if prefixes == nil {
		prefixes = []string{}
	}
	const q = `
SELECT id, name, zip, lat, lon
FROM dealerships
WHERE geocode_quality > 0
	AND (cardinality($1::text[]) = 0 OR left(geohash, length(($1::text[])[1])) = ANY($1::text[]))
ORDER BY id`
	rows, err := s.pool.Query(ctx, q, prefixes)
	if err != nil {
		return nil, fmt.Errorf("query dealers: %w", err)
	}
	defer rows.Close()

	var out []DealerLocation
	for rows.Next() {
		var d DealerLocation
		if err := rows.Scan(&d.ID, &d.Name, &d.Zip, &d.Lat, &d.Lon); err != nil {
			return nil, fmt.Errorf("scan dealer row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dealers: %w", err)
	}
	return out, nil
}

// ZipCentroid averages the coordinates of geocoded dealerships in zip.
// ok is false when the zip has none.
func (s *Store) ZipCentroid(ctx context.Context, zip string) (lat, lon float64, ok bool, err error) {
	const q = `
SELECT avg(lat), avg(lon)
FROM dealerships
WHERE zip = $1 AND geocode_quality > 0
HAVING count(*) > 0`
	err = s.pool.QueryRow(ctx, q, zip).Scan(&lat, &lon)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("zip centroid %s: %w", zip, err)
	}
	return lat, lon, true, nil
}

// AttrSelector picks attribute rows by year, make, model and trim slug.
type AttrSelector struct {
	Year     int
	Make     string
	Model    string
	TrimSlug string
}

// AttrRow is a stored attribute row.
type AttrRow struct {
	ID int64
	record.VehicleAttributes
}

// Attributes returns the attribute rows matching any selector.
func (s *Store) Attributes(ctx context.Context, selectors []AttrSelector) ([]AttrRow, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	years := make([]int32, len(selectors))
	makes := make([]string, len(selectors))
	models := make([]string, len(selectors))
	trims := make([]string, len(selectors))
	for i, sel := range selectors {
		years[i] = int32(sel.Year)
		makes[i], models[i], trims[i] = sel.Make, sel.Model, sel.TrimSlug
	}
	const q = `
SELECT DISTINCT a.id, a.year, a.make, a.model, a.style, a.trim_slug, a.mpg_city, a.mpg_hwy,
	a.fuel_type, a.is_auto, a.drivetrain, a.body, COALESCE(a.engine, ''), COALESCE(a.source, '')
FROM ymms_attrs a
JOIN unnest($1::int[], $2::text[], $3::text[], $4::text[]) AS s(year, make, model, trim_slug)
	ON a.year = s.year AND a.make = s.make AND a.model = s.model AND a.trim_slug = s.trim_slug
ORDER BY a.id`
	rows, err := s.pool.Query(ctx, q, years, makes, models, trims)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	defer rows.Close()

	var out []AttrRow
	for rows.Next() {
		var (
			r                      AttrRow
			fuel, drive, body, src string
		)
		if err := rows.Scan(
			&r.ID, &r.Year, &r.Make, &r.Model, &r.Style, &r.TrimSlug, &r.MPGCity, &r.MPGHwy,
			&fuel, &r.IsAuto, &drive, &body, &r.Engine, &src,
		); err != nil {
			return nil, fmt.Errorf("scan attribute row: %w", err)
		}
		r.Fuel = record.FuelType(fuel)
		r.Drivetrain = record.Drivetrain(drive)
		r.Body = record.Body(body)
		r.Source = record.Source(src)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return out, nil
}
