// Package record defines the canonical listing, dealership and vehicle
// attribute types shared by every source driver and the store.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Source identifies the upstream site a listing was harvested from.
type Source string

// Known sources.
const (
	SourceTrueCar    Source = "truecar"
	SourceAutotrader Source = "autotrader"
	SourceEdmunds    Source = "edmunds"
)

// Sources lists every source with a driver.
var Sources = []Source{SourceTrueCar, SourceAutotrader, SourceEdmunds}

// ParseSource converts a CLI or config string into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Sources {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", raw)
}

// FuelType is the canonical fuel vocabulary.
type FuelType string

// Canonical fuel types.
const (
	FuelGas      FuelType = "gas"
	FuelDiesel   FuelType = "diesel"
	FuelHybrid   FuelType = "hybrid"
	FuelElectric FuelType = "electric"
	FuelFlex     FuelType = "flex"
)

// FuelTypes enumerates the canonical fuel types.
var FuelTypes = []FuelType{FuelGas, FuelDiesel, FuelHybrid, FuelElectric, FuelFlex}

// Drivetrain is the canonical drivetrain code.
type Drivetrain string

// Canonical drivetrains.
const (
	Drive4WD Drivetrain = "4WD"
	DriveAWD Drivetrain = "AWD"
	DriveFWD Drivetrain = "FWD"
	DriveRWD Drivetrain = "RWD"
)

// Drivetrains enumerates the canonical drivetrain codes.
var Drivetrains = []Drivetrain{Drive4WD, DriveAWD, DriveFWD, DriveRWD}

// Body is the canonical body style.
type Body string

// Canonical body styles.
const (
	BodyCargoVan     Body = "Cargo Van"
	BodyChassisCab   Body = "Chassis Cab Truck"
	BodyConvertible  Body = "Convertible"
	BodyCoupe        Body = "Coupe"
	BodyHatchback    Body = "Hatchback"
	BodyMinivan      Body = "Minivan"
	BodyPassengerVan Body = "Passenger Van"
	BodyPickup       Body = "Pickup Truck"
	BodySUV          Body = "SUV"
	BodySedan        Body = "Sedan"
	BodyWagon        Body = "Wagon"
)

// Bodies enumerates the canonical body styles.
var Bodies = []Body{
	BodyCargoVan, BodyChassisCab, BodyConvertible, BodyCoupe,
	BodyHatchback, BodyMinivan, BodyPassengerVan, BodyPickup,
	BodySUV, BodySedan, BodyWagon,
}

// GeocodeQuality ranks how trustworthy a stored coordinate pair is.
// Higher values win when two observations of one dealership disagree.
type GeocodeQuality int

// Geocode provenance ranks.
const (
	QualityNone           GeocodeQuality = 0
	QualityVendor         GeocodeQuality = 1
	QualityOSMCityState   GeocodeQuality = 2
	QualityOSMPostal      GeocodeQuality = 3
	QualityCensusCity     GeocodeQuality = 4
	QualityCensusZip      GeocodeQuality = 5
	maxGeocodeQualityRank GeocodeQuality = QualityCensusZip
)

// String names the provenance for logs.
func (q GeocodeQuality) String() string {
	switch q {
	case QualityVendor:
		return "vendor"
	case QualityOSMCityState:
		return "nominatim_city_state"
	case QualityOSMPostal:
		return "nominatim_postal"
	case QualityCensusCity:
		return "census_city_state"
	case QualityCensusZip:
		return "census_zip"
	default:
		return "none"
	}
}

var hexColor = regexp.MustCompile(`^[0-9A-F]{6}$`)

// Dealership is a physical seller location. Natural key: (Address, Zip, Name).
type Dealership struct {
	Name    string
	Address string
	City    string
	State   string
	Zip     string
	Lat     float64
	Lon     float64
	Quality GeocodeQuality
	Phone   string
	Website string
}

// DealerKey is the natural key of a Dealership.
type DealerKey struct {
	Address string
	Zip     string
	Name    string
}

// Key returns the dealership's natural key.
func (d Dealership) Key() DealerKey {
	return DealerKey{Address: d.Address, Zip: d.Zip, Name: d.Name}
}

// Validate checks the fields every stored dealership must carry.
func (d Dealership) Validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return errors.New("dealership name is required")
	case strings.TrimSpace(d.Address) == "":
		return errors.New("dealership address is required")
	case strings.TrimSpace(d.Zip) == "":
		return errors.New("dealership zip is required")
	case d.Quality < QualityNone || d.Quality > maxGeocodeQualityRank:
		return fmt.Errorf("geocode quality %d out of range", d.Quality)
	case d.Lat < -90 || d.Lat > 90 || d.Lon < -180 || d.Lon > 180:
		return fmt.Errorf("coordinates out of range: %f,%f", d.Lat, d.Lon)
	}
	return nil
}

// VehicleAttributes describes a year/make/model/style combination.
// Natural key: (Year, Make, Model, Style); (Year, Make, Model, TrimSlug) is
// kept as a secondary lookup.
type VehicleAttributes struct {
	Year       int
	Make       string
	Model      string
	Style      string
	TrimSlug   string
	MPGCity    int
	MPGHwy     int
	Fuel       FuelType
	IsAuto     bool
	Drivetrain Drivetrain
	Body       Body
	Engine     string
	Source     Source
}

// AttrKey is the natural key of a VehicleAttributes row.
type AttrKey struct {
	Year  int
	Make  string
	Model string
	Style string
}

// Key returns the YMMS key.
func (a VehicleAttributes) Key() AttrKey {
	return AttrKey{Year: a.Year, Make: a.Make, Model: a.Model, Style: a.Style}
}

// Validate checks the attributes are complete and canonical.
func (a VehicleAttributes) Validate() error {
	if a.Year < 1900 || a.Year > 2100 {
		return fmt.Errorf("year %d out of range", a.Year)
	}
	if a.Make == "" || a.Model == "" || a.Style == "" {
		return errors.New("make, model and style are required")
	}
	if a.MPGCity < 0 || a.MPGHwy < 0 {
		return errors.New("mpg must be non-negative")
	}
	if !oneOf(a.Fuel, FuelTypes) {
		return fmt.Errorf("fuel type %q is not canonical", a.Fuel)
	}
	if !oneOf(a.Drivetrain, Drivetrains) {
		return fmt.Errorf("drivetrain %q is not canonical", a.Drivetrain)
	}
	if !oneOf(a.Body, Bodies) {
		return fmt.Errorf("body %q is not canonical", a.Body)
	}
	return nil
}

// Listing is one observed offer. Natural key: (Source, VIN).
type Listing struct {
	Source        Source
	VIN           string
	FirstSeen     int64
	LastSeen      int64
	Mileage       int
	Price         float64
	InteriorColor string
	ExteriorColor string
	History       *VehicleHistory
}

// ListingKey is the natural key of a Listing.
type ListingKey struct {
	Source Source
	VIN    string
}

// Key returns the (source, vin) key.
func (l Listing) Key() ListingKey {
	return ListingKey{Source: l.Source, VIN: l.VIN}
}

// Validate checks the listing fields.
func (l Listing) Validate() error {
	switch {
	case l.Source == "":
		return errors.New("listing source is required")
	case strings.TrimSpace(l.VIN) == "":
		return errors.New("listing vin is required")
	case l.Mileage < 0:
		return fmt.Errorf("mileage %d is negative", l.Mileage)
	case l.Price < 0:
		return fmt.Errorf("price %f is negative", l.Price)
	case l.FirstSeen > l.LastSeen:
		return fmt.Errorf("first_seen %d after last_seen %d", l.FirstSeen, l.LastSeen)
	}
	for _, c := range []string{l.InteriorColor, l.ExteriorColor} {
		if c != "" && !hexColor.MatchString(c) {
			return fmt.Errorf("color %q is not 6-digit uppercase hex", c)
		}
	}
	if l.History != nil {
		if err := l.History.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ListingWithContext bundles a listing with the rows it references.
type ListingWithContext struct {
	Dealer  Dealership
	Attrs   VehicleAttributes
	Listing Listing
}

// Validate checks all three parts.
func (lc ListingWithContext) Validate() error {
	if err := lc.Dealer.Validate(); err != nil {
		return fmt.Errorf("dealer: %w", err)
	}
	if err := lc.Attrs.Validate(); err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	if err := lc.Listing.Validate(); err != nil {
		return fmt.Errorf("listing: %w", err)
	}
	return nil
}

func oneOf[T comparable](v T, set []T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Location is a geocoded coordinate pair with its provenance.
type Location struct {
	Lat     float64
	Lon     float64
	Quality GeocodeQuality
}

// Located reports whether the location carries usable coordinates.
func (l Location) Located() bool {
	return l.Quality > QualityNone
}
