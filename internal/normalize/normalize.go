// Package normalize maps per-source vocabularies onto the canonical
// record enumerations. Every mapping ends in a membership check: a value
// that is not canonical after mapping is an error, never a guess.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JakeFAU/carharvest/internal/record"
)

// ErrNotCanonical reports a value that maps outside its canonical set.
var ErrNotCanonical = errors.New("value is not canonical")

var streetSuffixes = map[string]string{
	"Ave":  "Avenue",
	"Blvd": "Boulevard",
	"Dr":   "Drive",
	"Hwy":  "Highway",
	"Ln":   "Lane",
	"Rd":   "Road",
	"St":   "Street",
	"Tpke": "Turnpike",
}

var bodySynonyms = map[string]record.Body{
	"Convert":       record.BodyConvertible,
	"Hatch":         record.BodyHatchback,
	"Pickup":        record.BodyPickup,
	"Station Wagon": record.BodyWagon,
	"Sport Utility": record.BodySUV,
	"Van":           record.BodyPassengerVan,
	"Vans":          record.BodyPassengerVan,
	"Truck":         record.BodyPickup,
	"Trucks":        record.BodyPickup,
}

var drivetrainNames = map[string]record.Drivetrain{
	"all wheel drive":                     record.DriveAWD,
	"front wheel drive":                   record.DriveFWD,
	"rear wheel drive":                    record.DriveRWD,
	"four wheel drive":                    record.Drive4WD,
	"2 wheel drive - front":               record.DriveFWD,
	"2 wheel drive - rear":                record.DriveRWD,
	"4 wheel drive":                       record.Drive4WD,
	"4 wheel drive - rear wheel default":  record.Drive4WD,
	"4 wheel drive - front wheel default": record.Drive4WD,
}

// title returns s in title case. A Caser holds state, so one is built per call.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// Address title-cases a street address, drops trailing periods and expands
// a suffix abbreviation in the last two words. Earlier words are left
// alone so "St Francis St" becomes "St Francis Street".
func Address(addr string) string {
	words := strings.Fields(title(addr))
	joined := strings.TrimRight(strings.Join(words, " "), ". ")
	words = strings.Fields(joined)
	for i := len(words) - 1; i >= 0 && i >= len(words)-2; i-- {
		if full, ok := streetSuffixes[strings.TrimSuffix(words[i], ".")]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}

// City title-cases a city name.
func City(city string) string {
	return strings.Join(strings.Fields(title(city)), " ")
}

var routeNumber = regexp.MustCompile(`\b(?:Rte|rte|Rt|rt) ([0-9]+) (?:East|West|North|South|E|W|N|S)\b`)

// PatchAddress rewrites highway spellings that geocoders fail to match.
func PatchAddress(addr string) string {
	addr = strings.ReplaceAll(addr, "US Hwy", "US")
	addr = routeNumber.ReplaceAllString(addr, "Rte $1")
	return strings.ReplaceAll(addr, "Tpke", "Turnpike")
}

// Body maps a body style onto one of the canonical bodies.
func Body(raw string) (record.Body, error) {
	s := strings.TrimSpace(raw)
	if strings.EqualFold(s, "suv") {
		s = "SUV"
	} else {
		s = title(s)
	}
	body := record.Body(s)
	if mapped, ok := bodySynonyms[s]; ok {
		body = mapped
	}
	for _, b := range record.Bodies {
		if b == body {
			return body, nil
		}
	}
	return "", fmt.Errorf("%w: body %q", ErrNotCanonical, raw)
}

// Fuel maps a fuel description onto a canonical fuel type.
func Fuel(raw string) (record.FuelType, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "gasoline":
		s = string(record.FuelGas)
	case strings.Contains(s, "flex"):
		s = string(record.FuelFlex)
	case strings.Contains(s, "hybrid"):
		s = string(record.FuelHybrid)
	}
	fuel := record.FuelType(s)
	for _, f := range record.FuelTypes {
		if f == fuel {
			return fuel, nil
		}
	}
	return "", fmt.Errorf("%w: fuel %q", ErrNotCanonical, raw)
}

// Drivetrain maps a verbose drivetrain description onto a code. Values
// missing from the table pass through and must already be a code.
func Drivetrain(raw string) (record.Drivetrain, error) {
	dt, ok := drivetrainNames[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		dt = record.Drivetrain(raw)
	}
	for _, d := range record.Drivetrains {
		if d == dt {
			return dt, nil
		}
	}
	return "", fmt.Errorf("%w: drivetrain %q", ErrNotCanonical, raw)
}
