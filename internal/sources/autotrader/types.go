package autotrader

import (
	"bytes"
	"encoding/json"
)

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// searchResponse is the subset of the search payload the driver reads.
// Listings reference owners by id; body codes are labeled in the filters.
type searchResponse struct {
	TotalResultCount int       `json:"totalResultCount"`
	Listings         []listing `json:"listings"`
	Owners           []owner   `json:"owners"`
	Filters          filterSet `json:"filters"`
}

type filterSet struct {
	BodyStyleCode struct {
		Options []struct {
			Value string `json:"value"`
			Label string `json:"label"`
		} `json:"options"`
	} `json:"bodyStyleCode"`
}

type listing struct {
	ID             flexID   `json:"id"`
	VIN            string   `json:"vin"`
	OwnerID        flexID   `json:"owner"`
	Year           int      `json:"year"`
	Make           string   `json:"make"`
	Model          string   `json:"model"`
	Trim           string   `json:"trim"`
	Style          []string `json:"style"`
	BodyStyleCodes []string `json:"bodyStyleCodes"`
	FuelType       string   `json:"fuelType"`
	PricingDetail  struct {
		SalePrice float64 `json:"salePrice"`
	} `json:"pricingDetail"`
	Specifications specifications `json:"specifications"`
}

type specValue struct {
	Value string `json:"value"`
}

type specifications struct {
	Transmission  *specValue `json:"transmission"`
	DriveType     *specValue `json:"driveType"`
	MPG           *specValue `json:"mpg"`
	Mileage       *specValue `json:"mileage"`
	Color         *specValue `json:"color"`
	InteriorColor *specValue `json:"interiorColor"`
}

type owner struct {
	ID            flexID     `json:"id"`
	Name          string     `json:"name"`
	PrivateSeller bool       `json:"privateSeller"`
	Phone         *specValue `json:"phone"`
	Location      struct {
		Address struct {
			Address1 string `json:"address1"`
			City     string `json:"city"`
			State    string `json:"state"`
			Zip      string `json:"zip"`
		} `json:"address"`
	} `json:"location"`
}

// Item is a listing joined with its owner and the body-code labels of the
// page it came from. Owner is nil when the page did not include it.
type Item struct {
	Listing    listing
	Owner      *owner
	BodyLabels map[string]string
}

func (r searchResponse) join() []Item {
	owners := make(map[flexID]*owner, len(r.Owners))
	for i := range r.Owners {
		owners[r.Owners[i].ID] = &r.Owners[i]
	}
	labels := make(map[string]string, len(r.Filters.BodyStyleCode.Options))
	for _, o := range r.Filters.BodyStyleCode.Options {
		labels[o.Value] = o.Label
	}
	items := make([]Item, 0, len(r.Listings))
	for _, l := range r.Listings {
		items = append(items, Item{Listing: l, Owner: owners[l.OwnerID], BodyLabels: labels})
	}
	return items
}
