package truecar

type listingsResponse struct {
	Total    int       `json:"total"`
	Listings []Listing `json:"listings"`
}

// Listing is one entry of the used-listings API.
type Listing struct {
	ListedAt string `json:"listed_at"`
	Pricing  struct {
		TotalPrice *float64 `json:"total_price"`
	} `json:"pricing"`
	Vehicle    vehicle    `json:"vehicle"`
	Dealership dealership `json:"dealership"`
}

type vehicle struct {
	VIN          string `json:"vin"`
	Year         int    `json:"year"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Style        string `json:"style"`
	TrimSlug     string `json:"trim_slug"`
	MPGCity      *int   `json:"mpg_city"`
	MPGHighway   *int   `json:"mpg_highway"`
	FuelType     string `json:"fuel_type"`
	BodyStyle    string `json:"body_style"`
	DriveTrain   string `json:"drive_train"`
	Transmission string `json:"transmission"`
	Engine       string `json:"engine"`
	Mileage      *int   `json:"mileage"`

	ExteriorColor        string `json:"exterior_color"`
	ExteriorColorGeneric string `json:"exterior_color_generic"`
	ExteriorColorRGB     string `json:"exterior_color_rgb"`
	InteriorColor        string `json:"interior_color"`
	InteriorColorGeneric string `json:"interior_color_generic"`
	InteriorColorRGB     string `json:"interior_color_rgb"`

	ConditionHistory *conditionHistory `json:"condition_history"`
}

type conditionHistory struct {
	AccidentCount *int `json:"accidentCount"`
	OwnerCount    *int `json:"ownerCount"`
	IsRentalCar   bool `json:"isRentalCar"`
	IsFleetCar    bool `json:"isFleetCar"`
	TitleInfo     struct {
		IsFrameDamaged   bool `json:"isFrameDamaged"`
		IsSalvage        bool `json:"isSalvage"`
		IsLemon          bool `json:"isLemon"`
		IsTheftRecovered bool `json:"isTheftRecovered"`
	} `json:"titleInfo"`
}

type dealership struct {
	Name     string `json:"name"`
	Location struct {
		Address1   string   `json:"address1"`
		Address2   *string  `json:"address2"`
		PostalCode string   `json:"postal_code"`
		City       string   `json:"city"`
		State      string   `json:"state"`
		Lat        *float64 `json:"lat"`
		Lng        *float64 `json:"lng"`
	} `json:"location"`
	Links struct {
		WebsiteLink *string `json:"website_link"`
	} `json:"links"`
}
