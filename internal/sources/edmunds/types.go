package edmunds

type inventoryPayload struct {
	Inventories struct {
		Results []Result `json:"results"`
	} `json:"inventories"`
}

// Result is one inventory entry from the SRP XHR.
type Result struct {
	VIN                string `json:"vin"`
	FirstPublishedDate int64  `json:"firstPublishedDate"`
	ListingURL         string `json:"listingUrl"`
	Prices             struct {
		DisplayPrice *float64 `json:"displayPrice"`
	} `json:"prices"`
	DealerInfo  dealerInfo   `json:"dealerInfo"`
	VehicleInfo vehicleInfo  `json:"vehicleInfo"`
	HistoryInfo *historyInfo `json:"historyInfo"`
}

type phoneNumber struct {
	AreaCode string `json:"areaCode"`
	Prefix   string `json:"prefix"`
	Postfix  string `json:"postfix"`
}

type dealerInfo struct {
	Name    string `json:"name"`
	Address struct {
		Street    string `json:"street"`
		City      string `json:"city"`
		StateCode string `json:"stateCode"`
		Zip       string `json:"zip"`
	} `json:"address"`
	PhoneNumbers struct {
		Basic     *phoneNumber `json:"basic"`
		Trackable *phoneNumber `json:"trackable"`
	} `json:"phoneNumbers"`
}

type rgb struct {
	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

type vehicleInfo struct {
	Mileage   *int `json:"mileage"`
	StyleInfo struct {
		Year     int    `json:"year"`
		Make     string `json:"make"`
		Model    string `json:"model"`
		Style    string `json:"style"`
		Trim     string `json:"trim"`
		BodyType string `json:"bodyType"`
		Fuel     struct {
			EPACityMPG    *int `json:"epaCityMPG"`
			EPAHighwayMPG *int `json:"epaHighwayMPG"`
		} `json:"fuel"`
	} `json:"styleInfo"`
	PartsInfo struct {
		EngineType   string `json:"engineType"`
		DriveTrain   string `json:"driveTrain"`
		Transmission string `json:"transmission"`
	} `json:"partsInfo"`
	VehicleColors struct {
		Interior rgb `json:"interior"`
		Exterior rgb `json:"exterior"`
	} `json:"vehicleColors"`
}

type historyInfo struct {
	NoAccidents    bool   `json:"noAccidents"`
	LemonHistory   bool   `json:"lemonHistory"`
	FrameDamage    bool   `json:"frameDamage"`
	SalvageHistory bool   `json:"salvageHistory"`
	TheftHistory   bool   `json:"theftHistory"`
	OwnerText      string `json:"ownerText"`
	UsageType      string `json:"usageType"`
}
