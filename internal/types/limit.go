package types

type Limit struct {
	Requests          int  `json:"requests"`
	AvailableRequests int  `json:"available_requests"`
	IsUnlimited       bool `json:"is_unlimited"`
}
