package coingecko

// SimplePriceResponse is the body of /api/v3/simple/price?ids=bitcoin&vs_currencies=usd.
type SimplePriceResponse struct {
	Bitcoin *struct {
		USD *float64 `json:"usd"` // USD per BTC
	} `json:"bitcoin"`
}
