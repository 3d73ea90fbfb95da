package entity

// CoinGeckoHistoryResponse is the shape of /coins/{platform}/contract/{addr}
// /market_chart/range responses. Prices come as [timestampMs, price] pairs.
type CoinGeckoHistoryResponse struct {
	Prices [][]float64 `json:"prices"`
}

// CoinGeckoErrorResponse is returned with non-200 statuses (rate limits,
// unknown contracts).
type CoinGeckoErrorResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}
