package types

// MetricsSummaryReq selects the aggregation window.
type MetricsSummaryReq struct {
	Days int `form:"days,default=7"`
}

// ResolvePendingReq confirms or rejects a queued dangerous action.
type ResolvePendingReq struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm"`
}
