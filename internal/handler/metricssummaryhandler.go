package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tradepilot/internal/svc"
	"tradepilot/internal/types"
)

// MetricsSummaryHandler aggregates execution statistics over a day window.
func MetricsSummaryHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.MetricsSummaryReq
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, svcCtx.Metrics.Summary(req.Days))
	}
}
