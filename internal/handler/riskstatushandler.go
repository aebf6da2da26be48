package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tradepilot/internal/svc"
)

// RiskStatusHandler reports the guard state against live positions.
func RiskStatusHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positions, err := svcCtx.Exchange.Positions(r.Context())
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		status := svcCtx.Guard.Status(positions, svcCtx.EventLog.Recent(1))
		httpx.OkJsonCtx(r.Context(), w, status)
	}
}
