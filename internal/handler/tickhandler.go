package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tradepilot/internal/svc"
)

// TickHandler runs one trading cycle and returns its structured result.
func TickHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := svcCtx.Orchestrator.Tick(r.Context())
		httpx.OkJsonCtx(r.Context(), w, result)
	}
}
