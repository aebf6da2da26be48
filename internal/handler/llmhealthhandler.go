package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tradepilot/internal/svc"
)

// LLMHealthHandler probes every provider in the fallback chain.
func LLMHealthHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.OkJsonCtx(r.Context(), w, svcCtx.Provider.HealthCheck(r.Context()))
	}
}
