package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tradepilot/internal/svc"
	"tradepilot/internal/types"
)

// PendingResolveHandler confirms or rejects one queued action and, on
// confirmation, executes it against the live position.
func PendingResolveHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ResolvePendingReq
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		outcome, err := svcCtx.Orchestrator.ResolvePending(r.Context(), req.ID, req.Confirm)
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, outcome)
	}
}
