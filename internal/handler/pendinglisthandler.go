package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"tradepilot/internal/svc"
)

// PendingListHandler lists queued dangerous actions awaiting confirmation.
func PendingListHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.OkJsonCtx(r.Context(), w, svcCtx.Pendings.GetAll())
	}
}
