package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"tradepilot/internal/svc"
)

// RegisterHandlers mounts the REST surface onto the server.
func RegisterHandlers(server *rest.Server, svcCtx *svc.ServiceContext) {
	server.AddRoutes(
		[]rest.Route{
			{
				Method:  http.MethodPost,
				Path:    "/tick",
				Handler: TickHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/risk/status",
				Handler: RiskStatusHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/metrics/summary",
				Handler: MetricsSummaryHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/pending",
				Handler: PendingListHandler(svcCtx),
			},
			{
				Method:  http.MethodPost,
				Path:    "/pending/resolve",
				Handler: PendingResolveHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/llm/health",
				Handler: LLMHealthHandler(svcCtx),
			},
		},
	)
}
