package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "evidence-pipeline/docs"
	"evidence-pipeline/internal/api/handler"
	"evidence-pipeline/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/findings", h.GetRunFindings)
	r.GET("/api/v1/runs/*/indicators", h.GetRunIndicators)
	r.GET("/api/v1/runs/*/records", h.GetRunRecords)
	r.GET("/api/v1/runs/*/events", h.GetRunEvents)
	r.GET("/api/v1/runs/*/suggestions", h.GetRunSuggestions)
	// Generic run route last
	r.GET("/api/v1/runs/*", h.GetRun)
	r.GET("/api/v1/download/*/*", h.DownloadFile)

	r.Handle("/swagger/", httpSwagger.WrapHandler)
}
