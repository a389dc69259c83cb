package routers

import (
	"time"

	"github.com/GrainArc/ZoneMap/metrics"
	"github.com/GrainArc/ZoneMap/services"
	"github.com/GrainArc/ZoneMap/views"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// accessLog 请求日志与请求指标
func accessLog(log zerolog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		m.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), elapsed)
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("bytes", c.Writer.Size()).
			Dur("duration", elapsed).
			Msg("request")
	}
}

func EditorRouters(r *gin.Engine, editor services.EditorActions, m *metrics.Metrics, log zerolog.Logger) {
	r.Use(accessLog(log, m))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	h := views.NewEditorHandler(editor, log)
	editorRouter := r.Group("/editor")
	{
		editorRouter.GET("/state", h.State)
		editorRouter.POST("/tool", h.SetToolMode)
		editorRouter.POST("/color", h.SetColorMode)
		editorRouter.POST("/viewport", h.SetViewport)
		editorRouter.POST("/locality", h.SetLocality)

		editorRouter.GET("/entries", h.Entries)
		editorRouter.POST("/zones", h.CreateZone)
		editorRouter.PUT("/zones", h.UpdateZone)
		editorRouter.POST("/zones/delete", h.DeleteZone)
		editorRouter.POST("/zones/:key/landuse", h.AssignLandUse)
		editorRouter.POST("/pointtable", h.PointTable)
		editorRouter.POST("/csv", h.CSV)

		editorRouter.POST("/save", h.Save)
		editorRouter.POST("/discard", h.Discard)
		editorRouter.GET("/history", h.History)

		editorRouter.POST("/saved/:id/approve", h.Approve)
		editorRouter.POST("/saved/:id/reject", h.Reject)
		editorRouter.POST("/saved/:id/draft", h.SendToDraft)
		editorRouter.DELETE("/saved/:id", h.DeleteSaved)

		editorRouter.POST("/select", h.Select)
		editorRouter.POST("/deselect", h.Deselect)
		editorRouter.GET("/conflict", h.Conflict)
		editorRouter.POST("/conflict/:action", h.ResolveConflict)

		editorRouter.GET("/render", h.Render)
		editorRouter.GET("/legend", h.Legend)
		editorRouter.GET("/legend.png", h.LegendImage)
		editorRouter.GET("/styles", h.Styles)
		editorRouter.GET("/patterns/*key", h.Pattern)
		editorRouter.GET("/landuses", h.LandUses)
		editorRouter.POST("/landuses/reload", h.ReloadLandUses)

		editorRouter.GET("/export/geojson", h.ExportGeoJSON)
		editorRouter.GET("/export/shp", h.ExportSHP)
		editorRouter.GET("/export/dxf", h.ExportDXF)

		editorRouter.GET("/ws", h.Events)
	}
}
