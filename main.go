package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GrainArc/ZoneMap/ImgHandler"
	"github.com/GrainArc/ZoneMap/config"
	"github.com/GrainArc/ZoneMap/metrics"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/GrainArc/ZoneMap/routers"
	"github.com/GrainArc/ZoneMap/services"
	"github.com/GrainArc/ZoneMap/tile_proxy"
	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "config.xml", "XML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := config.NewLogger("info")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := models.OpenDraftDB(cfg.DraftDB, cfg.LogLevel == "debug")
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DraftDB).Msg("failed to open draft database")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	m := metrics.New()
	backend := services.NewHTTPBackend(*cfg, logger, m)
	tiles := tile_proxy.NewZoneTileSource(backend, tile_proxy.SourceOptions{
		MinZoom:   cfg.MinZoom,
		MaxTiles:  cfg.MaxTiles,
		Parallel:  cfg.TileParallel,
		CacheSize: cfg.TileCache,
	}, logger, m)
	painter := ImgHandler.NewPatternMaker(cfg.FontPath, cfg.Timeout())

	editor := services.NewEditorController(services.EditorDeps{
		API:      backend,
		Tiles:    tiles,
		Raster:   painter,
		Painter:  painter,
		Draft:    services.NewDraftJournal(db, logger),
		Exporter: services.NewExporter(cfg.Download, cfg.DXFCrs, nil),
		Metrics:  m,
		Log:      logger,
		Username: cfg.Username,
		Locality: cfg.LocalityID,
	})
	if err := editor.Restore(); err != nil {
		logger.Warn().Err(err).Msg("failed to restore drafts")
	}
	loadCtx, cancelLoad := context.WithTimeout(ctx, cfg.Timeout())
	if err := editor.LoadLandUses(loadCtx); err != nil {
		// 地类字典可稍后通过接口重新加载
		logger.Warn().Err(err).Msg("failed to load land uses")
	}
	cancelLoad()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	routers.EditorRouters(r, editor, m, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Listen).Str("backend", cfg.BackendURL).Msg("zonemap editor listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
