package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mikeboe/pharma-research/pkg/app"
	"github.com/mikeboe/pharma-research/pkg/config"
	"github.com/mikeboe/pharma-research/pkg/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	router, svc, cleanup := buildRouter(context.Background(), cfg, logger)
	defer cleanup()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if svc != nil {
		svc.Wait()
	}
	logger.Info("Server exited")
}

// buildRouter wires the full API. When initialization fails the process still
// serves, answering every route with the failure.
func buildRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gin.Engine, *server.Service, func()) {
	a, err := app.Build(ctx, cfg, app.Options{Storage: true, MetricsNamespace: "pharma_research"}, logger)
	if err != nil {
		logger.Error("Initialization failed, serving fallback", "error", err)
		return server.NewFallbackRouter(err), nil, func() {}
	}

	svc := server.NewService(a.Engine, logger)
	svc.Metrics = a.Metrics
	svc.RequestTimeout = cfg.RequestTimeout
	if a.DB != nil {
		svc.Runs = a.DB
		svc.Checks["database"] = a.DB
	}
	if a.Evidence != nil {
		svc.Evidence = a.Evidence
	}
	if a.Cache != nil {
		svc.Checks["redis"] = a.Cache
	}

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposeHeaders: []string{"Content-Length", "X-Run-Id", "Mcp-Session-Id"},
	}))

	server.NewHandler(svc).RegisterRoutes(r)

	logger.Info("Service initialized",
		"history", a.DB != nil,
		"evidence", a.Evidence != nil,
		"search_cache", a.Cache != nil,
		"stages", a.Engine.Stages())
	return r, svc, a.Close
}
