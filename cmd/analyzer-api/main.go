package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/analyzer/cmd/analyzer-api/container"
	"github.com/lyzr/analyzer/cmd/analyzer-api/routes"
	"github.com/lyzr/analyzer/common/bootstrap"
	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/server"
)

const serviceName = "analyzer-api"

func main() {
	ctx := context.Background()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyFlags(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flags: %v\n", err)
		os.Exit(2)
	}

	// Bootstrap common components (logger, queue, job store, telemetry); the API never touches Postgres
	components, err := bootstrap.Setup(ctx, serviceName, bootstrap.WithCustomConfig(cfg), bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (all services created once)
	serviceContainer := container.NewContainer(components)

	// Initialize Echo server
	e := setupEcho()

	// Register middleware and routes
	routes.Register(e, serviceContainer)

	// Start server
	startServer(ctx, e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// startServer serves until SIGINT/SIGTERM and drains in-flight requests
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting analyzer-api",
		"port", port,
		"analyzer", components.Config.Analyzer.Name,
		"version", components.Config.Analyzer.Version)

	srv := server.New(serviceName, port, e, components.Logger)
	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		components.Shutdown(ctx)
		os.Exit(1)
	}
}
