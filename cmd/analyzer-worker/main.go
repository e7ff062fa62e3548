package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyzr/analyzer/cmd/analyzer-worker/deadletter"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/delivery"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/executor"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/stager"
	"github.com/lyzr/analyzer/cmd/analyzer-worker/tool"
	"github.com/lyzr/analyzer/common/bootstrap"
	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/retry"
	"github.com/lyzr/analyzer/common/sarif"
	"github.com/lyzr/analyzer/common/telemetry"
)

const serviceName = "analyzer-worker"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyFlags(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
		os.Exit(2)
	}

	opts := []bootstrap.Option{bootstrap.WithCustomConfig(cfg)}
	if cfg.DeadLetter.Uses("postgres") {
		opts = append(opts, bootstrap.WithDBInitHook(deadletter.EnsureSchema))
	}

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, serviceName, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	log := components.Logger
	log.Info("analyzer-worker starting",
		"analyzer", cfg.Analyzer.Name,
		"version", cfg.Analyzer.Version,
		"concurrency", cfg.Worker.Concurrency,
		"scratch_dir", cfg.Worker.ScratchDir)
	log.Info("host", telemetry.DescribeHost().LogValues()...)

	analyzer, err := buildAnalyzer(cfg, log)
	if err != nil {
		log.Error("failed to build analyzer", "error", err)
		os.Exit(1)
	}

	sink, err := deadletter.Build(cfg.DeadLetter.Sinks, components.Redis, cfg.Queue.Stream+":dead", components.DB)
	if err != nil {
		log.Error("failed to build dead-letter sink", "error", err)
		os.Exit(1)
	}

	exec := executor.New(executor.Config{
		ScratchDir:     cfg.Worker.ScratchDir,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		RetryBackoff:   retry.Backoff{Base: cfg.Retry.BaseDelay, Max: cfg.Retry.MaxDelay},
		Lease:          cfg.Queue.Lease,
		StagingTimeout: cfg.Timeouts.Staging,
		ToolTimeout:    cfg.Timeouts.Tool,
		NotifyFailure:  cfg.Analyzer.NotifyFailureCallback,

		MaxDeliveryAttempts: cfg.Retry.MaxDeliveryAttempts,
	}, executor.Deps{
		Queue:    components.Queue,
		Store:    components.Store,
		Stager:   stager.New(cfg.Timeouts.Transfer, log),
		Analyzer: analyzer,
		Builder:  sarif.NewBuilder(cfg.Analyzer.Name, cfg.Analyzer.Version),
		Deliverer: delivery.NewClient(delivery.Options{
			AnalyzerName:    cfg.Analyzer.Name,
			AnalyzerVersion: cfg.Analyzer.Version,
			MaxAttempts:     cfg.Retry.MaxDeliveryAttempts,
			Backoff:         retry.Backoff{Base: cfg.Retry.DeliveryBase, Max: cfg.Retry.DeliveryMax},
			Timeout:         cfg.Timeouts.Callback,
		}, log),
		Sink:      sink,
		Telemetry: components.Telemetry,
	}, log)

	pool := executor.NewPool(exec, components.Queue, cfg.Worker.Concurrency, log)

	// Start pool in goroutine
	poolCtx, stopPool := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(poolCtx)
	}()

	log.Info("analyzer-worker started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			log.Error("worker pool failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		stopPool()
		// In-flight attempts hand their jobs back before the pool returns
		<-done
	}

	log.Info("analyzer-worker shutting down gracefully")
}

// buildAnalyzer picks the configured tool set, falling back to the static analyzer,
// and wraps it with the finding filter when one is set
func buildAnalyzer(cfg *config.Config, log *logger.Logger) (tool.Analyzer, error) {
	var analyzer tool.Analyzer
	if len(cfg.Analyzer.Tools) > 0 {
		analyzer = tool.NewCommandAnalyzer(cfg.Analyzer.Tools, log)
	} else {
		log.Warn("no tool set configured, reporting the static example finding")
		analyzer = tool.NewStaticAnalyzer()
	}

	if cfg.Analyzer.FindingFilter == "" {
		return analyzer, nil
	}
	return tool.NewFilteredAnalyzer(analyzer, cfg.Analyzer.FindingFilter, log)
}
