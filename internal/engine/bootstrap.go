package engine

import (
	"context"
	"fmt"

	"tidemark/internal/logging"
	"tidemark/internal/pipeline"
	"tidemark/internal/telemetry"
	"tidemark/internal/transport"
)

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	log := logging.Component("engine")

	// 1. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 2. pipeline runner
	var runner *pipeline.Runner
	if cfg.PipelineYml != "" {
		runner, err = pipeline.Compile(ctx, cfg.PipelineYml)
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		if err := runner.Start(ctx); err != nil {
			_ = runner.Close(context.Background())
			srv.Stop()
			return nil, fmt.Errorf("pipeline start: %w", err)
		}
		srv.SetServing(true)
		log.Info("pipeline started", "file", cfg.PipelineYml)
	}

	// 3. metrics
	metrics := telemetry.Expose(cfg.MetricsPort)
	log.Info("listening", "grpc", srv.Addr().String(), "metrics_port", cfg.MetricsPort)

	return &Engine{
		cfg:       cfg,
		transport: srv,
		runner:    runner,
		metrics:   metrics,
		log:       log,
	}, nil
}
