// Package engine ties the pipeline runner to the process: health service,
// metrics endpoint and shutdown.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tidemark/internal/pipeline"
	"tidemark/internal/transport"
)

// Config is read from the environment by cmd/tidemark.
type Config struct {
	GRPCPort        int           `env:"TIDEMARK_GRPC_PORT" envDefault:"7070"`
	MetricsPort     int           `env:"TIDEMARK_METRICS_PORT" envDefault:"9100"`
	PipelineYml     string        `env:"TIDEMARK_PIPELINE" envDefault:"pipeline.yml"`
	ShutdownTimeout time.Duration `env:"TIDEMARK_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"TIDEMARK_LOG_LEVEL" envDefault:"info"`
	LogJSON         bool          `env:"TIDEMARK_LOG_JSON"`
}

type Engine struct {
	cfg       Config
	transport *transport.Server
	runner    *pipeline.Runner
	metrics   *http.Server
	log       *slog.Logger
}

// Run serves the health service until ctx is cancelled or the source
// stops, then shuts the pipeline down within ShutdownTimeout.
func (e *Engine) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- e.transport.Serve() }()

	var sourceDone <-chan struct{}
	if e.runner != nil {
		sourceDone = e.runner.Done()
	}

	var err error
	select {
	case <-ctx.Done():
		e.log.Info("shutting down")
	case <-sourceDone:
		err = e.runner.Err()
		e.log.Info("source finished, shutting down", "err", err)
	case err = <-serveErr:
		e.log.Error("grpc server stopped", "err", err)
	}
	return errors.Join(err, e.shutdown())
}

func (e *Engine) shutdown() error {
	e.transport.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if e.runner != nil {
		errs = append(errs, e.runner.Close(ctx))
	}
	if e.metrics != nil {
		errs = append(errs, e.metrics.Shutdown(ctx))
	}
	e.transport.Stop()
	return errors.Join(errs...)
}
