package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"tidemark/internal/engine"
	"tidemark/internal/logging"
	"tidemark/internal/transport"

	_ "tidemark/sink/kafka"
	_ "tidemark/sink/nats"
	_ "tidemark/sink/rabbitmq"
	_ "tidemark/sink/stdout"
	_ "tidemark/source/file"
	_ "tidemark/source/kafka"
	_ "tidemark/source/kinesis"
)

func main() {
	var cfg engine.Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	flag.StringVar(&cfg.PipelineYml, "pipeline", cfg.PipelineYml, "pipeline YAML file")
	flag.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "gRPC health service port")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Prometheus /metrics port")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	healthcheck := flag.Bool("healthcheck", false, "query the health service of a running instance and exit")
	flag.Parse()

	logging.Configure(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	log := logging.L()

	if *healthcheck {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := transport.Check(ctx, fmt.Sprintf("127.0.0.1:%d", cfg.GRPCPort)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	if err := e.Run(ctx); err != nil {
		log.Error("engine stopped", "err", err)
		os.Exit(1)
	}
}
