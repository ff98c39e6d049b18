// Command venued runs the trading venue: the matching engine behind the
// line-based TCP protocol, with Prometheus metrics and optional NATS fill
// publishing.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradewire/venue/pkg/events"
	"github.com/tradewire/venue/pkg/metrics"
	"github.com/tradewire/venue/pkg/server"
	"github.com/tradewire/venue/pkg/venue"
)

var (
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Value: ":8080",
		Usage: "client protocol listen `address`",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Value: ":9090",
		Usage: "prometheus scrape `address`",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Value: 4,
		Usage: "matching worker pool size",
	}
	natsFlag = &cli.StringFlag{
		Name:  "nats",
		Value: "",
		Usage: "NATS `url` for fill publishing (empty disables)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "log `level` (debug, info, warn, error)",
	}
)

func main() {
	app := &cli.App{
		Name:   "venued",
		Usage:  "in-memory multi-symbol trading venue",
		Flags:  []cli.Flag{listenFlag, metricsFlag, workersFlag, natsFlag, logLevelFlag},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	m := metrics.New("venue", sugar)
	m.Serve(c.String("metrics-addr"))

	var fills venue.FillPublisher
	if url := c.String("nats"); url != "" {
		publisher, err := events.Connect(url, sugar)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer publisher.Close()
		fills = publisher
	}

	engine := venue.NewMatchingEngine(venue.Options{
		Workers: c.Int("workers"),
		Logger:  sugar,
		Metrics: m,
		Fills:   fills,
	})
	defer engine.Close()

	srv := server.New(engine, sugar)
	if _, err := srv.Listen(c.String("listen")); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	srv.Close()
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	return cfg.Build()
}
