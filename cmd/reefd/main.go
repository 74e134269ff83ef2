package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/models"
	"github.com/reef-social/reef/moderation"
	"github.com/reef-social/reef/server"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "reefd",
		Usage:   "content sharing event propagation and moderation daemon",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/reefd/reef.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":8700",
			EnvVars: []string{"REEFD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":8701",
			EnvVars: []string{"REEFD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "classifier-host",
			Usage:   "method, hostname, and port of the content classifier service",
			Value:   "http://localhost:5000",
			EnvVars: []string{"REEFD_CLASSIFIER_HOST"},
		},
		&cli.DurationFlag{
			Name:    "scan-interval",
			Usage:   "time between background moderation scans",
			Value:   60 * time.Second,
			EnvVars: []string{"REEFD_SCAN_INTERVAL"},
		},
		&cli.Float64Flag{
			Name:    "classifier-rate-limit",
			Usage:   "max number of requests per second to the classifier",
			Value:   8,
			EnvVars: []string{"REEFD_CLASSIFIER_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "admin-password",
			Usage:   "password for the admin moderation endpoints",
			EnvVars: []string{"REEFD_ADMIN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"REEFD_LOG_LEVEL", "LOG_LEVEL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()

		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cctx.String("log-level")),
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			logger.Info("setting up trace exporter", "endpoint", ep)
			expCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(expCtx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					logger.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("reefd"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := models.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		store := models.NewPostStore(db)

		evts := events.NewEventManager(logger)
		go evts.Run()

		classifier := moderation.NewClassifierClient(cctx.String("classifier-host"))
		scanner, err := moderation.NewScanner(logger, store, evts, classifier, moderation.ScannerConfig{
			Interval:      cctx.Duration("scan-interval"),
			ClassifierRPS: cctx.Float64("classifier-rate-limit"),
		})
		if err != nil {
			return err
		}

		scanCtx, stopScanner := context.WithCancel(ctx)
		defer stopScanner()
		go scanner.Run(scanCtx)

		srv := server.NewServer(logger, store, evts, scanner, server.Config{
			AdminPassword: cctx.String("admin-password"),
		})

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				logger.Error("failed to start metrics endpoint", "err", err)
				os.Exit(1)
			}
		}()

		srvErr := make(chan error, 1)
		go func() {
			srvErr <- srv.Start(cctx.String("bind"))
		}()

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

		logger.Info("startup complete", "bind", cctx.String("bind"))
		select {
		case <-signals:
			logger.Info("received shutdown signal")
		case err := <-srvErr:
			if err != nil {
				logger.Error("error during server startup", "err", err)
			}
			logger.Info("shutting down")
		}

		stopScanner()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("error during server shutdown", "err", err)
		}
		evts.Shutdown()

		logger.Info("shutdown complete")
		return nil
	},
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
