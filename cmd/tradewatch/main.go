// Command tradewatch is the entry point for the position and order tracking
// core. It loads configuration, validates it, sets up logging, profiling and
// signal handling, and starts the application in the configured mode.
//
// Usage:
//
//	tradewatch [-config tradewatch.toml]
//	tradewatch seal -user alice -exchange binance [-config tradewatch.toml]
//
// seal stores exchange credentials read from TRADEWATCH_SEAL_API_KEY,
// TRADEWATCH_SEAL_SECRET and TRADEWATCH_SEAL_PASSPHRASE, encrypted with the
// configured master key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/tradewatch/internal/app"
	"github.com/alanyoungcy/tradewatch/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		if err := runSeal(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "tradewatch.toml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured level is known.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	out, closeLog := logOutput(cfg.Log)
	defer closeLog()
	logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("tradewatch starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"mode": cfg.Mode},
			Logger:          profilerLogger{logger.With(slog.String("component", "pyroscope"))},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			logger.Warn("profiler start failed", slog.String("error", err.Error()))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("tradewatch stopped")
}

func parseLevel(s string) slog.Level {
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

// logOutput returns stdout, teed into a rotated file when one is configured.
func logOutput(cfg config.LogConfig) (io.Writer, func()) {
	if cfg.File == "" {
		return os.Stdout, func() {}
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotated), func() { _ = rotated.Close() }
}

// profilerLogger routes profiler messages into slog.
type profilerLogger struct {
	l *slog.Logger
}

func (p profilerLogger) Infof(format string, args ...any) {
	p.l.Debug(fmt.Sprintf(format, args...))
}

func (p profilerLogger) Debugf(format string, args ...any) {
	p.l.Debug(fmt.Sprintf(format, args...))
}

func (p profilerLogger) Errorf(format string, args ...any) {
	p.l.Warn(fmt.Sprintf(format, args...))
}
