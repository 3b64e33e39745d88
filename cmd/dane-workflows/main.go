// Command dane-workflows runs a batched processing pipeline described by a
// YAML configuration file. It exits 0 when the source is exhausted, 1 on a
// configuration problem and 2 when the pipeline hits a fatal error.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/config"
	"github.com/beeldengeluid/dane-workflows/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yml", "path to the pipeline configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logWriter, closeLog, err := openLogWriter(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open log file: %v\n", err)
		return 1
	}
	defer closeLog()

	lctx := logharbour.NewLoggerContext(cfg.LogPriority())
	logger := logharbour.NewLogger(lctx, cfg.Logging.Name, logWriter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		logger.Error(err).LogActivity("Could not build pipeline", nil)
		return 1
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r.MetricsHandler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(err).LogActivity("Metrics server stopped", nil)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	logger.Info().LogActivity("Pipeline starting", map[string]any{
		"config": *configPath,
	})
	if err := r.Run(ctx); err != nil {
		logger.Error(err).LogActivity("Pipeline failed", nil)
		return 2
	}
	logger.Info().LogActivity("Pipeline finished", nil)
	return 0
}

// openLogWriter writes to <DIR>/<NAME>.log with stdout as the fallback
// target. Log records also mirror to stdout when running interactively.
func openLogWriter(lc config.LoggingConfig) (io.Writer, func(), error) {
	path := filepath.Join(lc.Dir, lc.Name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return logharbour.NewFallbackWriter(f, os.Stdout), func() { f.Close() }, nil
}
