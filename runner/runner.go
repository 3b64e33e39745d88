// Package runner turns a validated configuration into a running pipeline.
// Concrete collaborators are looked up by their configured TYPE in factory
// registries, replacing load-class-by-name with an explicit mapping.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/config"
	"github.com/beeldengeluid/dane-workflows/dane"
	"github.com/beeldengeluid/dane-workflows/exporter"
	"github.com/beeldengeluid/dane-workflows/metrics"
	"github.com/beeldengeluid/dane-workflows/monitor"
	"github.com/beeldengeluid/dane-workflows/procenv"
	"github.com/beeldengeluid/dane-workflows/provider"
	"github.com/beeldengeluid/dane-workflows/scheduler"
	"github.com/beeldengeluid/dane-workflows/status"
	"github.com/beeldengeluid/dane-workflows/status/pg"
)

type (
	StatusHandlerFactory func(ctx context.Context, c config.Component, logger *logharbour.Logger) (status.Handler, error)
	DataProviderFactory  func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (provider.DataProvider, error)
	ProcEnvFactory       func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (procenv.DataProcessingEnvironment, error)
	ExporterFactory      func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (exporter.Exporter, error)
	MonitorFactory       func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (*monitor.StatusMonitor, error)
)

var (
	statusHandlerFactories = map[string]StatusHandlerFactory{}
	dataProviderFactories  = map[string]DataProviderFactory{}
	procEnvFactories       = map[string]ProcEnvFactory{}
	exporterFactories      = map[string]ExporterFactory{}
	monitorFactories       = map[string]MonitorFactory{}
)

func RegisterStatusHandler(name string, f StatusHandlerFactory) { statusHandlerFactories[name] = f }
func RegisterDataProvider(name string, f DataProviderFactory)   { dataProviderFactories[name] = f }
func RegisterProcEnv(name string, f ProcEnvFactory)             { procEnvFactories[name] = f }
func RegisterExporter(name string, f ExporterFactory)           { exporterFactories[name] = f }
func RegisterMonitor(name string, f MonitorFactory)             { monitorFactories[name] = f }

func init() {
	RegisterStatusHandler("MemoryStatusHandler",
		func(_ context.Context, _ config.Component, logger *logharbour.Logger) (status.Handler, error) {
			return status.NewMemoryStatusHandler(logger), nil
		})
	RegisterStatusHandler("DatabaseStatusHandler",
		func(ctx context.Context, c config.Component, logger *logharbour.Logger) (status.Handler, error) {
			var settings config.StatusHandlerSettings
			if err := c.DecodeConfig(&settings); err != nil {
				return nil, err
			}
			if settings.DBConnURL == "" {
				return nil, fmt.Errorf("STATUS_HANDLER.CONFIG.DB_CONN_URL must be set")
			}
			return pg.NewStatusHandler(ctx, settings.DBConnURL, logger)
		})

	RegisterDataProvider("ExampleDataProvider",
		func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (provider.DataProvider, error) {
			var cfg provider.ExampleConfig
			if err := c.DecodeConfig(&cfg); err != nil {
				return nil, err
			}
			return provider.NewExampleDataProvider(cfg, statusHandler, logger), nil
		})

	RegisterProcEnv("ExampleDataProcessingEnvironment",
		func(_ config.Component, statusHandler status.Handler, logger *logharbour.Logger) (procenv.DataProcessingEnvironment, error) {
			return procenv.NewExampleDataProcessingEnvironment(statusHandler, logger), nil
		})
	RegisterProcEnv("DANEEnvironment",
		func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (procenv.DataProcessingEnvironment, error) {
			var settings config.DANESettings
			if err := c.DecodeConfig(&settings); err != nil {
				return nil, err
			}
			if err := settings.Check(); err != nil {
				return nil, err
			}
			return dane.NewEnvironment(dane.Config{
				Host:            settings.Host,
				TaskID:          settings.TaskID,
				StatusDir:       settings.StatusDir,
				MonitorInterval: time.Duration(settings.MonitorInterval) * time.Second,
				ESHost:          settings.ESHost,
				ESPort:          settings.ESPort,
				ESIndex:         settings.ESIndex,
				ESQueryTimeout:  time.Duration(settings.ESQueryTimeout) * time.Second,
				BatchPrefix:     settings.BatchPrefix,
			}, statusHandler, logger)
		})

	RegisterExporter("ExampleExporter",
		func(_ config.Component, statusHandler status.Handler, logger *logharbour.Logger) (exporter.Exporter, error) {
			return exporter.NewExampleExporter(statusHandler, logger), nil
		})

	RegisterMonitor("ExampleStatusMonitor",
		func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (*monitor.StatusMonitor, error) {
			cache, err := monitorCache(c)
			if err != nil {
				return nil, err
			}
			return monitor.NewStatusMonitor(statusHandler, monitor.NewTerminalSink(logger), cache, logger), nil
		})
	RegisterMonitor("SlackStatusMonitor",
		func(c config.Component, statusHandler status.Handler, logger *logharbour.Logger) (*monitor.StatusMonitor, error) {
			var settings config.MonitorSettings
			if err := c.DecodeConfig(&settings); err != nil {
				return nil, err
			}
			if settings.WebhookURL == "" {
				return nil, fmt.Errorf("STATUS_MONITOR.CONFIG.WEBHOOK_URL must be set")
			}
			cache, err := monitorCache(c)
			if err != nil {
				return nil, err
			}
			return monitor.NewStatusMonitor(statusHandler,
				monitor.NewSlackWebhookSink(settings.WebhookURL, logger), cache, logger), nil
		})
}

func monitorCache(c config.Component) (*redis.Client, error) {
	var settings config.MonitorSettings
	if err := c.DecodeConfig(&settings); err != nil {
		return nil, err
	}
	if settings.RedisAddr == "" {
		return nil, nil
	}
	return redis.NewClient(&redis.Options{Addr: settings.RedisAddr}), nil
}

// Runner owns a fully wired pipeline.
type Runner struct {
	scheduler     *scheduler.TaskScheduler
	statusMonitor *monitor.StatusMonitor
	metrics       *metrics.PipelineMetrics
	logger        *logharbour.Logger
}

// New builds every collaborator named in the configuration. Unknown TYPEs
// are configuration errors.
func New(ctx context.Context, cfg *config.Config, logger *logharbour.Logger) (*Runner, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}

	statusHandlerFactory, ok := statusHandlerFactories[cfg.StatusHandler.Type]
	if !ok {
		return nil, fmt.Errorf("unknown STATUS_HANDLER.TYPE %q", cfg.StatusHandler.Type)
	}
	statusHandler, err := statusHandlerFactory(ctx, cfg.StatusHandler, logger)
	if err != nil {
		return nil, err
	}

	dataProviderFactory, ok := dataProviderFactories[cfg.DataProvider.Type]
	if !ok {
		return nil, fmt.Errorf("unknown DATA_PROVIDER.TYPE %q", cfg.DataProvider.Type)
	}
	dataProvider, err := dataProviderFactory(cfg.DataProvider, statusHandler, logger)
	if err != nil {
		return nil, err
	}

	procEnvFactory, ok := procEnvFactories[cfg.ProcEnv.Type]
	if !ok {
		return nil, fmt.Errorf("unknown PROC_ENV.TYPE %q", cfg.ProcEnv.Type)
	}
	processingEnv, err := procEnvFactory(cfg.ProcEnv, statusHandler, logger)
	if err != nil {
		return nil, err
	}

	exporterFactory, ok := exporterFactories[cfg.Exporter.Type]
	if !ok {
		return nil, fmt.Errorf("unknown EXPORTER.TYPE %q", cfg.Exporter.Type)
	}
	resultExporter, err := exporterFactory(cfg.Exporter, statusHandler, logger)
	if err != nil {
		return nil, err
	}

	var statusMonitor *monitor.StatusMonitor
	if cfg.StatusMonitor != nil {
		monitorFactory, ok := monitorFactories[cfg.StatusMonitor.Type]
		if !ok {
			return nil, fmt.Errorf("unknown STATUS_MONITOR.TYPE %q", cfg.StatusMonitor.Type)
		}
		statusMonitor, err = monitorFactory(*cfg.StatusMonitor, statusHandler, logger)
		if err != nil {
			return nil, err
		}
	}

	pipelineMetrics := metrics.NewPipelineMetrics()
	ts, err := scheduler.New(scheduler.Config{
		BatchSize:   cfg.TaskScheduler.BatchSize,
		BatchPrefix: cfg.TaskScheduler.BatchPrefix,
	}, statusHandler, dataProvider, processingEnv, resultExporter,
		pipelineMetrics, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		scheduler:     ts,
		statusMonitor: statusMonitor,
		metrics:       pipelineMetrics,
		logger:        logger.WithModule("runner"),
	}, nil
}

// MetricsHandler exposes the pipeline's Prometheus collectors.
func (r *Runner) MetricsHandler() http.Handler {
	return r.metrics.Handler()
}

// Run drives the scheduler to completion and pushes a final status report
// when a monitor is configured. Monitor failures are logged, never fatal.
func (r *Runner) Run(ctx context.Context) error {
	runErr := r.scheduler.Run(ctx)
	if r.statusMonitor != nil {
		if err := r.statusMonitor.MonitorStatus(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn().LogActivity("Could not send status report", map[string]any{
				"error": err.Error(),
			})
		}
	}
	return runErr
}
