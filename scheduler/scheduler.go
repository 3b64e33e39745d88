// Package scheduler drives the pipeline: it pulls processing batches from
// the data provider, pushes them through the processing environment and the
// exporter, and records every transition in the status ledger. One batch is
// in flight at a time; a restarted scheduler resumes mid-batch from whatever
// the ledger last saw.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/exporter"
	"github.com/beeldengeluid/dane-workflows/metrics"
	"github.com/beeldengeluid/dane-workflows/procenv"
	"github.com/beeldengeluid/dane-workflows/provider"
	"github.com/beeldengeluid/dane-workflows/status"
)

var (
	// ErrBatchRegisterFailed means the processing environment rejected a
	// batch as a whole.
	ErrBatchRegisterFailed = errors.New("could not register batch")
	// ErrBatchProcessingNotStarted means the processing environment refused
	// to start a registered batch.
	ErrBatchProcessingNotStarted = errors.New("could not start processing batch")
	// ErrNoMonitorResults means monitoring yielded no rows for the batch.
	ErrNoMonitorResults = errors.New("no monitor results for batch")
	// ErrNoProcessingResults means a settled batch produced no results.
	ErrNoProcessingResults = errors.New("no processing results for batch")
)

// Config holds the scheduler's own settings.
type Config struct {
	// BatchSize is the number of items per processing batch.
	BatchSize int
	// BatchPrefix namespaces batch names surfaced to external systems.
	BatchPrefix string
}

type TaskScheduler struct {
	cfg           Config
	runID         string
	statusHandler status.Handler
	dataProvider  provider.DataProvider
	procEnv       procenv.DataProcessingEnvironment
	exporter      exporter.Exporter
	metrics       *metrics.PipelineMetrics
	logger        *logharbour.Logger
}

// New validates the configuration and wires the collaborators. The pipeline
// metrics may be nil; all other collaborators are required.
func New(
	cfg Config,
	statusHandler status.Handler,
	dataProvider provider.DataProvider,
	procEnv procenv.DataProcessingEnvironment,
	exp exporter.Exporter,
	pipelineMetrics *metrics.PipelineMetrics,
	logger *logharbour.Logger,
) (*TaskScheduler, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if statusHandler == nil || dataProvider == nil || procEnv == nil || exp == nil {
		return nil, errors.New("all collaborators must be set")
	}
	if pipelineMetrics == nil {
		pipelineMetrics = metrics.NewPipelineMetrics()
	}
	return &TaskScheduler{
		cfg:           cfg,
		runID:         uuid.NewString(),
		statusHandler: statusHandler,
		dataProvider:  dataProvider,
		procEnv:       procEnv,
		exporter:      exp,
		metrics:       pipelineMetrics,
		logger:        logger.WithModule("scheduler"),
	}, nil
}

// recover restores the scheduler's position from the ledger. It returns the
// proc batch id to resume at, how many pipeline steps of that batch are
// already done, and whether there is any work at all.
func (ts *TaskScheduler) recover(ctx context.Context) (resumeProcBatchID, skip int, hasWork bool, err error) {
	recovered, err := ts.statusHandler.RecoverSourceBatch(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if !recovered {
		ts.logger.Info().LogActivity("No status data could be recovered, starting afresh", nil)
		rows, err := ts.dataProvider.FetchSourceBatchData(ctx, 0)
		if err != nil {
			return 0, 0, false, err
		}
		if len(rows) == 0 {
			return 0, 0, false, nil
		}
		if err := ts.statusHandler.SetCurrentSourceBatch(ctx, rows); err != nil {
			return 0, 0, false, fmt.Errorf("failed to persist initial source batch: %w", err)
		}
		return 0, 0, true, nil
	}

	procRows, err := ts.statusHandler.RecoverProcBatch(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if len(procRows) == 0 {
		return 0, 0, true, nil
	}

	procBatchID := procRows[0].ProcBatchID
	skip = stepsDone(procRows)
	ts.logger.Info().LogActivity("Recovered last proc batch", map[string]any{
		"proc_batch_id": procBatchID,
		"steps_done":    skip,
	})
	if skip >= 5 {
		// batch ran to completion before the restart
		return procBatchID + 1, 0, true, nil
	}
	return procBatchID, skip, true, nil
}

// stepsDone derives how many pipeline steps a recovered batch completed from
// the highest status among its non-error rows. A batch whose rows all ended
// in error was aborted by the previous run and is treated as done.
func stepsDone(rows []status.StatusRow) int {
	highest := 0
	for _, r := range rows {
		if r.Status == status.Error {
			continue
		}
		if int(r.Status) > highest {
			highest = int(r.Status)
		}
	}
	if highest == 0 {
		return 5
	}
	skip := highest - 2
	if skip < 0 {
		return 0
	}
	return skip
}

// Run executes the recovery protocol and then the main loop until the source
// is exhausted (nil error), the context is cancelled, or a batch-level
// failure stops the pipeline.
func (ts *TaskScheduler) Run(ctx context.Context) error {
	ts.logger.Info().LogActivity("Scheduler run starting", map[string]any{
		"run_id":       ts.runID,
		"batch_size":   ts.cfg.BatchSize,
		"batch_prefix": ts.cfg.BatchPrefix,
	})
	procBatchID, skip, hasWork, err := ts.recover(ctx)
	if err != nil {
		return err
	}
	if !hasWork {
		ts.logger.Info().LogActivity("Data provider has no work, nothing to do", nil)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rows []status.StatusRow
		if skip == 0 {
			ts.logger.Debug0().LogActivity("Asking data provider for next batch", map[string]any{
				"proc_batch_id": procBatchID,
				"batch_size":    ts.cfg.BatchSize,
			})
			rows, err = ts.dataProvider.GetNextBatch(ctx, procBatchID, ts.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				ts.logger.Info().LogActivity("No source data remaining, all done", nil)
				return nil
			}
		} else {
			rows, err = ts.statusHandler.GetStatusRowsOfProcBatch(ctx, procBatchID)
			if err != nil {
				return err
			}
		}

		ts.metrics.BatchesStarted.Inc()
		started := time.Now()
		if err := ts.runPipeline(ctx, procBatchID, rows, skip); err != nil {
			ts.metrics.BatchesFailed.Inc()
			ts.recordItemOutcomes(ctx, procBatchID)
			return err
		}
		ts.metrics.BatchesCompleted.Inc()
		ts.metrics.BatchDuration.Observe(time.Since(started).Seconds())
		ts.recordItemOutcomes(ctx, procBatchID)

		skip = 0
		procBatchID++
	}
}

// runPipeline pushes one batch through register, process, monitor, fetch and
// export. skip counts the steps a recovered batch already completed. Every
// ledger write along the way must succeed; a failed write leaves the ledger
// untrustworthy and aborts the run.
func (ts *TaskScheduler) runPipeline(ctx context.Context, procBatchID int, rows []status.StatusRow, skip int) error {
	// step 1: register
	if skip < 1 {
		registered, err := ts.procEnv.RegisterBatch(ctx, procBatchID, rows)
		if err != nil {
			return err
		}
		if len(registered) == 0 {
			msg := fmt.Sprintf("Could not register batch %d", procBatchID)
			ts.logger.Error(ErrBatchRegisterFailed).LogActivity(msg, nil)
			rows = status.MarkError(rows, status.BatchRegisterFailed, msg)
			if err := ts.persistOrDie(ctx, rows, "register failure"); err != nil {
				return err
			}
			return fmt.Errorf("%w: %d", ErrBatchRegisterFailed, procBatchID)
		}
		rows = registered
		if err := ts.persistOrDie(ctx, rows, "register"); err != nil {
			return err
		}
	}

	// step 2: process
	if skip < 2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := ts.procEnv.ProcessBatch(ctx, procBatchID)
		if err != nil {
			return err
		}
		if !resp.Success {
			ts.logger.Error(ErrBatchProcessingNotStarted).LogActivity("Could not process batch", map[string]any{
				"proc_batch_id": procBatchID,
				"status_code":   resp.StatusCode,
			})
			rows = status.MarkError(rows, status.BatchProcessingNotStarted, resp.StatusText)
			if err := ts.persistOrDie(ctx, rows, "process failure"); err != nil {
				return err
			}
			return fmt.Errorf("%w: %d (status %d)", ErrBatchProcessingNotStarted, procBatchID, resp.StatusCode)
		}
		rows = status.UpdateStatus(rows, status.Processing)
		ts.logger.LogDataChange("Batch accepted for processing", logharbour.ChangeInfo{
			Entity: "ProcBatch",
			Op:     "Update",
			Changes: []logharbour.ChangeDetail{
				{Field: "status", OldVal: status.BatchRegistered, NewVal: status.Processing},
			},
		})
		if err := ts.persistOrDie(ctx, rows, "process"); err != nil {
			return err
		}
	}

	// step 3: monitor
	if skip < 3 {
		if err := ctx.Err(); err != nil {
			return err
		}
		monitored, err := ts.procEnv.MonitorBatch(ctx, procBatchID)
		if err != nil {
			return err
		}
		if len(monitored) == 0 {
			return fmt.Errorf("%w: %d", ErrNoMonitorResults, procBatchID)
		}
		rows = monitored
		if err := ts.persistOrDie(ctx, rows, "monitor"); err != nil {
			return err
		}
	}

	// steps 4 and 5: fetch and export. A batch resumed at the export step
	// still needs the results fetched; only the status write is skipped.
	if err := ctx.Err(); err != nil {
		return err
	}
	results, err := ts.procEnv.FetchResultsOfBatch(ctx, procBatchID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		ts.logger.Error(ErrNoProcessingResults).LogActivity("Did not receive any processing results", map[string]any{
			"proc_batch_id": procBatchID,
		})
		return fmt.Errorf("%w: %d", ErrNoProcessingResults, procBatchID)
	}
	if skip < 4 {
		fetched := make([]status.StatusRow, 0, len(results))
		for _, result := range results {
			fetched = append(fetched, result.StatusRow)
		}
		fetched = status.UpdateStatus(fetched, status.Exported)
		if err := ts.persistOrDie(ctx, fetched, "fetch"); err != nil {
			return err
		}
		for i := range results {
			results[i].StatusRow = fetched[i]
		}
	}

	ok, err := ts.exporter.ExportResults(ctx, results)
	if err != nil {
		return fmt.Errorf("failed to export results of batch %d: %w", procBatchID, err)
	}
	if !ok {
		ts.logger.Warn().LogActivity("Exporter reported failure", map[string]any{
			"proc_batch_id": procBatchID,
		})
	}
	return nil
}

// persistOrDie persists the rows and wraps any failure as fatal.
func (ts *TaskScheduler) persistOrDie(ctx context.Context, rows []status.StatusRow, step string) error {
	if err := ts.statusHandler.Persist(ctx, rows); err != nil {
		ts.logger.Error(err).LogActivity("Ledger write failed, cannot continue", map[string]any{
			"step": step,
		})
		return fmt.Errorf("fatal: failed to persist rows after %s: %w", step, err)
	}
	return nil
}

func (ts *TaskScheduler) recordItemOutcomes(ctx context.Context, procBatchID int) {
	counts, err := ts.statusHandler.GetStatusCountsForProcBatch(ctx, procBatchID)
	if err != nil {
		return
	}
	for st, n := range counts {
		if st.IsCompleted() {
			ts.metrics.ItemsByStatus.WithLabelValues(st.String()).Add(float64(n))
		}
	}
}
