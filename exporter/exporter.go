// Package exporter defines where processed results end up. An Exporter is
// the final pipeline step: it stores the results somewhere useful and marks
// the exported rows Finished in the ledger.
package exporter

import (
	"context"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/procenv"
	"github.com/beeldengeluid/dane-workflows/status"
)

// Exporter writes out the results of a processing batch. On true, the
// exporter has persisted the exported rows as Finished; on false, the rows
// carry an export error code and status Error.
type Exporter interface {
	ExportResults(ctx context.Context, results []procenv.ProcessingResult) (bool, error)
}

// ExampleExporter discards the result data and just finishes the rows. It
// closes the loop for pipelines that only care about processing, not output.
type ExampleExporter struct {
	statusHandler status.Handler
	logger        *logharbour.Logger
}

func NewExampleExporter(statusHandler status.Handler, logger *logharbour.Logger) *ExampleExporter {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &ExampleExporter{
		statusHandler: statusHandler,
		logger:        logger.WithModule("exporter.example"),
	}
}

func (e *ExampleExporter) ExportResults(ctx context.Context, results []procenv.ProcessingResult) (bool, error) {
	if len(results) == 0 {
		e.logger.Warn().LogActivity("Nothing to export", nil)
		return false, nil
	}
	rows := make([]status.StatusRow, 0, len(results))
	for _, result := range results {
		rows = append(rows, result.StatusRow)
	}
	rows = status.UpdateStatus(rows, status.Finished)
	if err := e.statusHandler.Persist(ctx, rows); err != nil {
		return false, err
	}
	e.logger.Info().LogActivity("Exported results", map[string]any{
		"rows": len(rows),
	})
	return true, nil
}
