// Package procenv defines the driver contract for an external processing
// environment. The scheduler registers a batch, tells the environment to
// start, polls until processing settles, then fetches the results.
package procenv

import (
	"context"

	"github.com/beeldengeluid/dane-workflows/status"
)

// ProcEnvResponse reports the outcome of starting a batch remotely.
type ProcEnvResponse struct {
	Success    bool
	StatusCode int
	StatusText string
}

// ProcessingResult wraps one processed item: the ledger row it belongs to,
// the raw output of the processing environment, and information about the
// software that generated it.
type ProcessingResult struct {
	StatusRow  status.StatusRow
	ResultData map[string]any
	Generator  map[string]any
}

// DataProcessingEnvironment drives an external processing system.
//
// RegisterBatch submits the rows and returns them with a proc id assigned
// and status BatchRegistered; nil means registration failed batch-wide.
// ProcessBatch kicks off processing. MonitorBatch blocks, polling until the
// batch settles, and returns the rows with their terminal processing status
// (Processed or Error). FetchResultsOfBatch retrieves the outputs of the
// successfully processed rows.
type DataProcessingEnvironment interface {
	RegisterBatch(ctx context.Context, procBatchID int, batch []status.StatusRow) ([]status.StatusRow, error)
	ProcessBatch(ctx context.Context, procBatchID int) (ProcEnvResponse, error)
	MonitorBatch(ctx context.Context, procBatchID int) ([]status.StatusRow, error)
	FetchResultsOfBatch(ctx context.Context, procBatchID int) ([]ProcessingResult, error)
}
