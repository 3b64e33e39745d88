// Package provider defines the source adapter contract: where workflow items
// come from. A DataProvider owns the notion of source batches and hands the
// scheduler processing batches of the requested size.
package provider

import (
	"context"

	"github.com/beeldengeluid/dane-workflows/status"
)

// DataProvider feeds items into the pipeline.
//
// FetchSourceBatchData materializes the rows of one source batch, or returns
// nil when no such batch exists. GetNextBatch pages NEW rows of the current
// source batch into a processing batch: it assigns procBatchID, moves the
// rows to BatchAssigned and persists them. When the current source batch is
// exhausted it advances to the next one internally; nil means the source is
// fully drained.
type DataProvider interface {
	FetchSourceBatchData(ctx context.Context, sourceBatchID int) ([]status.StatusRow, error)
	GetNextBatch(ctx context.Context, procBatchID, size int) ([]status.StatusRow, error)
}
