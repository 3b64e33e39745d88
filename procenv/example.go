package procenv

import (
	"context"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/status"
)

// ExampleDataProcessingEnvironment simulates a processing system that
// accepts every batch and finishes it instantly. It lets a pipeline run end
// to end without any external service.
type ExampleDataProcessingEnvironment struct {
	statusHandler status.Handler
	logger        *logharbour.Logger
}

func NewExampleDataProcessingEnvironment(statusHandler status.Handler, logger *logharbour.Logger) *ExampleDataProcessingEnvironment {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &ExampleDataProcessingEnvironment{
		statusHandler: statusHandler,
		logger:        logger.WithModule("procenv.example"),
	}
}

func (e *ExampleDataProcessingEnvironment) RegisterBatch(ctx context.Context, procBatchID int, batch []status.StatusRow) ([]status.StatusRow, error) {
	for i := range batch {
		batch[i].ProcID = uuid.NewString()
	}
	batch = status.UpdateStatus(batch, status.BatchRegistered)
	e.logger.Debug0().LogActivity("Registered batch", map[string]any{
		"proc_batch_id": procBatchID,
		"rows":          len(batch),
	})
	return batch, nil
}

func (e *ExampleDataProcessingEnvironment) ProcessBatch(ctx context.Context, procBatchID int) (ProcEnvResponse, error) {
	return ProcEnvResponse{Success: true, StatusCode: 200, StatusText: "All fine n dandy"}, nil
}

// MonitorBatch reports the whole batch processed on the first poll.
func (e *ExampleDataProcessingEnvironment) MonitorBatch(ctx context.Context, procBatchID int) ([]status.StatusRow, error) {
	e.logger.Debug0().LogActivity("Monitoring batch", map[string]any{
		"proc_batch_id": procBatchID,
	})
	batch, err := e.statusHandler.GetStatusRowsOfProcBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		e.logger.Warn().LogActivity("No rows found for batch", map[string]any{
			"proc_batch_id": procBatchID,
		})
		return nil, nil
	}
	return status.UpdateStatus(batch, status.Processed), nil
}

// FetchResultsOfBatch reads the batch back from the ledger so a resumed run
// can still produce results. Rows that ended in error carry no result.
func (e *ExampleDataProcessingEnvironment) FetchResultsOfBatch(ctx context.Context, procBatchID int) ([]ProcessingResult, error) {
	batch, err := e.statusHandler.GetStatusRowsOfProcBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	var results []ProcessingResult
	for _, row := range batch {
		if row.Status == status.Error {
			continue
		}
		results = append(results, ProcessingResult{
			StatusRow:  row,
			ResultData: map[string]any{},
			Generator:  map[string]any{},
		})
	}
	return results, nil
}
