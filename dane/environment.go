package dane

import (
	"context"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/procenv"
	"github.com/beeldengeluid/dane-workflows/status"
)

// Environment adapts a DANE server to the processing environment contract.
type Environment struct {
	handler       *Handler
	statusHandler status.Handler
	logger        *logharbour.Logger
}

func NewEnvironment(cfg Config, statusHandler status.Handler, logger *logharbour.Logger) (*Environment, error) {
	handler, err := NewHandler(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Environment{
		handler:       handler,
		statusHandler: statusHandler,
		logger:        logger.WithModule("dane.environment"),
	}, nil
}

func (e *Environment) RegisterBatch(ctx context.Context, procBatchID int, batch []status.StatusRow) ([]status.StatusRow, error) {
	return e.handler.RegisterBatch(ctx, procBatchID, batch)
}

func (e *Environment) ProcessBatch(ctx context.Context, procBatchID int) (procenv.ProcEnvResponse, error) {
	success, statusCode, statusText := e.handler.ProcessBatch(ctx, procBatchID)
	return procenv.ProcEnvResponse{
		Success:    success,
		StatusCode: statusCode,
		StatusText: statusText,
	}, nil
}

// MonitorBatch blocks until the batch settles, then maps every task's
// terminal state onto its ledger row: SUCCESS becomes Processed, anything
// else becomes Error with the worker's message.
func (e *Environment) MonitorBatch(ctx context.Context, procBatchID int) ([]status.StatusRow, error) {
	tasks, err := e.handler.MonitorBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	return e.toStatusRows(ctx, procBatchID, tasks)
}

func (e *Environment) FetchResultsOfBatch(ctx context.Context, procBatchID int) ([]procenv.ProcessingResult, error) {
	e.logger.Debug0().LogActivity("Fetching results of batch", map[string]any{
		"proc_batch_id": procBatchID,
	})
	results, err := e.handler.GetResultsOfBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.handler.GetTasksOfBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	return e.toProcessingResults(ctx, procBatchID, results, tasks)
}

func (e *Environment) toStatusRows(ctx context.Context, procBatchID int, tasks []Task) ([]status.StatusRow, error) {
	rows, err := e.statusHandler.GetStatusRowsOfProcBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(tasks) == 0 {
		e.logger.Warn().LogActivity("No rows or tasks for batch", map[string]any{
			"proc_batch_id": procBatchID,
			"rows":          len(rows),
			"tasks":         len(tasks),
		})
		return nil, nil
	}

	taskByDocID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		taskByDocID[t.DocID] = t
	}
	for i := range rows {
		task, ok := taskByDocID[rows[i].ProcID]
		if !ok {
			e.logger.Warn().LogActivity("No task found for row", map[string]any{
				"target_id": rows[i].TargetID,
				"proc_id":   rows[i].ProcID,
			})
			continue
		}
		if task.State == StateSuccess {
			rows[i].Status = status.Processed
		} else {
			rows[i].Status = status.Error
			rows[i].ProcErrorCode = status.ProcessingFailed
			rows[i].ProcStatusMsg = task.Message
		}
	}
	return rows, nil
}

func (e *Environment) toProcessingResults(ctx context.Context, procBatchID int, results []Result, tasks []Task) ([]procenv.ProcessingResult, error) {
	rows, err := e.statusHandler.GetStatusRowsOfProcBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(tasks) == 0 {
		e.logger.Warn().LogActivity("No rows or tasks for batch", map[string]any{
			"proc_batch_id": procBatchID,
			"rows":          len(rows),
			"tasks":         len(tasks),
		})
		return nil, nil
	}

	// results point at their task, tasks point at their document; chain the
	// two to key results by the rows' proc id
	docIDByTaskID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		docIDByTaskID[t.ID] = t.DocID
	}
	resultByDocID := make(map[string]Result, len(results))
	for _, r := range results {
		r.DocID = docIDByTaskID[r.TaskID]
		resultByDocID[r.DocID] = r
	}

	var out []procenv.ProcessingResult
	for _, row := range rows {
		result, ok := resultByDocID[row.ProcID]
		if !ok {
			e.logger.Warn().LogActivity("No result found for row", map[string]any{
				"target_id": row.TargetID,
				"proc_id":   row.ProcID,
			})
			continue
		}
		out = append(out, procenv.ProcessingResult{
			StatusRow:  row,
			ResultData: result.Payload,
			Generator:  result.Generator,
		})
	}
	return out, nil
}
