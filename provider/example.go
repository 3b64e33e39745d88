package provider

import (
	"context"
	"fmt"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/status"
)

// Document is one item of the example catalog.
type Document struct {
	ID        string `yaml:"ID"`
	URL       string `yaml:"URL"`
	ExtraInfo string `yaml:"EXTRA_INFO"`
}

// ExampleConfig configures the ExampleDataProvider. SourceBatchSize of zero
// means the whole catalog forms a single source batch.
type ExampleConfig struct {
	Documents       []Document `yaml:"DOCUMENTS"`
	SourceBatchSize int        `yaml:"SOURCE_BATCH_SIZE"`
}

// ExampleDataProvider serves a fixed in-config catalog. It exists so a
// pipeline can be exercised end to end without any external source system.
type ExampleDataProvider struct {
	cfg           ExampleConfig
	statusHandler status.Handler
	logger        *logharbour.Logger
}

func NewExampleDataProvider(cfg ExampleConfig, statusHandler status.Handler, logger *logharbour.Logger) *ExampleDataProvider {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &ExampleDataProvider{
		cfg:           cfg,
		statusHandler: statusHandler,
		logger:        logger.WithModule("provider.example"),
	}
}

func (p *ExampleDataProvider) sourceBatchSize() int {
	if p.cfg.SourceBatchSize <= 0 {
		return len(p.cfg.Documents)
	}
	return p.cfg.SourceBatchSize
}

func (p *ExampleDataProvider) FetchSourceBatchData(ctx context.Context, sourceBatchID int) ([]status.StatusRow, error) {
	size := p.sourceBatchSize()
	start := sourceBatchID * size
	if start >= len(p.cfg.Documents) || size == 0 {
		return nil, nil
	}
	end := start + size
	if end > len(p.cfg.Documents) {
		end = len(p.cfg.Documents)
	}

	rows := make([]status.StatusRow, 0, end-start)
	for _, doc := range p.cfg.Documents[start:end] {
		rows = append(rows, status.StatusRow{
			TargetID:        doc.ID,
			TargetURL:       doc.URL,
			Status:          status.New,
			SourceBatchID:   sourceBatchID,
			SourceBatchName: fmt.Sprintf("example-batch-%d", sourceBatchID),
			SourceExtraInfo: doc.ExtraInfo,
			ProcBatchID:     status.UnassignedBatch,
		})
	}
	p.logger.Debug0().LogActivity("Fetched source batch", map[string]any{
		"source_batch_id": sourceBatchID,
		"rows":            len(rows),
	})
	return rows, nil
}

// GetNextBatch pages NEW rows of the current source batch into processing
// batch procBatchID. When the current source batch has no NEW rows left it
// advances to the next source batch; nil means the catalog is exhausted.
func (p *ExampleDataProvider) GetNextBatch(ctx context.Context, procBatchID, size int) ([]status.StatusRow, error) {
	if p.statusHandler.CurSourceBatchID() == status.UnassignedBatch {
		if ok, err := p.advanceSourceBatch(ctx, 0); err != nil || !ok {
			return nil, err
		}
	}

	for {
		rows := p.statusHandler.GetSourceBatchRowsOfStatus(status.New, size)
		if len(rows) > 0 {
			return p.assignProcBatch(ctx, rows, procBatchID)
		}
		next := p.statusHandler.CurSourceBatchID() + 1
		if ok, err := p.advanceSourceBatch(ctx, next); err != nil || !ok {
			return nil, err
		}
	}
}

func (p *ExampleDataProvider) advanceSourceBatch(ctx context.Context, sourceBatchID int) (bool, error) {
	rows, err := p.FetchSourceBatchData(ctx, sourceBatchID)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		p.logger.Info().LogActivity("Source catalog exhausted", map[string]any{
			"last_source_batch_id": sourceBatchID - 1,
		})
		return false, nil
	}
	if err := p.statusHandler.SetCurrentSourceBatch(ctx, rows); err != nil {
		return false, fmt.Errorf("failed to persist new source batch %d: %w", sourceBatchID, err)
	}
	return true, nil
}

func (p *ExampleDataProvider) assignProcBatch(ctx context.Context, rows []status.StatusRow, procBatchID int) ([]status.StatusRow, error) {
	rows = status.AssignProcBatch(rows, procBatchID)
	rows = status.UpdateStatus(rows, status.BatchAssigned)
	if err := p.statusHandler.Persist(ctx, rows); err != nil {
		p.logger.Error(err).LogActivity("Could not persist batch assignment", map[string]any{
			"proc_batch_id": procBatchID,
		})
		rows = status.MarkError(rows, status.BatchAssignFailed,
			fmt.Sprintf("Could not assign batch %d", procBatchID))
		// best effort; the assignment failure itself is what we report
		_ = p.statusHandler.Persist(ctx, rows)
		return nil, fmt.Errorf("failed to assign proc batch %d: %w", procBatchID, err)
	}
	p.logger.Info().LogActivity("Assigned processing batch", map[string]any{
		"proc_batch_id": procBatchID,
		"rows":          len(rows),
	})
	return rows, nil
}
