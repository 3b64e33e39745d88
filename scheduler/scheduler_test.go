package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beeldengeluid/dane-workflows/exporter"
	"github.com/beeldengeluid/dane-workflows/procenv"
	"github.com/beeldengeluid/dane-workflows/provider"
	"github.com/beeldengeluid/dane-workflows/status"
)

func newTestLogger() *logharbour.Logger {
	return logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
}

type fixture struct {
	logger  *logharbour.Logger
	handler *status.MemoryStatusHandler
	prov    *provider.ExampleDataProvider
	env     procenv.DataProcessingEnvironment
	exp     exporter.Exporter
}

func newFixture(t *testing.T, docs, batchSize int) (*TaskScheduler, *fixture) {
	t.Helper()
	f := &fixture{logger: newTestLogger()}
	f.handler = status.NewMemoryStatusHandler(f.logger)
	f.prov = provider.NewExampleDataProvider(exampleCatalog(docs), f.handler, f.logger)
	f.env = procenv.NewExampleDataProcessingEnvironment(f.handler, f.logger)
	f.exp = exporter.NewExampleExporter(f.handler, f.logger)
	return newScheduler(t, f, batchSize), f
}

func newScheduler(t *testing.T, f *fixture, batchSize int) *TaskScheduler {
	t.Helper()
	ts, err := New(Config{BatchSize: batchSize, BatchPrefix: "test"},
		f.handler, f.prov, f.env, f.exp, nil, f.logger)
	require.NoError(t, err)
	return ts
}

func exampleCatalog(n int) provider.ExampleConfig {
	docs := make([]provider.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, provider.Document{
			ID:  fmt.Sprintf("doc-%d", i),
			URL: fmt.Sprintf("http://media/doc-%d.mp4", i),
		})
	}
	return provider.ExampleConfig{Documents: docs}
}

func TestNewValidatesConfig(t *testing.T) {
	f := &fixture{logger: newTestLogger()}
	f.handler = status.NewMemoryStatusHandler(f.logger)
	f.prov = provider.NewExampleDataProvider(exampleCatalog(1), f.handler, f.logger)
	f.env = procenv.NewExampleDataProcessingEnvironment(f.handler, f.logger)
	f.exp = exporter.NewExampleExporter(f.handler, f.logger)

	_, err := New(Config{BatchSize: 0}, f.handler, f.prov, f.env, f.exp, nil, f.logger)
	assert.Error(t, err)

	_, err = New(Config{BatchSize: 3}, f.handler, f.prov, nil, f.exp, nil, f.logger)
	assert.Error(t, err)
}

func TestRunHappyPathSingleBatch(t *testing.T) {
	ts, f := newFixture(t, 3, 3)
	ctx := context.Background()

	require.NoError(t, ts.Run(ctx))

	rows, err := f.handler.GetStatusRowsOfProcBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, status.Finished, row.Status)
		assert.Equal(t, 0, row.ProcBatchID)
		assert.Equal(t, 0, row.SourceBatchID)
	}

	lastProc, err := f.handler.GetLastProcBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, lastProc)
	lastSource, err := f.handler.GetLastSourceBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, lastSource)
}

func TestRunEmptySource(t *testing.T) {
	ts, f := newFixture(t, 0, 3)
	require.NoError(t, ts.Run(context.Background()))

	lastSource, err := f.handler.GetLastSourceBatchID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.UnassignedBatch, lastSource)
}

func TestRunMultiBatchRollOver(t *testing.T) {
	ts, f := newFixture(t, 5, 2)
	ctx := context.Background()

	require.NoError(t, ts.Run(ctx))

	for procBatchID, wantLen := range []int{2, 2, 1} {
		rows, err := f.handler.GetStatusRowsOfProcBatch(ctx, procBatchID)
		require.NoError(t, err)
		require.Len(t, rows, wantLen, "proc batch %d", procBatchID)
		for _, row := range rows {
			assert.Equal(t, status.Finished, row.Status)
		}
	}
	lastProc, err := f.handler.GetLastProcBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lastProc)
}

// registerRejectingEnv simulates a processing environment that rejects every
// batch registration outright.
type registerRejectingEnv struct {
	procenv.DataProcessingEnvironment
}

func (e *registerRejectingEnv) RegisterBatch(ctx context.Context, procBatchID int, batch []status.StatusRow) ([]status.StatusRow, error) {
	return nil, nil
}

func TestRunRegistrationFailure(t *testing.T) {
	ts, f := newFixture(t, 3, 3)
	ts.procEnv = &registerRejectingEnv{f.env}
	ctx := context.Background()

	err := ts.Run(ctx)
	require.ErrorIs(t, err, ErrBatchRegisterFailed)

	rows, err := f.handler.GetStatusRowsOfProcBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, status.Error, row.Status)
		assert.Equal(t, status.BatchRegisterFailed, row.ProcErrorCode)
		assert.Equal(t, "Could not register batch 0", row.ProcStatusMsg)
	}
}

// startRefusingEnv registers fine but refuses to start processing.
type startRefusingEnv struct {
	procenv.DataProcessingEnvironment
}

func (e *startRefusingEnv) ProcessBatch(ctx context.Context, procBatchID int) (procenv.ProcEnvResponse, error) {
	return procenv.ProcEnvResponse{Success: false, StatusCode: 503, StatusText: "queue unavailable"}, nil
}

func TestRunProcessingNotStarted(t *testing.T) {
	ts, f := newFixture(t, 3, 3)
	ts.procEnv = &startRefusingEnv{f.env}
	ctx := context.Background()

	err := ts.Run(ctx)
	require.ErrorIs(t, err, ErrBatchProcessingNotStarted)

	rows, err := f.handler.GetStatusRowsOfProcBatch(ctx, 0)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, status.Error, row.Status)
		assert.Equal(t, status.BatchProcessingNotStarted, row.ProcErrorCode)
		assert.Equal(t, "queue unavailable", row.ProcStatusMsg)
	}
}

// partialFailureEnv fails one named target during monitoring and withholds
// its result.
type partialFailureEnv struct {
	procenv.DataProcessingEnvironment
	failTarget string
}

func (e *partialFailureEnv) MonitorBatch(ctx context.Context, procBatchID int) ([]status.StatusRow, error) {
	rows, err := e.DataProcessingEnvironment.MonitorBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].TargetID == e.failTarget {
			rows[i].Status = status.Error
			rows[i].ProcErrorCode = status.ProcessingFailed
			rows[i].ProcStatusMsg = "worker exploded"
		}
	}
	return rows, nil
}

func (e *partialFailureEnv) FetchResultsOfBatch(ctx context.Context, procBatchID int) ([]procenv.ProcessingResult, error) {
	results, err := e.DataProcessingEnvironment.FetchResultsOfBatch(ctx, procBatchID)
	if err != nil {
		return nil, err
	}
	kept := results[:0]
	for _, r := range results {
		if r.StatusRow.TargetID != e.failTarget {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func TestRunPartialProcessingFailure(t *testing.T) {
	ts, f := newFixture(t, 3, 3)
	ts.procEnv = &partialFailureEnv{f.env, "doc-2"}
	ctx := context.Background()

	require.NoError(t, ts.Run(ctx))

	rows, err := f.handler.GetStatusRowsOfProcBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		if row.TargetID == "doc-2" {
			assert.Equal(t, status.Error, row.Status)
			assert.Equal(t, status.ProcessingFailed, row.ProcErrorCode)
			assert.Equal(t, "worker exploded", row.ProcStatusMsg)
		} else {
			assert.Equal(t, status.Finished, row.Status)
		}
	}
}

// registerCountingEnv counts registrations so resume tests can prove the
// register step was not repeated.
type registerCountingEnv struct {
	procenv.DataProcessingEnvironment
	registrations int
}

func (e *registerCountingEnv) RegisterBatch(ctx context.Context, procBatchID int, batch []status.StatusRow) ([]status.StatusRow, error) {
	e.registrations++
	return e.DataProcessingEnvironment.RegisterBatch(ctx, procBatchID, batch)
}

func TestRunResumesAfterCrashMidProcess(t *testing.T) {
	// simulate a run that died right after the register step persisted
	f := &fixture{logger: newTestLogger()}
	f.handler = status.NewMemoryStatusHandler(f.logger)
	f.prov = provider.NewExampleDataProvider(exampleCatalog(3), f.handler, f.logger)
	f.exp = exporter.NewExampleExporter(f.handler, f.logger)
	ctx := context.Background()

	rows, err := f.prov.FetchSourceBatchData(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, f.handler.SetCurrentSourceBatch(ctx, rows))
	rows, err = f.prov.GetNextBatch(ctx, 0, 3)
	require.NoError(t, err)
	env := procenv.NewExampleDataProcessingEnvironment(f.handler, f.logger)
	registered, err := env.RegisterBatch(ctx, 0, rows)
	require.NoError(t, err)
	require.NoError(t, f.handler.Persist(ctx, registered))

	// "restart": fresh scheduler over the same ledger
	counting := &registerCountingEnv{
		DataProcessingEnvironment: procenv.NewExampleDataProcessingEnvironment(f.handler, f.logger),
	}
	f.env = counting
	ts := newScheduler(t, f, 3)
	require.NoError(t, ts.Run(ctx))

	// batch 0 resumed past registration
	assert.Equal(t, 0, counting.registrations)

	final, err := f.handler.GetStatusRowsOfProcBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, final, 3)
	for _, row := range final {
		assert.Equal(t, status.Finished, row.Status)
	}
}

func TestRunSkipsCompletedBatchOnResume(t *testing.T) {
	// first run completes batch 0 of 2 with catalog of 4
	ts, f := newFixture(t, 4, 2)
	ctx := context.Background()
	require.NoError(t, ts.Run(ctx))

	// a second run over the finished ledger finds nothing left to do
	counting := &registerCountingEnv{
		DataProcessingEnvironment: procenv.NewExampleDataProcessingEnvironment(f.handler, f.logger),
	}
	f.env = counting
	ts2 := newScheduler(t, f, 2)
	require.NoError(t, ts2.Run(ctx))
	assert.Equal(t, 0, counting.registrations)

	lastProc, err := f.handler.GetLastProcBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lastProc)
}

func TestStepsDone(t *testing.T) {
	row := func(s status.ProcessingStatus) status.StatusRow {
		return status.StatusRow{Status: s, ProcBatchID: 0}
	}
	tests := []struct {
		name string
		rows []status.StatusRow
		want int
	}{
		{"registered", []status.StatusRow{row(status.BatchRegistered)}, 1},
		{"processing", []status.StatusRow{row(status.Processing)}, 2},
		{"processed", []status.StatusRow{row(status.Processed)}, 3},
		{"exported", []status.StatusRow{row(status.Exported)}, 4},
		{"finished", []status.StatusRow{row(status.Finished)}, 6},
		{"assigned only", []status.StatusRow{row(status.BatchAssigned)}, 0},
		{"errors ignored", []status.StatusRow{row(status.Error), row(status.Processing)}, 2},
		{"all errored counts as done", []status.StatusRow{row(status.Error)}, 5},
		{"mixed takes highest", []status.StatusRow{row(status.Processed), row(status.Processing)}, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stepsDone(tc.rows))
		})
	}
}

type failingPersistHandler struct {
	status.Handler
	failAfter int
	writes    int
}

func (h *failingPersistHandler) Persist(ctx context.Context, rows []status.StatusRow) error {
	h.writes++
	if h.writes > h.failAfter {
		return errors.New("disk on fire")
	}
	return h.Handler.Persist(ctx, rows)
}

func TestRunLedgerWriteFailureIsFatal(t *testing.T) {
	f := &fixture{logger: newTestLogger()}
	mem := status.NewMemoryStatusHandler(f.logger)
	failing := &failingPersistHandler{Handler: mem, failAfter: 2}
	f.handler = mem
	f.prov = provider.NewExampleDataProvider(exampleCatalog(3), failing, f.logger)
	f.env = procenv.NewExampleDataProcessingEnvironment(failing, f.logger)
	f.exp = exporter.NewExampleExporter(failing, f.logger)

	ts, err := New(Config{BatchSize: 3, BatchPrefix: "test"},
		failing, f.prov, f.env, f.exp, nil, f.logger)
	require.NoError(t, err)

	err = ts.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestRunHonorsCancellation(t *testing.T) {
	ts, _ := newFixture(t, 3, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ts.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
