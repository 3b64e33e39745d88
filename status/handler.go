package status

import "context"

// Handler is the durable status ledger. Implementations must make Persist
// atomic per invocation (all rows commit or none) and keyed by
// (TargetID, TargetURL): persisting a row that already exists replaces it.
//
// Query methods that select rows return a nil slice when nothing matches;
// the id getters return UnassignedBatch on an empty ledger. Count maps never
// contain zero-valued entries.
//
// A Handler also owns the "current source batch" cache consumed by the
// DataProvider for pagination. The cache is populated by RecoverSourceBatch
// on startup and refreshed by SetCurrentSourceBatch and Persist.
type Handler interface {
	// Persist upserts the rows in one atomic write and refreshes the
	// current source batch cache.
	Persist(ctx context.Context, rows []StatusRow) error

	GetStatusRowsOfProcBatch(ctx context.Context, procBatchID int) ([]StatusRow, error)
	GetStatusRowsOfSourceBatch(ctx context.Context, sourceBatchID int) ([]StatusRow, error)

	GetLastProcBatchID(ctx context.Context) (int, error)
	GetLastSourceBatchID(ctx context.Context) (int, error)

	GetStatusCounts(ctx context.Context) (map[ProcessingStatus]int, error)
	GetErrorCodeCounts(ctx context.Context) (map[ErrorCode]int, error)
	GetStatusCountsForProcBatch(ctx context.Context, procBatchID int) (map[ProcessingStatus]int, error)
	GetErrorCodeCountsForProcBatch(ctx context.Context, procBatchID int) (map[ErrorCode]int, error)
	GetStatusCountsForSourceBatch(ctx context.Context, sourceBatchID int) (map[ProcessingStatus]int, error)
	GetErrorCodeCountsForSourceBatch(ctx context.Context, sourceBatchID int) (map[ErrorCode]int, error)

	// GetStatusCountsPerExtraInfoValue groups rows by SourceExtraInfo first
	// and by status second. Rows without extra info group under "".
	GetStatusCountsPerExtraInfoValue(ctx context.Context) (map[string]map[ProcessingStatus]int, error)

	// GetCompletedSemanticSourceBatchNames partitions the distinct source
	// batch names into names whose rows are all in a completed status and
	// names that still have running rows.
	GetCompletedSemanticSourceBatchNames(ctx context.Context) (completed []string, uncompleted []string, err error)

	// GetNameOfSourceBatch returns the semantic name of a source batch, or
	// "" when the batch is unknown or unnamed.
	GetNameOfSourceBatch(ctx context.Context, sourceBatchID int) (string, error)

	// RecoverSourceBatch loads the rows of the highest source batch id into
	// the current source batch cache. It reports false on an empty ledger.
	RecoverSourceBatch(ctx context.Context) (bool, error)

	// RecoverProcBatch returns the rows of the highest proc batch id, or nil
	// when no proc batch was ever assigned.
	RecoverProcBatch(ctx context.Context) ([]StatusRow, error)

	// SetCurrentSourceBatch persists the rows and makes them the current
	// source batch.
	SetCurrentSourceBatch(ctx context.Context, rows []StatusRow) error

	// CurrentSourceBatch returns the cached current source batch, nil when
	// nothing has been recovered or set yet.
	CurrentSourceBatch() []StatusRow

	// CurSourceBatchID returns the source batch id of the cached batch, or
	// UnassignedBatch when there is none.
	CurSourceBatchID() int

	// GetSourceBatchRowsOfStatus returns up to limit rows with the given
	// status from the current source batch cache, or nil when none match.
	GetSourceBatchRowsOfStatus(s ProcessingStatus, limit int) []StatusRow
}
