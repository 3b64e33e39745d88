// Package status defines the pipeline state machine, the StatusRow unit of
// work, and the Handler contract for the durable status ledger.
//
// Every component of a workflow (data provider, processing environment,
// exporter, task scheduler) records the position of each item in the pipeline
// through a Handler. The ledger is the single source of truth for recovery
// after a crash: the scheduler reads back the highest source batch and the
// highest processing batch and resumes from whatever state was last persisted.
package status

import "fmt"

// ProcessingStatus is the pipeline state of a single StatusRow. The integer
// values define a total order that the scheduler's recovery protocol relies
// on for step skipping, so they must never be renumbered.
type ProcessingStatus int

const (
	// New means nothing has been done to the item yet.
	New ProcessingStatus = 1

	// BatchAssigned means the TaskScheduler assigned a proc batch id.
	BatchAssigned ProcessingStatus = 2
	// BatchRegistered means the item was registered in the processing env.
	BatchRegistered ProcessingStatus = 3

	// Processing means the item is currently processing in the processing env.
	Processing ProcessingStatus = 4
	// Processed means the processing environment finished the item.
	Processed ProcessingStatus = 5
	// Exported means processing output was reconciled with the source.
	Exported ProcessingStatus = 6
	// Error means the item failed; ProcErrorCode tells why.
	Error ProcessingStatus = 7
	// Finished means the item went through the entire pipeline.
	Finished ProcessingStatus = 8
)

func (s ProcessingStatus) String() string {
	switch s {
	case New:
		return "NEW"
	case BatchAssigned:
		return "BATCH_ASSIGNED"
	case BatchRegistered:
		return "BATCH_REGISTERED"
	case Processing:
		return "PROCESSING"
	case Processed:
		return "PROCESSED"
	case Exported:
		return "EXPORTED"
	case Error:
		return "ERROR"
	case Finished:
		return "FINISHED"
	}
	return fmt.Sprintf("ProcessingStatus(%d)", int(s))
}

// IsCompleted reports whether the status is terminal.
func (s ProcessingStatus) IsCompleted() bool {
	return s == Error || s == Finished
}

// CompletedStatuses returns the statuses that indicate an item is done, for
// better or worse. Together with RunningStatuses it partitions all statuses.
func CompletedStatuses() []ProcessingStatus {
	return []ProcessingStatus{Error, Finished}
}

// RunningStatuses returns the statuses that indicate the pipeline still has
// work to do for an item.
func RunningStatuses() []ProcessingStatus {
	return []ProcessingStatus{
		New,
		BatchAssigned,
		BatchRegistered,
		Processing,
		Processed,
		Exported,
	}
}

// ErrorCode discriminates why a StatusRow ended up in the Error status.
// It is only ever set together with status Error.
type ErrorCode int

const (
	// ErrorCodeNone is the zero value: no error recorded.
	ErrorCodeNone ErrorCode = 0

	// Batch-level codes: the failure affected every item in the batch.

	// BatchAssignFailed means a proc batch id could not be assigned.
	BatchAssignFailed ErrorCode = 1
	// BatchRegisterFailed means the processing env refused the batch.
	BatchRegisterFailed ErrorCode = 2
	// BatchProcessingNotStarted means the processing env failed to start
	// work on a registered batch.
	BatchProcessingNotStarted ErrorCode = 3

	// Item-level codes.

	// ProcessingFailed means the processing env could not process the item.
	ProcessingFailed ErrorCode = 4
	// ExportFailedSourceDocNotFound means the source document no longer exists.
	ExportFailedSourceDocNotFound ErrorCode = 5
	// ExportFailedSourceDBConnectionFailure means the source catalog was
	// unreachable during export.
	ExportFailedSourceDBConnectionFailure ErrorCode = 6
	// ExportFailedProcEnvOutputUnsuitable means the processing output could
	// not be reconciled with the source.
	ExportFailedProcEnvOutputUnsuitable ErrorCode = 7
	// Impossible marks items that can never be processed.
	Impossible ErrorCode = 8
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorCodeNone:
		return "NONE"
	case BatchAssignFailed:
		return "BATCH_ASSIGN_FAILED"
	case BatchRegisterFailed:
		return "BATCH_REGISTER_FAILED"
	case BatchProcessingNotStarted:
		return "BATCH_PROCESSING_NOT_STARTED"
	case ProcessingFailed:
		return "PROCESSING_FAILED"
	case ExportFailedSourceDocNotFound:
		return "EXPORT_FAILED_SOURCE_DOC_NOT_FOUND"
	case ExportFailedSourceDBConnectionFailure:
		return "EXPORT_FAILED_SOURCE_DB_CONNECTION_FAILURE"
	case ExportFailedProcEnvOutputUnsuitable:
		return "EXPORT_FAILED_PROC_ENV_OUTPUT_UNSUITABLE"
	case Impossible:
		return "IMPOSSIBLE"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(e))
}

// UnassignedBatch is the sentinel for "no batch id assigned yet". Batch ids
// are allocated from 0, so -1 is never valid. The same sentinel is returned
// by GetLastProcBatchID / GetLastSourceBatchID on an empty ledger.
const UnassignedBatch = -1

// StatusRow is one unit of work flowing through the pipeline, uniquely keyed
// by (TargetID, TargetURL). Optional fields use their zero value ("" or
// UnassignedBatch or ErrorCodeNone) until set; the ledger stores them as NULL.
type StatusRow struct {
	TargetID        string           // id in the source catalog, used to reconcile results
	TargetURL       string           // locator for the processing env to fetch content
	Status          ProcessingStatus // current pipeline state
	SourceBatchID   int              // batch the DataProvider produced this row in
	SourceBatchName string           // semantic label of the source batch
	SourceExtraInfo string           // free-form tag data providers may set for reporting
	ProcBatchID     int              // assigned by the TaskScheduler, UnassignedBatch until then
	ProcID          string           // id assigned by the processing env on registration
	ProcStatusMsg   string           // last human-readable message from the processing env
	ProcErrorCode   ErrorCode        // set if and only if Status == Error
}

// Key identifies a StatusRow in the ledger.
func (r StatusRow) Key() string {
	return r.TargetID + "|" + r.TargetURL
}

// UpdateStatus sets the status on every row, in place. All other fields are
// left untouched.
func UpdateStatus(rows []StatusRow, s ProcessingStatus) []StatusRow {
	for i := range rows {
		rows[i].Status = s
	}
	return rows
}

// UpdateStatusWithMsg sets the status and the processing-env message on every
// row. Passing the empty string explicitly clears the message.
func UpdateStatusWithMsg(rows []StatusRow, s ProcessingStatus, msg string) []StatusRow {
	for i := range rows {
		rows[i].Status = s
		rows[i].ProcStatusMsg = msg
	}
	return rows
}

// MarkError transitions every row to Error with the given error code and
// diagnostic message.
func MarkError(rows []StatusRow, code ErrorCode, msg string) []StatusRow {
	for i := range rows {
		rows[i].Status = Error
		rows[i].ProcErrorCode = code
		rows[i].ProcStatusMsg = msg
	}
	return rows
}

// AssignProcBatch assigns the rows to a proc batch and moves them to
// BatchAssigned.
func AssignProcBatch(rows []StatusRow, procBatchID int) []StatusRow {
	for i := range rows {
		rows[i].ProcBatchID = procBatchID
		rows[i].Status = BatchAssigned
	}
	return rows
}
