package status

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/remiges-tech/logharbour/logharbour"
)

// ErrNoRows is returned by ledger writes that received nothing to persist.
var ErrNoRows = errors.New("no status rows supplied")

// MemoryStatusHandler is a complete in-memory Handler. It backs the Example
// collaborators and the scheduler tests, and is the reference for the ledger
// semantics: the Postgres handler must behave identically, durability aside.
//
// Rows are kept in insertion order so queries are deterministic.
type MemoryStatusHandler struct {
	mu             sync.Mutex
	rows           map[string]*StatusRow
	order          []string
	curSourceBatch []StatusRow
	logger         *logharbour.Logger
}

// NewMemoryStatusHandler returns an empty in-memory ledger.
func NewMemoryStatusHandler(logger *logharbour.Logger) *MemoryStatusHandler {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &MemoryStatusHandler{
		rows:   make(map[string]*StatusRow),
		logger: logger.WithModule("status"),
	}
}

func (h *MemoryStatusHandler) Persist(ctx context.Context, rows []StatusRow) error {
	if len(rows) == 0 {
		h.logger.Warn().LogActivity("Trying to persist empty status data", nil)
		return ErrNoRows
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range rows {
		key := r.Key()
		if _, exists := h.rows[key]; !exists {
			h.order = append(h.order, key)
		}
		row := r
		h.rows[key] = &row
	}
	h.refreshCurrentSourceBatch()
	return nil
}

// refreshCurrentSourceBatch mirrors what the durable handlers do after every
// persist: the cache always reflects the highest source batch on record.
// Caller must hold mu.
func (h *MemoryStatusHandler) refreshCurrentSourceBatch() {
	last := UnassignedBatch
	for _, key := range h.order {
		if h.rows[key].SourceBatchID > last {
			last = h.rows[key].SourceBatchID
		}
	}
	if last == UnassignedBatch {
		h.curSourceBatch = nil
		return
	}
	h.curSourceBatch = h.selectRows(func(r *StatusRow) bool {
		return r.SourceBatchID == last
	})
}

// selectRows copies matching rows in insertion order. Caller must hold mu.
func (h *MemoryStatusHandler) selectRows(match func(*StatusRow) bool) []StatusRow {
	var out []StatusRow
	for _, key := range h.order {
		if match(h.rows[key]) {
			out = append(out, *h.rows[key])
		}
	}
	return out
}

// Unassigned rows hold the UnassignedBatch sentinel, which is NULL in the
// durable ledger: proc batch queries never match them.
func (h *MemoryStatusHandler) GetStatusRowsOfProcBatch(ctx context.Context, procBatchID int) ([]StatusRow, error) {
	if procBatchID == UnassignedBatch {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selectRows(func(r *StatusRow) bool { return r.ProcBatchID == procBatchID }), nil
}

func (h *MemoryStatusHandler) GetStatusRowsOfSourceBatch(ctx context.Context, sourceBatchID int) ([]StatusRow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selectRows(func(r *StatusRow) bool { return r.SourceBatchID == sourceBatchID }), nil
}

func (h *MemoryStatusHandler) GetLastProcBatchID(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := UnassignedBatch
	for _, key := range h.order {
		if h.rows[key].ProcBatchID > last {
			last = h.rows[key].ProcBatchID
		}
	}
	return last, nil
}

func (h *MemoryStatusHandler) GetLastSourceBatchID(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := UnassignedBatch
	for _, key := range h.order {
		if h.rows[key].SourceBatchID > last {
			last = h.rows[key].SourceBatchID
		}
	}
	return last, nil
}

func (h *MemoryStatusHandler) GetStatusCounts(ctx context.Context) (map[ProcessingStatus]int, error) {
	return h.statusCounts(func(*StatusRow) bool { return true }), nil
}

func (h *MemoryStatusHandler) GetErrorCodeCounts(ctx context.Context) (map[ErrorCode]int, error) {
	return h.errorCodeCounts(func(*StatusRow) bool { return true }), nil
}

func (h *MemoryStatusHandler) GetStatusCountsForProcBatch(ctx context.Context, procBatchID int) (map[ProcessingStatus]int, error) {
	if procBatchID == UnassignedBatch {
		return map[ProcessingStatus]int{}, nil
	}
	return h.statusCounts(func(r *StatusRow) bool { return r.ProcBatchID == procBatchID }), nil
}

func (h *MemoryStatusHandler) GetErrorCodeCountsForProcBatch(ctx context.Context, procBatchID int) (map[ErrorCode]int, error) {
	if procBatchID == UnassignedBatch {
		return map[ErrorCode]int{}, nil
	}
	return h.errorCodeCounts(func(r *StatusRow) bool { return r.ProcBatchID == procBatchID }), nil
}

func (h *MemoryStatusHandler) GetStatusCountsForSourceBatch(ctx context.Context, sourceBatchID int) (map[ProcessingStatus]int, error) {
	return h.statusCounts(func(r *StatusRow) bool { return r.SourceBatchID == sourceBatchID }), nil
}

func (h *MemoryStatusHandler) GetErrorCodeCountsForSourceBatch(ctx context.Context, sourceBatchID int) (map[ErrorCode]int, error) {
	return h.errorCodeCounts(func(r *StatusRow) bool { return r.SourceBatchID == sourceBatchID }), nil
}

func (h *MemoryStatusHandler) statusCounts(match func(*StatusRow) bool) map[ProcessingStatus]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[ProcessingStatus]int)
	for _, key := range h.order {
		if match(h.rows[key]) {
			counts[h.rows[key].Status]++
		}
	}
	return counts
}

func (h *MemoryStatusHandler) errorCodeCounts(match func(*StatusRow) bool) map[ErrorCode]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[ErrorCode]int)
	for _, key := range h.order {
		r := h.rows[key]
		if match(r) && r.ProcErrorCode != ErrorCodeNone {
			counts[r.ProcErrorCode]++
		}
	}
	return counts
}

func (h *MemoryStatusHandler) GetStatusCountsPerExtraInfoValue(ctx context.Context) (map[string]map[ProcessingStatus]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[string]map[ProcessingStatus]int)
	for _, key := range h.order {
		r := h.rows[key]
		if counts[r.SourceExtraInfo] == nil {
			counts[r.SourceExtraInfo] = make(map[ProcessingStatus]int)
		}
		counts[r.SourceExtraInfo][r.Status]++
	}
	return counts, nil
}

func (h *MemoryStatusHandler) GetCompletedSemanticSourceBatchNames(ctx context.Context) ([]string, []string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	running := make(map[string]bool)
	seen := make(map[string]bool)
	for _, key := range h.order {
		r := h.rows[key]
		seen[r.SourceBatchName] = true
		if !r.Status.IsCompleted() {
			running[r.SourceBatchName] = true
		}
	}

	var completed, uncompleted []string
	for name := range seen {
		if running[name] {
			uncompleted = append(uncompleted, name)
		} else {
			completed = append(completed, name)
		}
	}
	sort.Strings(completed)
	sort.Strings(uncompleted)
	return completed, uncompleted, nil
}

func (h *MemoryStatusHandler) GetNameOfSourceBatch(ctx context.Context, sourceBatchID int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range h.order {
		if h.rows[key].SourceBatchID == sourceBatchID {
			return h.rows[key].SourceBatchName, nil
		}
	}
	return "", nil
}

func (h *MemoryStatusHandler) RecoverSourceBatch(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshCurrentSourceBatch()
	if h.curSourceBatch == nil {
		h.logger.Debug0().LogActivity("No source batch found, nothing to recover", nil)
		return false, nil
	}
	return true, nil
}

func (h *MemoryStatusHandler) RecoverProcBatch(ctx context.Context) ([]StatusRow, error) {
	last, err := h.GetLastProcBatchID(ctx)
	if err != nil || last == UnassignedBatch {
		return nil, err
	}
	return h.GetStatusRowsOfProcBatch(ctx, last)
}

func (h *MemoryStatusHandler) SetCurrentSourceBatch(ctx context.Context, rows []StatusRow) error {
	h.logger.Debug0().LogActivity("Setting new source batch", map[string]any{
		"rows": len(rows),
	})
	return h.Persist(ctx, rows)
}

func (h *MemoryStatusHandler) CurrentSourceBatch() []StatusRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StatusRow, len(h.curSourceBatch))
	copy(out, h.curSourceBatch)
	return out
}

func (h *MemoryStatusHandler) CurSourceBatchID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.curSourceBatch) == 0 {
		return UnassignedBatch
	}
	return h.curSourceBatch[0].SourceBatchID
}

func (h *MemoryStatusHandler) GetSourceBatchRowsOfStatus(s ProcessingStatus, limit int) []StatusRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StatusRow
	for _, r := range h.curSourceBatch {
		if r.Status == s {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
