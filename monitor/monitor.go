// Package monitor is the read surface over the status ledger. It never
// mutates anything: it assembles snapshot and detail reports and pushes them
// to a configurable sink (terminal, Slack webhook).
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/status"
)

const (
	snapshotCacheKey = "dane-workflows:status-snapshot"
	snapshotCacheTTL = 30 * time.Second
)

// StatusSnapshot summarizes the last processing batch and the last source
// batch. Counts are keyed by status and error code names.
type StatusSnapshot struct {
	LastProcBatchID                int            `json:"last_proc_batch_id"`
	LastSourceBatchID              int            `json:"last_source_batch_id"`
	StatusCountsForLastProcBatch   map[string]int `json:"status_counts_for_last_proc_batch"`
	ErrorCountsForLastProcBatch    map[string]int `json:"error_counts_for_last_proc_batch"`
	StatusCountsForLastSourceBatch map[string]int `json:"status_counts_for_last_source_batch"`
	ErrorCountsForLastSourceBatch  map[string]int `json:"error_counts_for_last_source_batch"`
}

// DetailedReport covers the whole ledger rather than just the last batches.
type DetailedReport struct {
	CompletedSourceBatchNames   []string                  `json:"completed_source_batch_names"`
	UncompletedSourceBatchNames []string                  `json:"uncompleted_source_batch_names"`
	CurrentSourceBatchName      string                    `json:"current_source_batch_name"`
	StatusCounts                map[string]int            `json:"status_counts"`
	ErrorCounts                 map[string]int            `json:"error_counts"`
	StatusCountsPerExtraInfo    map[string]map[string]int `json:"status_counts_per_extra_info,omitempty"`
}

// Sink receives assembled reports.
type Sink interface {
	Send(ctx context.Context, snapshot StatusSnapshot, report DetailedReport) error
}

// StatusMonitor assembles reports from the ledger. An optional Redis client
// caches the snapshot briefly so repeated report requests don't hammer the
// ledger; a nil client disables caching.
type StatusMonitor struct {
	statusHandler status.Handler
	sink          Sink
	cache         *redis.Client
	logger        *logharbour.Logger
}

func NewStatusMonitor(statusHandler status.Handler, sink Sink, cache *redis.Client, logger *logharbour.Logger) *StatusMonitor {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &StatusMonitor{
		statusHandler: statusHandler,
		sink:          sink,
		cache:         cache,
		logger:        logger.WithModule("monitor"),
	}
}

// CheckStatus assembles a snapshot of the last processing and source batches.
func (m *StatusMonitor) CheckStatus(ctx context.Context) (StatusSnapshot, error) {
	if cached, ok := m.cachedSnapshot(ctx); ok {
		return cached, nil
	}

	lastProcBatchID, err := m.statusHandler.GetLastProcBatchID(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	lastSourceBatchID, err := m.statusHandler.GetLastSourceBatchID(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	procStatusCounts, err := m.statusHandler.GetStatusCountsForProcBatch(ctx, lastProcBatchID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	procErrorCounts, err := m.statusHandler.GetErrorCodeCountsForProcBatch(ctx, lastProcBatchID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	sourceStatusCounts, err := m.statusHandler.GetStatusCountsForSourceBatch(ctx, lastSourceBatchID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	sourceErrorCounts, err := m.statusHandler.GetErrorCodeCountsForSourceBatch(ctx, lastSourceBatchID)
	if err != nil {
		return StatusSnapshot{}, err
	}

	snapshot := StatusSnapshot{
		LastProcBatchID:                lastProcBatchID,
		LastSourceBatchID:              lastSourceBatchID,
		StatusCountsForLastProcBatch:   statusNames(procStatusCounts),
		ErrorCountsForLastProcBatch:    errorNames(procErrorCounts),
		StatusCountsForLastSourceBatch: statusNames(sourceStatusCounts),
		ErrorCountsForLastSourceBatch:  errorNames(sourceErrorCounts),
	}
	m.cacheSnapshot(ctx, snapshot)
	return snapshot, nil
}

// GetDetailedStatusReport reports over all batches. With includeExtraInfo the
// per-extra-info status breakdown is added.
func (m *StatusMonitor) GetDetailedStatusReport(ctx context.Context, includeExtraInfo bool) (DetailedReport, error) {
	completed, uncompleted, err := m.statusHandler.GetCompletedSemanticSourceBatchNames(ctx)
	if err != nil {
		return DetailedReport{}, err
	}
	currentName, err := m.statusHandler.GetNameOfSourceBatch(ctx, m.statusHandler.CurSourceBatchID())
	if err != nil {
		return DetailedReport{}, err
	}
	statusCounts, err := m.statusHandler.GetStatusCounts(ctx)
	if err != nil {
		return DetailedReport{}, err
	}
	errorCounts, err := m.statusHandler.GetErrorCodeCounts(ctx)
	if err != nil {
		return DetailedReport{}, err
	}

	report := DetailedReport{
		CompletedSourceBatchNames:   completed,
		UncompletedSourceBatchNames: uncompleted,
		CurrentSourceBatchName:      currentName,
		StatusCounts:                statusNames(statusCounts),
		ErrorCounts:                 errorNames(errorCounts),
	}
	if includeExtraInfo {
		perExtraInfo, err := m.statusHandler.GetStatusCountsPerExtraInfoValue(ctx)
		if err != nil {
			return DetailedReport{}, err
		}
		report.StatusCountsPerExtraInfo = make(map[string]map[string]int, len(perExtraInfo))
		for extraInfo, counts := range perExtraInfo {
			report.StatusCountsPerExtraInfo[extraInfo] = statusNames(counts)
		}
	}
	return report, nil
}

// MonitorStatus assembles both reports and pushes them to the sink.
func (m *StatusMonitor) MonitorStatus(ctx context.Context) error {
	snapshot, err := m.CheckStatus(ctx)
	if err != nil {
		return err
	}
	report, err := m.GetDetailedStatusReport(ctx, true)
	if err != nil {
		return err
	}
	return m.sink.Send(ctx, snapshot, report)
}

func (m *StatusMonitor) cachedSnapshot(ctx context.Context) (StatusSnapshot, bool) {
	if m.cache == nil {
		return StatusSnapshot{}, false
	}
	data, err := m.cache.Get(ctx, snapshotCacheKey).Result()
	if err != nil {
		if err != redis.Nil {
			m.logger.Warn().LogActivity("Snapshot cache unavailable", map[string]any{
				"error": err.Error(),
			})
		}
		return StatusSnapshot{}, false
	}
	var snapshot StatusSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return StatusSnapshot{}, false
	}
	return snapshot, true
}

func (m *StatusMonitor) cacheSnapshot(ctx context.Context, snapshot StatusSnapshot) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, snapshotCacheKey, data, snapshotCacheTTL).Err(); err != nil {
		m.logger.Warn().LogActivity("Could not cache snapshot", map[string]any{
			"error": err.Error(),
		})
	}
}

func statusNames(counts map[status.ProcessingStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[st.String()] = n
	}
	return out
}

func errorNames(counts map[status.ErrorCode]int) map[string]int {
	out := make(map[string]int, len(counts))
	for code, n := range counts {
		out[code.String()] = n
	}
	return out
}
