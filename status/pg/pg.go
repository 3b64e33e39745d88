// Package pg implements the status ledger on PostgreSQL. One table,
// status_rows, holds every item; the primary key (target_id, target_url)
// makes Persist an idempotent upsert. All writes of a single Persist call
// happen in one transaction.
package pg

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/status"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrateDatabase brings the status_rows schema up to date using tern.
func MigrateDatabase(ctx context.Context, conn *pgx.Conn) error {
	migrator, err := migrate.NewMigrator(ctx, conn, "status_schema_version")
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	filesystem, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub-filesystem: %w", err)
	}
	if err := migrator.LoadMigrations(filesystem); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// StatusHandler is the PostgreSQL status.Handler.
type StatusHandler struct {
	pool   *pgxpool.Pool
	logger *logharbour.Logger

	mu             sync.Mutex
	curSourceBatch []status.StatusRow
}

// NewStatusHandler connects to the database, runs the migrations and returns
// a ready handler. The current source batch cache starts empty; callers run
// RecoverSourceBatch before relying on it.
func NewStatusHandler(ctx context.Context, connURL string, logger *logharbour.Logger) (*StatusHandler, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	err = MigrateDatabase(ctx, conn.Conn())
	conn.Release()
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &StatusHandler{
		pool:   pool,
		logger: logger.WithModule("status.pg"),
	}, nil
}

// NewStatusHandlerFromPool wraps an existing pool. The schema must already be
// migrated; used by tests that manage their own container lifecycle.
func NewStatusHandlerFromPool(pool *pgxpool.Pool, logger *logharbour.Logger) *StatusHandler {
	return &StatusHandler{
		pool:   pool,
		logger: logger.WithModule("status.pg"),
	}
}

// Close releases the underlying connection pool.
func (h *StatusHandler) Close() {
	h.pool.Close()
}

const upsertSQL = `
INSERT INTO status_rows (
    target_id, target_url, status, source_batch_id, source_batch_name,
    source_extra_info, proc_batch_id, proc_id, proc_status_msg, proc_error_code
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (target_id, target_url) DO UPDATE SET
    status = EXCLUDED.status,
    source_batch_id = EXCLUDED.source_batch_id,
    source_batch_name = EXCLUDED.source_batch_name,
    source_extra_info = EXCLUDED.source_extra_info,
    proc_batch_id = EXCLUDED.proc_batch_id,
    proc_id = EXCLUDED.proc_id,
    proc_status_msg = EXCLUDED.proc_status_msg,
    proc_error_code = EXCLUDED.proc_error_code`

func (h *StatusHandler) Persist(ctx context.Context, rows []status.StatusRow) error {
	if len(rows) == 0 {
		h.logger.Warn().LogActivity("Trying to persist empty status data", nil)
		return status.ErrNoRows
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range rows {
		_, err := tx.Exec(ctx, upsertSQL,
			r.TargetID,
			r.TargetURL,
			int(r.Status),
			r.SourceBatchID,
			textOrNull(r.SourceBatchName),
			textOrNull(r.SourceExtraInfo),
			intOrNull(r.ProcBatchID, status.UnassignedBatch),
			textOrNull(r.ProcID),
			textOrNull(r.ProcStatusMsg),
			intOrNull(int(r.ProcErrorCode), int(status.ErrorCodeNone)),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert status row %s: %w", r.Key(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit status rows: %w", err)
	}

	// keep the cache in sync with the highest source batch on record
	if _, err := h.RecoverSourceBatch(ctx); err != nil {
		return err
	}
	return nil
}

const selectColumns = `
SELECT target_id, target_url, status, source_batch_id, source_batch_name,
       source_extra_info, proc_batch_id, proc_id, proc_status_msg, proc_error_code
FROM status_rows`

func (h *StatusHandler) GetStatusRowsOfProcBatch(ctx context.Context, procBatchID int) ([]status.StatusRow, error) {
	return h.selectRows(ctx, selectColumns+" WHERE proc_batch_id = $1 ORDER BY target_id, target_url", procBatchID)
}

func (h *StatusHandler) GetStatusRowsOfSourceBatch(ctx context.Context, sourceBatchID int) ([]status.StatusRow, error) {
	return h.selectRows(ctx, selectColumns+" WHERE source_batch_id = $1 ORDER BY target_id, target_url", sourceBatchID)
}

func (h *StatusHandler) selectRows(ctx context.Context, sql string, args ...any) ([]status.StatusRow, error) {
	pgRows, err := h.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query status rows: %w", err)
	}
	defer pgRows.Close()

	var out []status.StatusRow
	for pgRows.Next() {
		r, err := scanStatusRow(pgRows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := pgRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status rows: %w", err)
	}
	return out, nil
}

func (h *StatusHandler) GetLastProcBatchID(ctx context.Context) (int, error) {
	return h.selectMaxID(ctx, "SELECT MAX(proc_batch_id) FROM status_rows")
}

func (h *StatusHandler) GetLastSourceBatchID(ctx context.Context) (int, error) {
	return h.selectMaxID(ctx, "SELECT MAX(source_batch_id) FROM status_rows")
}

func (h *StatusHandler) selectMaxID(ctx context.Context, sql string) (int, error) {
	var max pgtype.Int4
	if err := h.pool.QueryRow(ctx, sql).Scan(&max); err != nil {
		return status.UnassignedBatch, fmt.Errorf("failed to query max batch id: %w", err)
	}
	if !max.Valid {
		return status.UnassignedBatch, nil
	}
	return int(max.Int32), nil
}

func (h *StatusHandler) GetStatusCounts(ctx context.Context) (map[status.ProcessingStatus]int, error) {
	return h.statusCounts(ctx,
		"SELECT status, COUNT(status) FROM status_rows GROUP BY status")
}

func (h *StatusHandler) GetStatusCountsForProcBatch(ctx context.Context, procBatchID int) (map[status.ProcessingStatus]int, error) {
	return h.statusCounts(ctx,
		"SELECT status, COUNT(status) FROM status_rows WHERE proc_batch_id = $1 GROUP BY status", procBatchID)
}

func (h *StatusHandler) GetStatusCountsForSourceBatch(ctx context.Context, sourceBatchID int) (map[status.ProcessingStatus]int, error) {
	return h.statusCounts(ctx,
		"SELECT status, COUNT(status) FROM status_rows WHERE source_batch_id = $1 GROUP BY status", sourceBatchID)
}

func (h *StatusHandler) statusCounts(ctx context.Context, sql string, args ...any) (map[status.ProcessingStatus]int, error) {
	groups, err := h.groupCounts(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	counts := make(map[status.ProcessingStatus]int, len(groups))
	for k, v := range groups {
		counts[status.ProcessingStatus(k)] = v
	}
	return counts, nil
}

func (h *StatusHandler) GetErrorCodeCounts(ctx context.Context) (map[status.ErrorCode]int, error) {
	return h.errorCodeCounts(ctx,
		"SELECT proc_error_code, COUNT(proc_error_code) FROM status_rows WHERE proc_error_code IS NOT NULL GROUP BY proc_error_code")
}

func (h *StatusHandler) GetErrorCodeCountsForProcBatch(ctx context.Context, procBatchID int) (map[status.ErrorCode]int, error) {
	return h.errorCodeCounts(ctx,
		"SELECT proc_error_code, COUNT(proc_error_code) FROM status_rows WHERE proc_error_code IS NOT NULL AND proc_batch_id = $1 GROUP BY proc_error_code", procBatchID)
}

func (h *StatusHandler) GetErrorCodeCountsForSourceBatch(ctx context.Context, sourceBatchID int) (map[status.ErrorCode]int, error) {
	return h.errorCodeCounts(ctx,
		"SELECT proc_error_code, COUNT(proc_error_code) FROM status_rows WHERE proc_error_code IS NOT NULL AND source_batch_id = $1 GROUP BY proc_error_code", sourceBatchID)
}

func (h *StatusHandler) errorCodeCounts(ctx context.Context, sql string, args ...any) (map[status.ErrorCode]int, error) {
	groups, err := h.groupCounts(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	counts := make(map[status.ErrorCode]int, len(groups))
	for k, v := range groups {
		counts[status.ErrorCode(k)] = v
	}
	return counts, nil
}

func (h *StatusHandler) groupCounts(ctx context.Context, sql string, args ...any) (map[int]int, error) {
	pgRows, err := h.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer pgRows.Close()

	counts := make(map[int]int)
	for pgRows.Next() {
		var group, count int
		if err := pgRows.Scan(&group, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[group] = count
	}
	if err := pgRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read count rows: %w", err)
	}
	return counts, nil
}

func (h *StatusHandler) GetStatusCountsPerExtraInfoValue(ctx context.Context) (map[string]map[status.ProcessingStatus]int, error) {
	pgRows, err := h.pool.Query(ctx,
		"SELECT COALESCE(source_extra_info, ''), status, COUNT(status) FROM status_rows GROUP BY source_extra_info, status")
	if err != nil {
		return nil, fmt.Errorf("failed to query extra info counts: %w", err)
	}
	defer pgRows.Close()

	counts := make(map[string]map[status.ProcessingStatus]int)
	for pgRows.Next() {
		var extraInfo string
		var st, count int
		if err := pgRows.Scan(&extraInfo, &st, &count); err != nil {
			return nil, fmt.Errorf("failed to scan extra info count row: %w", err)
		}
		if counts[extraInfo] == nil {
			counts[extraInfo] = make(map[status.ProcessingStatus]int)
		}
		counts[extraInfo][status.ProcessingStatus(st)] = count
	}
	if err := pgRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read extra info count rows: %w", err)
	}
	return counts, nil
}

func (h *StatusHandler) GetCompletedSemanticSourceBatchNames(ctx context.Context) ([]string, []string, error) {
	pgRows, err := h.pool.Query(ctx, `
SELECT COALESCE(source_batch_name, ''),
       BOOL_OR(status NOT IN ($1, $2)) AS has_running
FROM status_rows
GROUP BY source_batch_name
ORDER BY 1`,
		int(status.Error), int(status.Finished))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query semantic batch names: %w", err)
	}
	defer pgRows.Close()

	var completed, uncompleted []string
	for pgRows.Next() {
		var name string
		var hasRunning bool
		if err := pgRows.Scan(&name, &hasRunning); err != nil {
			return nil, nil, fmt.Errorf("failed to scan semantic batch name: %w", err)
		}
		if hasRunning {
			uncompleted = append(uncompleted, name)
		} else {
			completed = append(completed, name)
		}
	}
	if err := pgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read semantic batch names: %w", err)
	}
	return completed, uncompleted, nil
}

func (h *StatusHandler) GetNameOfSourceBatch(ctx context.Context, sourceBatchID int) (string, error) {
	var name pgtype.Text
	err := h.pool.QueryRow(ctx,
		"SELECT source_batch_name FROM status_rows WHERE source_batch_id = $1 LIMIT 1",
		sourceBatchID).Scan(&name)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query source batch name: %w", err)
	}
	return name.String, nil
}

func (h *StatusHandler) RecoverSourceBatch(ctx context.Context) (bool, error) {
	sourceBatchID, err := h.GetLastSourceBatchID(ctx)
	if err != nil {
		return false, err
	}
	if sourceBatchID == status.UnassignedBatch {
		h.logger.Info().LogActivity("No source batch id found in DB, nothing to recover", nil)
		return false, nil
	}
	rows, err := h.GetStatusRowsOfSourceBatch(ctx, sourceBatchID)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	h.curSourceBatch = rows
	h.mu.Unlock()
	return true, nil
}

func (h *StatusHandler) RecoverProcBatch(ctx context.Context) ([]status.StatusRow, error) {
	procBatchID, err := h.GetLastProcBatchID(ctx)
	if err != nil || procBatchID == status.UnassignedBatch {
		return nil, err
	}
	return h.GetStatusRowsOfProcBatch(ctx, procBatchID)
}

func (h *StatusHandler) SetCurrentSourceBatch(ctx context.Context, rows []status.StatusRow) error {
	h.logger.Debug0().LogActivity("Setting new source batch", map[string]any{
		"rows": len(rows),
	})
	return h.Persist(ctx, rows)
}

func (h *StatusHandler) CurrentSourceBatch() []status.StatusRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]status.StatusRow, len(h.curSourceBatch))
	copy(out, h.curSourceBatch)
	return out
}

func (h *StatusHandler) CurSourceBatchID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.curSourceBatch) == 0 {
		return status.UnassignedBatch
	}
	return h.curSourceBatch[0].SourceBatchID
}

func (h *StatusHandler) GetSourceBatchRowsOfStatus(s status.ProcessingStatus, limit int) []status.StatusRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []status.StatusRow
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

func scanStatusRow(pgRows pgx.Rows) (status.StatusRow, error) {
	var (
		r             status.StatusRow
		st            int
		batchName     pgtype.Text
		extraInfo     pgtype.Text
		procBatchID   pgtype.Int4
		procID        pgtype.Text
		procStatusMsg pgtype.Text
		procErrorCode pgtype.Int4
	)
	err := pgRows.Scan(
		&r.TargetID, &r.TargetURL, &st, &r.SourceBatchID,
		&batchName, &extraInfo, &procBatchID, &procID, &procStatusMsg, &procErrorCode,
	)
	if err != nil {
		return status.StatusRow{}, fmt.Errorf("failed to scan status row: %w", err)
	}
	r.Status = status.ProcessingStatus(st)
	r.SourceBatchName = batchName.String
	r.SourceExtraInfo = extraInfo.String
	r.ProcBatchID = status.UnassignedBatch
	if procBatchID.Valid {
		r.ProcBatchID = int(procBatchID.Int32)
	}
	r.ProcID = procID.String
	r.ProcStatusMsg = procStatusMsg.String
	if procErrorCode.Valid {
		r.ProcErrorCode = status.ErrorCode(procErrorCode.Int32)
	}
	return r, nil
}

func textOrNull(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func intOrNull(v, sentinel int) pgtype.Int4 {
	return pgtype.Int4{Int32: int32(v), Valid: v != sentinel}
}
