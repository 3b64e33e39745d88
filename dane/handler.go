package dane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/beeldengeluid/dane-workflows/status"
)

// Config holds the connection settings for one DANE server and its index.
type Config struct {
	// Host is the DANE API host, e.g. "dane.example.org".
	Host string
	// TaskID is the task key submitted for every document, e.g. "ASR".
	TaskID string
	// StatusDir is where registration replies are persisted, one JSON file
	// per processing batch.
	StatusDir string
	// MonitorInterval is the pause between monitor polls.
	MonitorInterval time.Duration
	// ESHost, ESPort and ESIndex locate the DANE index.
	ESHost  string
	ESPort  int
	ESIndex string
	// ESQueryTimeout bounds each index query.
	ESQueryTimeout time.Duration
	// BatchPrefix namespaces creator ids; DANE creates a new document per
	// (target id, creator id) pair, so the prefix must be unique per DANE
	// server.
	BatchPrefix string
}

// Handler talks to the DANE API and, for task and result retrieval, directly
// to the DANE index.
type Handler struct {
	cfg        Config
	httpClient *http.Client
	es         *elasticsearch.Client
	logger     *logharbour.Logger
}

func NewHandler(cfg Config, logger *logharbour.Logger) (*Handler, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{fmt.Sprintf("http://%s:%d", cfg.ESHost, cfg.ESPort)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index client: %w", err)
	}
	return &Handler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		es:         es,
		logger:     logger.WithModule("dane"),
	}, nil
}

func (h *Handler) docsEndpoint() string {
	return fmt.Sprintf("http://%s/DANE/documents/", h.cfg.Host)
}

func (h *Handler) taskEndpoint() string {
	return fmt.Sprintf("http://%s/DANE/task/", h.cfg.Host)
}

// ProcBatchName is the creator id under which a processing batch's documents
// are registered.
func (h *Handler) ProcBatchName(procBatchID int) string {
	return fmt.Sprintf("%s_%d", h.cfg.BatchPrefix, procBatchID)
}

func (h *Handler) batchFileName(procBatchID int) string {
	return filepath.Join(h.cfg.StatusDir, h.ProcBatchName(procBatchID)+".json")
}

// daneDoc is a DANE document as sent to and returned by the DANE API.
type daneDoc struct {
	ID      string      `json:"_id,omitempty"`
	Target  daneTarget  `json:"target"`
	Creator daneCreator `json:"creator"`
}

type daneTarget struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

type daneCreator struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// registerReply is the DANE API response to a documents POST. Entries may be
// bare documents or wrapped in a "document" field.
type registerReply struct {
	Success []json.RawMessage `json:"success"`
	Failed  []json.RawMessage `json:"failed"`
}

func (r registerReply) docs() []daneDoc {
	var docs []daneDoc
	for _, raw := range append(append([]json.RawMessage{}, r.Success...), r.Failed...) {
		if doc, ok := decodeDaneDoc(raw); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

func decodeDaneDoc(raw json.RawMessage) (daneDoc, bool) {
	var wrapped struct {
		Document *daneDoc `json:"document"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Document != nil && wrapped.Document.ID != "" {
		return *wrapped.Document, true
	}
	var doc daneDoc
	if err := json.Unmarshal(raw, &doc); err == nil && doc.ID != "" {
		return doc, true
	}
	return daneDoc{}, false
}

// RegisterBatch uploads the rows as DANE documents. On success it persists
// the raw API reply under StatusDir (the source of truth for ProcessBatch),
// sets each row's proc id to its DANE document id and moves the rows to
// BatchRegistered. A nil row slice with nil error means DANE rejected the
// batch as a whole.
func (h *Handler) RegisterBatch(ctx context.Context, procBatchID int, batch []status.StatusRow) ([]status.StatusRow, error) {
	if len(batch) == 0 {
		h.logger.Warn().LogActivity("No rows to register", nil)
		return nil, nil
	}
	h.logger.Info().LogActivity("Registering documents with DANE", map[string]any{
		"proc_batch_id": procBatchID,
		"docs":          len(batch),
	})

	docs := make([]daneDoc, 0, len(batch))
	for _, row := range batch {
		docs = append(docs, daneDoc{
			Target:  daneTarget{ID: row.TargetID, URL: row.TargetURL, Type: "Video"},
			Creator: daneCreator{ID: h.ProcBatchName(row.ProcBatchID), Type: "Organization"},
		})
	}

	body, respCode, err := h.post(ctx, h.docsEndpoint(), docs)
	if err != nil {
		return nil, err
	}
	if respCode != http.StatusOK {
		h.logger.Warn().LogActivity("DANE rejected document registration", map[string]any{
			"proc_batch_id": procBatchID,
			"status_code":   respCode,
		})
		return nil, nil
	}

	var reply registerReply
	if err := json.Unmarshal(body, &reply); err != nil {
		h.logger.Error(err).LogActivity("Invalid JSON returned by DANE (register docs)", nil)
		return nil, nil
	}

	// the program state would be corrupt without this file, so failing to
	// write it is fatal
	if err := h.persistRegisterReply(procBatchID, body); err != nil {
		return nil, fmt.Errorf("failed to persist DANE register reply for batch %d: %w", procBatchID, err)
	}

	byTargetID := make(map[string]daneDoc)
	for _, doc := range reply.docs() {
		byTargetID[doc.Target.ID] = doc
	}
	for i := range batch {
		doc, ok := byTargetID[batch[i].TargetID]
		if !ok {
			h.logger.Warn().LogActivity("DANE reply misses a registered document", map[string]any{
				"target_id": batch[i].TargetID,
			})
			continue
		}
		batch[i].ProcID = doc.ID
	}
	return status.UpdateStatus(batch, status.BatchRegistered), nil
}

func (h *Handler) persistRegisterReply(procBatchID int, body []byte) error {
	fn := h.batchFileName(procBatchID)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "    "); err != nil {
		pretty.Reset()
		pretty.Write(body)
	}
	return os.WriteFile(fn, pretty.Bytes(), 0o644)
}

func (h *Handler) loadRegisteredDocIDs(procBatchID int) ([]string, error) {
	data, err := os.ReadFile(h.batchFileName(procBatchID))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s.json: %w", h.ProcBatchName(procBatchID), err)
	}
	var reply registerReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse %s.json: %w", h.ProcBatchName(procBatchID), err)
	}
	var ids []string
	for _, doc := range reply.docs() {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

// taskReply is the DANE API response to a task POST.
type taskReply struct {
	Success []json.RawMessage `json:"success"`
	Failed  []struct {
		DocumentID string `json:"document_id"`
		Error      string `json:"error"`
	} `json:"failed"`
}

// ProcessBatch submits the configured task for every registered document of
// the batch. The document ids come from the persisted registration reply,
// never from memory, so a restarted process can still start its batch.
func (h *Handler) ProcessBatch(ctx context.Context, procBatchID int) (bool, int, string) {
	docIDs, err := h.loadRegisteredDocIDs(procBatchID)
	if err != nil || len(docIDs) == 0 {
		h.logger.Error(err).LogActivity("No registered doc ids for batch", map[string]any{
			"proc_batch_id": procBatchID,
		})
		return false, http.StatusNotFound,
			fmt.Sprintf("No doc_ids found in %s", h.batchFileName(procBatchID))
	}

	h.logger.Info().LogActivity("Submitting task to DANE", map[string]any{
		"proc_batch_id": procBatchID,
		"task":          h.cfg.TaskID,
		"docs":          len(docIDs),
	})
	body, respCode, err := h.post(ctx, h.taskEndpoint(), map[string]any{
		"document_id": docIDs,
		"key":         h.cfg.TaskID,
	})
	if err != nil {
		return false, 0, err.Error()
	}

	// some per-document failures are harmless (e.g. task already assigned),
	// so they are logged as warnings rather than failing the batch
	var reply taskReply
	if err := json.Unmarshal(body, &reply); err == nil {
		for _, f := range reply.Failed {
			if f.Error != "" {
				h.logger.Warn().LogActivity("DANE reported a task failure", map[string]any{
					"document_id": f.DocumentID,
					"error":       f.Error,
				})
			}
		}
	}
	return respCode == http.StatusOK, respCode, string(body)
}

func (h *Handler) post(ctx context.Context, url string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response of %s: %w", url, err)
	}
	return body, resp.StatusCode, nil
}

// MonitorBatch polls the DANE index until no task of the batch is queued
// anymore, pausing MonitorInterval between polls. It returns the final task
// list, or the context error when cancelled between polls.
func (h *Handler) MonitorBatch(ctx context.Context, procBatchID int) ([]Task, error) {
	h.logger.Info().LogActivity("Monitoring DANE batch", map[string]any{
		"proc_batch_id": procBatchID,
	})
	for {
		tasks, err := h.GetTasksOfBatch(ctx, procBatchID)
		if err != nil {
			return nil, err
		}
		h.logTaskTypeOverview(tasks)
		if !containsRunningTasks(tasks) {
			h.logger.Info().LogActivity("Batch settled", map[string]any{
				"proc_batch_id": procBatchID,
				"tasks":         len(tasks),
			})
			return tasks, nil
		}

		h.logger.Debug0().LogActivity("Batch still running, waiting before next poll", map[string]any{
			"interval": h.cfg.MonitorInterval.String(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.cfg.MonitorInterval):
		}
	}
}

// IsProcBatchDone reports whether no task of the batch is queued anymore.
func (h *Handler) IsProcBatchDone(ctx context.Context, procBatchID int) (bool, error) {
	tasks, err := h.GetTasksOfBatch(ctx, procBatchID)
	if err != nil {
		return false, err
	}
	return !containsRunningTasks(tasks), nil
}

func containsRunningTasks(tasks []Task) bool {
	for _, t := range tasks {
		if t.State == StateQueued {
			return true
		}
	}
	return false
}

// logTaskTypeOverview logs, for the configured task type, how many tasks sit
// in each state.
func (h *Handler) logTaskTypeOverview(tasks []Task) {
	byState := make(map[TaskState]int)
	unknown := 0
	for _, t := range tasks {
		if t.Key != h.cfg.TaskID {
			continue
		}
		if t.State.Known() {
			byState[t.State]++
		} else {
			unknown++
		}
	}
	counts := make(map[string]any, len(byState)+1)
	for state, n := range byState {
		counts[state.String()] = n
	}
	counts["UNKNOWN"] = unknown
	h.logger.Info().LogActivity("Task states for "+h.cfg.TaskID, counts)
}
