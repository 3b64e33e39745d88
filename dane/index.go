package dane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// The DANE server offers no API for task or result listings, so those are
// read straight from its Elasticsearch index. Documents, tasks and results
// form a parent/child chain; tasks of a batch are found via the creator id
// of their parent document.

const pageSize = 200

func (h *Handler) tasksOfBatchQuery(procBatchID int) map[string]any {
	matchCreator := map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{
					"query_string": map[string]any{
						"default_field": "creator.id",
						"query":         fmt.Sprintf("%q", h.ProcBatchName(procBatchID)),
					},
				},
			},
		},
	}
	return map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{
					"has_parent": map[string]any{
						"parent_type": "document",
						"query":       matchCreator,
					},
				},
				map[string]any{
					"query_string": map[string]any{
						"default_field": "task.key",
						"query":         h.cfg.TaskID,
					},
				},
			},
		},
	}
}

func (h *Handler) tasksOfBatchPage(procBatchID, offset, size int) map[string]any {
	return map[string]any{
		"_source": []string{"task", "created_at", "updated_at", "role"},
		"from":    offset,
		"size":    size,
		"query":   h.tasksOfBatchQuery(procBatchID),
	}
}

func (h *Handler) resultsOfBatchPage(procBatchID, offset, size int) map[string]any {
	return map[string]any{
		"_source": []string{"result", "created_at", "updated_at", "role"},
		"from":    offset,
		"size":    size,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"has_parent": map[string]any{
							"parent_type": "task",
							"query":       h.tasksOfBatchQuery(procBatchID),
						},
					},
					// only results that carry a payload
					map[string]any{
						"exists": map[string]any{"field": "result.payload"},
					},
				},
			},
		},
	}
}

type taskHit struct {
	ID     string `json:"_id"`
	Source struct {
		Task struct {
			Message  string `json:"msg"`
			State    int    `json:"state"`
			Priority int    `json:"priority"`
			Key      string `json:"key"`
		} `json:"task"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
		Role      struct {
			Parent string `json:"parent"`
		} `json:"role"`
	} `json:"_source"`
}

type resultHit struct {
	ID     string `json:"_id"`
	Source struct {
		Result struct {
			Generator map[string]any `json:"generator"`
			Payload   map[string]any `json:"payload"`
		} `json:"result"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
		Role      struct {
			Parent string `json:"parent"`
		} `json:"role"`
	} `json:"_source"`
}

// GetTasksOfBatch pages through the index until an empty page, collecting
// every task of the batch's configured task type.
func (h *Handler) GetTasksOfBatch(ctx context.Context, procBatchID int) ([]Task, error) {
	h.logger.Debug0().LogActivity("Fetching tasks of batch from DANE index", map[string]any{
		"proc_batch": h.ProcBatchName(procBatchID),
	})
	var tasks []Task
	for offset := 0; ; offset += pageSize {
		var hits []taskHit
		if err := h.searchPage(ctx, h.tasksOfBatchPage(procBatchID, offset, pageSize), &hits); err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return tasks, nil
		}
		for _, hit := range hits {
			tasks = append(tasks, Task{
				ID:        hit.ID,
				Message:   hit.Source.Task.Message,
				State:     TaskState(hit.Source.Task.State),
				Priority:  hit.Source.Task.Priority,
				Key:       hit.Source.Task.Key,
				CreatedAt: hit.Source.CreatedAt,
				UpdatedAt: hit.Source.UpdatedAt,
				DocID:     hit.Source.Role.Parent,
			})
		}
	}
}

// GetResultsOfBatch pages through the index until an empty page, collecting
// every result with a payload for the batch. Result.DocID is left empty; the
// caller resolves it through the task list.
func (h *Handler) GetResultsOfBatch(ctx context.Context, procBatchID int) ([]Result, error) {
	h.logger.Debug0().LogActivity("Fetching results of batch from DANE index", map[string]any{
		"proc_batch": h.ProcBatchName(procBatchID),
	})
	var results []Result
	for offset := 0; ; offset += pageSize {
		var hits []resultHit
		if err := h.searchPage(ctx, h.resultsOfBatchPage(procBatchID, offset, pageSize), &hits); err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return results, nil
		}
		for _, hit := range hits {
			results = append(results, Result{
				ID:        hit.ID,
				Generator: hit.Source.Result.Generator,
				Payload:   hit.Source.Result.Payload,
				CreatedAt: hit.Source.CreatedAt,
				UpdatedAt: hit.Source.UpdatedAt,
				TaskID:    hit.Source.Role.Parent,
			})
		}
	}
}

// searchPage runs one bounded search and decodes the hits into out, which
// must be a pointer to a slice of the hit type.
func (h *Handler) searchPage(ctx context.Context, query map[string]any, out any) error {
	queryCtx, cancel := context.WithTimeout(ctx, h.cfg.ESQueryTimeout)
	defer cancel()

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(query); err != nil {
		return fmt.Errorf("failed to encode index query: %w", err)
	}
	resp, err := h.es.Search(
		h.es.Search.WithContext(queryCtx),
		h.es.Search.WithIndex(h.cfg.ESIndex),
		h.es.Search.WithBody(&body),
	)
	if err != nil {
		return fmt.Errorf("index query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("index query returned %s: %s", resp.Status(), msg)
	}

	var envelope struct {
		Hits struct {
			Hits json.RawMessage `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode index response: %w", err)
	}
	if len(envelope.Hits.Hits) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Hits.Hits, out); err != nil {
		return fmt.Errorf("failed to decode index hits: %w", err)
	}
	return nil
}
