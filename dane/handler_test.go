package dane

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beeldengeluid/dane-workflows/status"
)

func newTestLogger() *logharbour.Logger {
	return logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
}

// fakeIndex serves _search requests from a callback so each test controls
// what the DANE index returns per poll.
type fakeIndex struct {
	srv   *httptest.Server
	polls atomic.Int64
	// respond gets the poll number (1-based, counting task searches only)
	// and the "from" offset, and returns the raw hits
	respond func(poll int64, isResultQuery bool, from int) []map[string]any
}

func newFakeIndex(t *testing.T, respond func(poll int64, isResultQuery bool, from int) []map[string]any) *fakeIndex {
	t.Helper()
	f := &fakeIndex{respond: respond}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_search") {
			http.NotFound(w, r)
			return
		}
		var query map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&query))
		from := int(query["from"].(float64))
		sources := query["_source"].([]any)
		isResultQuery := sources[0] == "result"

		var poll int64
		if !isResultQuery && from == 0 {
			poll = f.polls.Add(1)
		} else {
			poll = f.polls.Load()
		}

		hits := f.respond(poll, isResultQuery, from)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		json.NewEncoder(w).Encode(map[string]any{
			"hits": map[string]any{"hits": hits},
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIndex) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func taskHitJSON(id, key string, state int, msg, docID string) map[string]any {
	return map[string]any{
		"_id": id,
		"_source": map[string]any{
			"task": map[string]any{
				"msg": msg, "state": state, "priority": 1, "key": key,
			},
			"created_at": "2022-01-01T00:00:00", "updated_at": "2022-01-01T00:01:00",
			"role": map[string]any{"parent": docID},
		},
	}
}

func resultHitJSON(id, taskID string) map[string]any {
	return map[string]any{
		"_id": id,
		"_source": map[string]any{
			"result": map[string]any{
				"generator": map[string]any{"name": "ASR", "id": "gen-1"},
				"payload":   map[string]any{"transcript": "hello"},
			},
			"created_at": "2022-01-01T00:00:00", "updated_at": "2022-01-01T00:01:00",
			"role": map[string]any{"parent": taskID},
		},
	}
}

func newTestHandler(t *testing.T, apiURL string, index *fakeIndex) *Handler {
	t.Helper()
	esHost, esPort := index.hostPort(t)
	cfg := Config{
		Host:            strings.TrimPrefix(apiURL, "http://"),
		TaskID:          "ASR",
		StatusDir:       t.TempDir(),
		MonitorInterval: 10 * time.Millisecond,
		ESHost:          esHost,
		ESPort:          esPort,
		ESIndex:         "dane-index",
		ESQueryTimeout:  5 * time.Second,
		BatchPrefix:     "unit-test",
	}
	h, err := NewHandler(cfg, newTestLogger())
	require.NoError(t, err)
	return h
}

func emptyIndex(t *testing.T) *fakeIndex {
	return newFakeIndex(t, func(int64, bool, int) []map[string]any { return nil })
}

func TestRegisterBatch(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/DANE/documents/", r.URL.Path)
		var docs []map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&docs))
		require.Len(t, docs, 2)
		creator := docs[0]["creator"].(map[string]any)
		assert.Equal(t, "unit-test_0", creator["id"])

		// one fresh registration, one wrapped duplicate
		json.NewEncoder(w).Encode(map[string]any{
			"success": []map[string]any{{
				"_id":     "dane-doc-a",
				"target":  map[string]any{"id": "a", "url": "http://media/a.mp4", "type": "Video"},
				"creator": map[string]any{"id": "unit-test_0", "type": "Organization"},
			}},
			"failed": []map[string]any{{
				"document": map[string]any{
					"_id":     "dane-doc-b",
					"target":  map[string]any{"id": "b", "url": "http://media/b.mp4", "type": "Video"},
					"creator": map[string]any{"id": "unit-test_0", "type": "Organization"},
				},
				"error": "Task `ASR` already assigned to document `dane-doc-b`",
			}},
		})
	}))
	defer api.Close()

	h := newTestHandler(t, api.URL, emptyIndex(t))
	batch := []status.StatusRow{
		{TargetID: "a", TargetURL: "http://media/a.mp4", Status: status.BatchAssigned, ProcBatchID: 0},
		{TargetID: "b", TargetURL: "http://media/b.mp4", Status: status.BatchAssigned, ProcBatchID: 0},
	}

	rows, err := h.RegisterBatch(context.Background(), 0, batch)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "dane-doc-a", rows[0].ProcID)
	assert.Equal(t, "dane-doc-b", rows[1].ProcID)
	for _, row := range rows {
		assert.Equal(t, status.BatchRegistered, row.Status)
	}

	// the reply is persisted and feeds ProcessBatch
	data, err := os.ReadFile(filepath.Join(h.cfg.StatusDir, "unit-test_0.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "dane-doc-a")

	ids, err := h.loadRegisteredDocIDs(0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dane-doc-a", "dane-doc-b"}, ids)
}

func TestRegisterBatchRejected(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no thanks", http.StatusInternalServerError)
	}))
	defer api.Close()

	h := newTestHandler(t, api.URL, emptyIndex(t))
	rows, err := h.RegisterBatch(context.Background(), 0, []status.StatusRow{
		{TargetID: "a", TargetURL: "http://media/a.mp4", ProcBatchID: 0},
	})
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestProcessBatch(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/DANE/task/", r.URL.Path)
		var task map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
		assert.Equal(t, "ASR", task["key"])
		assert.Len(t, task["document_id"], 2)
		json.NewEncoder(w).Encode(map[string]any{
			"success": []any{},
			"failed": []map[string]any{{
				"document_id": "dane-doc-b",
				"error":       "Task `ASR` already assigned to document `dane-doc-b`",
			}},
		})
	}))
	defer api.Close()

	h := newTestHandler(t, api.URL, emptyIndex(t))
	reply, err := json.Marshal(map[string]any{
		"success": []map[string]any{
			{"_id": "dane-doc-a", "target": map[string]any{"id": "a"}},
			{"_id": "dane-doc-b", "target": map[string]any{"id": "b"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.persistRegisterReply(3, reply))

	success, code, text := h.ProcessBatch(context.Background(), 3)
	assert.True(t, success)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, text, "dane-doc-b")
}

func TestProcessBatchWithoutRegisteredDocs(t *testing.T) {
	h := newTestHandler(t, "http://dane.invalid", emptyIndex(t))
	success, code, text := h.ProcessBatch(context.Background(), 9)
	assert.False(t, success)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, text, "unit-test_9")
}

func TestMonitorBatchPollsUntilSettled(t *testing.T) {
	index := newFakeIndex(t, func(poll int64, isResultQuery bool, from int) []map[string]any {
		if from > 0 {
			return nil
		}
		state := 102
		if poll >= 3 {
			state = 200
		}
		return []map[string]any{
			taskHitJSON("task-a", "ASR", state, "", "dane-doc-a"),
			taskHitJSON("task-b", "ASR", 200, "", "dane-doc-b"),
		}
	})
	h := newTestHandler(t, "http://dane.invalid", index)

	tasks, err := h.MonitorBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, StateSuccess, tasks[0].State)
	assert.GreaterOrEqual(t, index.polls.Load(), int64(3))
}

func TestMonitorBatchHonorsCancellation(t *testing.T) {
	index := newFakeIndex(t, func(poll int64, isResultQuery bool, from int) []map[string]any {
		if from > 0 {
			return nil
		}
		// never settles
		return []map[string]any{taskHitJSON("task-a", "ASR", 102, "", "dane-doc-a")}
	})
	h := newTestHandler(t, "http://dane.invalid", index)
	h.cfg.MonitorInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := h.MonitorBatch(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetTasksOfBatchPaginates(t *testing.T) {
	index := newFakeIndex(t, func(poll int64, isResultQuery bool, from int) []map[string]any {
		// one full page followed by a partial one
		switch from {
		case 0:
			hits := make([]map[string]any, pageSize)
			for i := range hits {
				hits[i] = taskHitJSON(fmt.Sprintf("task-%d", i), "ASR", 200, "", fmt.Sprintf("doc-%d", i))
			}
			return hits
		case pageSize:
			return []map[string]any{taskHitJSON("task-last", "ASR", 200, "", "doc-last")}
		}
		return nil
	})
	h := newTestHandler(t, "http://dane.invalid", index)

	tasks, err := h.GetTasksOfBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, tasks, pageSize+1)
}
