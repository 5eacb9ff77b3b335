package es

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"argus-logs/internal/config"
	"argus-logs/internal/domain"
)

// fakeCluster answers _search from a synthetic index of total records
// sorted by position, and _bulk through a replaceable handler.
type fakeCluster struct {
	mu       sync.Mutex
	total    int
	searches []map[string]interface{}
	bulks    int
	bulk     func(call int, w http.ResponseWriter)
	server   *httptest.Server
}

func newFakeCluster(t *testing.T, total int) *fakeCluster {
	t.Helper()
	f := &fakeCluster{total: total}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasSuffix(r.URL.Path, "/_search"):
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.searches = append(f.searches, body)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.page(body))
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		f.mu.Lock()
		f.bulks++
		call := f.bulks
		f.mu.Unlock()
		f.bulk(call, w)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// page serves hits after the search_after position, if any.
func (f *fakeCluster) page(body map[string]interface{}) obj {
	if from, ok := body["from"].(float64); ok && int(from)+int(body["size"].(float64)) > maxResultWindow {
		return obj{"error": "Result window is too large"}
	}

	start := 0
	if after, ok := body["search_after"].([]interface{}); ok {
		start = int(after[0].(float64)) + 1
	}
	hits := []interface{}{}
	for i := start; i < f.total && len(hits) < int(body["size"].(float64)); i++ {
		id := fmt.Sprintf("rec-%05d", i)
		hits = append(hits, obj{
			"_id":     id,
			"_source": obj{"id": id, "level": "INFO", "message": "request handled"},
			"sort":    []interface{}{i, id},
		})
	}
	return obj{"hits": obj{"total": obj{"value": f.total}, "hits": hits}}
}

func (f *fakeCluster) Searches() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.searches...)
}

func newFakeStore(t *testing.T, f *fakeCluster, logger *slog.Logger) *LogStore {
	t.Helper()
	c, err := New(&config.ElasticsearchConfig{Addresses: []string{f.server.URL}, Index: "argus-logs"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return NewLogStore(c, logger)
}

func TestQuery_PagePastResultWindow(t *testing.T) {
	f := newFakeCluster(t, 10500)
	s := newFakeStore(t, f, nil)

	q := normalized(t, domain.Query{Page: 101, Size: 100})
	res, err := s.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if res.TotalHits != 10500 {
		t.Errorf("TotalHits = %d, want 10500", res.TotalHits)
	}
	if len(res.Records) != 100 || res.Records[0].ID != "rec-10000" || res.Records[99].ID != "rec-10099" {
		t.Errorf("records = %d starting at %v, want 100 starting at rec-10000", len(res.Records), res.Records)
	}
	if !res.HasPreviousPage || !res.HasNextPage {
		t.Errorf("HasPreviousPage = %v, HasNextPage = %v, want true, true", res.HasPreviousPage, res.HasNextPage)
	}

	// count, one skip over the window, then the page itself
	searches := f.Searches()
	if len(searches) != 3 {
		t.Fatalf("search requests = %d, want 3", len(searches))
	}
	for i, body := range searches {
		if _, ok := body["from"]; ok {
			t.Errorf("request %d carries from", i)
		}
	}
}

func TestQuery_PageFarPastTheEnd(t *testing.T) {
	f := newFakeCluster(t, 50)
	s := newFakeStore(t, f, nil)

	q := normalized(t, domain.Query{Page: 1 << 40, Size: 100})
	res, err := s.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if res.TimedOut || res.TotalHits != 50 || len(res.Records) != 0 {
		t.Errorf("result = timed_out %v, total %d, %d records, want false, 50, 0", res.TimedOut, res.TotalHits, len(res.Records))
	}
	if n := len(f.Searches()); n != 1 {
		t.Errorf("search requests = %d, want only the count", n)
	}
}

func TestPutBatch_LogsFailedRollback(t *testing.T) {
	f := newFakeCluster(t, 0)
	f.bulk = func(call int, w http.ResponseWriter) {
		if call == 1 {
			_ = json.NewEncoder(w).Encode(obj{"errors": true, "items": []interface{}{
				obj{"create": obj{"_id": "a", "status": 201}},
				obj{"create": obj{"_id": "b", "status": 409}},
			}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"shard failure"}`))
	}

	var logs bytes.Buffer
	s := newFakeStore(t, f, slog.New(slog.NewJSONHandler(&logs, nil)))

	_, err := s.PutBatch(context.Background(), []*domain.LogRecord{
		{ID: "a", Level: domain.LevelInfo, Message: "one"},
		{ID: "b", Level: domain.LevelInfo, Message: "two"},
	})
	if !errors.Is(err, domain.ErrLogIDConflict) {
		t.Errorf("PutBatch() error = %v, want %v", err, domain.ErrLogIDConflict)
	}

	var entry struct {
		Level string   `json:"level"`
		Msg   string   `json:"msg"`
		IDs   []string `json:"ids"`
	}
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("log output %q: %v", logs.String(), err)
	}
	if entry.Level != "ERROR" || entry.Msg != "failed to roll back partial batch" {
		t.Errorf("log entry = %s %q, want ERROR rollback failure", entry.Level, entry.Msg)
	}
	if len(entry.IDs) != 1 || entry.IDs[0] != "a" {
		t.Errorf("logged ids = %v, want [a]", entry.IDs)
	}
}
