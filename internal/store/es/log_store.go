package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"argus-logs/internal/domain"
)

// scanBatch is the page size used when streaming old records.
const scanBatch = 500

// LogStore implements store.LogStore on an Elasticsearch index.
type LogStore struct {
	c      *Client
	logger *slog.Logger
}

// NewLogStore creates a new Elasticsearch-backed log store.
func NewLogStore(c *Client, logger *slog.Logger) *LogStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStore{c: c, logger: logger}
}

type searchHit struct {
	ID        string              `json:"_id"`
	Source    domain.LogRecord    `json:"_source"`
	Highlight map[string][]string `json:"highlight"`
	Sort      []interface{}       `json:"sort"`
}

type searchResponse struct {
	TimedOut bool `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key      json.RawMessage `json:"key"`
			DocCount int64           `json:"doc_count"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
	} `json:"items"`
}

// Put indexes a record with op_type=create so an existing id is rejected.
func (s *LogStore) Put(ctx context.Context, record *domain.LogRecord) (*domain.LogRecord, error) {
	r := record.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	body, err := encode(r)
	if err != nil {
		return nil, err
	}
	req := esapi.IndexRequest{
		Index:      s.c.Index,
		DocumentID: r.ID,
		Body:       body,
		OpType:     "create",
		Refresh:    s.c.Refresh,
	}
	res, err := req.Do(ctx, s.c.ES)
	if err != nil {
		return nil, domain.Unavailable("index log record", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return nil, domain.ErrLogIDConflict
	}
	if res.IsError() {
		return nil, domain.Unavailable("index log record", responseError(res))
	}
	return r, nil
}

// PutBatch sends one _bulk request of create actions. When any item fails
// the items that did succeed are deleted again, so the batch is stored as
// a whole or not at all.
func (s *LogStore) PutBatch(ctx context.Context, records []*domain.LogRecord) ([]*domain.LogRecord, error) {
	if len(records) == 0 {
		return []*domain.LogRecord{}, nil
	}

	stored := make([]*domain.LogRecord, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, record := range records {
		r := record.Clone()
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if _, dup := seen[r.ID]; dup {
			return nil, domain.ErrLogIDConflict
		}
		seen[r.ID] = struct{}{}

		if err := enc.Encode(obj{"create": obj{"_index": s.c.Index, "_id": r.ID}}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode log record: %w", err)
		}
		stored = append(stored, r)
	}

	res, err := esapi.BulkRequest{Body: &buf, Refresh: s.c.Refresh}.Do(ctx, s.c.ES)
	if err != nil {
		return nil, domain.Unavailable("bulk index log records", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, domain.Unavailable("bulk index log records", responseError(res))
	}

	var br bulkResponse
	if err := decode(res, &br); err != nil {
		return nil, domain.Unavailable("bulk index log records", err)
	}
	if !br.Errors {
		return stored, nil
	}

	var created []string
	conflict := false
	for _, item := range br.Items {
		result := item["create"]
		switch {
		case result.Status == http.StatusConflict:
			conflict = true
		case result.Status < 300:
			created = append(created, result.ID)
		}
	}
	s.rollback(ctx, created)

	if conflict {
		return nil, domain.ErrLogIDConflict
	}
	return nil, domain.Unavailable("bulk index log records", fmt.Errorf("bulk request had item failures"))
}

// rollback deletes records created by a partially failed batch. A failed
// rollback leaves those records stored, so it is logged with their ids.
func (s *LogStore) rollback(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		if err := enc.Encode(obj{"delete": obj{"_index": s.c.Index, "_id": id}}); err != nil {
			s.logger.Error("failed to encode batch rollback", "ids", ids, "error", err)
			return
		}
	}

	res, err := esapi.BulkRequest{Body: &buf, Refresh: s.c.Refresh}.Do(ctx, s.c.ES)
	if err != nil {
		s.logger.Error("failed to roll back partial batch", "ids", ids, "error", err)
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		s.logger.Error("failed to roll back partial batch", "ids", ids, "error", responseError(res))
		return
	}

	var br bulkResponse
	if err := decode(res, &br); err != nil {
		s.logger.Error("failed to read batch rollback response", "ids", ids, "error", err)
		return
	}
	if br.Errors {
		var kept []string
		for _, item := range br.Items {
			if result := item["delete"]; result.Status >= 300 && result.Status != http.StatusNotFound {
				kept = append(kept, result.ID)
			}
		}
		if len(kept) > 0 {
			s.logger.Error("batch rollback left records stored", "ids", kept)
		}
	}
}

// GetByID retrieves a record by its ID.
func (s *LogStore) GetByID(ctx context.Context, id string) (*domain.LogRecord, error) {
	res, err := esapi.GetRequest{Index: s.c.Index, DocumentID: id}.Do(ctx, s.c.ES)
	if err != nil {
		return nil, domain.Unavailable("get log record", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, domain.ErrLogNotFound
	}
	if res.IsError() {
		return nil, domain.Unavailable("get log record", responseError(res))
	}

	var doc struct {
		Found  bool             `json:"found"`
		Source domain.LogRecord `json:"_source"`
	}
	if err := decode(res, &doc); err != nil {
		return nil, domain.Unavailable("get log record", err)
	}
	if !doc.Found {
		return nil, domain.ErrLogNotFound
	}
	return &doc.Source, nil
}

// Query runs a search with aggregations and highlighting in one request,
// or in several when the page lies past the result window. A cluster-side
// timeout is reported through timed_out with partial hits.
func (s *LogStore) Query(ctx context.Context, q *domain.Query) (*domain.QueryResult, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	var (
		sr  = &searchResponse{}
		err error
	)
	if beyondWindow(q) {
		sr, err = s.searchDeep(ctx, q, timeout)
	} else {
		err = s.search(ctx, buildSearch(q, timeout), sr)
	}
	if err != nil {
		if ctx.Err() != nil {
			result := &domain.QueryResult{TimedOut: true}
			result.Paginate(q.Page, q.Size)
			return result, nil
		}
		return nil, err
	}

	result := &domain.QueryResult{
		TotalHits: sr.Hits.Total.Value,
		TimedOut:  sr.TimedOut,
		Records:   make([]*domain.LogRecord, 0, len(sr.Hits.Hits)),
	}
	for i := range sr.Hits.Hits {
		hit := &sr.Hits.Hits[i]
		result.Records = append(result.Records, &hit.Source)
		if fragments := highlightFragments(hit.Highlight); len(fragments) > 0 {
			if result.Highlights == nil {
				result.Highlights = make(map[string][]string)
			}
			result.Highlights[hit.Source.ID] = fragments
		}
	}

	for _, agg := range q.Aggregations {
		raw := sr.Aggregations[agg.Field]
		buckets := make([]domain.Bucket, 0, len(raw.Buckets))
		for _, b := range raw.Buckets {
			key := bucketKey(b.Key, agg.Type == domain.BucketDateHistogram)
			if key == "" {
				continue
			}
			buckets = append(buckets, domain.Bucket{Key: key, Count: b.DocCount})
		}
		if len(buckets) > agg.Limit {
			buckets = buckets[:agg.Limit]
		}
		if result.Aggregations == nil {
			result.Aggregations = make(map[string][]domain.Bucket, len(q.Aggregations))
		}
		result.Aggregations[agg.Field] = buckets
	}

	result.Paginate(q.Page, q.Size)
	return result, nil
}

// searchDeep serves a page past the result window. A count request
// supplies the total and aggregations; the page itself is reached by
// walking search_after over the hits before it.
func (s *LogStore) searchDeep(ctx context.Context, q *domain.Query, timeout time.Duration) (*searchResponse, error) {
	var counted searchResponse
	if err := s.search(ctx, buildCount(q, timeout), &counted); err != nil {
		return nil, err
	}
	offset := q.Offset()
	if int64(offset) >= counted.Hits.Total.Value {
		return &counted, nil
	}

	var after []interface{}
	for skipped := 0; skipped < offset; {
		n := min(offset-skipped, maxResultWindow)
		var sr searchResponse
		if err := s.search(ctx, buildSkip(q, after, n), &sr); err != nil {
			return nil, err
		}
		counted.TimedOut = counted.TimedOut || sr.TimedOut
		if len(sr.Hits.Hits) < n {
			// Records were deleted since the count; the page is past the end
			return &counted, nil
		}
		skipped += n
		after = sr.Hits.Hits[n-1].Sort
	}

	var page searchResponse
	if err := s.search(ctx, buildPageAfter(q, timeout, after), &page); err != nil {
		return nil, err
	}
	counted.TimedOut = counted.TimedOut || page.TimedOut
	counted.Hits.Hits = page.Hits.Hits
	return &counted, nil
}

func (s *LogStore) search(ctx context.Context, body obj, out interface{}) error {
	buf, err := encode(body)
	if err != nil {
		return err
	}
	res, err := esapi.SearchRequest{Index: []string{s.c.Index}, Body: buf}.Do(ctx, s.c.ES)
	if err != nil {
		return domain.Unavailable("search log records", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return domain.Unavailable("search log records", responseError(res))
	}
	if err := decode(res, out); err != nil {
		return domain.Unavailable("search log records", err)
	}
	return nil
}

// highlightFragments flattens highlights in text field order.
func highlightFragments(h map[string][]string) []string {
	var out []string
	for _, f := range textFields {
		out = append(out, h[f]...)
	}
	return out
}

// bucketKey renders a bucket key as a string. Histogram keys are epoch
// milliseconds; terms keys are strings or numbers. Empty values and a zero
// http_status yield "".
func bucketKey(raw json.RawMessage, histogram bool) string {
	if len(raw) > 0 && raw[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return ""
		}
		return str
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	i, err := n.Int64()
	switch {
	case err != nil:
		return n.String()
	case histogram:
		return domain.HistogramKey(time.UnixMilli(i))
	case i == 0:
		return ""
	default:
		return strconv.FormatInt(i, 10)
	}
}

// DistinctValues returns the most frequent values of field.
func (s *LogStore) DistinctValues(ctx context.Context, field string, limit int) ([]string, error) {
	buckets, err := s.Aggregate(ctx, field, limit)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(buckets))
	for _, b := range buckets {
		values = append(values, b.Key)
	}
	return values, nil
}

// Aggregate returns terms buckets for field over every record.
func (s *LogStore) Aggregate(ctx context.Context, field string, limit int) ([]domain.Bucket, error) {
	if err := domain.ValidateFacetField(field); err != nil {
		return nil, err
	}
	body := obj{
		"size": 0,
		"aggs": obj{field: termsAggregation(field, limit)},
	}
	var sr searchResponse
	if err := s.search(ctx, body, &sr); err != nil {
		return nil, err
	}

	buckets := make([]domain.Bucket, 0, limit)
	for _, b := range sr.Aggregations[field].Buckets {
		if key := bucketKey(b.Key, false); key != "" {
			buckets = append(buckets, domain.Bucket{Key: key, Count: b.DocCount})
		}
	}
	if len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets, nil
}

// DeleteBefore removes records with a timestamp before cutoff.
func (s *LogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	body, err := encode(obj{"query": olderThan(cutoff)})
	if err != nil {
		return 0, err
	}
	refresh := s.c.Refresh == "true"
	req := esapi.DeleteByQueryRequest{
		Index:     []string{s.c.Index},
		Body:      body,
		Conflicts: "proceed",
		Refresh:   &refresh,
	}
	res, err := req.Do(ctx, s.c.ES)
	if err != nil {
		return 0, domain.Unavailable("delete log records", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, domain.Unavailable("delete log records", responseError(res))
	}

	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := decode(res, &out); err != nil {
		return 0, domain.Unavailable("delete log records", err)
	}
	return out.Deleted, nil
}

// ScanBefore pages through records older than cutoff with search_after.
func (s *LogStore) ScanBefore(ctx context.Context, cutoff time.Time, fn func(*domain.LogRecord) error) error {
	var after []interface{}
	for {
		body := obj{
			"query": olderThan(cutoff),
			"size":  scanBatch,
			"sort":  []interface{}{obj{"timestamp": obj{"order": "asc"}}, obj{"id": obj{"order": "asc"}}},
		}
		if after != nil {
			body["search_after"] = after
		}

		var sr searchResponse
		if err := s.search(ctx, body, &sr); err != nil {
			return err
		}
		for i := range sr.Hits.Hits {
			if err := fn(&sr.Hits.Hits[i].Source); err != nil {
				return err
			}
		}
		if len(sr.Hits.Hits) < scanBatch {
			return nil
		}
		after = sr.Hits.Hits[len(sr.Hits.Hits)-1].Sort
	}
}

// Capabilities reports native full-text, fuzzy, regex and highlight support.
func (s *LogStore) Capabilities() domain.Capabilities {
	return domain.Capabilities{FullText: true, Fuzzy: true, Regex: true, Highlight: true}
}

// Close is a no-op; the HTTP transport needs no teardown.
func (s *LogStore) Close() error {
	return nil
}
