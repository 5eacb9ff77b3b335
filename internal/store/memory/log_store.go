package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"argus-logs/internal/domain"
)

// ctxCheckEvery is how many records are scanned between context checks.
const ctxCheckEvery = 256

// LogStore is an in-memory implementation of store.LogStore.
// Records are kept in insertion order and scanned linearly on query.
type LogStore struct {
	mu sync.RWMutex

	// records stores every record by ID
	records map[string]*domain.LogRecord

	// order keeps insertion order for stable scans
	order []*domain.LogRecord
}

// NewLogStore creates a new in-memory log store.
func NewLogStore() *LogStore {
	return &LogStore{
		records: make(map[string]*domain.LogRecord),
	}
}

// Put stores a record, assigning an id when absent.
func (s *LogStore) Put(ctx context.Context, record *domain.LogRecord) (*domain.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putLocked(record)
}

// PutBatch stores several records under one lock. Either every record is
// stored or none is.
func (s *LogStore) PutBatch(ctx context.Context, records []*domain.LogRecord) ([]*domain.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]*domain.LogRecord, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		c := withID(r)
		if _, exists := s.records[c.ID]; exists {
			return nil, domain.ErrLogIDConflict
		}
		if _, dup := seen[c.ID]; dup {
			return nil, domain.ErrLogIDConflict
		}
		seen[c.ID] = struct{}{}
		batch = append(batch, c)
	}

	stored := make([]*domain.LogRecord, 0, len(batch))
	for _, c := range batch {
		stored = append(stored, s.insertLocked(c))
	}
	return stored, nil
}

func (s *LogStore) putLocked(record *domain.LogRecord) (*domain.LogRecord, error) {
	c := withID(record)
	if _, exists := s.records[c.ID]; exists {
		return nil, domain.ErrLogIDConflict
	}
	return s.insertLocked(c), nil
}

// withID returns a copy of record with an id assigned.
func withID(record *domain.LogRecord) *domain.LogRecord {
	// Store a copy to prevent external modification
	c := record.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return c
}

func (s *LogStore) insertLocked(c *domain.LogRecord) *domain.LogRecord {
	s.records[c.ID] = c
	s.order = append(s.order, c)
	return c.Clone()
}

// GetByID retrieves a record by its ID.
func (s *LogStore) GetByID(ctx context.Context, id string) (*domain.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.records[id]
	if !exists {
		return nil, domain.ErrLogNotFound
	}
	return r.Clone(), nil
}

// snapshot returns the current records. Stored records are never mutated,
// so the slice can be scanned without holding the lock.
func (s *LogStore) snapshot() []*domain.LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.order)
}

// Query scans every record. When ctx is done mid-scan the result is marked
// timed out and reflects the records matched so far.
func (s *LogStore) Query(ctx context.Context, q *domain.Query) (*domain.QueryResult, error) {
	m, err := newMatcher(q)
	if err != nil {
		return nil, err
	}

	result := &domain.QueryResult{}
	var matched []*domain.LogRecord
	for i, r := range s.snapshot() {
		if i%ctxCheckEvery == 0 && ctx.Err() != nil {
			result.TimedOut = true
			break
		}
		if m.match(r) {
			matched = append(matched, r)
		}
	}

	sortBy := q.EffectiveSort()
	slices.SortFunc(matched, func(a, b *domain.LogRecord) int {
		return compareRecords(a, b, sortBy)
	})

	result.TotalHits = int64(len(matched))
	if offset := q.Offset(); offset >= 0 && offset < len(matched) {
		end := min(offset+q.Size, len(matched))
		result.Records = make([]*domain.LogRecord, 0, end-offset)
		for _, r := range matched[offset:end] {
			result.Records = append(result.Records, r.Clone())
		}
	}

	if len(q.Aggregations) > 0 {
		result.Aggregations = make(map[string][]domain.Bucket, len(q.Aggregations))
		for _, agg := range q.Aggregations {
			result.Aggregations[agg.Field] = aggregate(matched, agg)
		}
	}

	result.Paginate(q.Page, q.Size)
	return result, nil
}

func aggregate(records []*domain.LogRecord, agg domain.AggregationRequest) []domain.Bucket {
	if agg.Type == domain.BucketDateHistogram {
		return histogram(records, agg.Interval, agg.Limit)
	}
	return termBuckets(records, agg.Field, agg.Limit)
}

func termBuckets(records []*domain.LogRecord, field string, limit int) []domain.Bucket {
	counts := make(map[string]int64)
	for _, r := range records {
		if v := domain.FieldValue(r, field); v != "" {
			counts[v]++
		}
	}
	buckets := make([]domain.Bucket, 0, len(counts))
	for k, c := range counts {
		buckets = append(buckets, domain.Bucket{Key: k, Count: c})
	}
	return domain.SortTermBuckets(buckets, limit)
}

func histogram(records []*domain.LogRecord, interval time.Duration, limit int) []domain.Bucket {
	counts := make(map[time.Time]int64)
	for _, r := range records {
		counts[domain.HistogramBucketStart(r.Timestamp, interval)]++
	}
	starts := make([]time.Time, 0, len(counts))
	for t := range counts {
		starts = append(starts, t)
	}
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	if limit > 0 && len(starts) > limit {
		starts = starts[:limit]
	}
	buckets := make([]domain.Bucket, 0, len(starts))
	for _, t := range starts {
		buckets = append(buckets, domain.Bucket{Key: domain.HistogramKey(t), Count: counts[t]})
	}
	return buckets
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
	records := s.snapshot()
	if err := ctx.Err(); err != nil {
		return nil, domain.Unavailable("aggregate logs", err)
	}
	return termBuckets(records, field, limit), nil
}

// DeleteBefore removes records with a timestamp before cutoff.
func (s *LogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	var deleted int64
	for _, r := range s.order {
		if r.Timestamp.Before(cutoff) {
			delete(s.records, r.ID)
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	// Clear the tail so dropped records can be collected
	clear(s.order[len(kept):])
	s.order = kept
	return deleted, nil
}

// ScanBefore calls fn for every record with a timestamp before cutoff.
func (s *LogStore) ScanBefore(ctx context.Context, cutoff time.Time, fn func(*domain.LogRecord) error) error {
	for _, r := range s.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Timestamp.Before(cutoff) {
			if err := fn(r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Capabilities reports substring and regex matching only.
func (s *LogStore) Capabilities() domain.Capabilities {
	return domain.Capabilities{Regex: true}
}

// Close is a no-op for the in-memory store.
func (s *LogStore) Close() error {
	return nil
}

// Len returns the number of stored records.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}
