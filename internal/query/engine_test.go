package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/store/memory"
)

// spyStore records calls and returns canned results.
type spyStore struct {
	*memory.LogStore

	queries atomic.Int32
	facets  atomic.Int32
	caps    domain.Capabilities
	err     error

	// release blocks Aggregate until closed when set
	release chan struct{}
}

func (s *spyStore) Query(ctx context.Context, q *domain.Query) (*domain.QueryResult, error) {
	s.queries.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.LogStore.Query(ctx, q)
}

func (s *spyStore) Aggregate(ctx context.Context, field string, limit int) ([]domain.Bucket, error) {
	s.facets.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.LogStore.Aggregate(ctx, field, limit)
}

func (s *spyStore) Capabilities() domain.Capabilities {
	return s.caps
}

func testConfig() *config.QueryConfig {
	return &config.QueryConfig{
		MaxRangeDays:    31,
		MaxPageSize:     1000,
		DefaultPageSize: 50,
		BucketCap:       100,
		Timeout:         time.Second,
	}
}

func newTestEngine(s *spyStore, cfg *config.QueryConfig) *Engine {
	return NewEngine(s, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seed(t *testing.T, s *memory.LogStore, levels ...domain.Level) {
	t.Helper()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, lvl := range levels {
		r := &domain.LogRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     lvl,
			Message:   "request handled",
			Source:    "api",
		}
		if err := r.Normalize(base); err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if _, err := s.Put(context.Background(), r); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
}

func TestSearch_RejectsInvertedRangeBeforeStorage(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore()}
	e := newTestEngine(spy, testConfig())

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err := e.Search(context.Background(), &domain.Query{Start: &start, End: &end})

	if !errors.Is(err, domain.Validationf(domain.CodeInvalidTimeRange, "")) {
		t.Errorf("Search() error = %v, want %s", err, domain.CodeInvalidTimeRange)
	}
	if n := spy.queries.Load(); n != 0 {
		t.Errorf("store queried %d times, want 0", n)
	}
}

func TestSearch_PageSizeBounds(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore()}
	e := newTestEngine(spy, testConfig())

	tests := []struct {
		name string
		page int
		size int
		code domain.Code
	}{
		{name: "negative page", page: -1, size: 10, code: domain.CodeInvalidPage},
		{name: "size above max", page: 1, size: 1001, code: domain.CodePageSizeOutOfRange},
		{name: "negative size", page: 1, size: -5, code: domain.CodePageSizeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), &domain.Query{Page: tt.page, Size: tt.size})
			if got := domain.CodeOf(err); got != tt.code {
				t.Errorf("CodeOf() = %v, want %v", got, tt.code)
			}
		})
	}
	if n := spy.queries.Load(); n != 0 {
		t.Errorf("store queried %d times, want 0", n)
	}
}

func TestSearch_LevelFilterAndPaging(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore(), caps: domain.Capabilities{Regex: true}}
	seed(t, spy.LogStore,
		domain.LevelError, domain.LevelError, domain.LevelError,
		domain.LevelWarn, domain.LevelWarn,
		domain.LevelInfo, domain.LevelInfo, domain.LevelInfo, domain.LevelInfo, domain.LevelInfo,
	)
	e := newTestEngine(spy, testConfig())

	got, err := e.Search(context.Background(), &domain.Query{
		Levels: []domain.Level{domain.LevelError, domain.LevelWarn},
		Size:   3,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if got.TotalHits != 5 {
		t.Errorf("TotalHits = %d, want 5", got.TotalHits)
	}
	if len(got.Records) != 3 {
		t.Errorf("len(Records) = %d, want 3", len(got.Records))
	}
	if got.TotalPages != 2 {
		t.Errorf("TotalPages = %d, want 2", got.TotalPages)
	}
	if !got.HasNextPage || got.HasPreviousPage {
		t.Errorf("HasNextPage = %v, HasPreviousPage = %v, want true, false", got.HasNextPage, got.HasPreviousPage)
	}
	if got.Capabilities != spy.caps {
		t.Errorf("Capabilities = %+v, want %+v", got.Capabilities, spy.caps)
	}
}

func TestSearch_HugePageIsEmpty(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore()}
	seed(t, spy.LogStore, domain.LevelError, domain.LevelInfo, domain.LevelWarn)
	e := newTestEngine(spy, testConfig())

	got, err := e.Search(context.Background(), &domain.Query{Page: math.MaxInt64 / 2, Size: 4})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if got.TotalHits != 3 {
		t.Errorf("TotalHits = %d, want 3", got.TotalHits)
	}
	if len(got.Records) != 0 {
		t.Errorf("len(Records) = %d, want 0", len(got.Records))
	}
	if got.HasNextPage || !got.HasPreviousPage {
		t.Errorf("HasNextPage = %v, HasPreviousPage = %v, want false, true", got.HasNextPage, got.HasPreviousPage)
	}
}

func TestSearch_FuzzyApproximated(t *testing.T) {
	tests := []struct {
		name string
		caps domain.Capabilities
		term string
		want bool
	}{
		{name: "fallback backend", caps: domain.Capabilities{Regex: true}, term: "timout", want: true},
		{name: "native fuzzy", caps: domain.Capabilities{Fuzzy: true}, term: "timout", want: false},
		{name: "match all", caps: domain.Capabilities{}, term: "*", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spyStore{LogStore: memory.NewLogStore(), caps: tt.caps}
			e := newTestEngine(spy, testConfig())

			got, err := e.Search(context.Background(), &domain.Query{Term: tt.term, Mode: domain.ModeFuzzy})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if got.Approximated != tt.want {
				t.Errorf("Approximated = %v, want %v", got.Approximated, tt.want)
			}
		})
	}
}

func TestSearch_SoftTimeoutDegrades(t *testing.T) {
	spy := &spyStore{
		LogStore: memory.NewLogStore(),
		err:      domain.Unavailable("query log records", errors.New("connection refused")),
	}
	e := newTestEngine(spy, testConfig())

	got, err := e.Search(context.Background(), &domain.Query{Page: 2, Size: 10})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !got.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if got.TotalHits != 0 || len(got.Records) != 0 {
		t.Errorf("TotalHits = %d, len(Records) = %d, want empty", got.TotalHits, len(got.Records))
	}
	if got.Page != 2 || got.Size != 10 {
		t.Errorf("Page = %d, Size = %d, want 2, 10", got.Page, got.Size)
	}
}

func TestSearch_HardFailurePropagates(t *testing.T) {
	off := false
	cfg := testConfig()
	cfg.SoftTimeout = &off
	spy := &spyStore{
		LogStore: memory.NewLogStore(),
		err:      domain.Unavailable("query log records", errors.New("connection refused")),
	}
	e := newTestEngine(spy, cfg)

	_, err := e.Search(context.Background(), &domain.Query{})
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("Search() error = %v, want %v", err, domain.ErrBackendUnavailable)
	}
}

func TestSearch_ValidationErrorsAreNotDegraded(t *testing.T) {
	spy := &spyStore{
		LogStore: memory.NewLogStore(),
		err:      domain.Validationf(domain.CodeInvalidField, "unknown field"),
	}
	e := newTestEngine(spy, testConfig())

	_, err := e.Search(context.Background(), &domain.Query{})
	if got := domain.CodeOf(err); got != domain.CodeInvalidField {
		t.Errorf("CodeOf() = %v, want %v", got, domain.CodeInvalidField)
	}
}

func TestFacets_ValidateAndCap(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore()}
	seed(t, spy.LogStore, domain.LevelError, domain.LevelError, domain.LevelInfo)
	cfg := testConfig()
	cfg.BucketCap = 1
	e := newTestEngine(spy, cfg)

	if _, err := e.DistinctValues(context.Background(), "message", 10); domain.CodeOf(err) != domain.CodeInvalidField {
		t.Errorf("DistinctValues(message) error = %v, want %s", err, domain.CodeInvalidField)
	}

	values, err := e.DistinctValues(context.Background(), domain.FieldLevel, 10)
	if err != nil {
		t.Fatalf("DistinctValues() error = %v", err)
	}
	if len(values) != 1 || values[0] != string(domain.LevelError) {
		t.Errorf("DistinctValues() = %v, want [ERROR]", values)
	}
}

func TestAggregate_CoalescesConcurrentCalls(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore(), release: make(chan struct{})}
	seed(t, spy.LogStore, domain.LevelError, domain.LevelInfo)
	e := newTestEngine(spy, testConfig())

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]domain.Bucket, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buckets, err := e.Aggregate(context.Background(), domain.FieldLevel, 10)
			if err != nil {
				t.Errorf("Aggregate() error = %v", err)
			}
			results[i] = buckets
		}(i)
	}

	// Let every caller join the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(spy.release)
	wg.Wait()

	if n := spy.facets.Load(); n != 1 {
		t.Errorf("store Aggregate called %d times, want 1", n)
	}
	for i, buckets := range results {
		if len(buckets) != 2 {
			t.Errorf("results[%d] = %v, want 2 buckets", i, buckets)
		}
	}
}

func TestAggregate_CallerCancellation(t *testing.T) {
	spy := &spyStore{LogStore: memory.NewLogStore(), release: make(chan struct{})}
	defer close(spy.release)
	e := newTestEngine(spy, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Aggregate(ctx, domain.FieldSource, 10)
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("Aggregate() error = %v, want %v", err, domain.ErrBackendUnavailable)
	}
}
