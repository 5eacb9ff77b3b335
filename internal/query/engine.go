// Package query runs structured log searches against the configured log
// store. It validates queries before they reach storage, bounds every call
// by the configured timeout and shapes backend results.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/store"
)

// Engine is the search entry point shared by the API and tests.
type Engine struct {
	store   store.LogStore
	limits  domain.QueryLimits
	timeout time.Duration
	soft    bool
	logger  *slog.Logger

	// facets coalesces identical in-flight facet requests
	facets singleflight.Group
}

// NewEngine creates a query engine over a log store.
func NewEngine(s store.LogStore, cfg *config.QueryConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store: s,
		limits: domain.QueryLimits{
			MaxRange:        cfg.MaxRange(),
			MaxPageSize:     cfg.MaxPageSize,
			DefaultPageSize: cfg.DefaultPageSize,
			BucketCap:       cfg.BucketCap,
		},
		timeout: cfg.Timeout,
		soft:    cfg.SoftTimeoutEnabled(),
		logger:  logger,
	}
}

// Limits returns the bounds queries are validated against.
func (e *Engine) Limits() domain.QueryLimits {
	return e.limits
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Search validates q, runs it under the query timeout and fills the result
// metadata. With soft timeouts enabled an unavailable backend yields an
// empty timed-out result instead of an error.
func (e *Engine) Search(ctx context.Context, q *domain.Query) (*domain.QueryResult, error) {
	start := time.Now()
	defer func() {
		metrics.QueryLatency.WithLabelValues("search").Observe(time.Since(start).Seconds())
	}()

	if err := q.Normalize(e.limits); err != nil {
		metrics.QueriesTotal.WithLabelValues(string(q.Mode), "invalid").Inc()
		return nil, err
	}

	qctx, cancel := e.withTimeout(ctx)
	defer cancel()

	result, err := e.store.Query(qctx, q)
	outcome := "ok"
	if err != nil {
		if !e.soft || !domain.IsKind(err, domain.KindBackendUnavailable) {
			metrics.QueriesTotal.WithLabelValues(string(q.Mode), "error").Inc()
			return nil, err
		}
		e.logger.Warn("log backend unavailable, returning degraded result",
			"error", err,
			"term", q.Term,
		)
		result = &domain.QueryResult{TimedOut: true}
		result.Paginate(q.Page, q.Size)
		outcome = "degraded"
	} else if result.TimedOut {
		outcome = "timed_out"
	}

	caps := e.store.Capabilities()
	result.Capabilities = caps
	if q.Mode == domain.ModeFuzzy && !caps.Fuzzy && !q.MatchAll() {
		result.Approximated = true
	}
	result.Took = time.Since(start)

	metrics.QueriesTotal.WithLabelValues(string(q.Mode), outcome).Inc()
	e.logger.Debug("search completed",
		"term", q.Term,
		"mode", q.Mode,
		"total_hits", result.TotalHits,
		"timed_out", result.TimedOut,
		"took", result.Took,
	)
	return result, nil
}

// DistinctValues returns up to limit values of field, most frequent first.
func (e *Engine) DistinctValues(ctx context.Context, field string, limit int) ([]string, error) {
	start := time.Now()
	defer func() {
		metrics.QueryLatency.WithLabelValues("distinct").Observe(time.Since(start).Seconds())
	}()

	limit, err := e.facetLimit(field, limit)
	if err != nil {
		return nil, err
	}

	v, err := e.coalesce(ctx, fmt.Sprintf("distinct|%s|%d", field, limit), func(ctx context.Context) (interface{}, error) {
		return e.store.DistinctValues(ctx, field, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Aggregate returns up to limit terms buckets of field.
func (e *Engine) Aggregate(ctx context.Context, field string, limit int) ([]domain.Bucket, error) {
	start := time.Now()
	defer func() {
		metrics.QueryLatency.WithLabelValues("aggregate").Observe(time.Since(start).Seconds())
	}()

	limit, err := e.facetLimit(field, limit)
	if err != nil {
		return nil, err
	}

	v, err := e.coalesce(ctx, fmt.Sprintf("aggregate|%s|%d", field, limit), func(ctx context.Context) (interface{}, error) {
		return e.store.Aggregate(ctx, field, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Bucket), nil
}

// facetLimit validates field and caps limit at the bucket cap.
func (e *Engine) facetLimit(field string, limit int) (int, error) {
	if err := domain.ValidateFacetField(field); err != nil {
		return 0, err
	}
	if limit <= 0 || limit > e.limits.BucketCap {
		limit = e.limits.BucketCap
	}
	return limit, nil
}

// coalesce runs fn once per key among concurrent callers. The shared call
// is detached from any single caller's cancellation and bounded by the
// query timeout instead.
func (e *Engine) coalesce(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := e.facets.DoChan(key, func() (interface{}, error) {
		fctx, cancel := e.withTimeout(context.WithoutCancel(ctx))
		defer cancel()
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.FacetRequestsShared.Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, domain.Unavailable("facet request", ctx.Err())
	}
}
