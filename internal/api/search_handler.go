package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"argus-logs/internal/domain"
	"argus-logs/internal/query"
	"argus-logs/internal/store"
)

// SearchHandler handles HTTP requests for log search and facets.
type SearchHandler struct {
	engine *query.Engine
	logs   store.LogStore
	logger *slog.Logger
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(engine *query.Engine, logs store.LogStore, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{
		engine: engine,
		logs:   logs,
		logger: logger,
	}
}

// searchRequest is the body of POST /v1/search. Histogram intervals are
// given as duration strings such as "5m".
type searchRequest struct {
	domain.Query
	Aggregations []aggregationRequest `json:"aggregations,omitempty"`
}

type aggregationRequest struct {
	Field    string            `json:"field"`
	Type     domain.BucketType `json:"type"`
	Interval string            `json:"interval,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

func (r *searchRequest) toQuery() (*domain.Query, error) {
	q := r.Query
	q.Aggregations = make([]domain.AggregationRequest, 0, len(r.Aggregations))
	for _, a := range r.Aggregations {
		agg := domain.AggregationRequest{Field: a.Field, Type: a.Type, Limit: a.Limit}
		if a.Interval != "" {
			d, err := time.ParseDuration(a.Interval)
			if err != nil {
				return nil, domain.Validationf(domain.CodeValidationFailed, "invalid interval %q", a.Interval)
			}
			agg.Interval = d
		}
		q.Aggregations = append(q.Aggregations, agg)
	}
	return &q, nil
}

// Search handles POST /v1/search
// Runs a structured query and returns the shaped result.
func (h *SearchHandler) Search(c *fiber.Ctx) error {
	var req searchRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse search body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	q, err := req.toQuery()
	if err != nil {
		return DomainError(c, err)
	}

	result, err := h.engine.Search(c.Context(), q)
	if err != nil {
		if !domain.IsKind(err, domain.KindValidation) {
			h.logger.Error("search failed", "error", err)
		}
		return DomainError(c, err)
	}
	return Success(c, result)
}

// GetLog handles GET /v1/logs/:id
func (h *SearchHandler) GetLog(c *fiber.Ctx) error {
	record, err := h.logs.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, record)
}

// DistinctValues handles GET /v1/fields/:field/values?limit=
func (h *SearchHandler) DistinctValues(c *fiber.Ctx) error {
	values, err := h.engine.DistinctValues(c.Context(), c.Params("field"), c.QueryInt("limit"))
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, values)
}

// Buckets handles GET /v1/fields/:field/buckets?limit=
func (h *SearchHandler) Buckets(c *fiber.Ctx) error {
	buckets, err := h.engine.Aggregate(c.Context(), c.Params("field"), c.QueryInt("limit"))
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, buckets)
}
