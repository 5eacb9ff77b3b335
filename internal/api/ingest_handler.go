package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fastjson"

	"argus-logs/internal/domain"
	"argus-logs/internal/ingest"
)

// maxBatchSize bounds the records accepted by one ingest request.
const maxBatchSize = 10000

// IngestHandler handles HTTP requests for log and trigger ingestion.
type IngestHandler struct {
	service *ingest.Service
	parsers fastjson.ParserPool
	logger  *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(service *ingest.Service, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		service: service,
		logger:  logger,
	}
}

// IngestLogs handles POST /v1/logs
// Accepts a single record object or an array of records and stores them.
func (h *IngestHandler) IngestLogs(c *fiber.Ctx) error {
	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(c.Body())
	if err != nil {
		h.logger.Debug("failed to parse log body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	var values []*fastjson.Value
	switch v.Type() {
	case fastjson.TypeArray:
		values, _ = v.Array()
	case fastjson.TypeObject:
		values = []*fastjson.Value{v}
	default:
		return BadRequest(c, "body must be a log record or an array of log records")
	}
	if len(values) > maxBatchSize {
		return DomainError(c, domain.Validationf(domain.CodeValidationFailed, "batch exceeds %d records", maxBatchSize))
	}

	records := make([]*domain.LogRecord, 0, len(values))
	for i, val := range values {
		r, err := parseRecord(val)
		if err != nil {
			return DomainError(c, domain.Validationf(domain.CodeValidationFailed, "record %d: %v", i, err))
		}
		records = append(records, r)
	}

	stored, err := h.service.IngestLogs(c.Context(), records)
	if err != nil {
		return DomainError(c, err)
	}

	ids := make([]string, len(stored))
	for i, r := range stored {
		ids[i] = r.ID
	}
	return Created(c, map[string]interface{}{
		"count": len(ids),
		"ids":   ids,
	})
}

// parseRecord reads a log record from a JSON object. The timestamp may be
// an RFC3339 string or epoch milliseconds.
func parseRecord(v *fastjson.Value) (*domain.LogRecord, error) {
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("expected an object")
	}

	ts, err := parseTimestamp(v.Get("timestamp"))
	if err != nil {
		return nil, err
	}

	r := &domain.LogRecord{
		ID:          str(v, "id"),
		Timestamp:   ts,
		Level:       domain.Level(str(v, "level")),
		Message:     str(v, "message"),
		Source:      str(v, "source"),
		Host:        str(v, "host"),
		Application: str(v, "application"),
		Environment: str(v, "environment"),
		Logger:      str(v, "logger"),
		Thread:      str(v, "thread"),
		StackTrace:  str(v, "stack_trace"),
		HTTPMethod:  str(v, "http_method"),
		HTTPURL:     str(v, "http_url"),
		HTTPStatus:  v.GetInt("http_status"),
	}
	if r.Message == "" {
		r.Message = str(v, "msg")
	}
	r.ResponseTimeMs = v.GetInt64("response_time_ms")
	if r.Metadata, err = stringMap(v.Get("metadata")); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if r.Tags, err = stringMap(v.Get("tags")); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	return r, nil
}

func str(v *fastjson.Value, key string) string {
	return string(v.GetStringBytes(key))
}

func parseTimestamp(v *fastjson.Value) (time.Time, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return time.Time{}, nil
	}
	switch v.Type() {
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		t, err := time.Parse(time.RFC3339Nano, string(b))
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp must be RFC3339: %w", err)
		}
		return t, nil
	case fastjson.TypeNumber:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp must be epoch milliseconds: %w", err)
		}
		return time.UnixMilli(ms), nil
	default:
		return time.Time{}, fmt.Errorf("timestamp must be a string or a number")
	}
}

// stringMap reads an object of scalars. Non-string values keep their JSON text.
func stringMap(v *fastjson.Value) (map[string]string, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil, nil
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("expected an object")
	}
	if obj.Len() == 0 {
		return nil, nil
	}

	m := make(map[string]string, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if val.Type() == fastjson.TypeString {
			b, _ := val.StringBytes()
			m[string(key)] = string(b)
			return
		}
		m[string(key)] = val.String()
	})
	return m, nil
}

// PublishTrigger handles POST /v1/triggers
// Validates a trigger and publishes it to the trigger queue.
// Returns 202 Accepted immediately - processing happens asynchronously.
func (h *IngestHandler) PublishTrigger(c *fiber.Ctx) error {
	var req domain.TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse trigger body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	if err := h.service.PublishTrigger(c.Context(), &req); err != nil {
		return DomainError(c, err)
	}

	h.logger.Debug("trigger accepted", "rule_id", req.RuleID, "source", req.Source)

	// Return 202 Accepted - trigger will be processed asynchronously
	return Accepted(c, map[string]string{
		"status":  "accepted",
		"rule_id": req.RuleID,
		"source":  req.Source,
	})
}
