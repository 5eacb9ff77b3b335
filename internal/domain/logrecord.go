// Package domain contains the core entities of Argus Logs: log records,
// search queries and results, and alerts with their lifecycle.
package domain

import (
	"strings"
	"time"
)

// Level is the log level of a record.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Levels lists every valid level in ascending severity order.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}

// ParseLevel converts a case-insensitive level name into a Level.
// WARNING and CRITICAL are accepted as aliases of WARN and FATAL.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL", "CRITICAL":
		return LevelFatal, nil
	default:
		return "", Validationf(CodeInvalidLevel, "unknown log level %q", s)
	}
}

// IsValid returns true if the level is a known value.
func (l Level) IsValid() bool {
	return l.Severity() >= 0
}

// Severity returns the numeric severity of the level (TRACE=0 .. FATAL=5),
// or -1 for an unknown level.
func (l Level) Severity() int {
	for i, lvl := range Levels {
		if lvl == l {
			return i
		}
	}
	return -1
}

// LogRecord is a single immutable log event.
type LogRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Level       Level     `json:"level"`
	Message     string    `json:"message"`
	Source      string    `json:"source"`
	Host        string    `json:"host"`
	Application string    `json:"application"`
	Environment string    `json:"environment"`
	Logger      string    `json:"logger"`
	Thread      string    `json:"thread"`
	StackTrace  string    `json:"stack_trace,omitempty"`

	// Severity is derived from Level on ingestion.
	Severity int `json:"severity"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`

	HTTPMethod     string `json:"http_method,omitempty"`
	HTTPURL        string `json:"http_url,omitempty"`
	HTTPStatus     int    `json:"http_status,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
}

// TimestampPrecision is the resolution every backend stores and filters
// timestamps at.
const TimestampPrecision = time.Millisecond

// Normalize prepares a record for storage: it canonicalizes the level,
// derives the severity and fills a zero timestamp with now. The timestamp
// is truncated to TimestampPrecision so it reads back unchanged.
func (r *LogRecord) Normalize(now time.Time) error {
	lvl, err := ParseLevel(string(r.Level))
	if err != nil {
		return err
	}
	r.Level = lvl
	r.Severity = lvl.Severity()
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(TimestampPrecision)
	return nil
}

// Clone returns a deep copy of the record.
func (r *LogRecord) Clone() *LogRecord {
	c := *r
	c.Metadata = cloneMap(r.Metadata)
	c.Tags = cloneMap(r.Tags)
	return &c
}

// TextFields returns the fields searched by free-text matching,
// in a fixed order: message, source, application, host, logger, thread.
func (r *LogRecord) TextFields() []string {
	return []string{r.Message, r.Source, r.Application, r.Host, r.Logger, r.Thread}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
