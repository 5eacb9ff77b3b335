package domain

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PatternMode controls how the free-text term is matched.
type PatternMode string

const (
	// ModeFullText is substring matching on non-indexed backends and
	// analyzed matching on the full-text backend.
	ModeFullText PatternMode = "full_text"
	// ModeExact requires a textual field to equal the term.
	ModeExact PatternMode = "exact"
	// ModeWildcard matches a whole field value against a * / ? glob.
	ModeWildcard PatternMode = "wildcard"
	// ModeRegex uses the backend's regular expression support.
	ModeRegex PatternMode = "regex"
	// ModeFuzzy is edit-distance tolerant matching (full-text backend only).
	ModeFuzzy PatternMode = "fuzzy"
)

// IsValid returns true if the mode is a known value.
func (m PatternMode) IsValid() bool {
	switch m {
	case ModeFullText, ModeExact, ModeWildcard, ModeRegex, ModeFuzzy:
		return true
	default:
		return false
	}
}

// BucketType is the kind of aggregation requested for a field.
type BucketType string

const (
	// BucketTerms counts records per distinct field value.
	BucketTerms BucketType = "terms"
	// BucketDateHistogram counts records per fixed time interval.
	BucketDateHistogram BucketType = "date_histogram"
)

// Field names understood by filters, sorting and aggregations.
const (
	FieldTimestamp   = "timestamp"
	FieldLevel       = "level"
	FieldSeverity    = "severity"
	FieldMessage     = "message"
	FieldSource      = "source"
	FieldHost        = "host"
	FieldApplication = "application"
	FieldEnvironment = "environment"
	FieldLogger      = "logger"
	FieldThread      = "thread"
	FieldHTTPMethod  = "http_method"
	FieldHTTPURL     = "http_url"
	FieldHTTPStatus  = "http_status"
)

// facetFields can be used with DistinctValues, Aggregate and terms buckets.
var facetFields = map[string]bool{
	FieldLevel:       true,
	FieldSource:      true,
	FieldHost:        true,
	FieldApplication: true,
	FieldEnvironment: true,
	FieldLogger:      true,
	FieldThread:      true,
	FieldHTTPMethod:  true,
	FieldHTTPStatus:  true,
}

var sortFields = map[string]bool{
	FieldTimestamp:   true,
	FieldSeverity:    true,
	FieldLevel:       true,
	FieldSource:      true,
	FieldHost:        true,
	FieldApplication: true,
	FieldEnvironment: true,
	FieldLogger:      true,
	FieldHTTPStatus:  true,
}

// recordFields can be used as custom filter keys without a prefix.
var recordFields = map[string]bool{
	FieldMessage:     true,
	FieldSource:      true,
	FieldHost:        true,
	FieldApplication: true,
	FieldEnvironment: true,
	FieldLogger:      true,
	FieldThread:      true,
	FieldHTTPMethod:  true,
	FieldHTTPURL:     true,
	FieldHTTPStatus:  true,
	FieldLevel:       true,
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,127}$`)

// IsFacetField reports whether field supports distinct values and terms buckets.
func IsFacetField(field string) bool {
	return facetFields[field]
}

// FacetFields returns the facet field names.
func FacetFields() []string {
	out := make([]string, 0, len(facetFields))
	for f := range facetFields {
		out = append(out, f)
	}
	return out
}

// ValidateFacetField returns an INVALID_FIELD error for non-facet fields.
func ValidateFacetField(field string) error {
	if !IsFacetField(field) {
		return Validationf(CodeInvalidField, "field %q does not support aggregation", field)
	}
	return nil
}

// FilterTarget describes where a custom filter key points.
type FilterTarget struct {
	// Scope is "field", "metadata" or "tags".
	Scope string
	// Name is the record field, metadata key or tag key.
	Name string
}

// ResolveFilterKey maps a custom filter key to its target. Known record
// fields are addressed directly, "metadata.x" and "tags.x" address maps, and
// any other valid key is treated as a metadata key.
func ResolveFilterKey(key string) (FilterTarget, error) {
	if !fieldNamePattern.MatchString(key) {
		return FilterTarget{}, Validationf(CodeInvalidField, "invalid filter field %q", key)
	}
	if recordFields[key] {
		return FilterTarget{Scope: "field", Name: key}, nil
	}
	if name, ok := strings.CutPrefix(key, "metadata."); ok && name != "" {
		return FilterTarget{Scope: "metadata", Name: name}, nil
	}
	if name, ok := strings.CutPrefix(key, "tags."); ok && name != "" {
		return FilterTarget{Scope: "tags", Name: name}, nil
	}
	return FilterTarget{Scope: "metadata", Name: key}, nil
}

// SortField is one entry of a sort order.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// AggregationRequest asks for buckets over a field.
type AggregationRequest struct {
	Field string     `json:"field"`
	Type  BucketType `json:"type"`
	// Interval is the bucket width for date histograms.
	Interval time.Duration `json:"interval,omitempty"`
	// Limit caps the bucket count; zero means the configured cap.
	Limit int `json:"limit,omitempty"`
}

// Query is a structured search request.
type Query struct {
	Term          string               `json:"term"`
	Start         *time.Time           `json:"start,omitempty"`
	End           *time.Time           `json:"end,omitempty"`
	Page          int                  `json:"page"`
	Size          int                  `json:"size"`
	Levels        []Level              `json:"levels,omitempty"`
	Sources       []string             `json:"sources,omitempty"`
	Hosts         []string             `json:"hosts,omitempty"`
	Applications  []string             `json:"applications,omitempty"`
	Environments  []string             `json:"environments,omitempty"`
	Filters       map[string]string    `json:"filters,omitempty"`
	Sort          []SortField          `json:"sort,omitempty"`
	Aggregations  []AggregationRequest `json:"aggregations,omitempty"`
	CaseSensitive bool                 `json:"case_sensitive"`
	Mode          PatternMode          `json:"mode,omitempty"`
}

// QueryLimits are the configured bounds a query is validated against.
type QueryLimits struct {
	MaxRange        time.Duration
	MaxPageSize     int
	DefaultPageSize int
	BucketCap       int
}

// MatchAll reports whether the term matches every record.
func (q *Query) MatchAll() bool {
	t := strings.TrimSpace(q.Term)
	return t == "" || t == "*"
}

// Offset returns the zero-based index of the first record of the page.
// It saturates at math.MaxInt, which is past the end of any result set.
func (q *Query) Offset() int {
	if q.Page <= 1 || q.Size <= 0 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.Size {
		return math.MaxInt
	}
	return (q.Page - 1) * q.Size
}

// EffectiveSort returns the sort fields, defaulting to timestamp desc.
func (q *Query) EffectiveSort() []SortField {
	if len(q.Sort) == 0 {
		return []SortField{{Field: FieldTimestamp, Desc: true}}
	}
	return q.Sort
}

// Normalize fills defaults and validates the query against limits.
// It must succeed before a query reaches any backend.
func (q *Query) Normalize(limits QueryLimits) error {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 0 {
		return Validationf(CodeInvalidPage, "page must be >= 1, got %d", q.Page)
	}
	if q.Size == 0 {
		q.Size = limits.DefaultPageSize
	}
	if q.Size < 1 || (limits.MaxPageSize > 0 && q.Size > limits.MaxPageSize) {
		return Validationf(CodePageSizeOutOfRange, "size must be between 1 and %d, got %d", limits.MaxPageSize, q.Size)
	}

	if q.Start != nil && q.End != nil {
		if !q.Start.Before(*q.End) {
			return Validationf(CodeInvalidTimeRange, "start must be before end")
		}
		if limits.MaxRange > 0 && q.End.Sub(*q.Start) > limits.MaxRange {
			return Validationf(CodeTimeRangeTooWide, "time range exceeds maximum of %s", limits.MaxRange)
		}
	}

	if q.Mode == "" {
		q.Mode = ModeFullText
	}
	if !q.Mode.IsValid() {
		return Validationf(CodeValidationFailed, "unknown pattern mode %q", q.Mode)
	}
	if q.Mode == ModeRegex && !q.MatchAll() {
		if _, err := regexp.Compile(q.Term); err != nil {
			return &Error{Kind: KindValidation, Code: CodeInvalidPattern, Message: "invalid regular expression", Err: err}
		}
	}

	for i, lvl := range q.Levels {
		parsed, err := ParseLevel(string(lvl))
		if err != nil {
			return err
		}
		q.Levels[i] = parsed
	}

	for key := range q.Filters {
		if _, err := ResolveFilterKey(key); err != nil {
			return err
		}
	}

	for _, s := range q.Sort {
		if !sortFields[s.Field] {
			return Validationf(CodeInvalidField, "field %q is not sortable", s.Field)
		}
	}

	for i := range q.Aggregations {
		agg := &q.Aggregations[i]
		switch agg.Type {
		case "", BucketTerms:
			agg.Type = BucketTerms
			if err := ValidateFacetField(agg.Field); err != nil {
				return err
			}
		case BucketDateHistogram:
			if agg.Field != FieldTimestamp {
				return Validationf(CodeInvalidField, "date_histogram requires field %q", FieldTimestamp)
			}
			if agg.Interval <= 0 {
				return Validationf(CodeValidationFailed, "date_histogram requires a positive interval")
			}
		default:
			return Validationf(CodeValidationFailed, "unknown bucket type %q", agg.Type)
		}
		if agg.Limit <= 0 || (limits.BucketCap > 0 && agg.Limit > limits.BucketCap) {
			agg.Limit = limits.BucketCap
		}
	}

	return nil
}

// Bucket is one aggregation bucket.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// SortTermBuckets orders terms buckets by count desc then key asc and
// truncates them to limit when limit > 0.
func SortTermBuckets(buckets []Bucket, limit int) []Bucket {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
	if limit > 0 && len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets
}

// HistogramBucketStart aligns ts to the start of its interval, counted from
// the Unix epoch in UTC.
func HistogramBucketStart(ts time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		secs = 1
	}
	unix := ts.Unix()
	start := unix - ((unix%secs)+secs)%secs
	return time.Unix(start, 0).UTC()
}

// HistogramKey formats a bucket start as its key.
func HistogramKey(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}

// FieldValue returns the string form of a record field, or "" when the
// field is unknown or unset.
func FieldValue(r *LogRecord, field string) string {
	switch field {
	case FieldLevel:
		return string(r.Level)
	case FieldMessage:
		return r.Message
	case FieldSource:
		return r.Source
	case FieldHost:
		return r.Host
	case FieldApplication:
		return r.Application
	case FieldEnvironment:
		return r.Environment
	case FieldLogger:
		return r.Logger
	case FieldThread:
		return r.Thread
	case FieldHTTPMethod:
		return r.HTTPMethod
	case FieldHTTPURL:
		return r.HTTPURL
	case FieldHTTPStatus:
		if r.HTTPStatus == 0 {
			return ""
		}
		return strconv.Itoa(r.HTTPStatus)
	default:
		return ""
	}
}

// Capabilities describes what a storage backend supports natively.
type Capabilities struct {
	FullText  bool `json:"full_text"`
	Fuzzy     bool `json:"fuzzy"`
	Regex     bool `json:"regex"`
	Highlight bool `json:"highlight"`
}

// QueryResult is the shaped result of a search.
type QueryResult struct {
	Records         []*LogRecord        `json:"records"`
	TotalHits       int64               `json:"total_hits"`
	Page            int                 `json:"page"`
	Size            int                 `json:"size"`
	TotalPages      int                 `json:"total_pages"`
	HasNextPage     bool                `json:"has_next_page"`
	HasPreviousPage bool                `json:"has_previous_page"`
	Took            time.Duration       `json:"took"`
	TimedOut        bool                `json:"timed_out"`
	Aggregations    map[string][]Bucket `json:"aggregations,omitempty"`
	Highlights      map[string][]string `json:"highlights,omitempty"`
	Capabilities    Capabilities        `json:"capabilities"`
	// Approximated is set when the requested mode was served by a fallback.
	Approximated bool `json:"approximated"`
}

// Paginate fills the paging metadata from TotalHits, Page and Size.
func (r *QueryResult) Paginate(page, size int) {
	r.Page = page
	r.Size = size
	r.TotalPages = 0
	if size > 0 && r.TotalHits > 0 {
		r.TotalPages = int((r.TotalHits + int64(size) - 1) / int64(size))
	}
	r.HasNextPage = r.Page < r.TotalPages
	r.HasPreviousPage = r.Page > 1
	if r.Records == nil {
		r.Records = []*LogRecord{}
	}
}
