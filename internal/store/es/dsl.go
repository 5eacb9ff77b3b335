package es

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"argus-logs/internal/domain"
)

// obj is a JSON object in the query DSL.
type obj = map[string]interface{}

// textFields are analyzed text fields with a keyword "raw" sub-field.
var textFields = []string{"message", "source", "application", "host", "logger", "thread"}

// rawSuffix names the keyword sub-field of analyzed text fields.
const rawSuffix = ".raw"

// indexMapping is the mapping used when the index is created.
func indexMapping() obj {
	textWithRaw := func() obj {
		return obj{
			"type": "text",
			"fields": obj{
				"raw": obj{"type": "keyword", "ignore_above": 8191},
			},
		}
	}
	keyword := obj{"type": "keyword"}

	props := obj{
		"id":               keyword,
		"timestamp":        obj{"type": "date"},
		"level":            keyword,
		"severity":         obj{"type": "integer"},
		"environment":      keyword,
		"stack_trace":      obj{"type": "text"},
		"metadata":         obj{"type": "flattened"},
		"tags":             obj{"type": "flattened"},
		"http_method":      keyword,
		"http_url":         keyword,
		"http_status":      obj{"type": "integer"},
		"response_time_ms": obj{"type": "long"},
	}
	for _, f := range textFields {
		props[f] = textWithRaw()
	}

	return obj{
		"mappings": obj{
			"dynamic":    "false",
			"properties": props,
		},
	}
}

// keywordField returns the exact-match field for a record field.
func keywordField(field string) string {
	if slices.Contains(textFields, field) {
		return field + rawSuffix
	}
	return field
}

// sortField returns the field used to sort by a record field.
func sortField(field string) string {
	switch field {
	case domain.FieldLevel:
		return "severity"
	case domain.FieldTimestamp, domain.FieldSeverity, domain.FieldHTTPStatus:
		return field
	default:
		return keywordField(field)
	}
}

// maxResultWindow is the default index.max_result_window. The cluster
// rejects a request whose from+size exceeds it.
const maxResultWindow = 10000

// beyondWindow reports whether the page cannot be fetched with from/size.
func beyondWindow(q *domain.Query) bool {
	return q.Offset() > maxResultWindow-q.Size
}

// buildCount returns a request for the total and aggregations only.
func buildCount(q *domain.Query, timeout time.Duration) obj {
	body := obj{
		"query":            buildQuery(q),
		"size":             0,
		"track_total_hits": true,
	}
	if timeout > 0 {
		body["timeout"] = fmt.Sprintf("%dms", timeout.Milliseconds())
	}
	if len(q.Aggregations) > 0 {
		aggs := obj{}
		for _, agg := range q.Aggregations {
			aggs[agg.Field] = buildAggregation(agg)
		}
		body["aggs"] = aggs
	}
	return body
}

// buildSearch translates a normalized query into a search request body.
// The timeout is forwarded to the cluster when positive.
func buildSearch(q *domain.Query, timeout time.Duration) obj {
	body := buildCount(q, timeout)
	body["from"] = q.Offset()
	body["size"] = q.Size
	body["sort"] = buildSort(q.EffectiveSort())
	if !q.MatchAll() {
		fields := obj{}
		for _, f := range textFields {
			fields[f] = obj{}
		}
		body["highlight"] = obj{"fields": fields, "require_field_match": false}
	}
	return body
}

// buildSkip returns a request that walks n hits past after, returning
// only their sort values.
func buildSkip(q *domain.Query, after []interface{}, n int) obj {
	body := obj{
		"query":            buildQuery(q),
		"size":             n,
		"sort":             buildSort(q.EffectiveSort()),
		"_source":          false,
		"track_total_hits": false,
	}
	if after != nil {
		body["search_after"] = after
	}
	return body
}

// buildPageAfter returns the page request that resumes after the sort
// values of the last skipped hit.
func buildPageAfter(q *domain.Query, timeout time.Duration, after []interface{}) obj {
	body := buildSearch(q, timeout)
	delete(body, "from")
	delete(body, "aggs")
	body["track_total_hits"] = false
	if after != nil {
		body["search_after"] = after
	}
	return body
}

// buildQuery returns the bool query: filters in filter context, the term in
// must so it contributes to relevance.
func buildQuery(q *domain.Query) obj {
	var filters []interface{}

	if q.Start != nil || q.End != nil {
		rng := obj{}
		if q.Start != nil {
			rng["gte"] = q.Start.UTC().Format(time.RFC3339Nano)
		}
		if q.End != nil {
			rng["lt"] = q.End.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, obj{"range": obj{"timestamp": rng}})
	}
	if len(q.Levels) > 0 {
		levels := make([]string, len(q.Levels))
		for i, l := range q.Levels {
			levels[i] = string(l)
		}
		filters = append(filters, obj{"terms": obj{"level": levels}})
	}
	filters = appendTerms(filters, keywordField(domain.FieldSource), q.Sources)
	filters = appendTerms(filters, keywordField(domain.FieldHost), q.Hosts)
	filters = appendTerms(filters, keywordField(domain.FieldApplication), q.Applications)
	filters = appendTerms(filters, domain.FieldEnvironment, q.Environments)

	for _, key := range slices.Sorted(maps.Keys(q.Filters)) {
		target, err := domain.ResolveFilterKey(key)
		if err != nil {
			// Normalize rejected invalid keys already
			continue
		}
		var field string
		switch target.Scope {
		case "field":
			field = keywordField(target.Name)
		default:
			field = target.Scope + "." + target.Name
		}
		filters = append(filters, obj{"term": obj{field: q.Filters[key]}})
	}

	b := obj{}
	if len(filters) > 0 {
		b["filter"] = filters
	}
	if !q.MatchAll() {
		b["must"] = []interface{}{termQuery(q)}
	}
	if len(b) == 0 {
		return obj{"match_all": obj{}}
	}
	return obj{"bool": b}
}

func appendTerms(filters []interface{}, field string, values []string) []interface{} {
	if len(values) == 0 {
		return filters
	}
	return append(filters, obj{"terms": obj{field: values}})
}

// termQuery builds the free-text clause for the query mode.
func termQuery(q *domain.Query) obj {
	term := strings.TrimSpace(q.Term)

	switch q.Mode {
	case domain.ModeExact:
		return anyField(func(f string) obj {
			return obj{"term": obj{f + rawSuffix: obj{"value": term, "case_insensitive": !q.CaseSensitive}}}
		})
	case domain.ModeWildcard:
		return anyField(func(f string) obj {
			return obj{"wildcard": obj{f + rawSuffix: obj{"value": term, "case_insensitive": !q.CaseSensitive}}}
		})
	case domain.ModeRegex:
		pattern := luceneRegexp(term)
		return anyField(func(f string) obj {
			return obj{"regexp": obj{f + rawSuffix: obj{"value": pattern, "case_insensitive": !q.CaseSensitive}}}
		})
	case domain.ModeFuzzy:
		return obj{"multi_match": obj{"query": term, "fields": textFieldList(), "fuzziness": "AUTO"}}
	default:
		return obj{"multi_match": obj{"query": term, "fields": textFieldList()}}
	}
}

func textFieldList() []interface{} {
	out := make([]interface{}, len(textFields))
	for i, f := range textFields {
		out[i] = f
	}
	return out
}

// anyField ORs a clause over every text field.
func anyField(clause func(field string) obj) obj {
	should := make([]interface{}, len(textFields))
	for i, f := range textFields {
		should[i] = clause(f)
	}
	return obj{"bool": obj{"should": should, "minimum_should_match": 1}}
}

// luceneRegexp adapts an unanchored pattern to Lucene, whose regular
// expressions always match the whole value and have no ^ or $ anchors.
func luceneRegexp(pattern string) string {
	if p, ok := strings.CutPrefix(pattern, "^"); ok {
		pattern = p
	} else {
		pattern = ".*" + pattern
	}
	if p, ok := strings.CutSuffix(pattern, "$"); ok && !strings.HasSuffix(p, `\`) {
		pattern = p
	} else {
		pattern += ".*"
	}
	return pattern
}

func buildSort(sortBy []domain.SortField) []interface{} {
	out := make([]interface{}, 0, len(sortBy)+1)
	for _, s := range sortBy {
		order := "asc"
		if s.Desc {
			order = "desc"
		}
		out = append(out, obj{sortField(s.Field): obj{"order": order}})
	}
	return append(out, obj{"id": obj{"order": "asc"}})
}

// buildAggregation requests one extra terms bucket so empty values can be
// dropped without coming up short.
func buildAggregation(agg domain.AggregationRequest) obj {
	if agg.Type == domain.BucketDateHistogram {
		secs := int64(agg.Interval / time.Second)
		if secs <= 0 {
			secs = 1
		}
		return obj{"date_histogram": obj{
			"field":          "timestamp",
			"fixed_interval": fmt.Sprintf("%ds", secs),
			"min_doc_count":  1,
			"order":          obj{"_key": "asc"},
		}}
	}
	return termsAggregation(agg.Field, agg.Limit)
}

func termsAggregation(field string, limit int) obj {
	return obj{"terms": obj{
		"field": keywordField(field),
		"size":  limit + 1,
		"order": []interface{}{obj{"_count": "desc"}, obj{"_key": "asc"}},
	}}
}

// olderThan matches records with a timestamp strictly before cutoff.
func olderThan(cutoff time.Time) obj {
	return obj{"range": obj{"timestamp": obj{"lt": cutoff.UTC().Format(time.RFC3339Nano)}}}
}
