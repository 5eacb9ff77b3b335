package memory

import (
	"regexp"
	"strings"

	"argus-logs/internal/domain"
)

// matcher evaluates a normalized query against a single record.
type matcher struct {
	q       *domain.Query
	term    string
	pattern *regexp.Regexp
	filters map[domain.FilterTarget]string
}

func newMatcher(q *domain.Query) (*matcher, error) {
	m := &matcher{q: q, filters: make(map[domain.FilterTarget]string, len(q.Filters))}

	for key, value := range q.Filters {
		target, err := domain.ResolveFilterKey(key)
		if err != nil {
			return nil, err
		}
		m.filters[target] = value
	}

	if q.MatchAll() {
		return m, nil
	}

	m.term = strings.TrimSpace(q.Term)
	switch q.Mode {
	case domain.ModeWildcard:
		re, err := regexp.Compile(flags(q.CaseSensitive) + globToRegexp(m.term))
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeInvalidPattern, Message: "invalid wildcard pattern", Err: err}
		}
		m.pattern = re
	case domain.ModeRegex:
		re, err := regexp.Compile(flags(q.CaseSensitive) + m.term)
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeInvalidPattern, Message: "invalid regular expression", Err: err}
		}
		m.pattern = re
	default:
		if !q.CaseSensitive {
			m.term = strings.ToLower(m.term)
		}
	}
	return m, nil
}

func flags(caseSensitive bool) string {
	if caseSensitive {
		return ""
	}
	return "(?i)"
}

// globToRegexp converts a * / ? glob into an anchored regular expression.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func (m *matcher) match(r *domain.LogRecord) bool {
	q := m.q
	if q.Start != nil && r.Timestamp.Before(*q.Start) {
		return false
	}
	if q.End != nil && !r.Timestamp.Before(*q.End) {
		return false
	}
	if len(q.Levels) > 0 && !containsLevel(q.Levels, r.Level) {
		return false
	}
	if !inSet(q.Sources, r.Source) || !inSet(q.Hosts, r.Host) ||
		!inSet(q.Applications, r.Application) || !inSet(q.Environments, r.Environment) {
		return false
	}
	for target, want := range m.filters {
		if filterValue(r, target) != want {
			return false
		}
	}
	return m.matchTerm(r)
}

func (m *matcher) matchTerm(r *domain.LogRecord) bool {
	if m.term == "" {
		return true
	}
	for _, field := range r.TextFields() {
		switch m.q.Mode {
		case domain.ModeExact:
			if m.q.CaseSensitive && field == m.term {
				return true
			}
			if !m.q.CaseSensitive && strings.EqualFold(field, m.term) {
				return true
			}
		case domain.ModeWildcard, domain.ModeRegex:
			if m.pattern.MatchString(field) {
				return true
			}
		default:
			// full_text, and fuzzy served by substring
			if !m.q.CaseSensitive {
				field = strings.ToLower(field)
			}
			if strings.Contains(field, m.term) {
				return true
			}
		}
	}
	return false
}

func filterValue(r *domain.LogRecord, target domain.FilterTarget) string {
	switch target.Scope {
	case "field":
		return domain.FieldValue(r, target.Name)
	case "tags":
		return r.Tags[target.Name]
	default:
		return r.Metadata[target.Name]
	}
}

func containsLevel(levels []domain.Level, l domain.Level) bool {
	for _, lvl := range levels {
		if lvl == l {
			return true
		}
	}
	return false
}

func inSet(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// compareRecords orders two records by the sort fields, then by id.
func compareRecords(a, b *domain.LogRecord, sortBy []domain.SortField) int {
	for _, s := range sortBy {
		c := compareField(a, b, s.Field)
		if c == 0 {
			continue
		}
		if s.Desc {
			return -c
		}
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func compareField(a, b *domain.LogRecord, field string) int {
	switch field {
	case domain.FieldTimestamp:
		return a.Timestamp.Compare(b.Timestamp)
	case domain.FieldSeverity, domain.FieldLevel:
		return compareInt(a.Severity, b.Severity)
	case domain.FieldHTTPStatus:
		return compareInt(a.HTTPStatus, b.HTTPStatus)
	default:
		return strings.Compare(domain.FieldValue(a, field), domain.FieldValue(b, field))
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
