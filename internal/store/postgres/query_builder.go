package postgres

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"argus-logs/internal/domain"
)

// textColumns are searched by free-text matching.
var textColumns = []string{"message", "source", "application", "host", "logger", "thread"}

// fieldColumns maps record field names to column expressions.
var fieldColumns = map[string]string{
	domain.FieldLevel:       "level",
	domain.FieldMessage:     "message",
	domain.FieldSource:      "source",
	domain.FieldHost:        "host",
	domain.FieldApplication: "application",
	domain.FieldEnvironment: "environment",
	domain.FieldLogger:      "logger",
	domain.FieldThread:      "thread",
	domain.FieldHTTPMethod:  "http_method",
	domain.FieldHTTPURL:     "http_url",
	domain.FieldHTTPStatus:  "http_status",
}

// whereBuilder accumulates SQL conditions and their positional arguments.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

// arg appends a value and returns its placeholder.
func (b *whereBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *whereBuilder) add(cond string) {
	b.conds = append(b.conds, cond)
}

// sql returns the WHERE clause, or an empty string when there are no conditions.
func (b *whereBuilder) sql() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// buildWhere translates a normalized query into conditions.
func buildWhere(q *domain.Query) (*whereBuilder, error) {
	b := &whereBuilder{}

	if q.Start != nil {
		b.add("ts >= " + b.arg(*q.Start))
	}
	if q.End != nil {
		b.add("ts < " + b.arg(*q.End))
	}
	if len(q.Levels) > 0 {
		levels := make([]string, len(q.Levels))
		for i, l := range q.Levels {
			levels[i] = string(l)
		}
		b.add("level = ANY(" + b.arg(levels) + ")")
	}
	inSet(b, "source", q.Sources)
	inSet(b, "host", q.Hosts)
	inSet(b, "application", q.Applications)
	inSet(b, "environment", q.Environments)

	for _, key := range slices.Sorted(maps.Keys(q.Filters)) {
		target, err := domain.ResolveFilterKey(key)
		if err != nil {
			return nil, err
		}
		value := q.Filters[key]
		switch target.Scope {
		case "field":
			col := fieldColumns[target.Name]
			if target.Name == domain.FieldHTTPStatus {
				col = "http_status::text"
			}
			b.add(col + " = " + b.arg(value))
		case "tags":
			b.add("tags->>" + b.arg(target.Name) + " = " + b.arg(value))
		default:
			b.add("metadata->>" + b.arg(target.Name) + " = " + b.arg(value))
		}
	}

	if !q.MatchAll() {
		b.add(termCondition(b, q))
	}
	return b, nil
}

func inSet(b *whereBuilder, col string, values []string) {
	if len(values) == 0 {
		return
	}
	b.add(col + " = ANY(" + b.arg(values) + ")")
}

// termCondition builds the OR over text columns for the free-text term.
func termCondition(b *whereBuilder, q *domain.Query) string {
	term := strings.TrimSpace(q.Term)
	var op, value string

	switch q.Mode {
	case domain.ModeExact:
		if q.CaseSensitive {
			op, value = "=", term
		} else {
			op, value = "ILIKE", escapeLike(term)
		}
	case domain.ModeWildcard:
		op, value = likeOp(q.CaseSensitive), globToLike(term)
	case domain.ModeRegex:
		op, value = "~*", term
		if q.CaseSensitive {
			op = "~"
		}
	default:
		// full_text, and fuzzy served by substring
		op, value = likeOp(q.CaseSensitive), "%"+escapeLike(term)+"%"
	}

	p := b.arg(value)
	parts := make([]string, len(textColumns))
	for i, col := range textColumns {
		parts[i] = col + " " + op + " " + p
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func likeOp(caseSensitive bool) string {
	if caseSensitive {
		return "LIKE"
	}
	return "ILIKE"
}

// escapeLike escapes LIKE metacharacters using the default backslash escape.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// globToLike converts a * / ? glob into a LIKE pattern.
func globToLike(glob string) string {
	var sb strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteByte('%')
		case '?':
			sb.WriteByte('_')
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// orderBy builds the ORDER BY clause with id as the final tie-breaker.
func orderBy(sortBy []domain.SortField) string {
	parts := make([]string, 0, len(sortBy)+1)
	for _, s := range sortBy {
		var col string
		switch s.Field {
		case domain.FieldTimestamp:
			col = "ts"
		case domain.FieldSeverity, domain.FieldLevel:
			col = "severity"
		case domain.FieldHTTPStatus:
			col = "http_status"
		default:
			col = fieldColumns[s.Field] + ` COLLATE "C"`
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, `id COLLATE "C" ASC`)
	return " ORDER BY " + strings.Join(parts, ", ")
}

// facetExpr returns the key expression and non-empty condition for a facet field.
func facetExpr(field string) (expr, nonEmpty string) {
	if field == domain.FieldHTTPStatus {
		return "http_status::text", "http_status <> 0"
	}
	col := fieldColumns[field]
	return col, col + " <> ''"
}
