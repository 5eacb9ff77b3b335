package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"argus-logs/internal/domain"
)

const logColumns = `id, ts, level, severity, message, source, host, application,
	environment, logger, thread, stack_trace, metadata, tags,
	http_method, http_url, http_status, response_time_ms`

const insertLog = `INSERT INTO log_records (` + logColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db *DB
}

// NewLogStore creates a new PostgreSQL-backed log store.
func NewLogStore(db *DB) *LogStore {
	return &LogStore{db: db}
}

func insertArgs(r *domain.LogRecord) []interface{} {
	return []interface{}{
		r.ID,
		r.Timestamp,
		r.Level,
		r.Severity,
		r.Message,
		r.Source,
		r.Host,
		r.Application,
		r.Environment,
		r.Logger,
		r.Thread,
		r.StackTrace,
		jsonMap(r.Metadata),
		jsonMap(r.Tags),
		r.HTTPMethod,
		r.HTTPURL,
		r.HTTPStatus,
		r.ResponseTimeMs,
	}
}

// Put stores a record, assigning an id when absent.
func (s *LogStore) Put(ctx context.Context, record *domain.LogRecord) (*domain.LogRecord, error) {
	r := record.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	if _, err := s.db.pool.Exec(ctx, insertLog, insertArgs(r)...); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrLogIDConflict
		}
		return nil, domain.Unavailable("insert log record", err)
	}
	return r, nil
}

// PutBatch stores several records in one transaction using a pgx batch.
// Either every record is stored or none is.
func (s *LogStore) PutBatch(ctx context.Context, records []*domain.LogRecord) ([]*domain.LogRecord, error) {
	stored := make([]*domain.LogRecord, 0, len(records))
	batch := &pgx.Batch{}
	for _, record := range records {
		r := record.Clone()
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		batch.Queue(insertLog, insertArgs(r)...)
		stored = append(stored, r)
	}

	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrLogIDConflict
		}
		return nil, domain.Unavailable("insert log batch", err)
	}
	return stored, nil
}

// GetByID retrieves a record by its ID.
func (s *LogStore) GetByID(ctx context.Context, id string) (*domain.LogRecord, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM log_records WHERE id = $1`, id)

	r, err := scanLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLogNotFound
		}
		return nil, domain.Unavailable("get log record", err)
	}
	return r, nil
}

// Query counts the filtered set, then fetches the requested page and any
// aggregations. A context that expires part way returns what was computed.
func (s *LogStore) Query(ctx context.Context, q *domain.Query) (*domain.QueryResult, error) {
	where, err := buildWhere(q)
	if err != nil {
		return nil, err
	}
	result := &domain.QueryResult{}

	err = s.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM log_records`+where.sql(), where.args...).Scan(&result.TotalHits)
	if err != nil {
		return s.partial(ctx, q, result, "count log records", err)
	}

	if int64(q.Offset()) < result.TotalHits {
		args := append([]interface{}{}, where.args...)
		query := `SELECT ` + logColumns + ` FROM log_records` + where.sql() + orderBy(q.EffectiveSort()) +
			fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, q.Size, q.Offset())

		rows, err := s.db.pool.Query(ctx, query, args...)
		if err != nil {
			return s.partial(ctx, q, result, "query log records", err)
		}
		result.Records, err = scanLogs(rows)
		if err != nil {
			return s.partial(ctx, q, result, "scan log records", err)
		}
	}

	for _, agg := range q.Aggregations {
		var buckets []domain.Bucket
		if agg.Type == domain.BucketDateHistogram {
			buckets, err = s.histogram(ctx, where, agg)
		} else {
			buckets, err = s.terms(ctx, where, agg.Field, agg.Limit)
		}
		if err != nil {
			return s.partial(ctx, q, result, "aggregate log records", err)
		}
		if result.Aggregations == nil {
			result.Aggregations = make(map[string][]domain.Bucket, len(q.Aggregations))
		}
		result.Aggregations[agg.Field] = buckets
	}

	result.Paginate(q.Page, q.Size)
	return result, nil
}

// partial turns a context expiry into a timed-out result and any other
// failure into a BackendUnavailable error.
func (s *LogStore) partial(ctx context.Context, q *domain.Query, result *domain.QueryResult, op string, err error) (*domain.QueryResult, error) {
	if ctx.Err() != nil {
		result.TimedOut = true
		result.Paginate(q.Page, q.Size)
		return result, nil
	}
	return nil, domain.Unavailable(op, err)
}

func (s *LogStore) terms(ctx context.Context, where *whereBuilder, field string, limit int) ([]domain.Bucket, error) {
	expr, nonEmpty := facetExpr(field)
	args := append([]interface{}{}, where.args...)
	clause := where.sql()
	if clause == "" {
		clause = " WHERE " + nonEmpty
	} else {
		clause += " AND " + nonEmpty
	}
	query := fmt.Sprintf(`SELECT %s AS key, COUNT(*) AS c FROM log_records%s
		GROUP BY key ORDER BY c DESC, (%s) COLLATE "C" ASC LIMIT $%d`, expr, clause, expr, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.Bucket, 0)
	for rows.Next() {
		var b domain.Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *LogStore) histogram(ctx context.Context, where *whereBuilder, agg domain.AggregationRequest) ([]domain.Bucket, error) {
	args := append([]interface{}{}, where.args...)
	secs := int64(agg.Interval / time.Second)
	if secs <= 0 {
		secs = 1
	}
	query := fmt.Sprintf(`SELECT to_timestamp((floor(extract(epoch FROM ts) / $%d::bigint) * $%d::bigint)::double precision) AS bucket, COUNT(*)
		FROM log_records%s GROUP BY bucket ORDER BY bucket ASC LIMIT $%d`,
		len(args)+1, len(args)+1, where.sql(), len(args)+2)
	args = append(args, secs, agg.Limit)

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.Bucket, 0)
	for rows.Next() {
		var start time.Time
		var count int64
		if err := rows.Scan(&start, &count); err != nil {
			return nil, err
		}
		buckets = append(buckets, domain.Bucket{Key: domain.HistogramKey(start), Count: count})
	}
	return buckets, rows.Err()
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
	buckets, err := s.terms(ctx, &whereBuilder{}, field, limit)
	if err != nil {
		return nil, domain.Unavailable("aggregate log records", err)
	}
	return buckets, nil
}

// DeleteBefore removes records with a timestamp before cutoff.
func (s *LogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM log_records WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, domain.Unavailable("delete log records", err)
	}
	return tag.RowsAffected(), nil
}

// ScanBefore streams records older than cutoff in timestamp order.
func (s *LogStore) ScanBefore(ctx context.Context, cutoff time.Time, fn func(*domain.LogRecord) error) error {
	rows, err := s.db.pool.Query(ctx, `SELECT `+logColumns+` FROM log_records WHERE ts < $1 ORDER BY ts ASC, id ASC`, cutoff)
	if err != nil {
		return domain.Unavailable("scan log records", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return fmt.Errorf("failed to scan log record: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Capabilities reports substring and regex matching only.
func (s *LogStore) Capabilities() domain.Capabilities {
	return domain.Capabilities{Regex: true}
}

// Close is a no-op; the pool is owned by DB.
func (s *LogStore) Close() error {
	return nil
}

// scanLog scans a single row into a LogRecord.
func scanLog(row pgx.Row) (*domain.LogRecord, error) {
	var r domain.LogRecord
	err := row.Scan(
		&r.ID,
		&r.Timestamp,
		&r.Level,
		&r.Severity,
		&r.Message,
		&r.Source,
		&r.Host,
		&r.Application,
		&r.Environment,
		&r.Logger,
		&r.Thread,
		&r.StackTrace,
		&r.Metadata,
		&r.Tags,
		&r.HTTPMethod,
		&r.HTTPURL,
		&r.HTTPStatus,
		&r.ResponseTimeMs,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = r.Timestamp.UTC()
	r.Metadata = nilIfEmpty(r.Metadata)
	r.Tags = nilIfEmpty(r.Tags)
	return &r, nil
}

// scanLogs scans multiple rows into a slice of LogRecords.
func scanLogs(rows pgx.Rows) ([]*domain.LogRecord, error) {
	defer rows.Close()

	var records []*domain.LogRecord
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log records: %w", err)
	}

	return records, nil
}
