package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"argus-logs/internal/domain"
)

const alertColumns = `id, title, message, severity, status, rule_id, triggered_by,
	trigger_count, first_occurrence, last_occurrence,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_notes,
	closed_by, closed_at, suppressed_by, suppressed_at,
	notification_sent, notification_attempts, last_notification_attempt,
	escalation_count, last_escalated_at, metadata, tags, version,
	created_at, updated_at`

// AlertRepository implements store.AlertRepository using PostgreSQL.
// The partial unique index on (rule_id, triggered_by) WHERE status = 'OPEN'
// enforces a single open alert per rule and source.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates a new PostgreSQL-backed alert repository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create stores a new alert.
func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	query := `INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`

	_, err := r.db.pool.Exec(ctx, query,
		alert.ID,
		alert.Title,
		alert.Message,
		alert.Severity,
		alert.Status,
		alert.RuleID,
		alert.TriggeredBy,
		alert.TriggerCount,
		alert.FirstOccurrence,
		alert.LastOccurrence,
		nullableString(alert.AcknowledgedBy),
		alert.AcknowledgedAt,
		nullableString(alert.ResolvedBy),
		alert.ResolvedAt,
		nullableString(alert.ResolutionNotes),
		nullableString(alert.ClosedBy),
		alert.ClosedAt,
		nullableString(alert.SuppressedBy),
		alert.SuppressedAt,
		alert.NotificationSent,
		alert.NotificationAttempts,
		alert.LastNotificationAttempt,
		alert.EscalationCount,
		alert.LastEscalatedAt,
		jsonMap(alert.Metadata),
		jsonMap(alert.Tags),
		alert.Version,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict(domain.CodeAlertConflict, "open alert already exists for rule and source", err)
		}
		return domain.Unavailable("create alert", err)
	}

	return nil
}

// Update replaces an alert when the stored version matches, bumping the
// version in the same statement.
func (r *AlertRepository) Update(ctx context.Context, alert *domain.Alert) error {
	query := `
		UPDATE alerts SET
			title = $3,
			message = $4,
			severity = $5,
			status = $6,
			trigger_count = $7,
			last_occurrence = $8,
			acknowledged_by = $9,
			acknowledged_at = $10,
			resolved_by = $11,
			resolved_at = $12,
			resolution_notes = $13,
			closed_by = $14,
			closed_at = $15,
			suppressed_by = $16,
			suppressed_at = $17,
			notification_sent = $18,
			notification_attempts = $19,
			last_notification_attempt = $20,
			escalation_count = $21,
			last_escalated_at = $22,
			metadata = $23,
			tags = $24,
			updated_at = $25,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.db.pool.Exec(ctx, query,
		alert.ID,
		alert.Version,
		alert.Title,
		alert.Message,
		alert.Severity,
		alert.Status,
		alert.TriggerCount,
		alert.LastOccurrence,
		nullableString(alert.AcknowledgedBy),
		alert.AcknowledgedAt,
		nullableString(alert.ResolvedBy),
		alert.ResolvedAt,
		nullableString(alert.ResolutionNotes),
		nullableString(alert.ClosedBy),
		alert.ClosedAt,
		nullableString(alert.SuppressedBy),
		alert.SuppressedAt,
		alert.NotificationSent,
		alert.NotificationAttempts,
		alert.LastNotificationAttempt,
		alert.EscalationCount,
		alert.LastEscalatedAt,
		jsonMap(alert.Metadata),
		jsonMap(alert.Tags),
		alert.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict(domain.CodeAlertConflict, "open alert already exists for rule and source", err)
		}
		return domain.Unavailable("update alert", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := r.db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM alerts WHERE id = $1)`, alert.ID).Scan(&exists)
		if err != nil {
			return domain.Unavailable("update alert", err)
		}
		if !exists {
			return domain.ErrAlertNotFound
		}
		return domain.Conflict(domain.CodeAlertConflict, "alert was modified concurrently", nil)
	}

	alert.Version++
	return nil
}

// GetByID retrieves an alert by its database ID.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	return r.getOne(ctx, "id = $1", id)
}

// FindOpen retrieves the OPEN alert for a rule and source.
func (r *AlertRepository) FindOpen(ctx context.Context, ruleID, triggeredBy string) (*domain.Alert, error) {
	return r.getOne(ctx, "rule_id = $1 AND triggered_by = $2 AND status = 'OPEN'", ruleID, triggeredBy)
}

// getOne retrieves a single alert matching the given condition.
func (r *AlertRepository) getOne(ctx context.Context, condition string, args ...interface{}) (*domain.Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM alerts WHERE %s`, alertColumns, condition)

	row := r.db.pool.QueryRow(ctx, query, args...)

	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAlertNotFound
		}
		return nil, domain.Unavailable("get alert", err)
	}

	return alert, nil
}

// List retrieves alerts matching the filter criteria, newest first.
func (r *AlertRepository) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argNum)
		args = append(args, statuses)
		argNum++
	}

	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, string(filter.Severity))
		argNum++
	}

	if filter.RuleID != "" {
		query += fmt.Sprintf(" AND rule_id = $%d", argNum)
		args = append(args, filter.RuleID)
		argNum++
	}

	if filter.TriggeredBy != "" {
		query += fmt.Sprintf(" AND triggered_by = $%d", argNum)
		args = append(args, filter.TriggeredBy)
		argNum++
	}

	if filter.CreatedBefore != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argNum)
		args = append(args, *filter.CreatedBefore)
		argNum++
	}

	if filter.AcknowledgedBefore != nil {
		query += fmt.Sprintf(" AND acknowledged_at < $%d", argNum)
		args = append(args, *filter.AcknowledgedBefore)
		argNum++
	}

	if filter.UpdatedBefore != nil {
		query += fmt.Sprintf(" AND updated_at < $%d", argNum)
		args = append(args, *filter.UpdatedBefore)
		argNum++
	}

	if filter.Unacknowledged {
		query += " AND acknowledged_at IS NULL"
	}

	if filter.Unresolved {
		query += " AND resolved_at IS NULL"
	}

	if filter.NotificationPending {
		query += fmt.Sprintf(" AND notification_sent = FALSE AND notification_attempts < $%d", argNum)
		args = append(args, filter.MaxAttempts)
		argNum++
	}

	query += ` ORDER BY created_at DESC, id COLLATE "C" ASC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list alerts", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, domain.Unavailable("list alerts", err)
	}
	return alerts, nil
}

// DeleteExpired removes RESOLVED and CLOSED alerts updated before cutoff.
func (r *AlertRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx,
		`DELETE FROM alerts WHERE status IN ('RESOLVED', 'CLOSED') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, domain.Unavailable("delete expired alerts", err)
	}
	return result.RowsAffected(), nil
}

// scanAlert scans a single row into an Alert.
func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var alert domain.Alert
	var acknowledgedBy, resolvedBy, resolutionNotes, closedBy, suppressedBy *string

	err := row.Scan(
		&alert.ID,
		&alert.Title,
		&alert.Message,
		&alert.Severity,
		&alert.Status,
		&alert.RuleID,
		&alert.TriggeredBy,
		&alert.TriggerCount,
		&alert.FirstOccurrence,
		&alert.LastOccurrence,
		&acknowledgedBy,
		&alert.AcknowledgedAt,
		&resolvedBy,
		&alert.ResolvedAt,
		&resolutionNotes,
		&closedBy,
		&alert.ClosedAt,
		&suppressedBy,
		&alert.SuppressedAt,
		&alert.NotificationSent,
		&alert.NotificationAttempts,
		&alert.LastNotificationAttempt,
		&alert.EscalationCount,
		&alert.LastEscalatedAt,
		&alert.Metadata,
		&alert.Tags,
		&alert.Version,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.AcknowledgedBy = derefString(acknowledgedBy)
	alert.ResolvedBy = derefString(resolvedBy)
	alert.ResolutionNotes = derefString(resolutionNotes)
	alert.ClosedBy = derefString(closedBy)
	alert.SuppressedBy = derefString(suppressedBy)
	alert.Metadata = nilIfEmpty(alert.Metadata)
	alert.Tags = nilIfEmpty(alert.Tags)
	normalizeTimes(&alert)

	return &alert, nil
}

// normalizeTimes converts scanned timestamps to UTC.
func normalizeTimes(a *domain.Alert) {
	a.FirstOccurrence = a.FirstOccurrence.UTC()
	a.LastOccurrence = a.LastOccurrence.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	for _, t := range []*time.Time{
		a.AcknowledgedAt, a.ResolvedAt, a.ClosedAt, a.SuppressedAt,
		a.LastNotificationAttempt, a.LastEscalatedAt,
	} {
		if t != nil {
			*t = t.UTC()
		}
	}
}

// scanAlerts scans multiple rows into a slice of Alerts.
func scanAlerts(rows pgx.Rows) ([]*domain.Alert, error) {
	alerts := make([]*domain.Alert, 0)

	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}
