package domain

import (
	"strings"
	"time"
)

// Severity represents the severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity converts a case-insensitive severity name into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", Validationf(CodeInvalidSeverity, "severity must be LOW, MEDIUM, HIGH or CRITICAL, got %q", s)
	}
	return sev, nil
}

// IsValid returns true if the severity is a known value.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal of the severity, 0 for an unknown value.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	// AlertStatusOpen is a firing alert nobody has looked at yet.
	AlertStatusOpen AlertStatus = "OPEN"
	// AlertStatusAcknowledged is an alert an operator is working on.
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	// AlertStatusResolved is an alert whose condition has been fixed.
	AlertStatusResolved AlertStatus = "RESOLVED"
	// AlertStatusClosed is terminal.
	AlertStatusClosed AlertStatus = "CLOSED"
	// AlertStatusSuppressed is excluded from notification and escalation
	// but kept for audit.
	AlertStatusSuppressed AlertStatus = "SUPPRESSED"
)

// IsValid returns true if the status is a known value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusResolved, AlertStatusClosed, AlertStatusSuppressed:
		return true
	default:
		return false
	}
}

// ParseAlertStatus converts a case-insensitive status name into an AlertStatus.
func ParseAlertStatus(s string) (AlertStatus, error) {
	st := AlertStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", Validationf(CodeValidationFailed, "unknown alert status %q", s)
	}
	return st, nil
}

// Alert is a stateful record of a triggered condition for a rule and source.
// At most one alert per (RuleID, TriggeredBy) is OPEN at any time.
type Alert struct {
	// ID is the unique identifier for this alert.
	ID string `json:"id"`

	// Title is a human-readable description of the condition.
	Title string `json:"title"`

	// Message is the message of the most recent trigger.
	Message string `json:"message,omitempty"`

	Severity Severity    `json:"severity"`
	Status   AlertStatus `json:"status"`

	// RuleID identifies the rule that fired.
	RuleID string `json:"rule_id"`

	// TriggeredBy identifies the source the rule fired for.
	TriggeredBy string `json:"triggered_by"`

	// TriggerCount is the number of triggers folded into this alert.
	TriggerCount int `json:"trigger_count"`

	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`

	ClosedBy string     `json:"closed_by,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	SuppressedBy string     `json:"suppressed_by,omitempty"`
	SuppressedAt *time.Time `json:"suppressed_at,omitempty"`

	NotificationSent        bool       `json:"notification_sent"`
	NotificationAttempts    int        `json:"notification_attempts"`
	LastNotificationAttempt *time.Time `json:"last_notification_attempt,omitempty"`

	EscalationCount int        `json:"escalation_count"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`

	// Version is incremented by the store on every successful update.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerRequest is the input of a trigger call from a rule evaluator.
type TriggerRequest struct {
	RuleID   string            `json:"rule_id"`
	Source   string            `json:"source"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Severity Severity          `json:"severity"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Validate checks required fields and canonicalizes the severity.
// A missing title defaults to the message.
func (r *TriggerRequest) Validate() error {
	if strings.TrimSpace(r.RuleID) == "" {
		return Validationf(CodeValidationFailed, "rule_id is required")
	}
	if strings.TrimSpace(r.Source) == "" {
		return Validationf(CodeValidationFailed, "source is required")
	}
	if r.Title == "" {
		r.Title = r.Message
	}
	if r.Title == "" {
		return Validationf(CodeValidationFailed, "title or message is required")
	}
	sev, err := ParseSeverity(string(r.Severity))
	if err != nil {
		return err
	}
	r.Severity = sev
	return nil
}

// NewAlert creates an OPEN alert for the first trigger of a rule and source.
func NewAlert(id string, req *TriggerRequest, now time.Time) *Alert {
	return &Alert{
		ID:              id,
		Title:           req.Title,
		Message:         req.Message,
		Severity:        req.Severity,
		Status:          AlertStatusOpen,
		RuleID:          req.RuleID,
		TriggeredBy:     req.Source,
		TriggerCount:    1,
		FirstOccurrence: now,
		LastOccurrence:  now,
		Metadata:        cloneMap(req.Metadata),
		Tags:            cloneMap(req.Tags),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Recur folds a repeat trigger into the alert. The status and the
// notification flags are left untouched.
func (a *Alert) Recur(req *TriggerRequest, now time.Time) {
	a.TriggerCount++
	a.LastOccurrence = now
	a.Severity = MaxSeverity(a.Severity, req.Severity)
	if req.Message != "" {
		a.Message = req.Message
	}
	a.Metadata = mergeMap(a.Metadata, req.Metadata)
	a.Tags = mergeMap(a.Tags, req.Tags)
	a.UpdatedAt = now
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED.
func (a *Alert) Acknowledge(who string, now time.Time) error {
	if a.Status != AlertStatusOpen {
		return StateErrorf("cannot acknowledge alert in status %s", a.Status)
	}
	a.Status = AlertStatusAcknowledged
	a.AcknowledgedBy = who
	a.AcknowledgedAt = &now
	a.UpdatedAt = now
	return nil
}

// Resolve moves an OPEN or ACKNOWLEDGED alert to RESOLVED.
func (a *Alert) Resolve(who, notes string, now time.Time) error {
	if a.Status != AlertStatusOpen && a.Status != AlertStatusAcknowledged {
		return StateErrorf("cannot resolve alert in status %s", a.Status)
	}
	a.Status = AlertStatusResolved
	a.ResolvedBy = who
	a.ResolvedAt = &now
	a.ResolutionNotes = notes
	a.UpdatedAt = now
	return nil
}

// Close moves a RESOLVED alert to CLOSED.
func (a *Alert) Close(who string, now time.Time) error {
	if a.Status != AlertStatusResolved {
		return StateErrorf("cannot close alert in status %s", a.Status)
	}
	a.Status = AlertStatusClosed
	a.ClosedBy = who
	a.ClosedAt = &now
	a.UpdatedAt = now
	return nil
}

// Suppress moves an OPEN alert to SUPPRESSED.
func (a *Alert) Suppress(who string, now time.Time) error {
	if a.Status != AlertStatusOpen {
		return StateErrorf("cannot suppress alert in status %s", a.Status)
	}
	a.Status = AlertStatusSuppressed
	a.SuppressedBy = who
	a.SuppressedAt = &now
	a.UpdatedAt = now
	return nil
}

// RecordNotificationAttempt applies the outcome of a delivery attempt.
func (a *Alert) RecordNotificationAttempt(delivered bool, now time.Time) {
	a.NotificationAttempts++
	a.LastNotificationAttempt = &now
	if delivered {
		a.NotificationSent = true
	}
	a.UpdatedAt = now
}

// RecordEscalation notes that the alert was escalated.
func (a *Alert) RecordEscalation(now time.Time) {
	a.EscalationCount++
	a.LastEscalatedAt = &now
	a.UpdatedAt = now
}

// IsActive returns true for OPEN and ACKNOWLEDGED alerts.
func (a *Alert) IsActive() bool {
	return a.Status == AlertStatusOpen || a.Status == AlertStatusAcknowledged
}

// NeedsNotification reports whether a notification should still be attempted
// given the retry limit.
func (a *Alert) NeedsNotification(retryLimit int) bool {
	return a.IsActive() && !a.NotificationSent && a.NotificationAttempts < retryLimit
}

// IsExpired reports whether a RESOLVED or CLOSED alert is past retention.
func (a *Alert) IsExpired(cutoff time.Time) bool {
	if a.Status != AlertStatusResolved && a.Status != AlertStatusClosed {
		return false
	}
	return a.UpdatedAt.Before(cutoff)
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.ClosedAt = cloneTime(a.ClosedAt)
	c.SuppressedAt = cloneTime(a.SuppressedAt)
	c.LastNotificationAttempt = cloneTime(a.LastNotificationAttempt)
	c.LastEscalatedAt = cloneTime(a.LastEscalatedAt)
	c.Metadata = cloneMap(a.Metadata)
	c.Tags = cloneMap(a.Tags)
	return &c
}

// EscalationReason says why an alert needs operator attention.
type EscalationReason string

const (
	// EscalationUnacknowledgedCritical is a CRITICAL alert left OPEN too long.
	EscalationUnacknowledgedCritical EscalationReason = "unacknowledged_critical"
	// EscalationStaleAcknowledged is an acknowledged alert nobody resolved.
	EscalationStaleAcknowledged EscalationReason = "stale_acknowledged"
)

// Escalation pairs an alert with the reason it is escalated.
type Escalation struct {
	Alert  *Alert           `json:"alert"`
	Reason EscalationReason `json:"reason"`
}

// AlertFilter provides filtering options for querying alerts.
// Zero-valued fields do not filter.
type AlertFilter struct {
	Statuses    []AlertStatus
	Severity    Severity
	RuleID      string
	TriggeredBy string

	// CreatedBefore matches alerts created strictly before the time.
	CreatedBefore *time.Time
	// AcknowledgedBefore matches alerts acknowledged strictly before the time.
	AcknowledgedBefore *time.Time
	// UpdatedBefore matches alerts last updated strictly before the time.
	UpdatedBefore *time.Time

	Unacknowledged bool
	Unresolved     bool

	// NotificationPending matches alerts with notification_sent=false and
	// fewer than MaxAttempts attempts.
	NotificationPending bool
	MaxAttempts         int

	Limit  int
	Offset int
}

// Matches reports whether the alert satisfies every set criterion.
// Limit and Offset are not considered.
func (f *AlertFilter) Matches(a *Alert) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.TriggeredBy != "" && a.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.CreatedBefore != nil && !a.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.AcknowledgedBefore != nil && (a.AcknowledgedAt == nil || !a.AcknowledgedAt.Before(*f.AcknowledgedBefore)) {
		return false
	}
	if f.UpdatedBefore != nil && !a.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.Unacknowledged && a.AcknowledgedAt != nil {
		return false
	}
	if f.Unresolved && a.ResolvedAt != nil {
		return false
	}
	if f.NotificationPending && (a.NotificationSent || a.NotificationAttempts >= f.MaxAttempts) {
		return false
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func mergeMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
