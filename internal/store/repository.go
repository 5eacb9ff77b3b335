// Package store defines interfaces for log storage, alert persistence and
// per-key locking. These abstractions allow swapping implementations
// (in-memory, PostgreSQL, Elasticsearch, Redis) without changing business logic.
package store

import (
	"context"
	"time"

	"argus-logs/internal/domain"
)

// LogStore is the storage adapter contract shared by every log backend.
// Implementations must be safe for concurrent use. Records are immutable
// once stored.
type LogStore interface {
	// Put stores a record, assigning an id when absent.
	// A duplicate id fails with domain.ErrLogIDConflict.
	Put(ctx context.Context, record *domain.LogRecord) (*domain.LogRecord, error)

	// PutBatch stores several records. Either every record is stored or,
	// on the first conflict, none is.
	PutBatch(ctx context.Context, records []*domain.LogRecord) ([]*domain.LogRecord, error)

	// GetByID retrieves a record, or domain.ErrLogNotFound.
	GetByID(ctx context.Context, id string) (*domain.LogRecord, error)

	// Query runs a normalized query. Filters combine with AND across
	// dimensions and OR within one, the time range is [start, end), the
	// default order is timestamp desc with id as tie-breaker, and an offset
	// past the end yields an empty page with the full total.
	// A query cut short by its context returns TimedOut=true and whatever
	// was counted so far instead of an error.
	Query(ctx context.Context, q *domain.Query) (*domain.QueryResult, error)

	// DistinctValues returns field values ordered by frequency desc then
	// value asc, at most limit of them.
	DistinctValues(ctx context.Context, field string, limit int) ([]string, error)

	// Aggregate returns terms buckets for field with the same ordering.
	Aggregate(ctx context.Context, field string, limit int) ([]domain.Bucket, error)

	// DeleteBefore removes records with a timestamp strictly before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Capabilities reports what the backend supports natively.
	Capabilities() domain.Capabilities

	// Close releases any resources held by the store.
	Close() error
}

// LogScanner is implemented by log stores that can stream records older
// than a cutoff, used to archive records before a retention sweep.
type LogScanner interface {
	ScanBefore(ctx context.Context, cutoff time.Time, fn func(*domain.LogRecord) error) error
}

// AlertRepository defines the interface for persistent alert storage.
// Implementations enforce at most one OPEN alert per (RuleID, TriggeredBy).
type AlertRepository interface {
	// Create stores a new alert. If another OPEN alert exists for the same
	// rule and source it fails with a domain.KindConflict error.
	Create(ctx context.Context, alert *domain.Alert) error

	// Update replaces an alert if its stored version equals alert.Version,
	// then increments alert.Version. A stale version fails with a
	// domain.KindConflict error.
	Update(ctx context.Context, alert *domain.Alert) error

	// GetByID retrieves an alert by its ID.
	GetByID(ctx context.Context, id string) (*domain.Alert, error)

	// FindOpen retrieves the OPEN alert for a rule and source,
	// or domain.ErrAlertNotFound.
	FindOpen(ctx context.Context, ruleID, triggeredBy string) (*domain.Alert, error)

	// List retrieves alerts matching the filter, newest first.
	List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error)

	// DeleteExpired removes RESOLVED and CLOSED alerts last updated
	// before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeyLocker provides mutual exclusion per key. Different keys never contend.
type KeyLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the key.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
