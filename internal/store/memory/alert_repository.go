package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"argus-logs/internal/domain"
)

// AlertRepository is an in-memory implementation of store.AlertRepository.
// It stores alerts in a map, indexed by both ID and open (rule, source) key.
type AlertRepository struct {
	mu sync.RWMutex

	// alerts stores all alerts by their ID
	alerts map[string]*domain.Alert

	// openByKey indexes the single OPEN alert per rule and source
	openByKey map[string]string
}

// NewAlertRepository creates a new in-memory alert repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{
		alerts:    make(map[string]*domain.Alert),
		openByKey: make(map[string]string),
	}
}

func openKey(ruleID, triggeredBy string) string {
	return ruleID + "\x00" + triggeredBy
}

// Create stores a new alert.
func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.alerts[alert.ID]; exists {
		return domain.Conflict(domain.CodeAlertConflict, "alert id already exists", nil)
	}
	key := openKey(alert.RuleID, alert.TriggeredBy)
	if alert.Status == domain.AlertStatusOpen {
		if _, exists := r.openByKey[key]; exists {
			return domain.Conflict(domain.CodeAlertConflict, "open alert already exists for rule and source", nil)
		}
		r.openByKey[key] = alert.ID
	}

	// Store a copy to prevent external modification
	r.alerts[alert.ID] = alert.Clone()
	return nil
}

// Update replaces an alert when the stored version matches.
func (r *AlertRepository) Update(ctx context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.alerts[alert.ID]
	if !exists {
		return domain.ErrAlertNotFound
	}
	if existing.Version != alert.Version {
		return domain.Conflict(domain.CodeAlertConflict, "alert was modified concurrently", nil)
	}

	key := openKey(alert.RuleID, alert.TriggeredBy)
	if alert.Status == domain.AlertStatusOpen {
		if id, ok := r.openByKey[key]; ok && id != alert.ID {
			return domain.Conflict(domain.CodeAlertConflict, "open alert already exists for rule and source", nil)
		}
		r.openByKey[key] = alert.ID
	} else if r.openByKey[key] == alert.ID {
		delete(r.openByKey, key)
	}

	alert.Version++
	r.alerts[alert.ID] = alert.Clone()
	return nil
}

// GetByID retrieves an alert by its ID.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alert, exists := r.alerts[id]
	if !exists {
		return nil, domain.ErrAlertNotFound
	}

	// Return a copy
	return alert.Clone(), nil
}

// FindOpen retrieves the OPEN alert for a rule and source.
func (r *AlertRepository) FindOpen(ctx context.Context, ruleID, triggeredBy string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.openByKey[openKey(ruleID, triggeredBy)]
	if !exists {
		return nil, domain.ErrAlertNotFound
	}
	return r.alerts[id].Clone(), nil
}

// List retrieves alerts matching the filter criteria, newest first.
func (r *AlertRepository) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*domain.Alert, 0)
	for _, alert := range r.alerts {
		if !filter.Matches(alert) {
			continue
		}

		// Return a copy
		results = append(results, alert.Clone())
	}

	slices.SortFunc(results, func(a, b *domain.Alert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	// Apply offset and limit
	start := filter.Offset
	if start > len(results) {
		start = len(results)
	}

	end := len(results)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	return results[start:end], nil
}

// DeleteExpired removes RESOLVED and CLOSED alerts updated before cutoff.
func (r *AlertRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, alert := range r.alerts {
		if alert.IsExpired(cutoff) {
			delete(r.alerts, id)
			deleted++
		}
	}
	return deleted, nil
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *AlertRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = make(map[string]*domain.Alert)
	r.openByKey = make(map[string]string)
}
