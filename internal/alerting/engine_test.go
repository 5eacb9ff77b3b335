package alerting

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/store/memory"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// conflictingRepo fails the first failures updates with a version conflict.
type conflictingRepo struct {
	*memory.AlertRepository
	failures atomic.Int32
	updates  atomic.Int32
}

func (r *conflictingRepo) Update(ctx context.Context, alert *domain.Alert) error {
	r.updates.Add(1)
	if r.failures.Add(-1) >= 0 {
		return domain.Conflict(domain.CodeAlertConflict, "alert was modified concurrently", nil)
	}
	return r.AlertRepository.Update(ctx, alert)
}

func alertsConfig() *config.AlertsConfig {
	return &config.AlertsConfig{
		UnacknowledgedCriticalThreshold: 15 * time.Minute,
		StaleAcknowledgedThreshold:      4 * time.Hour,
		NotificationRetryLimit:          3,
		Retention:                       30 * 24 * time.Hour,
		TriggerMaxRetries:               5,
	}
}

func trigger(ruleID, source string, severity domain.Severity) *domain.TriggerRequest {
	return &domain.TriggerRequest{
		RuleID:   ruleID,
		Source:   source,
		Message:  "error rate above threshold",
		Severity: severity,
	}
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		t0     time.Time
		clock  *fakeClock
		repo   *memory.AlertRepository
		engine *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		clock = &fakeClock{now: t0}
		repo = memory.NewAlertRepository()
		engine = NewEngine(repo, memory.NewKeyLocker(), alertsConfig(),
			slog.New(slog.NewTextHandler(io.Discard, nil)),
			WithClock(clock.Now),
			WithRetryBackoff(time.Millisecond),
		)
	})

	Describe("Trigger", func() {
		It("opens a new alert on the first trigger", func() {
			alert, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())

			Expect(alert.ID).NotTo(BeEmpty())
			Expect(alert.Status).To(Equal(domain.AlertStatusOpen))
			Expect(alert.TriggerCount).To(Equal(1))
			Expect(alert.FirstOccurrence).To(Equal(t0))
			Expect(alert.LastOccurrence).To(Equal(t0))
			Expect(alert.Title).To(Equal("error rate above threshold"))
			Expect(alert.NotificationSent).To(BeFalse())
			Expect(alert.NotificationAttempts).To(BeZero())
		})

		It("folds a repeat trigger into the open alert", func() {
			first, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(time.Minute)
			second, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).To(Equal(first.ID))
			Expect(second.TriggerCount).To(Equal(2))
			Expect(second.FirstOccurrence).To(Equal(t0))
			Expect(second.LastOccurrence).To(Equal(t0.Add(time.Minute)))

			all, err := engine.List(ctx, domain.AlertFilter{RuleID: "rule-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
		})

		It("raises severity and merges metadata with new keys winning", func() {
			req := trigger("rule-1", "web-1", domain.SeverityMedium)
			req.Metadata = map[string]string{"region": "eu", "pod": "a"}
			_, err := engine.Trigger(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			req = trigger("rule-1", "web-1", domain.SeverityCritical)
			req.Metadata = map[string]string{"pod": "b"}
			alert, err := engine.Trigger(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(alert.Severity).To(Equal(domain.SeverityCritical))
			Expect(alert.Metadata).To(Equal(map[string]string{"region": "eu", "pod": "b"}))

			alert, err = engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityLow))
			Expect(err).NotTo(HaveOccurred())
			Expect(alert.Severity).To(Equal(domain.SeverityCritical))
		})

		It("keeps separate alerts per source", func() {
			a, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())
			b, err := engine.Trigger(ctx, trigger("rule-1", "web-2", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())

			Expect(a.ID).NotTo(Equal(b.ID))
			open, err := engine.ListOpen(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(HaveLen(2))
		})

		It("produces a single alert under concurrent triggers", func() {
			const n = 25
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			open, err := engine.ListOpen(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(HaveLen(1))
			Expect(open[0].TriggerCount).To(Equal(n))
		})

		It("opens a fresh alert once the previous one is resolved", func() {
			first, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.Resolve(ctx, first.ID, "alice", "fixed")
			Expect(err).NotTo(HaveOccurred())

			second, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(second.TriggerCount).To(Equal(1))
		})

		It("rejects invalid requests", func() {
			_, err := engine.Trigger(ctx, &domain.TriggerRequest{Source: "web-1", Message: "x", Severity: domain.SeverityLow})
			Expect(domain.CodeOf(err)).To(Equal(domain.CodeValidationFailed))

			_, err = engine.Trigger(ctx, trigger("rule-1", "web-1", "URGENT"))
			Expect(domain.CodeOf(err)).To(Equal(domain.CodeInvalidSeverity))
		})

		Context("when writes conflict", func() {
			var flaky *conflictingRepo

			BeforeEach(func() {
				flaky = &conflictingRepo{AlertRepository: memory.NewAlertRepository()}
				engine = NewEngine(flaky, memory.NewKeyLocker(), alertsConfig(),
					slog.New(slog.NewTextHandler(io.Discard, nil)),
					WithClock(clock.Now),
					WithRetryBackoff(time.Millisecond),
				)
				_, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
				Expect(err).NotTo(HaveOccurred())
			})

			It("retries until the update lands", func() {
				flaky.failures.Store(2)
				alert, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
				Expect(err).NotTo(HaveOccurred())
				Expect(alert.TriggerCount).To(Equal(2))
				Expect(flaky.updates.Load()).To(BeEquivalentTo(3))
			})

			It("gives up with ALERT_CONFLICT after the retry budget", func() {
				flaky.failures.Store(100)
				_, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
				Expect(err).To(MatchError(domain.ErrAlertConflict))
				Expect(flaky.updates.Load()).To(BeEquivalentTo(5))
			})
		})
	})

	Describe("transitions", func() {
		var alert *domain.Alert

		BeforeEach(func() {
			var err error
			alert, err = engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())
		})

		It("walks OPEN through ACKNOWLEDGED, RESOLVED and CLOSED", func() {
			clock.Advance(time.Minute)
			acked, err := engine.Acknowledge(ctx, alert.ID, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(acked.Status).To(Equal(domain.AlertStatusAcknowledged))
			Expect(acked.AcknowledgedBy).To(Equal("alice"))
			Expect(*acked.AcknowledgedAt).To(Equal(t0.Add(time.Minute)))

			resolved, err := engine.Resolve(ctx, alert.ID, "bob", "rolled back")
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Status).To(Equal(domain.AlertStatusResolved))
			Expect(resolved.ResolutionNotes).To(Equal("rolled back"))

			closed, err := engine.Close(ctx, alert.ID, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(closed.Status).To(Equal(domain.AlertStatusClosed))
		})

		It("resolves an OPEN alert directly", func() {
			resolved, err := engine.Resolve(ctx, alert.ID, "bob", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Status).To(Equal(domain.AlertStatusResolved))
		})

		It("rejects transitions the lifecycle does not allow", func() {
			_, err := engine.Close(ctx, alert.ID, "bob")
			Expect(err).To(MatchError(domain.ErrInvalidStateTransition))

			_, err = engine.Acknowledge(ctx, alert.ID, "alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.Acknowledge(ctx, alert.ID, "alice")
			Expect(err).To(MatchError(domain.ErrInvalidStateTransition))
			_, err = engine.Suppress(ctx, alert.ID, "alice")
			Expect(err).To(MatchError(domain.ErrInvalidStateTransition))

			_, err = engine.Resolve(ctx, alert.ID, "bob", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.Resolve(ctx, alert.ID, "bob", "")
			Expect(err).To(MatchError(domain.ErrInvalidStateTransition))
		})

		It("suppresses an OPEN alert and keeps it for audit", func() {
			suppressed, err := engine.Suppress(ctx, alert.ID, "carol")
			Expect(err).NotTo(HaveOccurred())
			Expect(suppressed.Status).To(Equal(domain.AlertStatusSuppressed))

			stored, err := engine.Get(ctx, alert.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.SuppressedBy).To(Equal("carol"))

			pending, err := engine.ListPendingNotifications(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})

		It("returns not found for unknown ids", func() {
			_, err := engine.Acknowledge(ctx, "missing", "alice")
			Expect(err).To(MatchError(domain.ErrAlertNotFound))
			_, err = engine.Get(ctx, "missing")
			Expect(err).To(MatchError(domain.ErrAlertNotFound))
		})
	})

	Describe("escalations", func() {
		It("escalates an unacknowledged critical alert until it is acknowledged", func() {
			alert, err := engine.Trigger(ctx, trigger("rule-1", "db-1", domain.SeverityCritical))
			Expect(err).NotTo(HaveOccurred())

			escalations, err := engine.ListEscalations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalations).To(BeEmpty())

			clock.Advance(16 * time.Minute)
			escalations, err = engine.ListEscalations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalations).To(HaveLen(1))
			Expect(escalations[0].Alert.ID).To(Equal(alert.ID))
			Expect(escalations[0].Reason).To(Equal(domain.EscalationUnacknowledgedCritical))

			_, err = engine.Acknowledge(ctx, alert.ID, "alice")
			Expect(err).NotTo(HaveOccurred())
			escalations, err = engine.ListEscalations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalations).To(BeEmpty())
		})

		It("does not escalate non-critical open alerts", func() {
			_, err := engine.Trigger(ctx, trigger("rule-1", "db-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(time.Hour)
			escalations, err := engine.ListEscalations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalations).To(BeEmpty())
		})

		It("escalates a stale acknowledged alert until it is resolved", func() {
			alert, err := engine.Trigger(ctx, trigger("rule-1", "db-1", domain.SeverityLow))
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.Acknowledge(ctx, alert.ID, "alice")
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(4*time.Hour + time.Minute)
			escalations, err := engine.ListEscalations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalations).To(HaveLen(1))
			Expect(escalations[0].Reason).To(Equal(domain.EscalationStaleAcknowledged))

			_, err = engine.Resolve(ctx, alert.ID, "alice", "done")
			Expect(err).NotTo(HaveOccurred())
			escalations, err = engine.ListEscalations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(escalations).To(BeEmpty())
		})

		It("records escalations on the alert", func() {
			alert, err := engine.Trigger(ctx, trigger("rule-1", "db-1", domain.SeverityCritical))
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(20 * time.Minute)
			updated, err := engine.RecordEscalation(ctx, alert.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.EscalationCount).To(Equal(1))
			Expect(*updated.LastEscalatedAt).To(Equal(t0.Add(20 * time.Minute)))
		})
	})

	Describe("notifications", func() {
		var alert *domain.Alert

		BeforeEach(func() {
			var err error
			alert, err = engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())
		})

		It("lists a new alert as pending", func() {
			pending, err := engine.ListPendingNotifications(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ID).To(Equal(alert.ID))
		})

		It("stops retrying after three failed attempts", func() {
			for i := 0; i < 3; i++ {
				pending, err := engine.ListPendingNotifications(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(HaveLen(1))

				_, err = engine.RecordNotificationResult(ctx, alert.ID, false)
				Expect(err).NotTo(HaveOccurred())
			}

			pending, err := engine.ListPendingNotifications(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())

			stored, err := engine.Get(ctx, alert.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.NotificationAttempts).To(Equal(3))
			Expect(stored.NotificationSent).To(BeFalse())
		})

		It("stops once delivered and is not reset by repeat triggers", func() {
			clock.Advance(time.Second)
			updated, err := engine.RecordNotificationResult(ctx, alert.ID, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.NotificationSent).To(BeTrue())
			Expect(*updated.LastNotificationAttempt).To(Equal(t0.Add(time.Second)))

			_, err = engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityHigh))
			Expect(err).NotTo(HaveOccurred())

			pending, err := engine.ListPendingNotifications(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Describe("PurgeExpired", func() {
		It("deletes finished alerts past retention only", func() {
			done, err := engine.Trigger(ctx, trigger("rule-1", "web-1", domain.SeverityLow))
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.Resolve(ctx, done.ID, "alice", "")
			Expect(err).NotTo(HaveOccurred())

			open, err := engine.Trigger(ctx, trigger("rule-2", "web-1", domain.SeverityLow))
			Expect(err).NotTo(HaveOccurred())

			deleted, err := engine.PurgeExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeZero())

			clock.Advance(31 * 24 * time.Hour)
			deleted, err = engine.PurgeExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeEquivalentTo(1))

			_, err = engine.Get(ctx, done.ID)
			Expect(err).To(MatchError(domain.ErrAlertNotFound))
			_, err = engine.Get(ctx, open.ID)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
