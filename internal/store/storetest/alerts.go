package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"argus-logs/internal/domain"
	"argus-logs/internal/store"
)

// AlertRepositoryFactory returns an empty repository and a cleanup function.
type AlertRepositoryFactory func() (store.AlertRepository, func())

// OpenAlert builds an OPEN alert fixture.
func OpenAlert(ruleID, source string, severity domain.Severity, at time.Time) *domain.Alert {
	return domain.NewAlert(uuid.New().String(), &domain.TriggerRequest{
		RuleID:   ruleID,
		Source:   source,
		Title:    "condition on " + source,
		Severity: severity,
		Metadata: map[string]string{"rule": ruleID},
	}, at)
}

// DescribeAlertRepository registers the AlertRepository contract specs.
func DescribeAlertRepository(name string, factory AlertRepositoryFactory) bool {
	return Describe(name+" AlertRepository contract", func() {
		var (
			ctx     context.Context
			repo    store.AlertRepository
			cleanup func()
		)

		BeforeEach(func() {
			ctx = context.Background()
			repo, cleanup = factory()
		})

		AfterEach(func() {
			if cleanup != nil {
				cleanup()
			}
		})

		It("creates and reads back an alert", func() {
			a := OpenAlert("r1", "s1", domain.SeverityHigh, Base)
			Expect(repo.Create(ctx, a)).To(Succeed())

			got, err := repo.GetByID(ctx, a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.RuleID).To(Equal("r1"))
			Expect(got.TriggeredBy).To(Equal("s1"))
			Expect(got.Status).To(Equal(domain.AlertStatusOpen))
			Expect(got.TriggerCount).To(Equal(1))
			Expect(got.Metadata).To(HaveKeyWithValue("rule", "r1"))
			Expect(got.FirstOccurrence.Equal(Base)).To(BeTrue())

			open, err := repo.FindOpen(ctx, "r1", "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(open.ID).To(Equal(a.ID))
		})

		It("returns not found for unknown alerts", func() {
			_, err := repo.GetByID(ctx, uuid.New().String())
			Expect(err).To(MatchError(domain.ErrAlertNotFound))

			_, err = repo.FindOpen(ctx, "nope", "nope")
			Expect(err).To(MatchError(domain.ErrAlertNotFound))
		})

		It("rejects a second OPEN alert for the same rule and source", func() {
			Expect(repo.Create(ctx, OpenAlert("r1", "s1", domain.SeverityLow, Base))).To(Succeed())
			err := repo.Create(ctx, OpenAlert("r1", "s1", domain.SeverityLow, Base))
			Expect(domain.KindOf(err)).To(Equal(domain.KindConflict))

			Expect(repo.Create(ctx, OpenAlert("r1", "s2", domain.SeverityLow, Base))).To(Succeed())
		})

		It("allows a new OPEN alert once the previous one is resolved", func() {
			a := OpenAlert("r1", "s1", domain.SeverityLow, Base)
			Expect(repo.Create(ctx, a)).To(Succeed())
			Expect(a.Resolve("ops", "done", Base.Add(time.Minute))).To(Succeed())
			Expect(repo.Update(ctx, a)).To(Succeed())

			Expect(repo.Create(ctx, OpenAlert("r1", "s1", domain.SeverityLow, Base.Add(2*time.Minute)))).To(Succeed())
		})

		It("updates with optimistic versioning", func() {
			a := OpenAlert("r1", "s1", domain.SeverityLow, Base)
			Expect(repo.Create(ctx, a)).To(Succeed())

			first, err := repo.GetByID(ctx, a.ID)
			Expect(err).NotTo(HaveOccurred())
			second, err := repo.GetByID(ctx, a.ID)
			Expect(err).NotTo(HaveOccurred())

			first.Recur(&domain.TriggerRequest{Severity: domain.SeverityLow}, Base.Add(time.Minute))
			Expect(repo.Update(ctx, first)).To(Succeed())
			Expect(first.Version).To(Equal(second.Version + 1))

			second.Recur(&domain.TriggerRequest{Severity: domain.SeverityLow}, Base.Add(time.Minute))
			err = repo.Update(ctx, second)
			Expect(domain.CodeOf(err)).To(Equal(domain.CodeAlertConflict))

			got, err := repo.GetByID(ctx, a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.TriggerCount).To(Equal(2))
		})

		It("lets exactly one of several concurrent creates win", func() {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if repo.Create(ctx, OpenAlert("race", "s1", domain.SeverityLow, Base)) == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			Expect(wins.Load()).To(BeEquivalentTo(1))

			list, err := repo.List(ctx, domain.AlertFilter{RuleID: "race"})
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
		})

		It("filters and pages listings", func() {
			critical := OpenAlert("r1", "s1", domain.SeverityCritical, Base)
			high := OpenAlert("r2", "s1", domain.SeverityHigh, Base.Add(time.Minute))
			acked := OpenAlert("r3", "s2", domain.SeverityCritical, Base.Add(2*time.Minute))
			for _, a := range []*domain.Alert{critical, high, acked} {
				Expect(repo.Create(ctx, a)).To(Succeed())
			}
			Expect(acked.Acknowledge("ops", Base.Add(3*time.Minute))).To(Succeed())
			Expect(repo.Update(ctx, acked)).To(Succeed())

			all, err := repo.List(ctx, domain.AlertFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(alertIDs(all)).To(Equal([]string{acked.ID, high.ID, critical.ID}))

			page, err := repo.List(ctx, domain.AlertFilter{Limit: 1, Offset: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(alertIDs(page)).To(Equal([]string{high.ID}))

			cutoff := Base.Add(10 * time.Minute)
			unacked, err := repo.List(ctx, domain.AlertFilter{
				Statuses:       []domain.AlertStatus{domain.AlertStatusOpen},
				Severity:       domain.SeverityCritical,
				Unacknowledged: true,
				CreatedBefore:  &cutoff,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(alertIDs(unacked)).To(Equal([]string{critical.ID}))

			stale, err := repo.List(ctx, domain.AlertFilter{
				Statuses:           []domain.AlertStatus{domain.AlertStatusAcknowledged},
				AcknowledgedBefore: &cutoff,
				Unresolved:         true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(alertIDs(stale)).To(Equal([]string{acked.ID}))

			bySource, err := repo.List(ctx, domain.AlertFilter{TriggeredBy: "s1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(bySource).To(HaveLen(2))
		})

		It("filters alerts pending notification by attempts", func() {
			a := OpenAlert("r1", "s1", domain.SeverityLow, Base)
			b := OpenAlert("r2", "s1", domain.SeverityLow, Base)
			Expect(repo.Create(ctx, a)).To(Succeed())
			Expect(repo.Create(ctx, b)).To(Succeed())
			for i := 0; i < 3; i++ {
				a.RecordNotificationAttempt(false, Base)
			}
			Expect(repo.Update(ctx, a)).To(Succeed())

			pending, err := repo.List(ctx, domain.AlertFilter{
				Statuses:            []domain.AlertStatus{domain.AlertStatusOpen, domain.AlertStatusAcknowledged},
				NotificationPending: true,
				MaxAttempts:         3,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(alertIDs(pending)).To(Equal([]string{b.ID}))
		})

		It("deletes only expired resolved and closed alerts", func() {
			old := OpenAlert("r1", "s1", domain.SeverityLow, Base)
			recent := OpenAlert("r2", "s1", domain.SeverityLow, Base)
			open := OpenAlert("r3", "s1", domain.SeverityLow, Base)
			for _, a := range []*domain.Alert{old, recent, open} {
				Expect(repo.Create(ctx, a)).To(Succeed())
			}
			Expect(old.Resolve("ops", "", Base)).To(Succeed())
			Expect(repo.Update(ctx, old)).To(Succeed())
			Expect(recent.Resolve("ops", "", Base.Add(2*time.Hour))).To(Succeed())
			Expect(repo.Update(ctx, recent)).To(Succeed())

			deleted, err := repo.DeleteExpired(ctx, Base.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeEquivalentTo(1))

			_, err = repo.GetByID(ctx, old.ID)
			Expect(err).To(MatchError(domain.ErrAlertNotFound))
			_, err = repo.GetByID(ctx, open.ID)
			Expect(err).NotTo(HaveOccurred())
		})
	})
}

func alertIDs(alerts []*domain.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.ID)
	}
	return out
}
