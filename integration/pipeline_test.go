package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"argus-logs/internal/alerting"
	"argus-logs/internal/api"
	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/ingest"
	"argus-logs/internal/notification"
	"argus-logs/internal/processor"
	"argus-logs/internal/query"
	"argus-logs/internal/queue/memory"
	"argus-logs/internal/scanner"
	storemem "argus-logs/internal/store/memory"
)

// clock is a settable time source shared by every pipeline component.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// webhook records payloads and answers with a configurable status.
type webhook struct {
	mu       sync.Mutex
	status   int
	payloads []notification.Payload
	server   *httptest.Server
}

func newWebhook() *webhook {
	w := &webhook{status: http.StatusOK}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var p notification.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.payloads = append(w.payloads, p)
		status := w.status
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	return w
}

func (w *webhook) Payloads() []notification.Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]notification.Payload, len(w.payloads))
	copy(out, w.payloads)
	return out
}

func (w *webhook) SetStatus(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// stack is the full in-memory pipeline: API, trigger processor,
// scanner and notification dispatcher.
type stack struct {
	clock         *clock
	hook          *webhook
	alerts        *alerting.Engine
	scanner       *scanner.Scanner
	app           *api.Server
	triggers      *memory.Queue
	notifications *memory.Queue
	cancel        context.CancelFunc
	done          sync.WaitGroup
}

func newStack() *stack {
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &stack{
		clock: &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		hook:  newWebhook(),
	}

	logs := storemem.NewLogStore()
	s.triggers = memory.NewQueue("triggers", 64, logger)
	s.notifications = memory.NewQueue("notifications", 64, logger)
	s.alerts = alerting.NewEngine(storemem.NewAlertRepository(), storemem.NewKeyLocker(), &cfg.Alerts, logger,
		alerting.WithClock(s.clock.Now))

	s.scanner = scanner.New(s.alerts, s.notifications, logs, &cfg.Alerts, &cfg.Retention, logger,
		scanner.WithClock(s.clock.Now))

	s.app = api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		IngestHandler: api.NewIngestHandler(ingest.NewService(logs, s.triggers, logger), logger),
		SearchHandler: api.NewSearchHandler(query.NewEngine(logs, &cfg.Query, logger), logs, logger),
		AlertHandler:  api.NewAlertHandler(s.alerts, logger),
	})

	proc := processor.NewService(s.triggers, s.alerts, logger)
	dispatcher := notification.NewDispatcher(s.notifications, s.alerts,
		notification.NewWebhookNotifier(s.hook.server.URL, cfg.Notification.Timeout), &cfg.Notification, logger,
		notification.WithNotificationBackoff(cfg.Alerts.NotificationBackoff), notification.WithClock(s.clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done.Add(2)
	go func() {
		defer s.done.Done()
		_ = proc.Start(ctx)
	}()
	go func() {
		defer s.done.Done()
		_ = dispatcher.Start(ctx)
	}()
	return s
}

func (s *stack) Close() {
	s.cancel()
	s.done.Wait()
	s.triggers.Close()
	s.notifications.Close()
	s.hook.server.Close()
}

// call performs a request against the API and decodes the data field.
func (s *stack) call(method, path string, body interface{}, data interface{}) int {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.App().Test(req, -1)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&envelope)).To(Succeed())
	if data != nil && len(envelope.Data) > 0 {
		Expect(json.Unmarshal(envelope.Data, data)).To(Succeed())
	}
	return resp.StatusCode
}

func (s *stack) openAlerts() []domain.Alert {
	var alerts []domain.Alert
	Expect(s.call(http.MethodGet, "/v1/alerts/open", nil, &alerts)).To(Equal(http.StatusOK))
	return alerts
}

func (s *stack) alert(id string) domain.Alert {
	var a domain.Alert
	Expect(s.call(http.MethodGet, "/v1/alerts/"+id, nil, &a)).To(Equal(http.StatusOK))
	return a
}

var _ = Describe("Alert pipeline", func() {
	var s *stack

	BeforeEach(func() {
		s = newStack()
	})

	AfterEach(func() {
		s.Close()
	})

	trigger := func(source string) {
		status := s.call(http.MethodPost, "/v1/triggers", map[string]string{
			"rule_id":  "error-rate",
			"source":   source,
			"message":  "error rate above 5%",
			"severity": "CRITICAL",
		}, nil)
		Expect(status).To(Equal(http.StatusAccepted))
	}

	Context("When triggers arrive through the queue", func() {
		It("should create one alert per source and deduplicate repeats", func() {
			trigger("checkout")
			trigger("checkout")
			trigger("payments")

			Eventually(func() int {
				total := 0
				for _, a := range s.openAlerts() {
					total += a.TriggerCount
				}
				return total
			}).Should(Equal(3))

			alerts := s.openAlerts()
			Expect(alerts).To(HaveLen(2))
			counts := map[string]int{}
			for _, a := range alerts {
				counts[a.TriggeredBy] = a.TriggerCount
			}
			Expect(counts).To(Equal(map[string]int{"checkout": 2, "payments": 1}))
		})
	})

	Context("When an alert is pending notification", func() {
		It("should deliver it once and mark it sent", func() {
			trigger("checkout")
			Eventually(s.openAlerts).Should(HaveLen(1))
			id := s.openAlerts()[0].ID

			Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())

			Eventually(func() bool { return s.alert(id).NotificationSent }).Should(BeTrue())
			payloads := s.hook.Payloads()
			Expect(payloads).To(HaveLen(1))
			Expect(payloads[0].Type).To(Equal("notify"))
			Expect(payloads[0].AlertID).To(Equal(id))
			Expect(payloads[0].Severity).To(Equal("CRITICAL"))

			// A later pass has nothing left to send
			s.clock.Advance(2 * time.Minute)
			Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())
			Consistently(func() int { return len(s.hook.Payloads()) }, 200*time.Millisecond).Should(Equal(1))
		})

		It("should stop retrying after three failed deliveries", func() {
			s.hook.SetStatus(http.StatusBadGateway)
			trigger("checkout")
			Eventually(s.openAlerts).Should(HaveLen(1))
			id := s.openAlerts()[0].ID

			for attempt := 1; attempt <= 5; attempt++ {
				Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())
				want := min(attempt, 3)
				Eventually(func() int { return s.alert(id).NotificationAttempts }).Should(Equal(want))
				s.clock.Advance(2 * time.Minute)
			}

			Expect(s.hook.Payloads()).To(HaveLen(3))
			var pending []domain.Alert
			Expect(s.call(http.MethodGet, "/v1/alerts/pending-notifications", nil, &pending)).To(Equal(http.StatusOK))
			Expect(pending).To(BeEmpty())
		})
	})

	Context("When a critical alert is left unacknowledged", func() {
		It("should escalate until it is acknowledged, then escalate it as stale", func() {
			trigger("checkout")
			Eventually(s.openAlerts).Should(HaveLen(1))
			id := s.openAlerts()[0].ID

			Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())
			Eventually(func() bool { return s.alert(id).NotificationSent }).Should(BeTrue())

			s.clock.Advance(16 * time.Minute)
			Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())
			Eventually(func() int { return len(s.hook.Payloads()) }).Should(Equal(2))
			escalation := s.hook.Payloads()[1]
			Expect(escalation.Type).To(Equal("escalate"))
			Expect(escalation.Reason).To(Equal(domain.EscalationUnacknowledgedCritical))
			Expect(s.alert(id).EscalationCount).To(Equal(1))

			// Within the repeat interval nothing is sent again
			s.clock.Advance(time.Minute)
			Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())
			Consistently(func() int { return len(s.hook.Payloads()) }, 200*time.Millisecond).Should(Equal(2))

			var acked domain.Alert
			Expect(s.call(http.MethodPost, "/v1/alerts/"+id+"/acknowledge", map[string]string{"by": "oncall"}, &acked)).
				To(Equal(http.StatusOK))
			Expect(acked.Status).To(Equal(domain.AlertStatusAcknowledged))

			var escalations []domain.Escalation
			s.clock.Advance(time.Hour)
			Expect(s.call(http.MethodGet, "/v1/alerts/escalations", nil, &escalations)).To(Equal(http.StatusOK))
			Expect(escalations).To(BeEmpty())

			s.clock.Advance(3*time.Hour + time.Minute)
			Expect(s.call(http.MethodGet, "/v1/alerts/escalations", nil, &escalations)).To(Equal(http.StatusOK))
			Expect(escalations).To(HaveLen(1))
			Expect(escalations[0].Reason).To(Equal(domain.EscalationStaleAcknowledged))

			Expect(s.scanner.ScanAlerts(context.Background())).To(Succeed())
			Eventually(func() int { return len(s.hook.Payloads()) }).Should(Equal(3))
			Expect(s.hook.Payloads()[2].Reason).To(Equal(domain.EscalationStaleAcknowledged))
			Expect(s.hook.Payloads()[2].Status).To(Equal("ACKNOWLEDGED"))
		})
	})

	Context("When logs are ingested", func() {
		It("should make them searchable", func() {
			var created struct {
				Count int `json:"count"`
			}
			Expect(s.call(http.MethodPost, "/v1/logs", []map[string]interface{}{
				{"level": "ERROR", "message": "payment declined", "application": "checkout"},
				{"level": "INFO", "message": "payment accepted", "application": "checkout"},
				{"level": "ERROR", "message": "cache miss", "application": "catalog"},
			}, &created)).To(Equal(http.StatusCreated))
			Expect(created.Count).To(Equal(3))

			var result domain.QueryResult
			Expect(s.call(http.MethodPost, "/v1/search", map[string]interface{}{
				"term":   "payment",
				"levels": []string{"error"},
			}, &result)).To(Equal(http.StatusOK))
			Expect(result.TotalHits).To(Equal(int64(1)))
			Expect(result.Records[0].Message).To(Equal("payment declined"))
		})
	})
})
