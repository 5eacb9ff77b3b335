package processor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"argus-logs/internal/alerting"
	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/queue"
	"argus-logs/internal/queue/memory"
	storemem "argus-logs/internal/store/memory"
)

// testSetup creates all dependencies needed for processor tests.
func testSetup() (*Service, *memory.Queue, *alerting.Engine) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	msgQueue := memory.NewQueue("triggers", 100, logger)
	engine := alerting.NewEngine(
		storemem.NewAlertRepository(),
		storemem.NewKeyLocker(),
		&config.AlertsConfig{NotificationRetryLimit: 3, TriggerMaxRetries: 3},
		logger,
	)

	return NewService(msgQueue, engine, logger), msgQueue, engine
}

func triggerMessage(t *testing.T, req *domain.TriggerRequest) *queue.Message {
	t.Helper()
	msg, err := queue.NewTriggerMessage(req)
	if err != nil {
		t.Fatalf("NewTriggerMessage() error = %v", err)
	}
	return msg
}

func TestProcessor_HandleTrigger_CreatesAlert(t *testing.T) {
	service, _, engine := testSetup()
	ctx := context.Background()

	msg := triggerMessage(t, &domain.TriggerRequest{
		RuleID:   "rule-1",
		Source:   "web-1",
		Message:  "error burst",
		Severity: domain.SeverityHigh,
	})
	if err := service.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	open, err := engine.ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(open))
	}
	if open[0].RuleID != "rule-1" || open[0].TriggeredBy != "web-1" {
		t.Errorf("alert = %s/%s, want rule-1/web-1", open[0].RuleID, open[0].TriggeredBy)
	}
}

func TestProcessor_DuplicateTrigger_Deduplicated(t *testing.T) {
	service, _, engine := testSetup()
	ctx := context.Background()

	req := &domain.TriggerRequest{RuleID: "rule-1", Source: "web-1", Message: "error burst", Severity: domain.SeverityLow}
	for i := 0; i < 3; i++ {
		if err := service.handleMessage(ctx, triggerMessage(t, req)); err != nil {
			t.Fatalf("handleMessage() error = %v", err)
		}
	}

	open, _ := engine.ListOpen(ctx)
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(open))
	}
	if open[0].TriggerCount != 3 {
		t.Errorf("TriggerCount = %d, want 3", open[0].TriggerCount)
	}
}

func TestProcessor_MalformedMessage_Dropped(t *testing.T) {
	service, _, engine := testSetup()
	ctx := context.Background()

	if err := service.handleMessage(ctx, &queue.Message{Value: []byte("not json")}); err != nil {
		t.Errorf("handleMessage() error = %v, want nil", err)
	}

	// Missing source fails validation and is dropped too
	msg := &queue.Message{Value: []byte(`{"rule_id":"rule-1","message":"x","severity":"LOW"}`)}
	if err := service.handleMessage(ctx, msg); err != nil {
		t.Errorf("handleMessage() error = %v, want nil", err)
	}

	open, _ := engine.ListOpen(ctx)
	if len(open) != 0 {
		t.Errorf("open alerts = %d, want 0", len(open))
	}
}

// flakyEngine fails with a backend error for the first failures calls
// and then hands the trigger to the wrapped engine.
type flakyEngine struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     Triggerer
}

func (e *flakyEngine) Trigger(ctx context.Context, req *domain.TriggerRequest) (*domain.Alert, error) {
	e.mu.Lock()
	e.calls++
	fail := e.calls <= e.failures
	e.mu.Unlock()

	if fail {
		return nil, domain.Unavailable("find open alert", errors.New("connection reset"))
	}
	return e.next.Trigger(ctx, req)
}

func (e *flakyEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestProcessor_BackendError_ReturnedAfterRetries(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := &flakyEngine{failures: 10}
	service := NewService(memory.NewQueue("triggers", 1, logger), engine, logger, WithRetry(3, time.Millisecond))

	msg := triggerMessage(t, &domain.TriggerRequest{RuleID: "rule-1", Source: "web-1", Message: "x", Severity: domain.SeverityLow})
	err := service.handleMessage(context.Background(), msg)
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("handleMessage() error = %v, want %v", err, domain.ErrBackendUnavailable)
	}
	if n := engine.Calls(); n != 3 {
		t.Errorf("Trigger called %d times, want 3", n)
	}
}

func TestProcessor_TransientBackendError_TriggerApplied(t *testing.T) {
	_, msgQueue, alerts := testSetup()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := &flakyEngine{failures: 1, next: alerts}
	service := NewService(msgQueue, engine, logger, WithRetry(3, time.Millisecond))

	msg := triggerMessage(t, &domain.TriggerRequest{RuleID: "rule-1", Source: "db-1", Message: "replica lag", Severity: domain.SeverityHigh})
	if err := msgQueue.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = service.Start(ctx)

	if n := engine.Calls(); n != 2 {
		t.Errorf("Trigger called %d times, want 2", n)
	}
	open, _ := alerts.ListOpen(context.Background())
	if len(open) != 1 || open[0].TriggerCount != 1 {
		t.Fatalf("open alerts = %+v, want one alert triggered once", open)
	}
}

func TestProcessor_RetryStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := &flakyEngine{failures: 10}
	service := NewService(memory.NewQueue("triggers", 1, logger), engine, logger, WithRetry(5, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	msg := triggerMessage(t, &domain.TriggerRequest{RuleID: "rule-1", Source: "web-1", Message: "x", Severity: domain.SeverityLow})
	if err := service.handleMessage(ctx, msg); !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("handleMessage() error = %v, want %v", err, domain.ErrBackendUnavailable)
	}
	if n := engine.Calls(); n != 1 {
		t.Errorf("Trigger called %d times, want 1", n)
	}
}

func TestProcessor_Start_ConsumesQueue(t *testing.T) {
	service, msgQueue, engine := testSetup()

	msg := triggerMessage(t, &domain.TriggerRequest{RuleID: "rule-1", Source: "db-1", Message: "slow queries", Severity: domain.SeverityMedium})
	if err := msgQueue.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = service.Start(ctx)

	open, _ := engine.ListOpen(context.Background())
	if len(open) != 1 {
		t.Errorf("open alerts = %d, want 1", len(open))
	}
}
