package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"argus-logs/internal/domain"
	"argus-logs/internal/store/memory"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	dir := filepath.Join(t.TempDir(), "archive")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWriter(dir, logger), dir
}

func put(t *testing.T, s *memory.LogStore, id string, ts time.Time) *domain.LogRecord {
	t.Helper()
	r := &domain.LogRecord{
		ID:        id,
		Timestamp: ts,
		Level:     domain.LevelInfo,
		Severity:  domain.LevelInfo.Severity(),
		Message:   "request " + id,
		Source:    "api",
		Metadata:  map[string]string{"trace": id},
	}
	stored, err := s.Put(context.Background(), r)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return stored
}

func TestArchive_RoundTrip(t *testing.T) {
	w, dir := newTestWriter(t)
	logs := memory.NewLogStore()
	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	old1 := put(t, logs, "a", cutoff.Add(-2*time.Hour))
	old2 := put(t, logs, "b", cutoff.Add(-time.Hour))
	put(t, logs, "c", cutoff)

	count, path, err := w.Archive(context.Background(), logs, cutoff)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if want := filepath.Join(dir, "logs-before-20240601T000000Z.ndjson.zst"); path != want {
		t.Errorf("path = %v, want %v", path, want)
	}

	var got []*domain.LogRecord
	err = ReadFile(path, func(r *domain.LogRecord) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if diff := cmp.Diff([]*domain.LogRecord{old1, old2}, got); diff != "" {
		t.Errorf("archived records mismatch (-want +got):\n%s", diff)
	}

	// Only the final file remains in the directory
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir entries = %d, want 1", len(entries))
	}
}

func TestArchive_NothingToArchive(t *testing.T) {
	w, dir := newTestWriter(t)
	logs := memory.NewLogStore()
	put(t, logs, "a", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))

	count, path, err := w.Archive(context.Background(), logs, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if count != 0 || path != "" {
		t.Errorf("Archive() = %d, %q, want 0, \"\"", count, path)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dir entries = %d, want 0", len(entries))
	}
}

// failingScanner emits one record and then fails.
type failingScanner struct{}

func (failingScanner) ScanBefore(ctx context.Context, cutoff time.Time, fn func(*domain.LogRecord) error) error {
	if err := fn(&domain.LogRecord{ID: "x", Level: domain.LevelInfo}); err != nil {
		return err
	}
	return errors.New("connection lost")
}

func TestArchive_ScanFailureLeavesNoFile(t *testing.T) {
	w, dir := newTestWriter(t)

	_, _, err := w.Archive(context.Background(), failingScanner{}, time.Now())
	if err == nil {
		t.Fatal("Archive() should fail when the scan fails")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dir entries = %d, want 0", len(entries))
	}
}
