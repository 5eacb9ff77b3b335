// Package archive writes log records to zstd-compressed NDJSON files
// before a retention sweep deletes them.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/store"
)

// fileSuffix is the extension of every archive file.
const fileSuffix = ".ndjson.zst"

// Writer archives log records into a directory.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter creates an archive writer for dir. The directory is created
// on first use.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger}
}

// FileName returns the archive file name for a sweep cutoff.
func FileName(cutoff time.Time) string {
	return "logs-before-" + cutoff.UTC().Format("20060102T150405Z") + fileSuffix
}

// Archive streams every record older than cutoff from s into one archive
// file and returns the record count and file path. No file is left behind
// when there is nothing to archive or the write fails.
func (w *Writer) Archive(ctx context.Context, s store.LogScanner, cutoff time.Time) (int64, string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	path := filepath.Join(w.dir, FileName(cutoff))
	tmp, err := os.CreateTemp(w.dir, ".archive-*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	count, err := writeRecords(ctx, tmp, s, cutoff)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close archive file: %w", cerr)
	}
	if err != nil {
		return 0, "", err
	}
	if count == 0 {
		return 0, "", nil
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", fmt.Errorf("failed to finalize archive file: %w", err)
	}

	metrics.ArchivedRecordsTotal.Add(float64(count))
	w.logger.Info("archived log records",
		"count", count,
		"path", path,
		"cutoff", cutoff,
	)
	return count, path, nil
}

func writeRecords(ctx context.Context, out io.Writer, s store.LogScanner, cutoff time.Time) (int64, error) {
	enc, err := zstd.NewWriter(out)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	var count int64
	jsonEnc := json.NewEncoder(enc)
	err = s.ScanBefore(ctx, cutoff, func(r *domain.LogRecord) error {
		if err := jsonEnc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode log record: %w", err)
		}
		count++
		return nil
	})
	if err != nil {
		_ = enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush zstd stream: %w", err)
	}
	return count, nil
}

// ReadFile decodes an archive file, calling fn for every record in order.
func ReadFile(path string, fn func(*domain.LogRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	jsonDec := json.NewDecoder(dec)
	for {
		var r domain.LogRecord
		if err := jsonDec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode log record: %w", err)
		}
		if err := fn(&r); err != nil {
			return err
		}
	}
}
