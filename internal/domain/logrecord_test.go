package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "info", want: LevelInfo},
		{in: " Error ", want: LevelError},
		{in: "WARNING", want: LevelWarn},
		{in: "critical", want: LevelFatal},
		{in: "TRACE", want: LevelTrace},
		{in: "verbose", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if CodeOf(err) != CodeInvalidLevel {
					t.Errorf("ParseLevel(%q) code = %v, want %v", tt.in, CodeOf(err), CodeInvalidLevel)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_Severity(t *testing.T) {
	if LevelTrace.Severity() != 0 {
		t.Errorf("TRACE severity = %v, want 0", LevelTrace.Severity())
	}
	if LevelFatal.Severity() != 5 {
		t.Errorf("FATAL severity = %v, want 5", LevelFatal.Severity())
	}
	if Level("NOPE").Severity() != -1 {
		t.Errorf("unknown severity = %v, want -1", Level("NOPE").Severity())
	}
	for i := 1; i < len(Levels); i++ {
		if Levels[i].Severity() <= Levels[i-1].Severity() {
			t.Errorf("%v severity not above %v", Levels[i], Levels[i-1])
		}
	}
}

func TestLogRecord_Normalize(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	r := &LogRecord{Level: "warning", Severity: 99, Message: "disk almost full"}
	if err := r.Normalize(now); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if r.Level != LevelWarn {
		t.Errorf("Level = %v, want %v", r.Level, LevelWarn)
	}
	if r.Severity != 3 {
		t.Errorf("Severity = %v, want 3", r.Severity)
	}
	if !r.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, now)
	}

	loc := time.FixedZone("X", 3600)
	r = &LogRecord{Level: "INFO", Timestamp: time.Date(2024, 3, 1, 13, 0, 0, 0, loc)}
	if err := r.Normalize(now); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if r.Timestamp.Location() != time.UTC || !r.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v in UTC", r.Timestamp, now)
	}

	r = &LogRecord{Level: "INFO", Timestamp: now.Add(1234567 * time.Nanosecond)}
	if err := r.Normalize(now); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if want := now.Add(time.Millisecond); !r.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, want)
	}

	bad := &LogRecord{Level: "LOUD"}
	if err := bad.Normalize(now); !errors.Is(err, &Error{Code: CodeInvalidLevel}) {
		t.Errorf("Normalize() error = %v, want INVALID_LEVEL", err)
	}
}

func TestLogRecord_Clone(t *testing.T) {
	r := &LogRecord{ID: "1", Metadata: map[string]string{"k": "v"}, Tags: map[string]string{"team": "core"}}
	c := r.Clone()
	c.Metadata["k"] = "changed"
	c.Tags["team"] = "other"

	if r.Metadata["k"] != "v" {
		t.Errorf("original Metadata[k] = %v, want v", r.Metadata["k"])
	}
	if r.Tags["team"] != "core" {
		t.Errorf("original Tags[team] = %v, want core", r.Tags["team"])
	}
}

func TestError_Is(t *testing.T) {
	err := Unavailable("query logs", errors.New("connection refused"))
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Error("errors.Is(Unavailable, ErrBackendUnavailable) = false, want true")
	}
	if errors.Is(err, ErrAlertConflict) {
		t.Error("errors.Is(Unavailable, ErrAlertConflict) = true, want false")
	}
	if KindOf(err) != KindBackendUnavailable {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindBackendUnavailable)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Errorf("KindOf(plain) = %v, want empty", KindOf(errors.New("plain")))
	}
	if !IsKind(StateErrorf("nope"), KindState) {
		t.Error("IsKind(StateErrorf, KindState) = false, want true")
	}
}
