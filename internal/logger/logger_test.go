package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNew_DefaultLevelInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	lg := New(Options{Output: buf})

	lg.Info("scraped %d pages", 3)
	if !strings.Contains(buf.String(), "scraped 3 pages") {
		t.Errorf("expected formatted info message, got %q", buf.String())
	}

	buf.Reset()
	lg.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug should not be logged at info level")
	}
}

func TestNew_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	lg := New(Options{Output: buf, JSON: true, Level: "debug"})

	lg.With("worker", 2).Debug("dequeued %s", "job-1")
	out := buf.String()
	if !strings.Contains(out, `"msg":"dequeued job-1"`) {
		t.Errorf("expected JSON msg field, got %q", out)
	}
	if !strings.Contains(out, `"worker":2`) {
		t.Errorf("expected worker attribute, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogJobOutcome(t *testing.T) {
	buf := &bytes.Buffer{}
	lg := New(Options{Output: buf})

	lg.LogJobOutcome("j1", "category:fantasy", "failed", 2, time.Second, errors.New("timeout"))
	out := buf.String()
	for _, want := range []string{"level=WARN", "job_id=j1", "target=category:fantasy", "error=timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}
