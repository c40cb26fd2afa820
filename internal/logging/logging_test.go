package logging

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceCapturesEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Debug("range fetch", String("url", "http://host/a"), Int64("start", 0))
	Error("read failed", Err(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "range fetch" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
	if got := entries[0].ContextMap()["url"]; got != "http://host/a" {
		t.Errorf("url field = %v", got)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %v", entries[1].Level)
	}
}

func TestWarnAndTypedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	defer Replace(zap.New(core))()

	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	Warn("unparseable Last-Modified", Duration("uptime", 90*time.Second), Time("last_seen", seen))

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("entries = %+v", entries)
	}
	fields := entries[0].ContextMap()
	if fields["uptime"] != 90*time.Second {
		t.Errorf("uptime = %v", fields["uptime"])
	}
	if got, ok := fields["last_seen"].(time.Time); !ok || !got.Equal(seen) {
		t.Errorf("last_seen = %v", fields["last_seen"])
	}
}

func TestInitConsoleAndJSON(t *testing.T) {
	defer Replace(nil)()

	for _, format := range []string{"console", "json"} {
		if err := Init(Config{Level: "warn", Format: format, OutputPath: "stderr"}); err != nil {
			t.Fatalf("Init(%s): %v", format, err)
		}
		if globalLevel.Level() != zapcore.WarnLevel {
			t.Errorf("Init(%s) level = %v", format, globalLevel.Level())
		}
	}
	globalLevel.SetLevel(zapcore.InfoLevel)
}
