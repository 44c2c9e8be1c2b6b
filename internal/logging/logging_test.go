package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/e7canasta/orion-mirror/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewJSONToStdoutAndFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "mirror.log")

	logger, closer, err := newLogger(&stdout, config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}, false, FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("session started", "session_id", "s-1")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	var rec map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		t.Fatalf("stdout is not a single JSON record: %v (%q)", err, stdout.String())
	}
	if rec["msg"] != "session started" || rec["session_id"] != "s-1" {
		t.Errorf("record = %v", rec)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, stdout.Bytes()) {
		t.Errorf("file and stdout differ:\n%s\n%s", data, stdout.Bytes())
	}
	t.Logf("✅ record teed to %s", path)
}

func TestNewTextDebug(t *testing.T) {
	var stdout bytes.Buffer
	logger, _, err := newLogger(&stdout, config.LoggingConfig{Level: "error"}, true, FormatText)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("tick", "entries", 3)
	if !strings.Contains(stdout.String(), "level=DEBUG") || !strings.Contains(stdout.String(), "entries=3") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(config.LoggingConfig{}, false, "xml"); err == nil {
		t.Fatal("expected an error")
	}
}
