package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("debug message") }, "debug"},
		{"info", func(l *Logger) { l.Info("info message") }, "info"},
		{"warn", func(l *Logger) { l.Warn("warn message") }, "warn"},
		{"error", func(l *Logger) { l.Error("error message") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger)

			var line map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &line); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if line["level"] != tt.level {
				t.Errorf("Expected level %q, got %v", tt.level, line["level"])
			}
			if line["component"] != "billsync" {
				t.Errorf("Expected component field, got %v", line["component"])
			}
		})
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Warn("Audit append failed",
		billsync.UserField("user1"),
		billsync.Field{Key: "version", Value: 3},
		billsync.ErrField(errors.New("boom")),
	)

	var line map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if line["userId"] != "user1" {
		t.Errorf("Expected userId=user1, got %v", line["userId"])
	}
	if line["version"] != float64(3) {
		t.Errorf("Expected version=3, got %v", line["version"])
	}
	if line["error"] != "boom" {
		t.Errorf("Expected error=boom, got %v", line["error"])
	}
	if line["message"] != "Audit append failed" {
		t.Errorf("Unexpected message %v", line["message"])
	}
}

func TestZerologLogger_DisabledLevel(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")

	if output.Len() != 0 {
		t.Errorf("Expected no output below warn level, got %q", output.String())
	}
}
