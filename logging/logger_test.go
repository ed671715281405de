package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	t.Setenv("RELAY_HOME", t.TempDir())

	logger := NewLogger("test-component")
	if logger == nil {
		t.Fatal("Expected logger to be created")
	}

	// Verify it's a logrus.Entry with the component field
	if logger.Data["component"] != "test-component" {
		t.Errorf("Expected component to be 'test-component', got %v", logger.Data["component"])
	}

	// Same component returns the same entry
	again := NewLogger("test-component")
	if again != logger {
		t.Error("Expected NewLogger to reuse the entry per component")
	}
}

func TestLoggerOutput(t *testing.T) {
	// Create a buffer to capture output
	var buf bytes.Buffer

	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&TextFormatter{Config: FormatConfig{}})

	entry := logger.WithField("component", "test")
	entry.Info("Test message")

	output := buf.String()

	if !strings.Contains(output, "[INFO]") {
		t.Errorf("Expected output to contain [INFO], got: %s", output)
	}
	if !strings.Contains(output, "[test]") {
		t.Errorf("Expected output to contain [test], got: %s", output)
	}
	if !strings.Contains(output, "Test message") {
		t.Errorf("Expected output to contain 'Test message', got: %s", output)
	}
}

func TestTextFormatter(t *testing.T) {
	tests := []struct {
		name    string
		config  FormatConfig
		want    []string
		notWant []string
	}{
		{
			name:    "default shows component",
			config:  FormatConfig{},
			want:    []string{"[WARN]", "[tailer]", "falling back to poll"},
			notWant: nil,
		},
		{
			name:    "disable component",
			config:  FormatConfig{DisableComponent: true},
			want:    []string{"[WARN]", "falling back to poll"},
			notWant: []string{"[tailer]"},
		},
		{
			name:    "disable timestamp",
			config:  FormatConfig{DisableTimestamp: true},
			want:    []string{"[WARN]"},
			notWant: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&buf)
			logger.SetFormatter(&TextFormatter{Config: tt.config})

			logger.WithField("component", "tailer").Warn("falling back to poll")

			output := buf.String()
			for _, want := range tt.want {
				if !strings.Contains(output, want) {
					t.Errorf("expected output to contain %q, got: %s", want, output)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(output, notWant) {
					t.Errorf("expected output to not contain %q, got: %s", notWant, output)
				}
			}
		})
	}
}
