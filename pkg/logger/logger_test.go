package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"

	"newtonchat/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "comm.registry").Info("request failed", "instance", "t1", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry Record
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "request failed" {
		t.Fatalf("message = %q, want %q", entry.Message, "request failed")
	}
	if entry.Component != "comm.registry" {
		t.Fatalf("component = %q, want %q", entry.Component, "comm.registry")
	}
	if entry.Time == "" {
		t.Fatal("expected timestamp")
	}
	if entry.Instance != "t1" {
		t.Fatalf("instance = %q, want %q", entry.Instance, "t1")
	}
	if _, ok := entry.Fields["instance"]; ok {
		t.Fatalf("instance repeated in fields: %v", entry.Fields)
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv(envLevel, "debug")
	t.Setenv(envFormat, "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerGroupsAndSource(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", AddSource: true}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("request").Info("routed", "operation", "message")

	var entry Record
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["request.operation"]; got != "message" {
		t.Fatalf("fields = %v", entry.Fields)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Fatalf("caller = %q", entry.Caller)
	}
}

func TestLoggerLiftsCorrelationKeys(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "debug"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("channel", "telegram", "instance", "tg-42").Warn("request failed",
		"request_id", "r-1",
		"operation", "message",
		"mode", "newton",
		"category", "load",
		"error", errors.New("bad config"),
	)

	var entry Record
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	want := Record{
		Level:     "warn",
		Time:      entry.Time,
		Channel:   "telegram",
		Instance:  "tg-42",
		RequestID: "r-1",
		Operation: "message",
		Mode:      "newton",
		Category:  "load",
		Message:   "request failed",
		Fields:    map[string]any{"error": "bad config"},
	}
	if !reflect.DeepEqual(entry, want) {
		t.Fatalf("entry = %#v, want %#v", entry, want)
	}
}

func TestLoggerTextPrefix(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "text"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("instance created", "instance", "t1")
	if !strings.Contains(out.String(), textPrefix) {
		t.Fatalf("expected %q prefix in %q", textPrefix, out.String())
	}
	if !strings.Contains(out.String(), "instance=t1") {
		t.Fatalf("expected instance key in %q", out.String())
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	unsetLoggingEnv(t)

	tests := []config.LoggingConfig{
		{Format: "xml"},
		{Level: "verbose"},
		{Level: "info+2"},
	}
	for _, cfg := range tests {
		if _, err := newWithWriter(cfg, &bytes.Buffer{}); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestLoggerAddSourceEnvironment(t *testing.T) {
	unsetLoggingEnv(t)
	t.Setenv(envAddSource, "maybe")

	if _, err := newWithWriter(config.LoggingConfig{Format: "json"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for an invalid add_source override")
	}

	t.Setenv(envAddSource, "1")
	s, err := resolve(config.LoggingConfig{})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if !s.addSource || s.json || s.level != slog.LevelInfo {
		t.Fatalf("settings = %+v", s)
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envLevel, envFormat, envAddSource} {
		_ = os.Unsetenv(key)
	}
}
