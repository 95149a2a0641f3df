// Package logger builds the process slog logger. Text output goes through
// charmbracelet/log; JSON output is one Record per line with the chat
// correlation keys lifted out of the free-form fields.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	charmLog "github.com/charmbracelet/log"
	"github.com/spf13/cast"

	"newtonchat/pkg/config"
)

const (
	envFormat    = "NEWTONCHAT_LOG_FORMAT"
	envLevel     = "NEWTONCHAT_LOG_LEVEL"
	envAddSource = "NEWTONCHAT_LOG_ADD_SOURCE"

	textPrefix = "newtonchat"
)

// Record is one JSON log line.
type Record struct {
	Level     string         `json:"level"`
	Time      string         `json:"time"`
	Component string         `json:"component,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Instance  string         `json:"instance,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// correlation maps the attribute keys the kernel logs with onto Record fields.
var correlation = map[string]func(*Record) *string{
	"component":  func(r *Record) *string { return &r.Component },
	"channel":    func(r *Record) *string { return &r.Channel },
	"instance":   func(r *Record) *string { return &r.Instance },
	"request_id": func(r *Record) *string { return &r.RequestID },
	"operation":  func(r *Record) *string { return &r.Operation },
	"mode":       func(r *Record) *string { return &r.Mode },
	"category":   func(r *Record) *string { return &r.Category },
}

type settings struct {
	json      bool
	level     slog.Level
	addSource bool
}

// New builds the process logger. Output always goes to stderr; stdout belongs
// to the stdio transport.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Setup builds the logger for cfg and installs it as the slog default.
func Setup(cfg config.LoggingConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(l)
	return nil
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if s.json {
		return slog.New(&jsonHandler{settings: s, writer: writer, mu: &sync.Mutex{}}), nil
	}

	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(s.level),
		Prefix:          textPrefix,
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})
	pretty.SetStyles(textStyles())
	return slog.New(pretty), nil
}

// resolve merges the config section with the environment overrides.
func resolve(cfg config.LoggingConfig) (settings, error) {
	format := firstNonEmpty(os.Getenv(envFormat), cfg.Format, "text")
	var s settings
	switch strings.ToLower(format) {
	case "json":
		s.json = true
	case "text":
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := firstNonEmpty(os.Getenv(envLevel), cfg.Level, "info")
	if err := s.level.UnmarshalText([]byte(normalizeLevel(levelText))); err != nil {
		return settings{}, fmt.Errorf("unsupported log level %q", levelText)
	}

	s.addSource = cfg.AddSource
	if env := strings.TrimSpace(os.Getenv(envAddSource)); env != "" {
		addSource, err := cast.ToBoolE(env)
		if err != nil {
			return settings{}, fmt.Errorf("invalid %s: %w", envAddSource, err)
		}
		s.addSource = addSource
	}
	return s, nil
}

func normalizeLevel(text string) string {
	text = strings.ToLower(text)
	if text == "warning" {
		return "warn"
	}
	switch text {
	case "debug", "info", "warn", "error":
		return text
	default:
		return "invalid"
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// textStyles highlights the instance and error category keys so one chat can
// be followed through an interleaved log.
func textStyles() *charmLog.Styles {
	styles := charmLog.DefaultStyles()
	styles.Prefix = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114"))
	styles.Keys["instance"] = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styles.Values["instance"] = lipgloss.NewStyle().Bold(true)
	styles.Keys["category"] = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	return styles
}

type jsonHandler struct {
	settings
	writer io.Writer
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	out := Record{
		Level:   strings.ToLower(record.Level.String()),
		Time:    at.UTC().Format(time.RFC3339Nano),
		Message: record.Message,
		Fields:  make(map[string]any),
	}

	for _, attr := range h.attrs {
		h.apply(&out, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.apply(&out, attr)
		return true
	})
	if len(out.Fields) == 0 {
		out.Fields = nil
	}

	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			out.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(out)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

// apply stores attr on the record. Correlation keys are only lifted outside
// of groups.
func (h *jsonHandler) apply(out *Record, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if len(h.groups) == 0 {
		if field, ok := correlation[attr.Key]; ok && attr.Value.Kind() == slog.KindString {
			*field(out) = attr.Value.String()
			return
		}
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + attr.Key
	}
	out.Fields[key] = fieldValue(attr.Value)
}

func fieldValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = fieldValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
