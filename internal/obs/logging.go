package obs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/nwidger/jsoncolor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
)

var baseLogger atomic.Pointer[slog.Logger]

// SetBase replaces the logger component loggers are derived from.
func SetBase(logger *slog.Logger) {
	if logger == nil {
		return
	}
	baseLogger.Store(logger)
}

func Base() *slog.Logger {
	if logger := baseLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}

// Logger returns the logger of one component.
func Logger(component string) *slog.Logger {
	return Base().With("component", component)
}

func ParseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if value == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}

// NewHandler builds the handler for format. Pretty output is colored only
// when w is a terminal.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case FormatPretty:
		return NewPrettyHandler(w, IsTerminal(w), level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// PrettyHandler writes one human readable line per record:
// LEVEL component message {attrs}.
type PrettyHandler struct {
	mu     *sync.Mutex
	writer io.Writer
	color  bool
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
}

func NewPrettyHandler(w io.Writer, color bool, level slog.Leveler) *PrettyHandler {
	return &PrettyHandler{mu: &sync.Mutex{}, writer: w, color: color, level: level}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), h.qualify(attrs)...)
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func (h *PrettyHandler) qualify(attrs []slog.Attr) []slog.Attr {
	if h.group == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = slog.Attr{Key: h.group + "." + attr.Key, Value: attr.Value}
	}
	return out
}

func (h *PrettyHandler) Handle(_ context.Context, record slog.Record) error {
	component := "-"
	payload := map[string]any{}
	collect := func(attr slog.Attr) {
		if attr.Key == "component" {
			component = attr.Value.String()
			return
		}
		payload[attr.Key] = attrValue(attr.Value)
	}
	for _, attr := range h.attrs {
		collect(attr)
	}
	var recordAttrs []slog.Attr
	record.Attrs(func(attr slog.Attr) bool {
		recordAttrs = append(recordAttrs, attr)
		return true
	})
	for _, attr := range h.qualify(recordAttrs) {
		collect(attr)
	}

	level := record.Level.String()
	message := record.Message
	payloadText := ""
	if len(payload) > 0 {
		var (
			data []byte
			err  error
		)
		if h.color {
			data, err = jsoncolor.Marshal(payload)
		} else {
			data, err = json.Marshal(payload)
		}
		if err != nil {
			return fmt.Errorf("marshal log attributes: %w", err)
		}
		payloadText = " " + string(data)
	}
	if h.color {
		level = levelColor(record.Level) + level + colorReset
		component = colorMagenta + component + colorReset
	}

	line := fmt.Sprintf("%s %s %s%s\n", level, component, message, payloadText)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, line)
	return err
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorGreen
	default:
		return colorCyan
	}
}

func attrValue(value slog.Value) any {
	value = value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		group := map[string]any{}
		for _, attr := range value.Group() {
			group[attr.Key] = attrValue(attr.Value)
		}
		return group
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		}
	}
	return value.Any()
}
