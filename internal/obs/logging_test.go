package obs

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyHandlerPlain(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, false, slog.LevelInfo)).With("component", "accesslog")

	logger.Debug("hidden")
	logger.Error("emit failed", "error", errors.New("boom"), "kind", "response")

	assert.Equal(t, `ERROR accesslog emit failed {"error":"boom","kind":"response"}`+"\n", buf.String())
}

func TestPrettyHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, false, slog.LevelDebug)).WithGroup("http").With("status", 200)

	logger.Info("done", "path", "/")

	assert.Equal(t, `INFO - done {"http.path":"/","http.status":200}`+"\n", buf.String())
}

func TestPrettyHandlerColor(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, true, slog.LevelInfo)).Warn("careful")

	assert.True(t, strings.HasPrefix(buf.String(), colorYellow+"WARN"+colorReset))
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer

	h, err := NewHandler(&buf, "json", slog.LevelInfo)
	require.NoError(t, err)
	slog.New(h).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	h, err = NewHandler(&buf, "pretty", slog.LevelInfo)
	require.NoError(t, err)
	assert.IsType(t, &PrettyHandler{}, h)
	assert.False(t, IsTerminal(&buf))

	_, err = NewHandler(&buf, "xml", slog.LevelInfo)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestComponentLogger(t *testing.T) {
	prev := Base()
	defer SetBase(prev)

	var buf bytes.Buffer
	SetBase(slog.New(slog.NewJSONHandler(&buf, nil)))
	Logger("server").Info("listening")

	assert.Contains(t, buf.String(), `"component":"server"`)
}
