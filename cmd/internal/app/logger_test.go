package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, parseLogLevel(tc.in), "parseLogLevel(%q)", tc.in)
	}
}

func TestNewHandler_Format(t *testing.T) {
	t.Parallel()

	var jsonBuf, prettyBuf bytes.Buffer
	slog.New(newHandler(&jsonBuf, "info", "json")).Info("store.open", "backend", "memory")
	slog.New(newHandler(&prettyBuf, "info", "pretty")).Info("store.open", "backend", "memory")

	assert.True(t, strings.HasPrefix(jsonBuf.String(), "{"))
	assert.Contains(t, jsonBuf.String(), `"msg":"store.open"`)
	assert.Contains(t, prettyBuf.String(), "store.open")
	assert.Contains(t, prettyBuf.String(), "backend=memory")
}
