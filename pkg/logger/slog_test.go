package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type slogLine struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	Table string `json:"table"`
}

func TestSlogHandler(t *testing.T) {
	buffer := bytes.NewBuffer(nil)
	handler := slog.NewJSONHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := New(handler)

	cases := []struct {
		fn    func(msg string, args ...any)
		level slog.Level
	}{
		{fn: l.Error, level: slog.LevelError},
		{fn: l.Warn, level: slog.LevelWarn},
		{fn: l.Info, level: slog.LevelInfo},
		{fn: l.Debug, level: slog.LevelDebug},
	}

	for _, c := range cases {
		t.Run(c.level.String(), func(t *testing.T) {
			buffer.Reset()
			c.fn("table synced", "table", "patients")

			var line slogLine
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
			require.Equal(t, c.level.String(), line.Level)
			require.Equal(t, "table synced", line.Msg)
			require.Equal(t, "patients", line.Table)
		})
	}
}
