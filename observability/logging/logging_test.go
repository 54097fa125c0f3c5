package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithLevelEmitsStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWithLevel(&buf, "proxyd", "test", slog.LevelWarn)
	logger.Info("dropped")
	logger.Warn("kept", slog.String("account", "alice"), MaskField("bearer", "secret"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "kept", line["message"])
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, "proxyd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "alice", line["account"])
	require.Equal(t, RedactedValue, line["bearer"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskFieldAllowlist(t *testing.T) {
	require.Equal(t, "alice", MaskField("account", "alice").Value.String())
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "hunter2").Value.String())
	require.Equal(t, "", MaskField("jwt_secret", "").Value.String())
	require.Equal(t, "abc", MaskField(" Call_ID ", "abc").Value.String())
}
