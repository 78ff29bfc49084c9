package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "ride-dispatch")
	logger.Info("dropped")
	logger.Warn("offer_expired", "ride_id", "r1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "offer_expired", rec["msg"])
	assert.Equal(t, "ride-dispatch", rec["service"])
	assert.Equal(t, "r1", rec["ride_id"])
}
