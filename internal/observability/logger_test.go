package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/halcyonsec/shadowmap/internal/config"
)

func testLoggerConfig() config.LoggerConfig {
	return config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "shadowmap-test"}
}

func TestInitialize_WritesThroughGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(testLoggerConfig(), zapcore.AddSync(&buf))

	GetLogger().Info("pipeline started")
	require.NoError(t, GetLogger().Sync())

	out := buf.String()
	assert.Contains(t, out, "pipeline started")
	assert.Contains(t, out, "shadowmap-test")
}

func TestInitialize_IsIdempotent(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(testLoggerConfig(), zapcore.AddSync(&first))
	Initialize(testLoggerConfig(), zapcore.AddSync(&second))

	GetLogger().Info("after second initialize")
	require.NoError(t, GetLogger().Sync())

	assert.Contains(t, first.String(), "after second initialize")
	assert.Empty(t, second.String())
}

func TestInitialize_InvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := testLoggerConfig()
	cfg.Level = "chatty"
	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))

	GetLogger().Debug("suppressed")
	GetLogger().Info("kept")
	require.NoError(t, GetLogger().Sync())

	out := buf.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "kept")
}

func TestGetLogger_FallbackBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	assert.NotNil(t, GetLogger())
}
