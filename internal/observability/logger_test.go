package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(LogConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewLoggerInvalid(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"})
	require.Error(t, err)

	_, err = NewLogger(LogConfig{Format: "xml"})
	require.Error(t, err)
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailpool.log")

	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", Output: path, Service: "mailpool"})
	require.NoError(t, err)

	logger.Debug("pool started", zap.Int("servers", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"pool started"`)
	assert.Contains(t, string(data), `"service":"mailpool"`)
	assert.Contains(t, string(data), `"servers":3`)
}

func TestCLILogger(t *testing.T) {
	assert.True(t, CLILogger(true).Core().Enabled(zap.DebugLevel))
	assert.False(t, CLILogger(false).Core().Enabled(zap.DebugLevel))
}
