package logging

import (
	"os"
	"path/filepath"
	"testing"

	"auxite/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("QuoteManager: tick", "remaining", 5)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"QuoteManager: tick"`)
	assert.Contains(t, string(data), `"remaining":5`)
}

func TestNew_InvalidSettings(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)

	_, _, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
