package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{Format: "console"}.Validate())
	require.Error(t, Config{Format: "xml"}.Validate())
}

func TestNewVerbose(t *testing.T) {
	logger, err := New(Config{Format: "json", Verbose: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestWriterSplitsLines(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := Writer(zap.New(core), "stdout")

	_, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ond\r\n\npartial"))
	require.NoError(t, err)
	require.Equal(t, 2, logs.Len())
	require.NoError(t, w.Close())

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
	assert.Equal(t, "partial", entries[2].Message)
	assert.Equal(t, "stdout", entries[0].ContextMap()["stream"])
}
