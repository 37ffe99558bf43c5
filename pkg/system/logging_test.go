package system

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{false, true} {
		logger, err := NewLogger(debug)
		require.NoError(t, err)
		require.NotNil(t, logger)
		require.Equal(t, debug, logger.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestRecordFields(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	logger.Info("with id", RecordFields("User", "42", "update")...)
	logger.Info("without id", RecordFields("User", "", "create")...)

	entries := recorded.All()
	require.Len(t, entries, 2)
	require.Equal(t, map[string]any{"entity_class": "User", "entity_id": "42", "action": "update"}, entries[0].ContextMap())
	require.NotContains(t, entries[1].ContextMap(), "entity_id")
}
