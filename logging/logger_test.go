package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelForVerbosity(t *testing.T) {
	require.Equal(t, zapcore.ErrorLevel, LevelForVerbosity(-1))
	require.Equal(t, zapcore.ErrorLevel, LevelForVerbosity(0))
	require.Equal(t, zapcore.WarnLevel, LevelForVerbosity(1))
	require.Equal(t, zapcore.InfoLevel, LevelForVerbosity(2))
	require.Equal(t, zapcore.DebugLevel, LevelForVerbosity(3))
	require.Equal(t, zapcore.DebugLevel, LevelForVerbosity(9))
}

func TestNodeLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewNodeLogger("ds3", zap.New(core))

	l.LogBatchMerged("ds1", 4)
	l.LogReplicated(2, errors.New("peer down"))
	l.LogStall("dedup", 16)

	entries := logs.All()
	require.Len(t, entries, 3)

	merged := entries[0].ContextMap()
	require.Equal(t, "ds3", merged["station"])
	require.Equal(t, "ds1", merged["sender"])
	require.EqualValues(t, 4, merged["count"])

	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "peer down", entries[1].ContextMap()["error"])

	require.Equal(t, "dedup", entries[2].ContextMap()["stage"])
}

func TestNew(t *testing.T) {
	logger, err := New(2, true)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
