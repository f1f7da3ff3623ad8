package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelForVerbosity maps the node's 0-3 verbosity scale onto zap levels.
// 0 errors only, 1 warnings, 2 operational info, 3 debug.
func LevelForVerbosity(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.ErrorLevel
	case verbosity == 1:
		return zapcore.WarnLevel
	case verbosity == 2:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// New builds the process logger.
func New(verbosity int, json bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(LevelForVerbosity(verbosity))
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NodeLogger records replication events of one station with a stable field layout.
type NodeLogger struct {
	station string
	logger  *zap.Logger
}

// NewNodeLogger creates a logger for the given station
func NewNodeLogger(station string, logger *zap.Logger) *NodeLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeLogger{
		station: station,
		logger:  logger.With(zap.String("station", station)),
	}
}

// Logger returns the underlying zap logger
func (l *NodeLogger) Logger() *zap.Logger {
	return l.logger
}

func (l *NodeLogger) LogBound(addr string, port int) {
	l.logger.Info("server bound and listening", zap.String("addr", addr), zap.Int("port", port))
}

func (l *NodeLogger) LogLocalPlots(count int) {
	l.logger.Debug("local plots recorded", zap.Int("count", count))
}

// LogBatchMerged records an inbound batch
func (l *NodeLogger) LogBatchMerged(sender string, count int) {
	l.logger.Info("replicated in plots", zap.String("sender", sender), zap.Int("count", count))
}

func (l *NodeLogger) LogBatchDropped(sender string, err error) {
	l.logger.Warn("inbound batch dropped", zap.String("sender", sender), zap.Error(err))
}

func (l *NodeLogger) LogSkewResolved(station string, offset int64, reference string) {
	l.logger.Info("station skew resolved",
		zap.String("skewed", station), zap.Int64("offset_sec", offset), zap.String("reference", reference))
}

func (l *NodeLogger) LogDuplicatesRemoved(count, remaining int) {
	l.logger.Info("duplicate plots removed", zap.Int("count", count), zap.Int("remaining", remaining))
}

// LogReplicated records an outbound broadcast
func (l *NodeLogger) LogReplicated(count int, err error) {
	if err != nil {
		l.logger.Warn("replication broadcast incomplete", zap.Int("count", count), zap.Error(err))
		return
	}
	l.logger.Info("queued up plots to be replicated", zap.Int("count", count))
}

func (l *NodeLogger) LogNothingToReplicate() {
	l.logger.Debug("no new plots found to replicate")
}

// LogStall records a reconciliation stage that hit its pass limit
func (l *NodeLogger) LogStall(stage string, passes int) {
	l.logger.Warn("reconciliation degraded, retrying next cycle",
		zap.String("stage", stage), zap.Int("passes", passes))
}

// LogError records errors
func (l *NodeLogger) LogError(operation string, err error) {
	l.logger.Error("operation failed", zap.String("operation", operation), zap.Error(err))
}

// LogMetrics records the duration of a reconciliation cycle
func (l *NodeLogger) LogMetrics(operation string, duration time.Duration, count int) {
	l.logger.Debug("cycle metrics",
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Int("count", count),
	)
}
