package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used across the server. It is satisfied
// by the zap-backed implementation below and by NoOp for tests.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type zapLogger struct {
	logger *zap.SugaredLogger
}

// New builds a Logger writing structured JSON to stderr. Stderr matters:
// in stdio MCP mode stdout carries the protocol stream and must stay clean.
func New(level string) Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(lvl),
	)

	return &zapLogger{logger: zap.New(core).Sugar()}
}

func (l *zapLogger) Debug(msg string, fields ...interface{}) { l.logger.Debugw(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...interface{})  { l.logger.Infow(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...interface{})  { l.logger.Warnw(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...interface{}) { l.logger.Errorw(msg, fields...) }

// NoOp discards everything. Used in unit tests.
type NoOp struct{}

func (NoOp) Debug(msg string, fields ...interface{}) {}
func (NoOp) Info(msg string, fields ...interface{})  {}
func (NoOp) Warn(msg string, fields ...interface{})  {}
func (NoOp) Error(msg string, fields ...interface{}) {}
