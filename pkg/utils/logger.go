package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig drives InitLogger. Zero value is a usable default: info
// level, JSON encoding, stderr output.
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // "json" or "text" (console)
	Development bool   // zap development mode (DPanic entries panic); Format picks the encoder
	Output      string // file path; empty means stderr
}

// Logger wraps *zap.Logger with the sugared variant kept alongside for
// the printf-style global helpers.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger builds a Logger from cfg. An invalid or missing Output
// falls back to stderr rather than failing startup over a logging
// misconfiguration.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		if !cfg.Development {
			encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "timestamp"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.Output == "" {
		sink = zapcore.AddSync(os.Stderr)
	} else {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			sink = zapcore.AddSync(os.Stderr)
		} else {
			sink = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// With returns a child Logger carrying the given fields on every
// subsequent log call.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }
func (l *Logger) WithExchange(name string) *Logger  { return l.With(Exchange(name)) }
func (l *Logger) WithSymbol(symbol string) *Logger  { return l.With(Symbol(symbol)) }
func (l *Logger) WithPairID(id int) *Logger         { return l.With(PairID(id)) }

// Sugar returns the printf-style logger backing this Logger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// GetGlobalLogger returns the process-wide logger, lazily constructing
// a default one (info/json/stderr) on first call.
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// InitGlobalLogger builds a Logger from cfg and installs it as the
// global logger.
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger installs an already-built Logger as the global one.
// Mainly useful for tests that want to capture output.
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// L is shorthand for GetGlobalLogger.
func L() *Logger { return GetGlobalLogger() }

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().sugar.Errorf(format, args...) }

// Domain-specific field constructors. Field names are shared across
// every component's structured logs so a log aggregator can filter
// uniformly regardless of which package emitted the line.
func Exchange(name string) zap.Field      { return zap.String("exchange", name) }
func Symbol(symbol string) zap.Field      { return zap.String("symbol", symbol) }
func PairID(id int) zap.Field             { return zap.Int("pair_id", id) }
func OrderID(id string) zap.Field         { return zap.String("order_id", id) }
func Price(p float64) zap.Field           { return zap.Float64("price", p) }
func Volume(v float64) zap.Field          { return zap.Float64("volume", v) }
func Spread(s float64) zap.Field          { return zap.Float64("spread", s) }
func PNL(p float64) zap.Field             { return zap.Float64("pnl", p) }
func Side(side string) zap.Field          { return zap.String("side", side) }
func State(state string) zap.Field        { return zap.String("state", state) }
func Latency(ms float64) zap.Field        { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field       { return zap.String("request_id", id) }
func UserID(id int) zap.Field             { return zap.Int("user_id", id) }
func Component(name string) zap.Field     { return zap.String("component", name) }

// Re-exported zap field constructors so callers need only import this
// package.
func String(key, value string) zap.Field          { return zap.String(key, value) }
func Int(key string, value int) zap.Field          { return zap.Int(key, value) }
func Int64(key string, value int64) zap.Field      { return zap.Int64(key, value) }
func Float64(key string, value float64) zap.Field  { return zap.Float64(key, value) }
func Bool(key string, value bool) zap.Field        { return zap.Bool(key, value) }
func Err(err error) zap.Field                      { return zap.Error(err) }
func Any(key string, value interface{}) zap.Field  { return zap.Any(key, value) }

// fieldsToInterface flattens zap fields into alternating key/value
// pairs, preserving field order, for callers that need to hand fields
// to a sugared logger's *w-suffixed methods (Infow, Warnw, ...).
func fieldsToInterface(fields []zap.Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		enc := zapcore.NewMapObjectEncoder()
		f.AddTo(enc)
		for k, v := range enc.Fields {
			out = append(out, k, v)
		}
	}
	return out
}
