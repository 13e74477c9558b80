package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
	With(kv ...any) Logger
}

// global log level (debug|info|error|fatal), shared by every logger from New.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

type zapLogger struct {
	s *zap.SugaredLogger
}

// New creates a logger; honors env vars LOG_LEVEL (debug|info|error), LOG_JSON (true|false).
func New(env string) Logger {
	return &zapLogger{s: NewZap(env).Sugar()}
}

// NewZap builds the underlying zap logger so HTTP middleware can share the same core.
func NewZap(env string) *zap.Logger {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" { lvl = "info" }
	SetLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	if os.Getenv("LOG_JSON") == "false" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(zap.String("env", env))
}

// FromZap wraps an existing zap logger, mostly useful in tests with zaptest/observer.
func FromZap(l *zap.Logger) Logger { return &zapLogger{s: l.Sugar()} }

// Nop returns a logger that discards everything.
func Nop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }

// Level control
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	case "fatal":
		level.SetLevel(zapcore.FatalLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

func GetLevel() string { return level.Level().String() }

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l *zapLogger) Fatal(msg string, kv ...any) { l.s.Fatalw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger { return &zapLogger{s: l.s.With(kv...)} }
