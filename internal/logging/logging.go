package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface used across the bot. It is the
// subset of *zap.SugaredLogger the packages actually call.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Fatalw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

// current is a noop until Init runs so package-level calls are always safe.
var current Logger = noopLogger{}

// Init builds the JSON zap logger from LOG_LEVEL and redirects the standard
// library logger into it. Safe to call more than once.
func Init() *zap.SugaredLogger { return InitTo("stdout") }

// InitTo is Init writing to output ("stdout", "stderr" or a file path).
// Processes that speak a protocol on stdout log to stderr.
func InitTo(output string) *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{output},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(os.Getenv("LOG_LEVEL")))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

// ParseLevel maps a LOG_LEVEL string onto a zap level. Unknown values are info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package-level logger. Pass nil to restore the logger
// built by Init (or the noop logger). Tests use this with zaptest/observer.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		current = l
		return
	}
	if sugar != nil {
		current = sugar
	} else {
		current = noopLogger{}
	}
}

// GetLogger returns the current Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { GetLogger().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { GetLogger().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { GetLogger().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { GetLogger().Errorw(msg, keysAndValues...) }

// FatalExitf logs at fatal level and exits with code 1.
func FatalExitf(msg string, keysAndValues ...interface{}) {
	GetLogger().Fatalw(msg, keysAndValues...)
	os.Exit(1)
}

// Sync flushes any buffered logs.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv. Existing fields are kept and the
// new ones appended after them.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns any fields previously attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

func merge(ctx context.Context, kv []interface{}) []interface{} {
	ctxFields := FromContext(ctx)
	if len(ctxFields) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(ctxFields)+len(kv))
	out = append(out, ctxFields...)
	return append(out, kv...)
}

func InfowCtx(ctx context.Context, msg string, kv ...interface{})  { Infow(msg, merge(ctx, kv)...) }
func DebugwCtx(ctx context.Context, msg string, kv ...interface{}) { Debugw(msg, merge(ctx, kv)...) }
func WarnwCtx(ctx context.Context, msg string, kv ...interface{})  { Warnw(msg, merge(ctx, kv)...) }
func ErrorwCtx(ctx context.Context, msg string, kv ...interface{}) { Errorw(msg, merge(ctx, kv)...) }

// UserFields returns canonical user.* keys. Dot-separated keys keep
// downstream queries uniform.
func UserFields(userID, userName string) []interface{} {
	if userName == "" {
		return []interface{}{"user.id", userID}
	}
	return []interface{}{"user.id", userID, "user.name", userName}
}

func GuildFields(guildID, guildName string) []interface{} {
	if guildName == "" {
		return []interface{}{"guild.id", guildID}
	}
	return []interface{}{"guild.id", guildID, "guild.name", guildName}
}

func ChannelFields(channelID, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// UtteranceFields describes a finalized utterance: its correlation id, the
// number of PCM bytes and the duration those bytes represent.
func UtteranceFields(correlationID string, bytes int, durationMs int) []interface{} {
	return []interface{}{"correlation_id", correlationID, "bytes", bytes, "duration_ms", durationMs}
}
