// Package telemetrylog is conduit's process-wide structured logger: a zap
// core exposed both as *zap.Logger and as a log/slog.Handler, so archetype
// and adapter code that only knows slog still lands on the same sink.
package telemetrylog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	zl          *zap.Logger
	slogger     *slog.Logger
	levelAtomic zap.AtomicLevel
	inited      atomic.Bool
)

type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
}

func Init(cfg Config) {
	if inited.Load() {
		return
	}
	level := zap.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	levelAtomic = zap.NewAtomicLevelAt(level)
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeTime: func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(t.UTC().Format(time.RFC3339Nano))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), levelAtomic)
	zl = zap.New(core, zap.AddCaller())
	slogger = slog.New(zapslogHandler{core: core})
	inited.Store(true)
}

// zapslogHandler implements slog.Handler on top of a zapcore.Core so
// filter/archetype code written against the standard library logger
// lands in the same sink as code using Zap() directly.
type zapslogHandler struct {
	core  zapcore.Core
	attrs []slog.Attr
}

func (h zapslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	switch level {
	case slog.LevelDebug:
		return levelAtomic.Enabled(zap.DebugLevel)
	case slog.LevelInfo:
		return levelAtomic.Enabled(zap.InfoLevel)
	case slog.LevelWarn:
		return levelAtomic.Enabled(zap.WarnLevel)
	case slog.LevelError:
		return levelAtomic.Enabled(zap.ErrorLevel)
	default:
		return true
	}
}

func (h zapslogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zapcore.Field, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields = append(fields, attrToField(a))
	}
	r.Attrs(func(a slog.Attr) bool { fields = append(fields, attrToField(a)); return true })
	lvl := zap.DebugLevel
	switch {
	case r.Level >= slog.LevelError:
		lvl = zap.ErrorLevel
	case r.Level >= slog.LevelWarn:
		lvl = zap.WarnLevel
	case r.Level >= slog.LevelInfo:
		lvl = zap.InfoLevel
	}
	return h.core.Write(zapcore.Entry{Level: lvl, Time: r.Time, Message: r.Message}, fields)
}

func (h zapslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return nh
}

func (h zapslogHandler) WithGroup(name string) slog.Handler {
	return h.WithAttrs([]slog.Attr{slog.Group(name)})
}

func attrToField(a slog.Attr) zapcore.Field {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return zap.String(a.Key, a.Value.String())
	case slog.KindInt64:
		return zap.Int64(a.Key, a.Value.Int64())
	case slog.KindUint64:
		return zap.Uint64(a.Key, a.Value.Uint64())
	case slog.KindFloat64:
		return zap.Float64(a.Key, a.Value.Float64())
	case slog.KindBool:
		return zap.Bool(a.Key, a.Value.Bool())
	case slog.KindTime:
		return zap.Time(a.Key, a.Value.Time())
	default:
		return zap.Any(a.Key, a.Value.Any())
	}
}

func Zap() *zap.Logger   { return zl }
func Slog() *slog.Logger { return slogger }

func SetLevel(level string) {
	switch level {
	case "debug":
		levelAtomic.SetLevel(zap.DebugLevel)
	case "info":
		levelAtomic.SetLevel(zap.InfoLevel)
	case "warn":
		levelAtomic.SetLevel(zap.WarnLevel)
	case "error":
		levelAtomic.SetLevel(zap.ErrorLevel)
	}
}

// ForFilter returns a child logger tagged with the filter's name, so every
// log line an archetype emits is attributable to one graph node.
func ForFilter(name string) *zap.Logger {
	if zl == nil {
		return zap.NewNop()
	}
	return zl.With(zap.String("filter", name))
}

// ForBuffer returns a child logger tagged with a buffer's owning filter and
// port, for ring-buffer drop/block diagnostics.
func ForBuffer(filterName string, port int) *zap.Logger {
	if zl == nil {
		return zap.NewNop()
	}
	return zl.With(zap.String("filter", filterName), zap.Int("port", port))
}
