package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// leveledCore filters a wrapped core by its own level instead of the shared one.
type leveledCore struct {
	zapcore.Core

	level zapcore.Level
}

// Enabled reports whether entries at l pass this core's level.
func (c *leveledCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l)
}

// Check registers the core for entries that pass its level.
//
//nolint:gocritic // AddCore requires ent to be passed by value.
func (c *leveledCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

// With keeps the level when fields are attached.
//
//nolint:ireturn,nolintlint // zapcore.Core is the interface zap expects.
func (c *leveledCore) With(fields []zapcore.Field) zapcore.Core {
	return &leveledCore{
		Core:  c.Core.With(fields),
		level: c.level,
	}
}

// WithLevel is a zap option pinning a logger to lvl regardless of the shared level.
//
//nolint:ireturn,nolintlint // zap.Option is the interface zap expects.
func WithLevel(lvl zapcore.Level) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &leveledCore{
			Core:  core,
			level: lvl,
		}
	})
}

// WithMinLevel returns a context whose logger only emits entries at lvl or above.
// CLI commands that print results on stdout use it to keep routine logs out of the way.
func WithMinLevel(ctx context.Context, lvl zapcore.Level) context.Context {
	return ToContext(ctx, FromContext(ctx).WithOptions(WithLevel(lvl)))
}
