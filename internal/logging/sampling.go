package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Info. Info and above are what the
// user reads and are never dropped.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	userFacing := &levelRangeCore{Core: core, min: zapcore.InfoLevel, max: ResultsLevel}
	chatter := &levelRangeCore{Core: core, min: TraceLevel, max: zapcore.DebugLevel}
	sampled := zapcore.NewSamplerWithOptions(chatter, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(userFacing, sampled)
}

// levelRangeCore only accepts levels in [min, max].
type levelRangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
