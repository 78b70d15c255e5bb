package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug for ultra-verbose logging,
// such as raw subprocess output.
const TraceLevel = zapcore.Level(-2)

// ResultsLevel tags final metrics. It sits above every standard level so
// no level filter drops it.
const ResultsLevel = zapcore.Level(6)

// LevelFromString parses a string into a zapcore.Level, supporting "trace"
// and "results".
func LevelFromString(level string) (zapcore.Level, error) {
	switch level {
	case "trace":
		return TraceLevel, nil
	case "results":
		return ResultsLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Prefix returns the user-facing tag of a level.
func Prefix(l zapcore.Level) string {
	switch {
	case l == ResultsLevel:
		return "[RESULTS]"
	case l == TraceLevel:
		return "[TRACE]"
	case l == zapcore.DebugLevel:
		return "[DEBUG]"
	case l == zapcore.InfoLevel:
		return "[INFO]"
	case l == zapcore.WarnLevel:
		return "[WARN]"
	default:
		return "[FAIL]"
	}
}

func prefixLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(Prefix(l))
}

func nameLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case ResultsLevel:
		enc.AppendString("results")
	case TraceLevel:
		enc.AppendString("trace")
	default:
		enc.AppendString(l.String())
	}
}
