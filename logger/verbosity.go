package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels, counted from repeated -v flags.
const (
	VerbosityQuiet = 0 // warnings and errors only
	VerbosityInfo  = 1 // -v: scheduler lifecycle, evictions, schedules
	VerbosityDebug = 2 // -vv: queue batches, trigger routing, migrations
)

var verbosityLevels = [...]struct {
	level zapcore.Level
	name  string
}{
	VerbosityQuiet: {zapcore.WarnLevel, "quiet"},
	VerbosityInfo:  {zapcore.InfoLevel, "info (-v)"},
	VerbosityDebug: {zapcore.DebugLevel, "debug (-vv)"},
}

func clampVerbosity(v int) int {
	if v < VerbosityQuiet {
		return VerbosityQuiet
	}
	if v > VerbosityDebug {
		return VerbosityDebug
	}
	return v
}

// VerbosityToLevel maps a -v count to a zap level. Counts past -vv stay at debug.
func VerbosityToLevel(v int) zapcore.Level {
	return verbosityLevels[clampVerbosity(v)].level
}

// LevelName describes a -v count for status output.
func LevelName(v int) string {
	return verbosityLevels[clampVerbosity(v)].name
}
