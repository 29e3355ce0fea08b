package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide base logger. Components take a Named child of it
// through ComponentLogger and never write to it directly.
var Logger = zap.NewNop().Sugar()

var (
	level     = zap.NewAtomicLevelAt(zap.WarnLevel)
	verbosity atomic.Int32
)

// Initialize replaces Logger with a console or JSON logger on stderr.
// Stdout stays reserved for command output (tables, --json dumps).
func Initialize(jsonOutput bool) error {
	enc := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)

	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if jsonOutput {
		opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))
	}
	Logger = zap.New(core, opts...).Sugar()
	return nil
}

// SetVerbosity adjusts the shared level, which also applies to loggers
// already handed out via Named/With.
func SetVerbosity(v int) {
	verbosity.Store(int32(v))
	level.SetLevel(VerbosityToLevel(v))
}

// Verbosity is the value last passed to SetVerbosity.
func Verbosity() int {
	return int(verbosity.Load())
}

// Level returns the current global log level.
func Level() zapcore.Level {
	return level.Level()
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.CallerKey = zapcore.OmitKey
	cfg.StacktraceKey = zapcore.OmitKey
	return cfg
}

// jsonEncoderConfig matches what log shippers expect: ts, level, logger, msg.
func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.MillisDurationEncoder
	cfg.CallerKey = zapcore.OmitKey
	return cfg
}

// Cleanup flushes any buffered log entries.
func Cleanup() {
	_ = Logger.Sync()
}
