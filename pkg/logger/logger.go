package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
	Debug(msg string, values ...any)
	Panic(message string, values ...any)
	Fatal(error error, values ...any)
	Printf(format string, args ...interface{})
}

// Options selects the encoder and level of the process-wide logger. Fields
// are attached to every entry.
type Options struct {
	Production bool
	Level      string
	Fields     []any
}

// init installs a logger from LOG_ENV and LOG_LEVEL so packages can log
// before config is loaded. Binaries call Setup once config is known.
func init() {
	if _, err := Setup(Options{
		Production: os.Getenv("LOG_ENV") == "production",
		Level:      os.Getenv("LOG_LEVEL"),
	}); err != nil {
		panic(err)
	}
}

// Setup builds a logger from opts and makes it the global one. An unknown
// level keeps the encoder's default.
func Setup(opts Options) (*ZapLogger, error) {
	config := zap.NewDevelopmentConfig()
	if opts.Production {
		config = zap.NewProductionConfig()
	}
	if opts.Level != "" {
		if parsed, err := zapcore.ParseLevel(opts.Level); err == nil {
			config.Level = zap.NewAtomicLevelAt(parsed)
		}
	}

	l, err := NewLogger(config)
	if err != nil {
		return nil, err
	}
	if len(opts.Fields) > 0 {
		l = l.With(opts.Fields...)
	}
	replace(l)
	return l, nil
}

func Info(msg string, values ...any) {
	GetLogger().Info(msg, values...)
}

func Warn(msg string, values ...any) {
	GetLogger().Warn(msg, values...)
}

func Error(msg string, values ...any) {
	GetLogger().Error(msg, values...)
}

func Debug(msg string, values ...any) {
	GetLogger().Debug(msg, values...)
}

func Fatal(error error, values ...any) {
	GetLogger().Fatal(error, values...)
}

// Sync flushes buffered entries. Call it before the process exits.
func Sync() {
	_ = GetLogger().log.Sync()
}
