package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const subsystemFieldName = "subsystem"

func (f StringField) apply(e *zerolog.Event) *zerolog.Event   { return e.Str(f.Key, f.Value) }
func (f StringsField) apply(e *zerolog.Event) *zerolog.Event  { return e.Strs(f.Key, f.Value) }
func (f IntField) apply(e *zerolog.Event) *zerolog.Event      { return e.Int(f.Key, f.Value) }
func (f Int64Field) apply(e *zerolog.Event) *zerolog.Event    { return e.Int64(f.Key, f.Value) }
func (f BoolField) apply(e *zerolog.Event) *zerolog.Event     { return e.Bool(f.Key, f.Value) }
func (f DurationField) apply(e *zerolog.Event) *zerolog.Event { return e.Dur(f.Key, f.Value) }
func (f TimeField) apply(e *zerolog.Event) *zerolog.Event     { return e.Time(f.Key, f.Value) }
func (f ErrorField) apply(e *zerolog.Event) *zerolog.Event    { return e.AnErr(f.Key, f.Value) }
func (f AnyField) apply(e *zerolog.Event) *zerolog.Event      { return e.Interface(f.Key, f.Value) }

func (f StringField) key() string   { return f.Key }
func (f StringsField) key() string  { return f.Key }
func (f IntField) key() string      { return f.Key }
func (f Int64Field) key() string    { return f.Key }
func (f BoolField) key() string     { return f.Key }
func (f DurationField) key() string { return f.Key }
func (f TimeField) key() string     { return f.Key }
func (f ErrorField) key() string    { return f.Key }
func (f AnyField) key() string      { return f.Key }

func (f StringField) value() any   { return f.Value }
func (f StringsField) value() any  { return f.Value }
func (f IntField) value() any      { return f.Value }
func (f Int64Field) value() any    { return f.Value }
func (f BoolField) value() any     { return f.Value }
func (f DurationField) value() any { return f.Value }
func (f TimeField) value() any     { return f.Value }
func (f ErrorField) value() any    { return f.Value }
func (f AnyField) value() any      { return f.Value }

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	base       zerolog.Logger
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger creates a ZerologLogger. Console formatting is used unless
// the format is JSON; the optional file output is always JSON.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == DefaultFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				NoColor:    config.NoColor,
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					zerolog.CallerFieldName,
					subsystemFieldName,
					zerolog.MessageFieldName,
				},
			})
		} else {
			writers = append(writers, output)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp()
	if config.EnableCaller {
		ctx = ctx.CallerWithSkipFrameCount(4)
	}
	zl := &ZerologLogger{
		base:       ctx.Logger(),
		config:     config,
		fileWriter: fileWriter,
	}
	return zl.withSubsystem(config.Subsystem)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return &ZerologLogger{base: zerolog.Nop(), logger: zerolog.Nop(), config: &Config{Level: PanicLevel}}
}

func (zl *ZerologLogger) log(event *zerolog.Event, msg string, fields []TypedField) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.apply(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

// Fatal logs a message at fatal level and exits
func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.log(zl.logger.Fatal(), msg, fields)
}

// WithSubsystem creates a child logger whose subsystem is nested under the current one.
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	if zl.subsystem != "" {
		name = zl.subsystem + "." + name
	}
	return zl.withSubsystem(name)
}

// WithSystem creates a child logger with the subsystem replaced.
func (zl *ZerologLogger) WithSystem(name string) Logger {
	return zl.withSubsystem(name)
}

// The subsystem is layered on base so that nesting replaces the field
// instead of repeating it.
func (zl *ZerologLogger) withSubsystem(name string) *ZerologLogger {
	logger := zl.base
	if name != "" {
		logger = zl.base.With().Str(subsystemFieldName, name).Logger()
	}
	return &ZerologLogger{
		base:       zl.base,
		logger:     logger,
		config:     zl.config,
		subsystem:  name,
		fileWriter: zl.fileWriter,
	}
}

// WithFields creates a new logger with additional fields
func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.key()] = f.value()
	}
	child := &ZerologLogger{
		base:       zl.base.With().Fields(m).Logger(),
		config:     zl.config,
		fileWriter: zl.fileWriter,
	}
	return child.withSubsystem(zl.subsystem)
}

// IsLevelEnabled checks if a log level is enabled
func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	current := zl.logger.GetLevel()
	if current == zerolog.Disabled {
		return false
	}
	return current <= level.zerolog()
}

// Close releases the rotating file, if any.
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
