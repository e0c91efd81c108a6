package logger

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter lets a Logger serve libraries that take an hclog.Logger. The
// vault client hands it to go-retryablehttp, which only needs the leveled
// methods.
type HCLogAdapter struct {
	logger Logger
	name   string
	args   []any
}

var _ hclog.Logger = (*HCLogAdapter)(nil)

// NewHCLogAdapter creates a new adapter for the given Logger
func NewHCLogAdapter(logger Logger) hclog.Logger {
	return &HCLogAdapter{logger: logger}
}

// Log emits a message at the given level
func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...any) {
	fields := a.argsToFields(args)
	switch level {
	case hclog.Trace:
		a.logger.Trace(msg, fields...)
	case hclog.Debug:
		a.logger.Debug(msg, fields...)
	case hclog.Warn:
		a.logger.Warn(msg, fields...)
	case hclog.Error:
		a.logger.Error(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...any) { a.Log(hclog.Trace, msg, args...) }
func (a *HCLogAdapter) Debug(msg string, args ...any) { a.Log(hclog.Debug, msg, args...) }
func (a *HCLogAdapter) Info(msg string, args ...any)  { a.Log(hclog.Info, msg, args...) }
func (a *HCLogAdapter) Warn(msg string, args ...any)  { a.Log(hclog.Warn, msg, args...) }
func (a *HCLogAdapter) Error(msg string, args ...any) { a.Log(hclog.Error, msg, args...) }

// argsToFields converts alternating key/value pairs. A trailing key without
// a value and non-string keys are dropped.
func (a *HCLogAdapter) argsToFields(args []any) []TypedField {
	all := make([]any, 0, len(a.args)+len(args))
	all = append(all, a.args...)
	all = append(all, args...)

	fields := make([]TypedField, 0, len(all)/2)
	for i := 0; i+1 < len(all); i += 2 {
		key, ok := all[i].(string)
		if !ok {
			continue
		}
		if err, ok := all[i+1].(error); ok {
			fields = append(fields, ErrorField{Key: key, Value: err})
			continue
		}
		fields = append(fields, Any(key, all[i+1]))
	}
	return fields
}

// Named returns a logger with name appended, joined with ".".
func (a *HCLogAdapter) Named(name string) hclog.Logger {
	newName := name
	if a.name != "" {
		newName = a.name + "." + name
	}
	return &HCLogAdapter{
		logger: a.logger.WithSubsystem(name),
		name:   newName,
		args:   a.args,
	}
}

// ResetNamed replaces the logger name.
func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{
		logger: a.logger.WithSystem(name),
		name:   name,
		args:   a.args,
	}
}

// With returns a logger with the given key/value pairs as implied args.
func (a *HCLogAdapter) With(args ...any) hclog.Logger {
	newArgs := make([]any, 0, len(a.args)+len(args))
	newArgs = append(newArgs, a.args...)
	newArgs = append(newArgs, args...)
	return &HCLogAdapter{
		logger: a.logger,
		name:   a.name,
		args:   newArgs,
	}
}

func (a *HCLogAdapter) Name() string        { return a.name }
func (a *HCLogAdapter) ImpliedArgs() []any  { return a.args }
func (a *HCLogAdapter) IsTrace() bool       { return a.logger.IsLevelEnabled(TraceLevel) }
func (a *HCLogAdapter) IsDebug() bool       { return a.logger.IsLevelEnabled(DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool        { return a.logger.IsLevelEnabled(InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool        { return a.logger.IsLevelEnabled(WarnLevel) }
func (a *HCLogAdapter) IsError() bool       { return a.logger.IsLevelEnabled(ErrorLevel) }
func (a *HCLogAdapter) SetLevel(hclog.Level) {}

// GetLevel reports the most verbose enabled level.
func (a *HCLogAdapter) GetLevel() hclog.Level {
	switch {
	case a.IsTrace():
		return hclog.Trace
	case a.IsDebug():
		return hclog.Debug
	case a.IsInfo():
		return hclog.Info
	case a.IsWarn():
		return hclog.Warn
	case a.IsError():
		return hclog.Error
	default:
		return hclog.Off
	}
}

// StandardLogger is not supported.
func (a *HCLogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return nil
}

// StandardWriter is not supported.
func (a *HCLogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return nil
}
