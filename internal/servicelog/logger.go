// Package servicelog is the runtime's structured logging facade. It
// keeps the attribute-builder shape the rest of the codebase is
// written against so call sites never import zap directly, while the
// actual sink is a *zap.Logger instead of an OS service host (this
// repo has no installable-service component).
package servicelog

import (
	"net/url"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

// Attrib is a deferred key/value pair appended to a log line.
type Attrib func() zap.Field

// String builds a string attribute.
func String(name, value string) Attrib { return func() zap.Field { return zap.String(name, value) } }

// Error builds an error attribute.
func Error(err error) Attrib { return func() zap.Field { return zap.Error(err) } }

// Bool builds a boolean attribute.
func Bool(name string, value bool) Attrib { return func() zap.Field { return zap.Bool(name, value) } }

// Any builds an attribute from an arbitrary value.
func Any(name string, value interface{}) Attrib {
	return func() zap.Field { return zap.Any(name, value) }
}

// Int builds an integer attribute.
func Int(name string, value int) Attrib { return func() zap.Field { return zap.Int(name, value) } }

// Uint64 builds a uint64 attribute, used for sequence numbers.
func Uint64(name string, value uint64) Attrib {
	return func() zap.Field { return zap.Uint64(name, value) }
}

// Time builds a timestamp attribute.
func Time(name string, value time.Time) Attrib {
	return func() zap.Field { return zap.Time(name, value) }
}

// Duration builds a duration attribute.
func Duration(name string, value time.Duration) Attrib {
	return func() zap.Field { return zap.Duration(name, value) }
}

// Logger is the interface every runtime package logs through.
type Logger interface {
	With(attrs ...Attrib) Logger
	Info(msg string, attrs ...Attrib)
	Error(msg string, attrs ...Attrib)
	Warn(msg string, attrs ...Attrib)
	Debug(msg string, attrs ...Attrib)
	Fatal(msg string, attrs ...Attrib)
}

type logger struct {
	z *zap.Logger
}

func fields(attrs []Attrib) []zap.Field {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]zap.Field, len(attrs))
	for i, a := range attrs {
		out[i] = a()
	}
	return out
}

// New builds a Logger writing to stderr (production JSON, or zap's
// development console format when debug is set) and, if logFile is
// non-empty, additionally to a lumberjack-rotated file.
func New(debug bool, logFile string) (Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if logFile == "" {
		z, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return &logger{z: z}, nil
	}
	zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
		return lumberjackSink{Logger: &lumberjack.Logger{Filename: u.Path}}, nil
	})
	cfg.OutputPaths = append(cfg.OutputPaths, "lumberjack://"+logFile)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &logger{z: z}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &logger{z: zap.NewNop()}
}

func (l *logger) With(attrs ...Attrib) Logger {
	return &logger{z: l.z.With(fields(attrs)...)}
}

func (l *logger) Info(msg string, attrs ...Attrib)  { l.z.Info(msg, fields(attrs)...) }
func (l *logger) Error(msg string, attrs ...Attrib) { l.z.Error(msg, fields(attrs)...) }
func (l *logger) Warn(msg string, attrs ...Attrib)  { l.z.Warn(msg, fields(attrs)...) }
func (l *logger) Debug(msg string, attrs ...Attrib) { l.z.Debug(msg, fields(attrs)...) }
func (l *logger) Fatal(msg string, attrs ...Attrib) { l.z.Fatal(msg, fields(attrs)...) }
