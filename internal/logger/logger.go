package logger

import (
	"fmt"
	"io"
	"reflect"

	"github.com/sirupsen/logrus"
)

type stringer interface {
	String() string
}

const objWidth = 20

func objToString(obj any) (objStr string) {
	if obj == nil {
		objStr = "NIL"
	} else if stringerObj, ok := obj.(stringer); ok {
		objStr = stringerObj.String()
	} else if objStr, ok = obj.(string); ok {
	} else {
		objStr = reflect.TypeOf(obj).String()
	}
	if len(objStr) > objWidth {
		objStr = objStr[len(objStr)-objWidth:]
	}
	return
}

// Init configures the standard logrus logger used by the package level
// functions and by loggers created with a nil entry.
func Init(lvl logrus.Level) {
	logrus.SetLevel(lvl)
	logrus.SetFormatter(textFormatter())
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		PadLevelText:    true,
		TimestampFormat: "2006/01/02 15:04:05",
	}
}

// ParseLevel is logrus.ParseLevel with "" meaning info.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(s)
}

// Logger tags every line with the object it is about.
type Logger struct {
	entry *logrus.Entry
}

// New wraps entry. A nil entry logs to the standard logger.
func New(entry *logrus.Entry) *Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Logger{entry: entry}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return New(logrus.NewEntry(l))
}

// WithField returns a logger carrying an extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) log(lvl logrus.Level, object any, message string, args ...any) {
	if !l.entry.Logger.IsLevelEnabled(lvl) {
		return
	}
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	l.entry.Log(lvl, fmt.Sprintf("|%*s| %s", objWidth, objToString(object), message))
}

func (l *Logger) Tracef(object any, message string, args ...any) {
	l.log(logrus.TraceLevel, object, message, args...)
}

func (l *Logger) Debugf(object any, message string, args ...any) {
	l.log(logrus.DebugLevel, object, message, args...)
}

func (l *Logger) Infof(object any, message string, args ...any) {
	l.log(logrus.InfoLevel, object, message, args...)
}

func (l *Logger) Warningf(object any, message string, args ...any) {
	l.log(logrus.WarnLevel, object, message, args...)
}

func (l *Logger) Errorf(object any, message string, args ...any) {
	l.log(logrus.ErrorLevel, object, message, args...)
}

var std = New(nil)

func Debugf(object any, message string, args ...any) {
	std.Debugf(object, message, args...)
}

func Infof(object any, message string, args ...any) {
	std.Infof(object, message, args...)
}

func Warningf(object any, message string, args ...any) {
	std.Warningf(object, message, args...)
}

func Errorf(object any, message string, args ...any) {
	std.Errorf(object, message, args...)
}
