//go:build !tinygo

package logx

import (
	"io"

	colorable "github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

var base = func() *logrus.Logger {
	l := logrus.New()
	l.Formatter = new(logrus.TextFormatter)
	l.Out = colorable.NewColorableStdout()
	l.Level = logrus.InfoLevel
	return l
}()

// Logger is a tagged view of the process logger.
type Logger struct {
	e *logrus.Entry
}

func New(tag string) *Logger {
	return &Logger{e: base.WithField("tag", tag)}
}

func (l *Logger) Debugf(format string, args ...any) { l.e.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.e.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.e.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.e.Errorf(format, args...) }

// SetLevel accepts logrus level names ("debug", "info", "warn", ...).
// Unknown names leave the level unchanged and return the parse error.
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// SetOutput redirects every Logger. Tests use it to capture warnings.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// DisableColors switches the text formatter to plain output.
func DisableColors() {
	base.Formatter = &logrus.TextFormatter{DisableColors: true, DisableTimestamp: true}
}
