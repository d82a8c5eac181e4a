//go:build tinygo

package logx

import "fmt"

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var level = levelInfo

type Logger struct {
	tag string
}

func New(tag string) *Logger { return &Logger{tag: "[" + tag + "]"} }

func (l *Logger) Debugf(format string, args ...any) { l.out(levelDebug, "D", format, args) }
func (l *Logger) Infof(format string, args ...any)  { l.out(levelInfo, "I", format, args) }
func (l *Logger) Warnf(format string, args ...any)  { l.out(levelWarn, "W", format, args) }
func (l *Logger) Errorf(format string, args ...any) { l.out(levelError, "E", format, args) }

func (l *Logger) out(lvl int, mark, format string, args []any) {
	if lvl < level {
		return
	}
	println(l.tag, mark, fmt.Sprintf(format, args...))
}

func SetLevel(name string) error {
	switch name {
	case "debug", "trace":
		level = levelDebug
	case "info":
		level = levelInfo
	case "warn", "warning":
		level = levelWarn
	case "error":
		level = levelError
	default:
		return fmt.Errorf("logx: unknown level %q", name)
	}
	return nil
}
