// Package hooks holds logrus hooks shared by the mbeanwatch binaries and tests.
package hooks

import (
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const modulePrefix = "mbeanwatch/"

type contextHook struct{}

// NewContextHook returns a hook that tags every entry with the file:line of the
// first caller outside logrus, trimmed to the path inside this module.
func NewContextHook() log.Hook {
	return contextHook{}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isLoggingFrame(frame.Function) {
			entry.Data["file:line"] = trimFile(frame.File, frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isLoggingFrame(fn string) bool {
	return strings.Contains(fn, "github.com/sirupsen/logrus")
}

func trimFile(file string, line int) string {
	if idx := strings.LastIndex(file, modulePrefix); idx >= 0 {
		file = file[idx+len(modulePrefix):]
	}
	return file + ":" + strconv.Itoa(line)
}
