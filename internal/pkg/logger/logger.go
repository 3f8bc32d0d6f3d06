// Package logger emits structured JSON log lines for the HTTP layer.
// Workers use the stdlib log with [Component] prefixes; this logger exists
// for request logs where machine-parsable fields matter.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

type jsonLogger struct {
	mu    sync.Mutex
	level Level
}

var std = &jsonLogger{level: INFO}

// SetLevel sets the minimum level by name; unknown names keep INFO.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		std.level = DEBUG
	case "warn":
		std.level = WARN
	case "error":
		std.level = ERROR
	default:
		std.level = INFO
	}
}

// Debug emits a DEBUG entry with alternating key/value fields.
func Debug(msg string, fields ...any) { std.log(DEBUG, msg, fields...) }

// Info emits an INFO entry with alternating key/value fields.
func Info(msg string, fields ...any) { std.log(INFO, msg, fields...) }

// Warn emits a WARN entry with alternating key/value fields.
func Warn(msg string, fields ...any) { std.log(WARN, msg, fields...) }

// Error emits an ERROR entry with alternating key/value fields.
func Error(msg string, fields ...any) { std.log(ERROR, msg, fields...) }

func (l *jsonLogger) log(level Level, msg string, fields ...any) {
	if level < l.level {
		return
	}
	entry := map[string]any{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		entry[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	os.Stderr.Write(append(line, '\n'))
}
