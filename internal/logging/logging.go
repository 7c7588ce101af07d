// Package logging configures the global logrus logger: progress lines go to
// stdout, warnings and errors go to stderr.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// Setup applies level and format to the standard logger and splits its
// output between stdout and stderr by level.
func Setup(level, format string) {
	SetupWithWriters(level, format, os.Stdout, os.Stderr)
}

// SetupWithWriters is Setup with explicit destinations.
func SetupWithWriters(level, format string, stdout, stderr io.Writer) {
	log.SetLevel(parseLevel(level))

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetOutput(io.Discard)
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	log.AddHook(&writer.Hook{
		Writer: stderr,
		LogLevels: []log.Level{
			log.PanicLevel,
			log.FatalLevel,
			log.ErrorLevel,
			log.WarnLevel,
		},
	})
	log.AddHook(&writer.Hook{
		Writer: stdout,
		LogLevels: []log.Level{
			log.InfoLevel,
			log.DebugLevel,
			log.TraceLevel,
		},
	})
}

func parseLevel(level string) log.Level {
	parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return log.InfoLevel
	}
	return parsed
}

type fieldsHook struct {
	fields log.Fields
}

func (h *fieldsHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fieldsHook) Fire(entry *log.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// AddFields attaches fields to every later entry of the standard logger.
// Call it after Setup.
func AddFields(fields log.Fields) {
	current := log.StandardLogger().Hooks
	hooks := make(log.LevelHooks)
	hooks.Add(&fieldsHook{fields: fields})
	for _, level := range log.AllLevels {
		hooks[level] = append(hooks[level], current[level]...)
	}
	log.StandardLogger().ReplaceHooks(hooks)
}
