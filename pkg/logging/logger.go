// Package logging builds the hclog loggers shared by the ota components.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Prefix marks every human-readable log line.
const Prefix = "📟 "

const defaultLevel = hclog.Warn

// Options configures New.
type Options struct {
	Name   string
	Level  string    // unknown or empty levels log at warn
	JSON   bool      // OTA_JSON_LOG=1 turns it on as well
	Output io.Writer // stderr when nil
}

// New returns a logger stamped in UTC. Text output carries Prefix on
// every line.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	jsonFormat := opts.JSON || os.Getenv("OTA_JSON_LOG") == "1"
	if !jsonFormat {
		out = NewPrefixWriter(Prefix, out)
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      parseLevel(opts.Level),
		JSONFormat: jsonFormat,
		Output:     out,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn:     func() time.Time { return time.Now().UTC() },
	})
}

// ResolveLevel picks the level to log at: OTA_LOG_LEVEL wins over the
// configured one.
func ResolveLevel(configured string) string {
	if level := os.Getenv("OTA_LOG_LEVEL"); level != "" {
		return level
	}
	return configured
}

func parseLevel(s string) hclog.Level {
	if l := hclog.LevelFromString(s); l != hclog.NoLevel {
		return l
	}
	return defaultLevel
}
