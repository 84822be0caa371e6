// Package logging configures the process-wide zerolog logger and provides
// redaction for payload fields that must never reach the log stream.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"phemex-relay/config"
)

// Setup builds the root logger from LoggingConfig. Events carry millisecond
// UTC timestamps and an "event" field added at call sites.
func Setup(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var out io.Writer = os.Stdout
	if cfg.ToFile {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sensitiveKeys are redacted verbatim; any key containing SECRET or API_KEY
// (case-insensitive) is redacted as well.
var sensitiveKeys = map[string]struct{}{
	"relaySecret": {},
	"signalToken": {},
}

const redactedPlaceholder = "***REDACTED***"

// Redact returns a shallow copy of m with sensitive values masked. The input
// map is not modified.
func Redact(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if isSensitive(k) && v != nil {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	upper := strings.ToUpper(key)
	return strings.Contains(upper, "SECRET") || strings.Contains(upper, "API_KEY")
}
