package tradechat

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log field names shared by every component.
const (
	FieldComponent      = "component"
	FieldEvent          = "event"
	FieldState          = "state"
	FieldUserID         = "user_id"
	FieldConversationID = "conversation_id"
	FieldTempID         = "temp_id"
	FieldMessageID      = "message_id"
	FieldAttempt        = "attempt"
	FieldDelay          = "delay_ms"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// NewLogger creates a zerolog.Logger writing JSON, or console output when
// Pretty is set. Output defaults to stderr.
func NewLogger(cfg LogConfig) zerolog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
