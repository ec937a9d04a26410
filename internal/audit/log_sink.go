package audit

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LogSink writes events as structured zerolog lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink writes audit lines to w (stdout if nil).
func NewLogSink(w io.Writer) *LogSink {
	if w == nil {
		w = os.Stdout
	}
	return &LogSink{logger: zerolog.New(w).With().Str("stream", "audit").Logger()}
}

// NewLogSinkFrom reuses an existing logger.
func NewLogSinkFrom(l zerolog.Logger) *LogSink {
	return &LogSink{logger: l.With().Str("stream", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	ev := s.logger.Info()
	if e.ErrorKind != "" {
		ev = s.logger.Warn().Str("error_kind", e.ErrorKind)
	}
	ev = ev.Time("event_time", e.Time).Str("action", e.Action)
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	if e.Subject != "" {
		ev = ev.Str("subject", e.Subject)
	}
	if e.KeyVersion != 0 {
		ev = ev.Uint32("key_version", e.KeyVersion)
	}
	for k, v := range e.Details {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit event")
	return nil
}
