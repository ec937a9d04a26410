package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
//
// Callers pass only metadata: session ids, key versions, error kinds and
// device ids. Nothing logged here may be derived from key bytes or
// plaintext.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel parses level ("debug", "info", "warn", "error"); unknown values
// select info.
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return &Logger{logger: l.logger.Level(lvl)}
}

// Zerolog exposes the underlying logger, e.g. for an audit.LogSink.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// KeysEstablished logs initial key agreement for a session.
func (l *Logger) KeysEstablished(sessionID string, version uint32) {
	l.logger.Info().
		Str("session_id", sessionID).
		Uint32("key_version", version).
		Msg("session keys established")
}

// KeysRotated logs a completed rotation.
func (l *Logger) KeysRotated(sessionID string, from, to uint32, graceUntil time.Time) {
	l.logger.Info().
		Str("session_id", sessionID).
		Uint32("previous_version", from).
		Uint32("key_version", to).
		Time("grace_until", graceUntil).
		Msg("session keys rotated")
}

// RotationDiverged logs a rotation the peer accepted but this side could
// not install.
func (l *Logger) RotationDiverged(sessionID string, version uint32, err error) {
	l.logger.Error().
		Str("session_id", sessionID).
		Uint32("key_version", version).
		Err(err).
		Msg("rotation diverged from peer, retiring session")
}

// KeyVersionRetired logs that a previous version's keys were scrubbed.
func (l *Logger) KeyVersionRetired(sessionID string, version uint32) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Uint32("key_version", version).
		Msg("key version retired")
}

// SessionRetired logs the end of a session's key material.
func (l *Logger) SessionRetired(sessionID string, versions int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("versions_scrubbed", versions).
		Msg("session retired")
}

// DecryptFailed logs a rejected message or chunk. Only the error kind is
// recorded; suppressed counts rejections dropped by the report throttle
// since the previous line.
func (l *Logger) DecryptFailed(sessionID string, version uint32, op, errorKind string, suppressed uint64) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Uint32("key_version", version).
		Str("op", op).
		Str("error_kind", errorKind).
		Uint64("suppressed", suppressed).
		Msg("decryption rejected")
}

// StreamProcessed logs a completed stream operation.
func (l *Logger) StreamProcessed(sessionID string, op string, chunks uint64, size int64, duration time.Duration) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Str("op", op).
		Uint64("chunks", chunks).
		Int64("size", size).
		Float64("duration_seconds", duration.Seconds()).
		Msg("stream processed")
}

// CertificateIssued logs a new device certificate.
func (l *Logger) CertificateIssued(deviceID, fingerprint string, validTo time.Time) {
	l.logger.Info().
		Str("device_id", deviceID).
		Str("fingerprint", fingerprint).
		Time("valid_to", validTo).
		Msg("device certificate issued")
}

// CertificateRejected logs a certificate that failed verification.
func (l *Logger) CertificateRejected(deviceID string, err error) {
	l.logger.Warn().
		Str("device_id", deviceID).
		Err(err).
		Msg("device certificate rejected")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
