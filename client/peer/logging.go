package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

type pionLoggerFactory struct {
	logger zerolog.Logger
}

// NewPionLogger routes pion's internal logs into logger, one scope per subsystem.
func NewPionLogger(logger zerolog.Logger) logging.LoggerFactory {
	return pionLoggerFactory{logger: logger}
}

func (f pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{logger: f.logger.With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	logger zerolog.Logger
}

func (l pionLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Info(msg string) { l.logger.Info().Msg(msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}
