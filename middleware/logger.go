package middleware

import (
	"go.uber.org/zap"

	"github.com/hedeqiang/derby/event"
)

// Logger logs each feed log at debug level and reports dropped ones.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a logging middleware. A nil logger discards everything.
func NewLogger(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{logger: l}
}

// Wrap decorates the handler with event logging.
func (l *Logger) Wrap(next Handler) Handler {
	return func(lg event.Log) (event.Log, bool) {
		fields := []zap.Field{
			zap.String("chain", lg.Chain),
			zap.Uint64("block", lg.BlockNumber),
			zap.String("tx", lg.TxHash.Hex()),
			zap.Uint("log_index", lg.LogIndex),
		}
		out, keep := next(lg)
		if keep {
			l.logger.Debug("feed log", fields...)
		} else {
			l.logger.Debug("feed log dropped", fields...)
		}
		return out, keep
	}
}
